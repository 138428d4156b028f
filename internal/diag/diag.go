// Package diag exposes manual negotiation overrides for debugging stuck
// calls. Overrides bypass initiator selection, so two peers triggering
// them simultaneously can glare; the engine resolves that as usual.
package diag

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/negotiate"
)

// Negotiator is the slice of the negotiation engine diagnostics need.
type Negotiator interface {
	ForceNegotiate(peerID string)
	Phase(peerID string) negotiate.Phase
	Members() []string
}

// Overrider triggers manual negotiation attempts.
type Overrider struct {
	engine Negotiator
	log    zerolog.Logger
}

// New creates an overrider bound to an engine.
func New(engine Negotiator, logger zerolog.Logger) *Overrider {
	return &Overrider{
		engine: engine,
		log:    logger.With().Str("component", "diag").Logger(),
	}
}

// Force starts an offer toward the peer regardless of initiator rules.
func (o *Overrider) Force(peerID string) error {
	if peerID == "" {
		return errors.New("peer id is required")
	}
	found := false
	for _, m := range o.engine.Members() {
		if m == peerID {
			found = true
			break
		}
	}
	if !found {
		return errors.New("peer is not in the room")
	}
	o.log.Info().Str("peer", peerID).Stringer("phase", o.engine.Phase(peerID)).Msg("forcing negotiation")
	o.engine.ForceNegotiate(peerID)
	return nil
}

// Phases reports the current phase toward every room member.
func (o *Overrider) Phases() map[string]string {
	phases := make(map[string]string)
	for _, m := range o.engine.Members() {
		phases[m] = o.engine.Phase(m).String()
	}
	return phases
}
