// Package call owns the call-level lifecycle: join, negotiate, media
// toggles, and the status snapshot the presentation layer reads.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/media"
	"github.com/peerwave/peerwave/internal/negotiate"
	"github.com/peerwave/peerwave/internal/transport"
)

// Status is the coarse call state surfaced to the presentation layer.
type Status string

const (
	// StatusIdle means Join has not been called.
	StatusIdle Status = "idle"
	// StatusJoining means presence is registered and peers are awaited.
	StatusJoining Status = "joining"
	// StatusNegotiating means at least one peer exchange is in flight.
	StatusNegotiating Status = "negotiating"
	// StatusConnected means at least one peer connection is established.
	StatusConnected Status = "connected"
	// StatusFailed means negotiation failed; reset is the recovery path.
	StatusFailed Status = "failed"
	// StatusEnded means the call was ended locally.
	StatusEnded Status = "ended"
)

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	Status       Status
	Participants []string
	Muted        bool
	VideoOff     bool
	LastError    string
}

// MediaSetup acquires local media honoring the initial camera and
// microphone preferences and returns the per-pair engine factory bound to
// it. An error means acquisition was denied or impossible.
type MediaSetup func(audioOn, videoOn bool) (media.Factory, error)

// Config wires a controller.
type Config struct {
	RoomID        string
	ParticipantID string
	Transport     transport.Transport
	// Media acquires local media on Join.
	Media MediaSetup
	// ReceiveOnly, when set, is the reduced-capability fallback used if
	// Media fails: the call proceeds without outbound media.
	ReceiveOnly media.Factory
	// ShareBaseURL prefixes the shareable room link.
	ShareBaseURL string
	// Initial microphone and camera preferences from the join form.
	AudioOn bool
	VideoOn bool
	// Debounce and DwellTimeout pass through to the negotiation engine.
	Debounce     time.Duration
	DwellTimeout time.Duration
	// OnTrack receives remote tracks for the presentation layer.
	OnTrack func(track media.Track)
	Logger  zerolog.Logger
}

// Controller sequences one call session. All accessors are safe for
// concurrent use; negotiation itself runs on the engine's event loop.
type Controller struct {
	cfg    Config
	log    zerolog.Logger
	engine *negotiate.Engine

	mu        sync.RWMutex
	status    Status
	muted     bool
	videoOff  bool
	lastError string
	started   bool
}

// New creates an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.ParticipantID == "" {
		return nil, errors.New("participant id is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Media == nil {
		return nil, errors.New("media setup is required")
	}
	return &Controller{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "call").Str("room", cfg.RoomID).Logger(),
		status:   StatusIdle,
		muted:    !cfg.AudioOn,
		videoOff: !cfg.VideoOn,
	}, nil
}

// Join acquires media, starts negotiation, and registers room presence.
// A media acquisition failure is fatal unless a receive-only fallback is
// configured, in which case the call proceeds without outbound media.
func (c *Controller) Join() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("already joined")
	}
	c.started = true
	c.mu.Unlock()

	factory, err := c.cfg.Media(c.cfg.AudioOn, c.cfg.VideoOn)
	if err != nil {
		if c.cfg.ReceiveOnly == nil {
			c.setError(fmt.Sprintf("media access denied: %v; grant camera/microphone permission and rejoin", err))
			c.setStatus(StatusFailed)
			return fmt.Errorf("acquire media: %w", err)
		}
		c.log.Warn().Err(err).Msg("media acquisition failed, continuing receive-only")
		c.setError(fmt.Sprintf("media unavailable (%v), joined receive-only", err))
		factory = c.cfg.ReceiveOnly
	}

	c.engine = negotiate.New(negotiate.Config{
		RoomID:       c.cfg.RoomID,
		LocalID:      c.cfg.ParticipantID,
		Transport:    c.cfg.Transport,
		NewEngine:    factory,
		Debounce:     c.cfg.Debounce,
		DwellTimeout: c.cfg.DwellTimeout,
		Logger:       c.cfg.Logger,
		OnPhase:      c.handlePhase,
		OnTrack:      c.cfg.OnTrack,
		OnError:      c.handleNegotiationError,
	})
	c.engine.SetMedia(c.cfg.AudioOn, c.cfg.VideoOn)
	c.engine.Start()

	if err := c.cfg.Transport.Join(c.cfg.RoomID, c.cfg.ParticipantID); err != nil {
		c.engine.Stop()
		c.setError(fmt.Sprintf("join failed: %v", err))
		c.setStatus(StatusFailed)
		return fmt.Errorf("transport join: %w", err)
	}
	c.setStatus(StatusJoining)
	return nil
}

// ToggleMute flips the microphone and applies it to every active engine.
func (c *Controller) ToggleMute() {
	c.mu.Lock()
	c.muted = !c.muted
	muted, videoOff := c.muted, c.videoOff
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.SetMedia(!muted, !videoOff)
	}
}

// ToggleVideo flips the camera.
func (c *Controller) ToggleVideo() {
	c.mu.Lock()
	c.videoOff = !c.videoOff
	muted, videoOff := c.muted, c.videoOff
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.SetMedia(!muted, !videoOff)
	}
}

// ResetNegotiation tears down every negotiation and retries from idle.
// This is the user-facing recovery action for a failed call.
func (c *Controller) ResetNegotiation() {
	c.mu.Lock()
	engine := c.engine
	c.lastError = ""
	c.mu.Unlock()
	if engine == nil {
		return
	}
	engine.ResetAll()
	c.setStatus(StatusJoining)
}

// EndCall leaves the room and releases everything.
func (c *Controller) EndCall() {
	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
	if err := c.cfg.Transport.Leave(c.cfg.RoomID, c.cfg.ParticipantID); err != nil {
		c.log.Warn().Err(err).Msg("leave failed")
	}
	if err := c.cfg.Transport.Close(); err != nil {
		c.log.Warn().Err(err).Msg("transport close failed")
	}
	c.setStatus(StatusEnded)
}

// ForceNegotiate starts an offer toward the peer regardless of initiator
// rules. Diagnostics only.
func (c *Controller) ForceNegotiate(peerID string) {
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()
	if engine != nil {
		engine.ForceNegotiate(peerID)
	}
}

// Phase returns the negotiation phase toward a peer.
func (c *Controller) Phase(peerID string) negotiate.Phase {
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()
	if engine == nil {
		return negotiate.PhaseIdle
	}
	return engine.Phase(peerID)
}

// Members returns the current sorted room membership.
func (c *Controller) Members() []string {
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()
	if engine == nil {
		return nil
	}
	return engine.Members()
}

// ShareLink returns the URL another participant uses to join this room.
func (c *Controller) ShareLink() string {
	return fmt.Sprintf("%s/room/%s", c.cfg.ShareBaseURL, c.cfg.RoomID)
}

// Snapshot returns the current presentation-layer view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		Status:    c.status,
		Muted:     c.muted,
		VideoOff:  c.videoOff,
		LastError: c.lastError,
	}
	engine := c.engine
	c.mu.RUnlock()
	if engine != nil {
		snap.Participants = engine.Members()
	}
	return snap
}

// handlePhase folds per-peer negotiation phases into the call status.
// Runs on the engine loop; keep it quick.
func (c *Controller) handlePhase(peerID string, phase negotiate.Phase) {
	switch phase {
	case negotiate.PhaseConnected:
		c.setStatus(StatusConnected)
	case negotiate.PhaseFailed:
		c.setStatus(StatusFailed)
	case negotiate.PhaseOfferSent, negotiate.PhaseOfferReceived, negotiate.PhaseAnswered:
		c.mu.Lock()
		if c.status == StatusJoining {
			c.status = StatusNegotiating
		}
		c.mu.Unlock()
	}
}

// handleNegotiationError records the most recent negotiation error.
func (c *Controller) handleNegotiationError(peerID string, err error) {
	c.setError(fmt.Sprintf("peer %s: %v", peerID, err))
}

// setStatus updates the call status.
func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// setError records the user-visible error.
func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
}
