// Package negotiate drives the offer/answer/ICE state machine for each
// peer pair in a room.
package negotiate

// Phase is the state of one negotiation attempt with one remote peer.
type Phase int

const (
	// PhaseIdle means no negotiation is in progress.
	PhaseIdle Phase = iota
	// PhaseOfferSent means the local offer is published and an answer is
	// awaited.
	PhaseOfferSent
	// PhaseOfferReceived means a remote offer arrived and an answer is
	// being produced.
	PhaseOfferReceived
	// PhaseAnswered means descriptions are exchanged and the media engine
	// is connecting.
	PhaseAnswered
	// PhaseConnected means the media engine reported an established
	// connection.
	PhaseConnected
	// PhaseFailed means the attempt failed; only an explicit reset leaves
	// this phase.
	PhaseFailed
)

// String names the phase for logs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferSent:
		return "offer-sent"
	case PhaseOfferReceived:
		return "offer-received"
	case PhaseAnswered:
		return "answered"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// negotiating reports whether the phase has an exchange in flight that
// should be bounded by the dwell timer.
func (p Phase) negotiating() bool {
	switch p {
	case PhaseOfferSent, PhaseOfferReceived, PhaseAnswered:
		return true
	default:
		return false
	}
}
