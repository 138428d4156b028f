// Package media defines the opaque media engine consumed by the
// negotiation engine, plus its pion-backed production adapter.
package media

import (
	"github.com/pion/webrtc/v3"
)

// Track is a remote media stream surfaced to the session controller.
type Track struct {
	// PeerID identifies which remote participant the track came from.
	PeerID string
	// Kind is "audio" or "video".
	Kind string
	// ID is the track identifier from the remote description.
	ID string
}

// Engine is the narrow command surface of the media transport machinery.
// The negotiation engine drives it and treats it as correct; codec, ICE,
// and DTLS details never leak across this boundary. Callback registration
// must happen before the first command. CreateOffer, CreateAnswer,
// SetRemoteDescription, and AddICECandidate may block on the underlying
// stack and are called off the negotiation loop.
type Engine interface {
	// CreateOffer produces the local session description for an offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer and produces the answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetRemoteDescription applies the remote answer.
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// AddICECandidate feeds one remote candidate.
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// SetAudioEnabled toggles outbound audio (mute).
	SetAudioEnabled(enabled bool)
	// SetVideoEnabled toggles outbound video.
	SetVideoEnabled(enabled bool)
	// OnICECandidate installs the local candidate callback. A nil
	// candidate marks the end of gathering and is not forwarded.
	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	// OnConnectionStateChange installs the connection state callback.
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	// OnRemoteTrack installs the remote track callback.
	OnRemoteTrack(fn func(track Track))
	// Close releases the engine. Callbacks stop firing afterwards.
	Close() error
}

// Factory creates one engine per negotiation attempt. The negotiation
// engine calls it for every peer pair and again after each reset.
type Factory func() (Engine, error)
