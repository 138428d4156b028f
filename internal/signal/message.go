// Package signal defines the signaling wire protocol shared by all
// transport backends.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Kind identifies the role of a signaling message.
type Kind string

const (
	// KindOffer carries a session description proposing a connection.
	KindOffer Kind = "offer"
	// KindAnswer carries the session description replying to an offer.
	KindAnswer Kind = "answer"
	// KindICECandidate carries one ICE candidate.
	KindICECandidate Kind = "ice"
	// KindJoin announces a participant entering a room.
	KindJoin Kind = "join"
	// KindLeave announces a participant leaving a room.
	KindLeave Kind = "leave"
)

// Signaling reports whether the kind carries negotiation payload rather
// than presence. Signaling kinds are retained preferentially when a room
// log is trimmed.
func (k Kind) Signaling() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	default:
		return false
	}
}

// Message is one signaling payload. The same JSON shape travels over every
// backend so that SequenceID-based dedup works across heterogeneous
// delivery paths.
type Message struct {
	Kind      Kind                       `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	RoomID    string                     `json:"roomId"`
	SenderID  string                     `json:"senderId"`
	// Target, when set, addresses the message to one participant; other
	// receivers discard it. Presence messages are never targeted.
	Target     string `json:"target,omitempty"`
	SequenceID string `json:"seq"`
	EmittedAt  int64  `json:"emittedAt"`
}

// New builds a message with a fresh sequence ID and timestamp.
func New(kind Kind, roomID, senderID string) Message {
	now := time.Now()
	return Message{
		Kind:       kind,
		RoomID:     roomID,
		SenderID:   senderID,
		SequenceID: NewSequenceID(now),
		EmittedAt:  now.UnixMilli(),
	}
}

// NewSequenceID returns a globally-unique message token. The leading
// timestamp makes tokens roughly discoverable by age; the random suffix
// makes collisions across senders vanishingly unlikely. Tokens are used
// for dedup only, never for ordering.
func NewSequenceID(at time.Time) string {
	return fmt.Sprintf("%d_%s", at.UnixMilli(), uuid.NewString()[:8])
}

// Encode marshals the message to its wire form.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a wire payload into a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode signal: %w", err)
	}
	return m, nil
}
