// Package testutil provides fakes shared by package tests.
package testutil

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/peerwave/peerwave/internal/media"
)

// FakeEngine implements media.Engine and records calls for tests. SDP
// bodies are synthetic; tests drive callbacks directly via the Emit
// helpers.
type FakeEngine struct {
	mu sync.Mutex

	// Calls lists method names in invocation order.
	Calls []string
	// Candidates holds every candidate passed to AddICECandidate.
	Candidates []webrtc.ICECandidateInit
	// RemoteDesc is the last description passed to SetRemoteDescription
	// or CreateAnswer.
	RemoteDesc webrtc.SessionDescription
	// AudioEnabled and VideoEnabled reflect the latest toggles.
	AudioEnabled bool
	VideoEnabled bool
	// Closed reports whether Close was called.
	Closed bool

	// OfferErr, AnswerErr, RemoteErr, and CandidateErr, when set, are
	// returned by the corresponding methods.
	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(media.Track)

	seq int
}

// Ensure FakeEngine implements the interface.
var _ media.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an engine with media enabled.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{AudioEnabled: true, VideoEnabled: true}
}

// FakeFactory returns a factory handing out fresh fakes and a function
// listing every engine created so far.
func FakeFactory() (media.Factory, func() []*FakeEngine) {
	var mu sync.Mutex
	var engines []*FakeEngine
	factory := func() (media.Engine, error) {
		e := NewFakeEngine()
		mu.Lock()
		engines = append(engines, e)
		mu.Unlock()
		return e, nil
	}
	created := func() []*FakeEngine {
		mu.Lock()
		defer mu.Unlock()
		return append([]*FakeEngine(nil), engines...)
	}
	return factory, created
}

// CreateOffer returns a synthetic offer.
func (f *FakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "CreateOffer")
	if f.OfferErr != nil {
		return webrtc.SessionDescription{}, f.OfferErr
	}
	f.seq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 fake-offer-%d", f.seq),
	}, nil
}

// CreateAnswer records the offer and returns a synthetic answer.
func (f *FakeEngine) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "CreateAnswer")
	if f.AnswerErr != nil {
		return webrtc.SessionDescription{}, f.AnswerErr
	}
	f.RemoteDesc = offer
	f.seq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0 fake-answer-%d", f.seq),
	}, nil
}

// SetRemoteDescription records the answer.
func (f *FakeEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "SetRemoteDescription")
	if f.RemoteErr != nil {
		return f.RemoteErr
	}
	f.RemoteDesc = desc
	return nil
}

// AddICECandidate records the candidate.
func (f *FakeEngine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "AddICECandidate")
	if f.CandidateErr != nil {
		return f.CandidateErr
	}
	f.Candidates = append(f.Candidates, candidate)
	return nil
}

// SetAudioEnabled records the audio toggle.
func (f *FakeEngine) SetAudioEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "SetAudioEnabled")
	f.AudioEnabled = enabled
}

// SetVideoEnabled records the video toggle.
func (f *FakeEngine) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "SetVideoEnabled")
	f.VideoEnabled = enabled
}

// OnICECandidate installs the local candidate callback.
func (f *FakeEngine) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

// OnConnectionStateChange installs the state callback.
func (f *FakeEngine) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

// OnRemoteTrack installs the track callback.
func (f *FakeEngine) OnRemoteTrack(fn func(track media.Track)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

// Close marks the engine closed.
func (f *FakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "Close")
	f.Closed = true
	return nil
}

// EmitCandidate fires the local candidate callback.
func (f *FakeEngine) EmitCandidate(candidate webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// EmitState fires the connection state callback.
func (f *FakeEngine) EmitState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitTrack fires the remote track callback.
func (f *FakeEngine) EmitTrack(track media.Track) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// CallNames returns a copy of the recorded call list.
func (f *FakeEngine) CallNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// AppliedCandidates returns a copy of the candidates applied so far.
func (f *FakeEngine) AppliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.Candidates...)
}

// Remote returns the last remote description seen.
func (f *FakeEngine) Remote() webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RemoteDesc
}

// AudioOn reports the latest audio toggle.
func (f *FakeEngine) AudioOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AudioEnabled
}

// VideoOn reports the latest video toggle.
func (f *FakeEngine) VideoOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.VideoEnabled
}

// IsClosed reports whether Close was called.
func (f *FakeEngine) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}
