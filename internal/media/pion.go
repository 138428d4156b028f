package media

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// Config holds the pion adapter settings.
type Config struct {
	// ICEServers are the STUN/TURN servers for candidate gathering.
	ICEServers []webrtc.ICEServer
	// AudioTrack and VideoTrack are the local media sources, acquired by
	// the surrounding system. A nil track makes that kind receive-only.
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal
	// Logger receives adapter diagnostics.
	Logger zerolog.Logger
}

// NewPionFactory returns a Factory producing pion-backed engines with the
// default codecs and interceptor set.
func NewPionFactory(cfg Config) Factory {
	return func() (Engine, error) {
		return newPionEngine(cfg)
	}
}

// pionEngine adapts a pion peer connection to the Engine surface.
type pionEngine struct {
	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	onTrack     func(track Track)
	closed      bool
	log         zerolog.Logger
}

// newPionEngine builds the API, peer connection, and media directions.
func newPionEngine(cfg Config) (*pionEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptors),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	e := &pionEngine{
		pc:         pc,
		audioTrack: cfg.AudioTrack,
		videoTrack: cfg.VideoTrack,
		log:        cfg.Logger.With().Str("component", "media").Logger(),
	}

	if e.audioSender, err = e.attach(cfg.AudioTrack, webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if e.videoSender, err = e.attach(cfg.VideoTrack, webrtc.RTPCodecTypeVideo); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(e.handleRemoteTrack)
	return e, nil
}

// attach adds a local track (or a receive-only transceiver when nil) and
// starts the RTCP drain the sender needs to keep interceptors fed.
func (e *pionEngine) attach(track webrtc.TrackLocal, kind webrtc.RTPCodecType) (*webrtc.RTPSender, error) {
	if track == nil {
		_, err := e.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return nil, err
	}
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", kind, err)
	}
	go drainRTCP(sender)
	return sender, nil
}

// CreateOffer produces and installs the local offer. Offers are only
// legal from a stable signaling state; anything else means a negotiation
// is already in flight and the caller's state machine is stale.
func (e *pionEngine) CreateOffer() (webrtc.SessionDescription, error) {
	if state := e.pc.SignalingState(); state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("cannot offer in signaling state %s", state)
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer and produces the local answer.
func (e *pionEngine) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the remote answer. Answers only apply on
// top of a pending local offer.
func (e *pionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if state := e.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("cannot apply answer in signaling state %s", state)
	}
	return e.pc.SetRemoteDescription(desc)
}

// AddICECandidate feeds one remote candidate.
func (e *pionEngine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(candidate)
}

// SetAudioEnabled mutes or unmutes outbound audio by detaching the track
// from its sender, the closest pion equivalent of track.enabled.
func (e *pionEngine) SetAudioEnabled(enabled bool) {
	e.toggle(e.audioSender, e.audioTrack, enabled)
}

// SetVideoEnabled stops or resumes outbound video.
func (e *pionEngine) SetVideoEnabled(enabled bool) {
	e.toggle(e.videoSender, e.videoTrack, enabled)
}

// toggle swaps the sender's track with nil and back.
func (e *pionEngine) toggle(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool) {
	if sender == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if enabled {
		err = sender.ReplaceTrack(track)
	} else {
		err = sender.ReplaceTrack(nil)
	}
	if err != nil {
		e.log.Warn().Err(err).Bool("enabled", enabled).Msg("track toggle failed")
	}
}

// OnICECandidate forwards gathered candidates, dropping the nil gathering
// terminator.
func (e *pionEngine) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnConnectionStateChange forwards peer connection state transitions.
func (e *pionEngine) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	e.pc.OnConnectionStateChange(fn)
}

// OnRemoteTrack installs the remote track callback.
func (e *pionEngine) OnRemoteTrack(fn func(track Track)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTrack = fn
}

// Close releases the peer connection.
func (e *pionEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.pc.Close()
}

// handleRemoteTrack surfaces the track and drains its RTP so the remote
// sender's congestion feedback keeps flowing even when nothing consumes
// the media yet.
func (e *pionEngine) handleRemoteTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()

	e.log.Info().Str("kind", remote.Kind().String()).Str("id", remote.ID()).Msg("remote track")
	if fn != nil {
		fn(Track{Kind: remote.Kind().String(), ID: remote.ID()})
	}
	go e.drainRTP(remote)
	go drainReceiverRTCP(receiver)
}

// rtpStatsEvery is how many packets pass between inbound stats reports.
const rtpStatsEvery = 500

// drainRTP consumes the track's RTP until it ends, reporting inbound
// stats periodically so a stalled remote sender is visible in the logs.
func (e *pionEngine) drainRTP(remote *webrtc.TrackRemote) {
	pkt := &rtp.Packet{}
	buf := make([]byte, 1600)
	var packets, bytes uint64
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			e.log.Debug().Err(err).Str("id", remote.ID()).Msg("bad rtp packet")
			continue
		}
		packets++
		bytes += uint64(n)
		if packets%rtpStatsEvery == 0 {
			e.log.Debug().
				Str("kind", remote.Kind().String()).
				Uint32("ssrc", pkt.SSRC).
				Uint16("seq", pkt.SequenceNumber).
				Uint64("packets", packets).
				Uint64("bytes", bytes).
				Msg("inbound rtp")
		}
	}
}

// drainRTCP consumes sender reports so interceptors keep functioning.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainReceiverRTCP consumes receiver reports.
func drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}
