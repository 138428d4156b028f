package negotiate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/media"
	"github.com/peerwave/peerwave/internal/presence"
	"github.com/peerwave/peerwave/internal/signal"
	"github.com/peerwave/peerwave/internal/transport"
)

const (
	// DefaultDebounce is how long membership must settle before an
	// initiator commits to a role.
	DefaultDebounce = time.Second
	// DefaultDwellTimeout bounds how long an exchange may sit in
	// offer-sent, offer-received, or answered before failing.
	DefaultDwellTimeout = 30 * time.Second

	// eventBuffer sizes the loop inbox; producers drop-free block on it.
	eventBuffer = 256
	// seenWindow bounds the defensive sequence-ID re-check. Transports
	// already dedup; this catches a misbehaving backend.
	seenWindow = 512
	// candidateBuffer sizes the per-pair ordered candidate applier queue.
	candidateBuffer = 64
)

// Config wires an engine into its room session.
type Config struct {
	RoomID  string
	LocalID string
	// Transport delivers signaling; the engine subscribes on Start.
	Transport transport.Transport
	// NewEngine creates one media engine per negotiation attempt.
	NewEngine media.Factory
	// Debounce and DwellTimeout default when zero.
	Debounce     time.Duration
	DwellTimeout time.Duration
	Logger       zerolog.Logger

	// OnPhase, OnTrack, and OnError run on the event loop goroutine and
	// must not block. Any of them may be nil.
	OnPhase func(peerID string, phase Phase)
	OnTrack func(track media.Track)
	OnError func(peerID string, err error)
}

// Engine owns one negotiation state per remote peer and mutates all of it
// on a single event-loop goroutine: inbound messages, media callbacks,
// and timers enter as events, and awaited media operations re-enter as
// events validated against the pair's epoch before their results apply.
type Engine struct {
	cfg      Config
	presence *presence.Tracker

	events chan event
	done   chan struct{}
	once   sync.Once

	// Loop-owned state. Only the event loop touches these.
	pairs     map[string]*pair
	seen      map[string]struct{}
	seenOrder []string
	debounce  *time.Timer
	audioOn   bool
	videoOn   bool

	// phases mirrors pair phases for synchronous reads from outside.
	mu     sync.RWMutex
	phases map[string]Phase

	log zerolog.Logger
}

// pair is the negotiation state toward one remote peer. The epoch
// increments on every reset or engine teardown; completions stamped with
// an older epoch are discarded instead of applied.
type pair struct {
	peerID        string
	phase         Phase
	isInitiator   bool
	epoch         int
	engine        media.Engine
	pending       []webrtc.ICECandidateInit
	remoteApplied bool
	candidates    chan webrtc.ICECandidateInit
	dwell         *time.Timer
}

// event is the closed set of loop inputs.
type event interface{}

type evMessage struct{ msg signal.Message }
type evOfferReady struct {
	peerID string
	epoch  int
	sdp    webrtc.SessionDescription
	err    error
}
type evAnswerReady struct {
	peerID string
	epoch  int
	sdp    webrtc.SessionDescription
	err    error
}
type evAnswerApplied struct {
	peerID string
	epoch  int
	err    error
}
type evLocalCandidate struct {
	peerID    string
	epoch     int
	candidate webrtc.ICECandidateInit
}
type evConnState struct {
	peerID string
	epoch  int
	state  webrtc.PeerConnectionState
}
type evDebounce struct{}
type evDwell struct {
	peerID string
	epoch  int
}
type evReset struct {
	peerID string
	all    bool
}
type evForce struct{ peerID string }
type evSetMedia struct{ audio, video bool }

// New creates an engine; Start begins processing.
func New(cfg Config) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.DwellTimeout <= 0 {
		cfg.DwellTimeout = DefaultDwellTimeout
	}
	logger := cfg.Logger.With().
		Str("component", "negotiate").
		Str("room", cfg.RoomID).
		Str("local", cfg.LocalID).
		Logger()
	return &Engine{
		cfg:      cfg,
		presence: presence.New(cfg.Logger),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
		pairs:    make(map[string]*pair),
		seen:     make(map[string]struct{}),
		phases:   make(map[string]Phase),
		audioOn:  true,
		videoOn:  true,
		log:      logger,
	}
}

// Start subscribes to the transport and launches the event loop. The
// local participant counts as present immediately; remote membership
// arrives through join messages.
func (e *Engine) Start() {
	e.presence.Apply(signal.Message{Kind: signal.KindJoin, RoomID: e.cfg.RoomID, SenderID: e.cfg.LocalID})
	e.cfg.Transport.Subscribe(func(msg signal.Message) {
		e.post(evMessage{msg: msg})
	})
	go e.loop()
}

// Stop shuts the loop down and releases every media engine.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.done) })
}

// Reset tears down the negotiation with one peer and re-enters initiator
// selection. It is the only way out of PhaseFailed.
func (e *Engine) Reset(peerID string) {
	e.post(evReset{peerID: peerID})
}

// ResetAll resets every pair.
func (e *Engine) ResetAll() {
	e.post(evReset{all: true})
}

// ForceNegotiate starts an offer toward a peer immediately, bypassing
// debounce and initiator selection. Diagnostic use only.
func (e *Engine) ForceNegotiate(peerID string) {
	e.post(evForce{peerID: peerID})
}

// SetMedia applies mute and video flags to every active media engine and
// to engines created later.
func (e *Engine) SetMedia(audioOn, videoOn bool) {
	e.post(evSetMedia{audio: audioOn, video: videoOn})
}

// Members returns the current sorted room membership.
func (e *Engine) Members() []string {
	return e.presence.Members(e.cfg.RoomID)
}

// Phase returns the current phase toward a peer.
func (e *Engine) Phase(peerID string) Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phases[peerID]
}

// post enqueues an event unless the engine is stopped.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// loop is the single thread of control for all negotiation state.
func (e *Engine) loop() {
	for {
		select {
		case <-e.done:
			for _, p := range e.pairs {
				e.teardown(p)
			}
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

// handle dispatches one event.
func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case evMessage:
		e.handleMessage(ev.msg)
	case evOfferReady:
		e.handleOfferReady(ev)
	case evAnswerReady:
		e.handleAnswerReady(ev)
	case evAnswerApplied:
		e.handleAnswerApplied(ev)
	case evLocalCandidate:
		e.handleLocalCandidate(ev)
	case evConnState:
		e.handleConnState(ev)
	case evDebounce:
		e.maybeInitiate()
	case evDwell:
		e.handleDwell(ev)
	case evReset:
		e.handleReset(ev)
	case evForce:
		e.handleForce(ev)
	case evSetMedia:
		e.handleSetMedia(ev)
	}
}

// handleMessage routes one inbound signaling message.
func (e *Engine) handleMessage(msg signal.Message) {
	if msg.RoomID != e.cfg.RoomID || msg.SenderID == e.cfg.LocalID {
		return
	}
	if msg.Target != "" && msg.Target != e.cfg.LocalID {
		return
	}
	if msg.SequenceID != "" {
		if _, dup := e.seen[msg.SequenceID]; dup {
			e.log.Debug().Str("seq", msg.SequenceID).Msg("duplicate slipped past transport, discarding")
			return
		}
		e.seen[msg.SequenceID] = struct{}{}
		e.seenOrder = append(e.seenOrder, msg.SequenceID)
		if len(e.seenOrder) > seenWindow {
			delete(e.seen, e.seenOrder[0])
			e.seenOrder = e.seenOrder[1:]
		}
	}

	switch msg.Kind {
	case signal.KindJoin:
		if e.presence.Apply(msg) {
			e.scheduleDebounce()
		}
	case signal.KindLeave:
		if e.presence.Apply(msg) {
			e.dropPeer(msg.SenderID)
			e.scheduleDebounce()
		}
	case signal.KindOffer:
		e.handleOffer(msg)
	case signal.KindAnswer:
		e.handleAnswer(msg)
	case signal.KindICECandidate:
		e.handleCandidate(msg)
	}
}

// scheduleDebounce (re)arms the initiator decision timer so membership
// flicker settles before anyone commits to a role.
func (e *Engine) scheduleDebounce() {
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.cfg.Debounce, func() {
		e.post(evDebounce{})
	})
}

// maybeInitiate offers to every idle peer if the local participant is the
// designated initiator: the lexicographically smallest current member.
func (e *Engine) maybeInitiate() {
	members := e.presence.Members(e.cfg.RoomID)
	if len(members) < 2 || members[0] != e.cfg.LocalID {
		return
	}
	for _, peerID := range members[1:] {
		p, err := e.ensurePair(peerID)
		if err != nil {
			e.fail(nil, peerID, err)
			continue
		}
		if p.phase == PhaseIdle {
			e.startOffer(p)
		}
	}
}

// startOffer begins an offer toward the pair's peer.
func (e *Engine) startOffer(p *pair) {
	p.isInitiator = true
	e.setPhase(p, PhaseOfferSent)
	e.armDwell(p)

	eng, epoch := p.engine, p.epoch
	go func() {
		sdp, err := eng.CreateOffer()
		e.post(evOfferReady{peerID: p.peerID, epoch: epoch, sdp: sdp, err: err})
	}()
}

// handleOfferReady publishes the produced offer, unless the pair moved on
// while the offer was being created.
func (e *Engine) handleOfferReady(ev evOfferReady) {
	p := e.pairs[ev.peerID]
	if p == nil || p.epoch != ev.epoch || p.phase != PhaseOfferSent {
		return
	}
	if ev.err != nil {
		e.fail(p, p.peerID, fmt.Errorf("create offer: %w", ev.err))
		return
	}
	e.publish(signal.KindOffer, p.peerID, func(m *signal.Message) { m.SDP = &ev.sdp })
}

// handleOffer processes a remote offer, including glare resolution: a
// remote offer while the local one stands wins only when the remote
// sender sorts lexicographically before the local participant.
func (e *Engine) handleOffer(msg signal.Message) {
	if msg.SDP == nil {
		e.log.Warn().Str("seq", msg.SequenceID).Msg("offer without description")
		return
	}
	p, err := e.ensurePair(msg.SenderID)
	if err != nil {
		e.fail(nil, msg.SenderID, err)
		return
	}

	switch p.phase {
	case PhaseIdle:
	case PhaseOfferSent:
		if msg.SenderID >= e.cfg.LocalID {
			e.log.Info().Str("peer", p.peerID).Msg("glare: local offer stands, ignoring remote offer")
			return
		}
		e.log.Info().Str("peer", p.peerID).Msg("glare: yielding to remote offer")
		// The local offer is already installed in the engine; pion has no
		// rollback, so recreate the engine for a clean answer.
		e.recycleEngine(p)
		if p.engine == nil {
			return
		}
	default:
		e.log.Debug().Str("peer", p.peerID).Stringer("phase", p.phase).Msg("stale offer discarded")
		return
	}

	e.setPhase(p, PhaseOfferReceived)
	e.armDwell(p)
	eng, epoch, offer := p.engine, p.epoch, *msg.SDP
	go func() {
		sdp, err := eng.CreateAnswer(offer)
		e.post(evAnswerReady{peerID: p.peerID, epoch: epoch, sdp: sdp, err: err})
	}()
}

// handleAnswerReady publishes the produced answer and releases buffered
// candidates, the remote description now being applied.
func (e *Engine) handleAnswerReady(ev evAnswerReady) {
	p := e.pairs[ev.peerID]
	if p == nil || p.epoch != ev.epoch || p.phase != PhaseOfferReceived {
		return
	}
	if ev.err != nil {
		e.fail(p, p.peerID, fmt.Errorf("create answer: %w", ev.err))
		return
	}
	p.remoteApplied = true
	e.flushPending(p)
	e.publish(signal.KindAnswer, p.peerID, func(m *signal.Message) { m.SDP = &ev.sdp })
	e.setPhase(p, PhaseAnswered)
	e.armDwell(p)
}

// handleAnswer applies a remote answer. Any answer outside PhaseOfferSent
// is stale or duplicate and is discarded without error.
func (e *Engine) handleAnswer(msg signal.Message) {
	p := e.pairs[msg.SenderID]
	if p == nil || p.phase != PhaseOfferSent || msg.SDP == nil {
		e.log.Debug().Str("peer", msg.SenderID).Msg("stale answer discarded")
		return
	}
	eng, epoch, answer := p.engine, p.epoch, *msg.SDP
	go func() {
		err := eng.SetRemoteDescription(answer)
		e.post(evAnswerApplied{peerID: p.peerID, epoch: epoch, err: err})
	}()
}

// handleAnswerApplied completes the answer application.
func (e *Engine) handleAnswerApplied(ev evAnswerApplied) {
	p := e.pairs[ev.peerID]
	if p == nil || p.epoch != ev.epoch || p.phase != PhaseOfferSent {
		return
	}
	if ev.err != nil {
		e.fail(p, p.peerID, fmt.Errorf("apply answer: %w", ev.err))
		return
	}
	p.remoteApplied = true
	e.flushPending(p)
	e.setPhase(p, PhaseAnswered)
	e.armDwell(p)
}

// handleCandidate buffers or applies a remote ICE candidate. Candidates
// arriving before a remote description are buffered and replayed in
// receipt order once it applies.
func (e *Engine) handleCandidate(msg signal.Message) {
	if msg.Candidate == nil {
		return
	}
	p, err := e.ensurePair(msg.SenderID)
	if err != nil {
		e.fail(nil, msg.SenderID, err)
		return
	}
	if !p.remoteApplied {
		p.pending = append(p.pending, *msg.Candidate)
		return
	}
	e.enqueueCandidate(p, *msg.Candidate)
}

// flushPending replays buffered candidates in their original order.
func (e *Engine) flushPending(p *pair) {
	for _, c := range p.pending {
		e.enqueueCandidate(p, c)
	}
	p.pending = nil
}

// enqueueCandidate hands a candidate to the pair's ordered applier.
func (e *Engine) enqueueCandidate(p *pair, c webrtc.ICECandidateInit) {
	if p.candidates == nil {
		return
	}
	select {
	case p.candidates <- c:
	default:
		e.log.Warn().Str("peer", p.peerID).Msg("candidate queue full, dropping candidate")
	}
}

// handleLocalCandidate publishes a locally gathered candidate.
func (e *Engine) handleLocalCandidate(ev evLocalCandidate) {
	p := e.pairs[ev.peerID]
	if p == nil || p.epoch != ev.epoch || p.phase == PhaseIdle || p.phase == PhaseFailed {
		return
	}
	e.publish(signal.KindICECandidate, ev.peerID, func(m *signal.Message) { m.Candidate = &ev.candidate })
}

// handleConnState folds media engine state reports into the phase.
func (e *Engine) handleConnState(ev evConnState) {
	p := e.pairs[ev.peerID]
	if p == nil || p.epoch != ev.epoch {
		return
	}
	switch ev.state {
	case webrtc.PeerConnectionStateConnected:
		if p.phase.negotiating() {
			e.stopDwell(p)
			e.setPhase(p, PhaseConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		if p.phase.negotiating() || p.phase == PhaseConnected {
			e.fail(p, p.peerID, errors.New("media engine reported connection failure"))
		}
	case webrtc.PeerConnectionStateDisconnected:
		e.log.Warn().Str("peer", p.peerID).Msg("media engine disconnected, awaiting recovery or failure")
	}
}

// handleDwell fails a negotiation stuck past the dwell bound.
func (e *Engine) handleDwell(ev evDwell) {
	p := e.pairs[ev.peerID]
	if p == nil || p.epoch != ev.epoch || !p.phase.negotiating() {
		return
	}
	e.fail(p, p.peerID, fmt.Errorf("negotiation stalled in %s", p.phase))
}

// handleReset tears the pair (or all pairs) down to idle and re-enters
// initiator selection. In-flight completions die on the epoch check.
func (e *Engine) handleReset(ev evReset) {
	if ev.all {
		for _, p := range e.pairs {
			e.resetPair(p)
		}
	} else if p := e.pairs[ev.peerID]; p != nil {
		e.resetPair(p)
	}
	e.scheduleDebounce()
}

// handleForce starts an offer immediately; diagnostic path.
func (e *Engine) handleForce(ev evForce) {
	p, err := e.ensurePair(ev.peerID)
	if err != nil {
		e.fail(nil, ev.peerID, err)
		return
	}
	if p.phase != PhaseIdle {
		e.log.Warn().Str("peer", ev.peerID).Stringer("phase", p.phase).Msg("forced negotiation refused, pair not idle")
		return
	}
	e.log.Info().Str("peer", ev.peerID).Msg("forced negotiation")
	e.startOffer(p)
}

// handleSetMedia applies the media flags to all engines.
func (e *Engine) handleSetMedia(ev evSetMedia) {
	e.audioOn, e.videoOn = ev.audio, ev.video
	for _, p := range e.pairs {
		if p.engine != nil {
			p.engine.SetAudioEnabled(ev.audio)
			p.engine.SetVideoEnabled(ev.video)
		}
	}
}

// ensurePair returns the pair for a peer, creating its state and media
// engine on first use.
func (e *Engine) ensurePair(peerID string) (*pair, error) {
	p, ok := e.pairs[peerID]
	if !ok {
		p = &pair{peerID: peerID, phase: PhaseIdle}
		e.pairs[peerID] = p
		e.setPhase(p, PhaseIdle)
	}
	if p.engine == nil {
		if err := e.attachEngine(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// attachEngine creates and wires a fresh media engine for the pair.
// Callbacks stamp the current epoch so anything they report after a reset
// is discarded.
func (e *Engine) attachEngine(p *pair) error {
	eng, err := e.cfg.NewEngine()
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	p.engine = eng
	p.candidates = make(chan webrtc.ICECandidateInit, candidateBuffer)
	epoch := p.epoch
	peerID := p.peerID

	eng.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.post(evLocalCandidate{peerID: peerID, epoch: epoch, candidate: c})
	})
	eng.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.post(evConnState{peerID: peerID, epoch: epoch, state: s})
	})
	eng.OnRemoteTrack(func(t media.Track) {
		t.PeerID = peerID
		if e.cfg.OnTrack != nil {
			e.cfg.OnTrack(t)
		}
	})
	eng.SetAudioEnabled(e.audioOn)
	eng.SetVideoEnabled(e.videoOn)

	go applyCandidates(eng, p.candidates, e.log)
	return nil
}

// applyCandidates feeds candidates to the engine strictly in queue order.
func applyCandidates(eng media.Engine, ch chan webrtc.ICECandidateInit, log zerolog.Logger) {
	for c := range ch {
		if err := eng.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Msg("add ice candidate failed")
		}
	}
}

// recycleEngine replaces the pair's media engine, bumping the epoch so
// in-flight results for the old engine are dropped.
func (e *Engine) recycleEngine(p *pair) {
	e.detachEngine(p)
	if err := e.attachEngine(p); err != nil {
		e.fail(p, p.peerID, err)
	}
}

// detachEngine closes and forgets the pair's engine.
func (e *Engine) detachEngine(p *pair) {
	p.epoch++
	e.stopDwell(p)
	if p.candidates != nil {
		close(p.candidates)
		p.candidates = nil
	}
	if p.engine != nil {
		_ = p.engine.Close()
		p.engine = nil
	}
	p.pending = nil
	p.remoteApplied = false
	p.isInitiator = false
}

// resetPair returns a pair to idle.
func (e *Engine) resetPair(p *pair) {
	e.detachEngine(p)
	e.setPhase(p, PhaseIdle)
}

// dropPeer removes all state for a departed peer.
func (e *Engine) dropPeer(peerID string) {
	p, ok := e.pairs[peerID]
	if !ok {
		return
	}
	e.teardown(p)
	delete(e.pairs, peerID)
	e.mu.Lock()
	delete(e.phases, peerID)
	e.mu.Unlock()
}

// teardown releases a pair without phase bookkeeping.
func (e *Engine) teardown(p *pair) {
	e.detachEngine(p)
}

// fail marks a pair failed and surfaces the error. The pair may be nil
// when engine creation itself failed.
func (e *Engine) fail(p *pair, peerID string, err error) {
	e.log.Error().Err(err).Str("peer", peerID).Msg("negotiation failed")
	if p != nil {
		e.stopDwell(p)
		e.setPhase(p, PhaseFailed)
	}
	if e.cfg.OnError != nil {
		e.cfg.OnError(peerID, err)
	}
}

// armDwell (re)starts the stuck-negotiation timer.
func (e *Engine) armDwell(p *pair) {
	e.stopDwell(p)
	epoch, peerID := p.epoch, p.peerID
	p.dwell = time.AfterFunc(e.cfg.DwellTimeout, func() {
		e.post(evDwell{peerID: peerID, epoch: epoch})
	})
}

// stopDwell cancels the dwell timer.
func (e *Engine) stopDwell(p *pair) {
	if p.dwell != nil {
		p.dwell.Stop()
		p.dwell = nil
	}
}

// setPhase records and announces a phase change.
func (e *Engine) setPhase(p *pair, phase Phase) {
	if p.phase == phase && phase != PhaseIdle {
		return
	}
	p.phase = phase
	e.mu.Lock()
	e.phases[p.peerID] = phase
	e.mu.Unlock()
	e.log.Info().Str("peer", p.peerID).Stringer("phase", phase).Msg("phase change")
	if e.cfg.OnPhase != nil {
		e.cfg.OnPhase(p.peerID, phase)
	}
}

// publish emits one signaling message addressed to a peer, best-effort.
// Transports broadcast to the room; the target lets other members discard
// descriptions not meant for them.
func (e *Engine) publish(kind signal.Kind, target string, fill func(*signal.Message)) {
	msg := signal.New(kind, e.cfg.RoomID, e.cfg.LocalID)
	msg.Target = target
	fill(&msg)
	if err := e.cfg.Transport.Publish(msg); err != nil {
		e.log.Warn().Err(err).Str("kind", string(kind)).Msg("publish failed")
	}
}
