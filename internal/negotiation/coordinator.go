// Package negotiation drives one WebRTC call: it owns the PeerConnection and
// local media for an attempt, orders offer/answer/candidate handling, and
// reports progress as events.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/broadcast"
)

type State int

const (
	StateIdle State = iota
	StateInitializing
	StateOfferCreated
	StateAnswerPending
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateOfferCreated:
		return "offer-created"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

const (
	DefaultNegotiationTimeout  = 30 * time.Second
	DefaultMaxQueuedCandidates = 64
)

// Signaler carries this side's negotiation blobs to the remote peer.
type Signaler interface {
	SendOffer(ctx context.Context, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
}

// PeerConnection is the subset of *webrtc.PeerConnection the coordinator
// drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	GetStats() webrtc.StatsReport
	Close() error
}

type Config struct {
	Signaler Signaler

	// API builds PeerConnections when NewPeerConnection is nil.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// NewPeerConnection overrides PeerConnection construction.
	NewPeerConnection func(webrtc.Configuration) (PeerConnection, error)

	// Media acquires local tracks. Defaults to NewSilentAudio.
	Media MediaSource

	// NegotiationTimeout bounds the time from StartCall/AcceptCall to
	// Connected. Defaults to DefaultNegotiationTimeout.
	NegotiationTimeout time.Duration

	// MaxQueuedCandidates bounds candidates held before a remote
	// description exists. Defaults to DefaultMaxQueuedCandidates.
	MaxQueuedCandidates int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.NewPeerConnection == nil {
		api := c.API
		if api == nil {
			api = webrtc.NewAPI()
		}
		c.NewPeerConnection = func(cfg webrtc.Configuration) (PeerConnection, error) {
			return api.NewPeerConnection(cfg)
		}
	}
	if c.Media == nil {
		c.Media = NewSilentAudio
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.MaxQueuedCandidates <= 0 {
		c.MaxQueuedCandidates = DefaultMaxQueuedCandidates
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventRemoteTrack
	EventNegotiationFailed
)

// Event reports coordinator progress. State and Prev are set for
// EventStateChanged, Track for EventRemoteTrack and Err for
// EventNegotiationFailed.
type Event struct {
	Kind  EventKind
	State State
	Prev  State
	Track *webrtc.TrackRemote
	Err   error
}

// errStale marks a step whose attempt was closed or replaced while it ran.
var errStale = errors.New("negotiation: attempt superseded")

// Coordinator is safe for concurrent use. Each StartCall/AcceptCall opens an
// attempt identified by a generation number; callbacks and steps belonging
// to an older generation are ignored.
type Coordinator struct {
	cfg    Config
	log    *slog.Logger
	events *broadcast.Hub[Event]

	mu    sync.Mutex
	state State
	gen   uint64
	pc    PeerConnection
	media Media
	timer *time.Timer

	// pending holds candidates received before the remote description was
	// applied; remoteReady is set once they have all been drained.
	pending     []webrtc.ICECandidateInit
	remoteReady bool

	audioEnabled bool
}

func NewCoordinator(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:          cfg,
		log:          cfg.Logger,
		events:       broadcast.NewHub[Event](broadcast.DefaultBuffer),
		state:        StateIdle,
		audioEnabled: true,
	}
}

// Subscribe returns a subscription to coordinator events.
func (c *Coordinator) Subscribe() *broadcast.Subscription[Event] {
	return c.events.Subscribe()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartCall begins an outgoing call: it acquires media, attaches it, and
// only then creates, applies and sends the offer.
func (c *Coordinator) StartCall(ctx context.Context) error {
	gen, err := c.begin("start", true)
	if err != nil {
		return err
	}

	pc, err := c.prepare(ctx, gen)
	if err != nil {
		return c.abort(gen, "start", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return c.abort(gen, "create-offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return c.abort(gen, "set-local-description", err)
	}
	if !c.advance(gen, StateOfferCreated) {
		return nil
	}

	if err := c.cfg.Signaler.SendOffer(ctx, offer); err != nil {
		return c.abort(gen, "send-offer", err)
	}
	return nil
}

// AcceptCall answers offer. Candidates received before it, including while
// Idle, are applied in arrival order right after the offer is set.
func (c *Coordinator) AcceptCall(ctx context.Context, offer webrtc.SessionDescription) error {
	gen, err := c.begin("accept", false)
	if err != nil {
		return err
	}

	pc, err := c.prepare(ctx, gen)
	if err != nil {
		return c.abort(gen, "accept", err)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return c.abort(gen, "set-remote-description", err)
	}
	if err := c.drain(gen, pc); err != nil {
		return c.abort(gen, "accept", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return c.abort(gen, "create-answer", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return c.abort(gen, "set-local-description", err)
	}
	if !c.advance(gen, StateAnswerPending) {
		return nil
	}

	if err := c.cfg.Signaler.SendAnswer(ctx, answer); err != nil {
		return c.abort(gen, "send-answer", err)
	}
	return nil
}

// HandleAnswer applies the remote answer to an outstanding offer. Answers
// arriving in any other signaling state are ignored.
func (c *Coordinator) HandleAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	gen, pc, state := c.gen, c.pc, c.state
	c.mu.Unlock()

	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.log.Debug("ignoring answer", "state", state.String())
		return nil
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		if !c.current(gen) {
			return nil
		}
		return &OpError{Op: "set-remote-description", State: state, Err: err}
	}
	if err := c.drain(gen, pc); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.state == StateOfferCreated {
		c.setStateLocked(StateConnected)
		c.stopTimerLocked()
	}
	return nil
}

// HandleICECandidate applies a remote candidate, queueing it until a remote
// description exists.
func (c *Coordinator) HandleICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	state := c.state
	if state.terminal() {
		c.mu.Unlock()
		return nil
	}
	if !c.remoteReady {
		if len(c.pending) >= c.cfg.MaxQueuedCandidates {
			c.mu.Unlock()
			c.log.Warn("dropping ice candidate, queue full", "queued", c.cfg.MaxQueuedCandidates)
			return nil
		}
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return nil
	}
	gen, pc := c.gen, c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		if !c.current(gen) {
			return nil
		}
		return &OpError{Op: "add-ice-candidate", State: state, Err: err}
	}
	return nil
}

// ToggleAudio mutes or unmutes local audio. The choice carries over to media
// attached later.
func (c *Coordinator) ToggleAudio(enabled bool) {
	c.mu.Lock()
	c.audioEnabled = enabled
	m := c.media
	c.mu.Unlock()
	if m != nil {
		m.SetEnabled(enabled)
	}
}

// Close ends the current attempt, if any, and moves to Closed. It is safe to
// call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.gen++
	pc, m, timer := c.detachLocked()
	if c.state != StateClosed {
		c.setStateLocked(StateClosed)
	}
	c.mu.Unlock()

	return release(pc, m, timer)
}

// Reset returns a Closed or Failed coordinator to Idle.
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.terminal() {
		return &OpError{Op: "reset", State: c.state, Err: ErrNotResettable}
	}
	c.pending = nil
	c.remoteReady = false
	c.setStateLocked(StateIdle)
	return nil
}

// begin opens a new attempt. An outgoing call discards candidates queued
// while Idle: they can only belong to an earlier peer.
func (c *Coordinator) begin(op string, outgoing bool) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return 0, &OpError{Op: op, State: c.state, Err: ErrAlreadyActive}
	}
	if outgoing {
		c.pending = nil
	}
	c.remoteReady = false
	c.gen++
	gen := c.gen
	c.setStateLocked(StateInitializing)
	c.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.timeout(gen)
	})
	return gen, nil
}

// prepare builds the PeerConnection and attaches local media to it.
func (c *Coordinator) prepare(ctx context.Context, gen uint64) (PeerConnection, error) {
	pc, err := c.cfg.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c.observe(gen, pc)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = pc.Close()
		return nil, errStale
	}
	c.pc = pc
	c.mu.Unlock()

	m, err := c.cfg.Media(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		m.Stop()
		return nil, errStale
	}
	c.media = m
	m.SetEnabled(c.audioEnabled)
	c.mu.Unlock()

	if err := attachTracks(pc, m); err != nil {
		return nil, err
	}
	return pc, nil
}

func attachTracks(pc PeerConnection, m Media) error {
	for _, track := range m.Tracks() {
		if pc.LocalDescription() != nil {
			return ErrTrackAfterOffer
		}
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	return nil
}

func (c *Coordinator) observe(gen uint64, pc PeerConnection) {
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || !c.current(gen) {
			return
		}
		if err := c.cfg.Signaler.SendICECandidate(context.Background(), candidate.ToJSON()); err != nil {
			c.log.Warn("send ice candidate", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !c.current(gen) {
			return
		}
		c.events.Publish(Event{Kind: EventRemoteTrack, Track: track})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.mu.Lock()
			if c.gen == gen && !c.state.terminal() && c.state != StateConnected {
				c.setStateLocked(StateConnected)
				c.stopTimerLocked()
			}
			c.mu.Unlock()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			go c.fail(gen, fmt.Errorf("%w: %s", ErrTransportFailed, s))
		case webrtc.PeerConnectionStateClosed:
			go c.teardown(gen, StateClosed, nil)
		}
	})
}

// drain applies queued candidates in arrival order. Candidates that arrive
// while it runs are queued behind the batch, so none overtakes an older one.
// A failing candidate does not stop the rest; the first failure is returned
// as an add-ice-candidate OpError once the queue is empty.
func (c *Coordinator) drain(gen uint64, pc PeerConnection) error {
	var first *OpError
	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return errStale
		}
		state := c.state
		batch := c.pending
		c.pending = nil
		if len(batch) == 0 {
			c.remoteReady = true
			c.mu.Unlock()
			if first != nil {
				return first
			}
			return nil
		}
		c.mu.Unlock()

		for _, candidate := range batch {
			if err := pc.AddICECandidate(candidate); err != nil && first == nil {
				first = &OpError{Op: "add-ice-candidate", State: state, Err: err}
			}
		}
	}
}

func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// advance moves a live attempt to next and reports whether it is still live.
func (c *Coordinator) advance(gen uint64, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setStateLocked(next)
	return true
}

// abort tears down a failed start/accept attempt. A superseded attempt
// returns nil: whoever superseded it already released its resources.
func (c *Coordinator) abort(gen uint64, op string, err error) error {
	if errors.Is(err, errStale) {
		return nil
	}
	c.mu.Lock()
	state := c.state
	live := c.gen == gen
	c.mu.Unlock()
	if !live {
		return nil
	}

	var opErr *OpError
	if !errors.As(err, &opErr) {
		opErr = &OpError{Op: op, State: state, Err: err}
	}
	c.teardown(gen, StateFailed, opErr)
	return opErr
}

func (c *Coordinator) timeout(gen uint64) {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		return
	}
	c.fail(gen, ErrNegotiationTimeout)
}

func (c *Coordinator) fail(gen uint64, err error) {
	c.teardown(gen, StateFailed, err)
}

func (c *Coordinator) teardown(gen uint64, next State, err error) {
	c.mu.Lock()
	if c.gen != gen || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.gen++
	pc, m, timer := c.detachLocked()
	c.setStateLocked(next)
	if err != nil {
		c.log.Warn("call failed", "err", err)
		c.events.Publish(Event{Kind: EventNegotiationFailed, State: next, Err: err})
	}
	c.mu.Unlock()

	_ = release(pc, m, timer)
}

func (c *Coordinator) detachLocked() (PeerConnection, Media, *time.Timer) {
	pc, m, timer := c.pc, c.media, c.timer
	c.pc, c.media, c.timer = nil, nil, nil
	c.pending = nil
	c.remoteReady = false
	return pc, m, timer
}

func release(pc PeerConnection, m Media, timer *time.Timer) error {
	if timer != nil {
		timer.Stop()
	}
	if m != nil {
		m.Stop()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.log.Debug("negotiation state", "from", prev.String(), "to", next.String())
	c.events.Publish(Event{Kind: EventStateChanged, State: next, Prev: prev})
}
