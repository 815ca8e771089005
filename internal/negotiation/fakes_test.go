package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type fakePC struct {
	mu sync.Mutex

	calls      []string
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	sigState   webrtc.SignalingState
	candidates []string
	tracks     []webrtc.TrackLocal
	closed     bool

	setRemoteErr error
	addICEErr    error
	// failCandidates makes AddICECandidate reject these candidate strings.
	failCandidates map[string]bool

	// beforeSetRemote and beforeAddICE run outside the lock, ahead of the
	// call, to interleave other coordinator calls.
	beforeSetRemote func()
	beforeAddICE    func()

	onState func(webrtc.PeerConnectionState)
	onICE   func(*webrtc.ICECandidate)
}

func newFakePC() *fakePC {
	return &fakePC{sigState: webrtc.SignalingStateStable}
}

func (p *fakePC) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("add-track")
	if p.closed {
		return nil, errors.New("closed")
	}
	p.tracks = append(p.tracks, track)
	return nil, nil
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create-offer")
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create-answer")
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("set-local")
	if p.closed {
		return errors.New("closed")
	}
	p.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.sigState = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	hook := p.beforeSetRemote
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("set-remote")
	if p.closed {
		return errors.New("InvalidStateError: connection closed")
	}
	if p.setRemoteErr != nil {
		return p.setRemoteErr
	}
	p.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.sigState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigState
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	hook := p.beforeAddICE
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("InvalidStateError: connection closed")
	}
	if p.remote == nil {
		return errors.New("no remote description")
	}
	if p.addICEErr != nil {
		return p.addICEErr
	}
	if p.failCandidates[c.Candidate] {
		return errors.New("invalid candidate " + c.Candidate)
	}
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) GetStats() webrtc.StatsReport {
	return webrtc.StatsReport{}
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePC) callLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeSignaler struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	err        error
}

func (s *fakeSignaler) SendOffer(_ context.Context, offer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, offer)
	return s.err
}

func (s *fakeSignaler) SendAnswer(_ context.Context, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answer)
	return s.err
}

func (s *fakeSignaler) SendICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c)
	return s.err
}

func (s *fakeSignaler) counts() (offers, answers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers), len(s.answers)
}

type fakeMedia struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	enabled bool
	stops   int
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return &fakeMedia{tracks: []webrtc.TrackLocal{track}, enabled: true}
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *fakeMedia) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *fakeMedia) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *fakeMedia) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// harness wires a Coordinator to fakes. Every PeerConnection it creates is
// kept in pcs, newest last.
type harness struct {
	c     *Coordinator
	sig   *fakeSignaler
	media *fakeMedia

	mu  sync.Mutex
	pcs []*fakePC
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{sig: &fakeSignaler{}, media: newFakeMedia(t)}
	cfg := Config{
		Signaler: h.sig,
		NewPeerConnection: func(webrtc.Configuration) (PeerConnection, error) {
			pc := newFakePC()
			h.mu.Lock()
			h.pcs = append(h.pcs, pc)
			h.mu.Unlock()
			return pc, nil
		},
		Media: func(context.Context) (Media, error) {
			return h.media, nil
		},
		NegotiationTimeout: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.c = NewCoordinator(cfg)
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

func (h *harness) pc() *fakePC {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pcs) == 0 {
		return nil
	}
	return h.pcs[len(h.pcs)-1]
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", c.State(), want)
}
