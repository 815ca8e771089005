package signalclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/broadcast"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/report"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signaling"
)

var fastBackoff = Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxRetries: 3}

var testUpgrader = websocket.Upgrader{
	Subprotocols: protocol.Subprotocols(),
	CheckOrigin:  func(*http.Request) bool { return true },
}

// relay serves whichever signaling.Server is current, or 503 when none is.
type relay struct {
	t       *testing.T
	rooms   *room.Registry
	reports *report.MemoryStore
	current atomic.Pointer[signaling.Server]
	http    *httptest.Server
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{
		t:       t,
		rooms:   room.NewRegistry(room.Config{}),
		reports: report.NewMemoryStore(report.MemoryConfig{}),
	}
	r.swap()
	r.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s := r.current.Load()
		if s == nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		s.Handler().ServeHTTP(w, req)
	}))
	t.Cleanup(func() {
		if s := r.current.Load(); s != nil {
			s.Close()
		}
		r.http.Close()
		_ = r.reports.Close()
	})
	return r
}

// swap installs a fresh server and returns the previous one.
func (r *relay) swap() *signaling.Server {
	return r.current.Swap(signaling.NewServer(signaling.Config{Rooms: r.rooms, Reports: r.reports}))
}

func (r *relay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

func (r *relay) dial(t *testing.T, opts Options) *Channel {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = fastBackoff
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, r.wsURL(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func recv[T any](t *testing.T, sub *broadcast.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func TestChannel_CreateJoinAndRelay(t *testing.T) {
	for _, sub := range []string{protocol.SubprotocolJSON, protocol.SubprotocolMsgpack} {
		t.Run(sub, func(t *testing.T) {
			r := newRelay(t)
			alice := r.dial(t, Options{SessionID: "alice", Subprotocol: sub})
			bob := r.dial(t, Options{SessionID: "bob"})

			code, err := alice.CreateRoom(ctxT(t))
			if err != nil {
				t.Fatalf("CreateRoom: %v", err)
			}
			if !room.ValidCode(code) || alice.RoomCode() != code {
				t.Fatalf("code=%q RoomCode=%q", code, alice.RoomCode())
			}

			joined := alice.ParticipantJoined()
			defer joined.Close()

			participants, err := bob.JoinRoom(ctxT(t), code)
			if err != nil {
				t.Fatalf("JoinRoom: %v", err)
			}
			if !reflect.DeepEqual(participants, []string{"alice", "bob"}) {
				t.Fatalf("participants=%v, want [alice bob]", participants)
			}
			if ev := recv(t, joined); ev.SessionID != "bob" || ev.ParticipantCount != 2 {
				t.Fatalf("joined=%+v", ev)
			}

			messages := alice.Messages()
			defer messages.Close()
			if err := bob.SendMessage(ctxT(t), "hi"); err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			if m := recv(t, messages); m.From != "bob" || m.Text != "hi" || m.SentAt.IsZero() {
				t.Fatalf("message=%+v", m)
			}

			offers := bob.Offers()
			defer offers.Close()
			candidates := bob.ICECandidates()
			defer candidates.Close()

			offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
			if err := alice.SendOffer(ctxT(t), offer); err != nil {
				t.Fatalf("SendOffer: %v", err)
			}
			got := recv(t, offers)
			if got.From != "alice" || got.Description != offer {
				t.Fatalf("offer=%+v", got)
			}

			mid := "0"
			cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid}
			if err := alice.SendICECandidate(ctxT(t), cand); err != nil {
				t.Fatalf("SendICECandidate: %v", err)
			}
			if c := recv(t, candidates); c.From != "alice" || c.Candidate.Candidate != cand.Candidate || *c.Candidate.SDPMid != "0" {
				t.Fatalf("candidate=%+v", c)
			}

			answers := alice.Answers()
			defer answers.Close()
			answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
			if err := bob.SendAnswer(ctxT(t), answer); err != nil {
				t.Fatalf("SendAnswer: %v", err)
			}
			if a := recv(t, answers); a.From != "bob" || a.Description != answer {
				t.Fatalf("answer=%+v", a)
			}

			typing := bob.Typing()
			defer typing.Close()
			if err := alice.SendTyping(ctxT(t), true); err != nil {
				t.Fatalf("SendTyping: %v", err)
			}
			if ev := recv(t, typing); ev.From != "alice" || !ev.IsTyping {
				t.Fatalf("typing=%+v", ev)
			}

			left := alice.ParticipantLeft()
			defer left.Close()
			if err := bob.LeaveRoom(ctxT(t)); err != nil {
				t.Fatalf("LeaveRoom: %v", err)
			}
			if bob.RoomCode() != "" {
				t.Fatalf("RoomCode=%q after leave", bob.RoomCode())
			}
			if ev := recv(t, left); ev.SessionID != "bob" || ev.ParticipantCount != 1 {
				t.Fatalf("left=%+v", ev)
			}

			ps, err := alice.Participants(ctxT(t))
			if err != nil {
				t.Fatalf("Participants: %v", err)
			}
			if !reflect.DeepEqual(ps, []string{"alice"}) {
				t.Fatalf("participants=%v, want [alice]", ps)
			}
		})
	}
}

func TestChannel_RequestErrors(t *testing.T) {
	r := newRelay(t)
	a := r.dial(t, Options{})
	b := r.dial(t, Options{})
	c := r.dial(t, Options{})

	_, err := a.JoinRoom(ctxT(t), "ZZZZZZZZ")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err=%v, want ErrRoomNotFound", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != protocol.CodeRoomNotFound || reqErr.Message != "Room not found" {
		t.Fatalf("err=%#v", err)
	}

	code, err := a.CreateRoom(ctxT(t))
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := b.JoinRoom(ctxT(t), code); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if _, err := c.JoinRoom(ctxT(t), code); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	if _, err := c.Participants(ctxT(t)); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("err=%v, want ErrNotInRoom", err)
	}
	if _, err := a.CreateRoom(ctxT(t)); !errors.As(err, &reqErr) || reqErr.Code != protocol.CodeAlreadyInRoom {
		t.Fatalf("err=%v, want already_in_room", err)
	}
}

func TestChannel_SubmitReportSendsHashOnly(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, Options{})

	code, err := c.CreateRoom(ctxT(t))
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	id, err := c.SubmitReport(ctxT(t), code, "something abusive")
	if err != nil {
		t.Fatalf("SubmitReport: %v", err)
	}

	rep, ok, err := r.reports.Lookup(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Lookup ok=%v err=%v", ok, err)
	}
	if rep.RoomCode != code || rep.SnippetHash != report.HashSnippet("something abusive") {
		t.Fatalf("report=%+v", rep)
	}
}

func TestChannel_RequestHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Upgrade, then never answer.
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(ctxT(t), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{Backoff: fastBackoff})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.CreateRoom(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want DeadlineExceeded", err)
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, Options{SessionID: "alice"})
	events := c.ConnectionEvents()
	defer events.Close()

	if _, err := c.CreateRoom(ctxT(t)); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	old := r.swap()
	old.Close()

	if ev := recv(t, events); ev.State != Reconnecting {
		t.Fatalf("event=%+v, want reconnecting", ev)
	}
	if ev := recv(t, events); ev.State != Connected {
		t.Fatalf("event=%+v, want connected", ev)
	}

	// The relay dropped the old membership; nothing is rejoined.
	if c.RoomCode() != "" {
		t.Fatalf("RoomCode=%q after reconnect, want empty", c.RoomCode())
	}
	if r.rooms.Len() != 0 {
		t.Fatalf("rooms=%d, want 0", r.rooms.Len())
	}
	if _, err := c.CreateRoom(ctxT(t)); err != nil {
		t.Fatalf("CreateRoom after reconnect: %v", err)
	}
}

func TestChannel_ClosesAfterReconnectExhausted(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, Options{})
	events := c.ConnectionEvents()
	messages := c.Messages()

	old := r.current.Swap(nil)
	old.Close()

	if ev := recv(t, events); ev.State != Reconnecting {
		t.Fatalf("event=%+v, want reconnecting", ev)
	}
	ev := recv(t, events)
	if ev.State != Closed || ev.Err == nil {
		t.Fatalf("event=%+v, want closed with cause", ev)
	}

	select {
	case _, ok := <-messages.C():
		if ok {
			t.Fatalf("unexpected message")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription not closed")
	}
	if _, err := c.CreateRoom(ctxT(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestChannel_InFlightRequestFailsOnDrop(t *testing.T) {
	dropped := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case <-dropped:
			// Later connections stay open.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		default:
		}
		// First connection: read one request then drop without acking.
		_, _, _ = conn.ReadMessage()
		close(dropped)
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(ctxT(t), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{Backoff: fastBackoff})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.CreateRoom(ctxT(t)); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err=%v, want ErrDisconnected", err)
	}
}

func TestDial_RejectedOriginIsNotRetried(t *testing.T) {
	sig := signaling.NewServer(signaling.Config{
		CheckOrigin: func(*http.Request) bool { return false },
	})
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		sig.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(ctxT(t), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", Options{Backoff: fastBackoff})
	if err == nil {
		t.Fatalf("Dial succeeded, want error")
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("attempts=%d, want 1", n)
	}
}

func TestDial_RetriesThenFails(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(ctxT(t), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{Backoff: fastBackoff})
	if err == nil {
		t.Fatalf("Dial succeeded, want error")
	}
	if n := attempts.Load(); n != int32(fastBackoff.MaxRetries)+1 {
		t.Fatalf("attempts=%d, want %d", n, fastBackoff.MaxRetries+1)
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, Options{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.SendMessage(ctxT(t), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

func TestDial_DefaultsSessionID(t *testing.T) {
	r := newRelay(t)
	c := r.dial(t, Options{})
	if len(c.SessionID()) != 36 {
		t.Fatalf("SessionID=%q, want a UUID", c.SessionID())
	}
}
