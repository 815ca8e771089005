package signaling

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
)

const (
	testIdleTimeout  = 400 * time.Millisecond
	testPingInterval = 50 * time.Millisecond
)

// countPings installs a ping handler that records pings and, when pong is
// set, answers them.
func countPings(c *testClient, pong bool) <-chan struct{} {
	seen := make(chan struct{}, 1)
	c.conn.SetPingHandler(func(data string) error {
		select {
		case seen <- struct{}{}:
		default:
		}
		if !pong {
			return nil
		}
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	return seen
}

// readFrames decodes frames from c on a goroutine until the connection
// fails. Reading keeps the ping handler running.
func readFrames(c *testClient) <-chan protocol.Frame {
	frames := make(chan protocol.Frame, 16)
	_ = c.conn.SetReadDeadline(time.Time{})
	go func() {
		defer close(frames)
		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			if f, err := c.codec.Decode(raw); err == nil {
				frames <- f
			}
		}
	}()
	return frames
}

func TestKeepalive_SilentMemberIsDroppedFromRoom(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: testIdleTimeout, PingInterval: testPingInterval})

	host := env.dial(t, protocol.SubprotocolJSON)
	code := host.create("host")

	guest := env.dial(t, protocol.SubprotocolJSON)
	if ack := guest.request(protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomCode: code, SessionID: "guest"}); !ack.Success {
		t.Fatalf("join ack=%+v", ack)
	}
	host.expect(protocol.EventParticipantJoined)

	countPings(host, true)
	hostFrames := readFrames(host)
	pinged := countPings(guest, false)

	done := make(chan error, 1)
	go func() {
		for {
			if _, _, err := guest.conn.ReadMessage(); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("guest never pinged")
	}
	select {
	case err := <-done:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("guest read err=%v, want normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("idle guest was not closed")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-hostFrames:
			if !ok {
				t.Fatalf("host connection closed while answering pings")
			}
			if f.Event != protocol.EventParticipantLeft {
				continue
			}
			var n protocol.ParticipantNotice
			if err := f.Payload(&n); err != nil {
				t.Fatalf("decode participant-left: %v", err)
			}
			if n.SessionID != "guest" || n.ParticipantCount != 1 {
				t.Fatalf("participant-left=%+v, want guest/1", n)
			}
			return
		case <-deadline:
			t.Fatalf("host not told that the guest left")
		}
	}
}

func TestKeepalive_PongExtendsDeadline(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: testIdleTimeout, PingInterval: testPingInterval})

	c := env.dial(t, protocol.SubprotocolMsgpack)
	pinged := countPings(c, true)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.conn.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pinged:
	case err := <-errCh:
		t.Fatalf("closed before first ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping")
	}

	time.Sleep(testIdleTimeout + 4*testPingInterval)
	select {
	case err := <-errCh:
		t.Fatalf("closed despite pongs: %v", err)
	default:
	}
	if env.srv.Connections() != 1 {
		t.Fatalf("Connections=%d, want 1", env.srv.Connections())
	}

	_ = c.conn.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("reader did not exit")
	}
}
