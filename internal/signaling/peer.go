package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// finalFrame is the last thing the write pump sends before the close
// control frame.
type finalFrame struct {
	data        []byte
	closeCode   int
	closeReason string
}

// peer is one WebSocket connection. The read loop owns the room binding; the
// write pump is the only writer of data frames.
type peer struct {
	id      string
	conn    *websocket.Conn
	codec   protocol.Codec
	log     *slog.Logger
	metrics *metrics.Metrics

	limiter      *ratelimit.TokenBucket
	idleTimeout  time.Duration
	pingInterval time.Duration

	send       chan []byte
	final      chan finalFrame
	done       chan struct{}
	writerDone chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	failed    atomic.Bool

	// Owned by the read loop.
	roomCode  string
	sessionID string
}

func (p *peer) bound() bool {
	return p.roomCode != ""
}

func (p *peer) bind(code, sessionID string) {
	p.roomCode = code
	p.sessionID = sessionID
}

func (p *peer) unbind() {
	p.roomCode = ""
	p.sessionID = ""
}

func (p *peer) messageType() int {
	if p.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// enqueue hands an encoded frame to the write pump. Delivery is best effort:
// a full queue drops the frame.
func (p *peer) enqueue(b []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- b:
		return true
	default:
		p.metrics.Inc(metrics.SendQueueFull)
		p.log.Warn("send queue full, dropping frame")
		return false
	}
}

// emit encodes and enqueues a server event.
func (p *peer) emit(ev protocol.Event, payload any) bool {
	b, err := p.codec.Encode(ev, 0, payload)
	if err != nil {
		p.log.Error("encode frame", "event", ev, "err", err)
		return false
	}
	return p.enqueue(b)
}

func (p *peer) ack(id uint64, ack protocol.Ack) {
	if id == 0 {
		return
	}
	b, err := p.codec.Encode(protocol.EventAck, id, ack)
	if err != nil {
		p.log.Error("encode ack", "err", err)
		return
	}
	p.enqueue(b)
}

// fail sends an error frame followed by a close frame. The read loop must
// stop after calling fail.
func (p *peer) fail(code, message string, closeCode int, closeReason string) {
	b, err := p.codec.Encode(protocol.EventError, 0, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		b = nil
	}
	p.finish(finalFrame{data: b, closeCode: closeCode, closeReason: closeReason})
}

func (p *peer) closeWith(code int, reason string) {
	p.finish(finalFrame{closeCode: code, closeReason: reason})
}

func (p *peer) finish(f finalFrame) {
	p.failOnce.Do(func() {
		p.failed.Store(true)
		p.final <- f
	})
}

func (p *peer) writePump() {
	defer close(p.writerDone)

	var tick <-chan time.Time
	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f := <-p.final:
			if f.data != nil {
				_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = p.conn.WriteMessage(p.messageType(), f.data)
			}
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.closeReason), time.Now().Add(wsWriteWait))
			return
		case b := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(p.messageType(), b); err != nil {
				p.log.Debug("write failed", "err", err)
				return
			}
		case <-tick:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.log.Debug("ping failed", "err", err)
				return
			}
		case <-p.done:
			return
		}
	}
}

// readLoop reads frames until the connection fails or a protocol violation
// ends it. handle runs on this goroutine.
func (p *peer) readLoop(maxMessageBytes int64, handle func(protocol.Frame)) {
	if maxMessageBytes > 0 {
		p.conn.SetReadLimit(maxMessageBytes)
	}
	p.extendDeadline()
	p.conn.SetPongHandler(func(string) error {
		p.extendDeadline()
		return nil
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				p.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		p.extendDeadline()

		// The rate limit is applied after reading so bytes already in the TCP
		// receive buffer are consumed and the client reliably observes the
		// close frame instead of a reset.
		if p.limiter != nil && !p.limiter.Allow(1) {
			p.metrics.Inc(metrics.DropReasonRateLimited)
			p.fail(protocol.CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != p.messageType() {
			p.fail(protocol.CodeBadMessage, "unexpected frame type for subprotocol", websocket.CloseUnsupportedData, "unexpected frame type")
			return
		}

		frame, err := p.codec.Decode(data)
		if err != nil {
			p.metrics.Inc(metrics.ProtocolErrors)
			p.fail(protocol.CodeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		handle(frame)
		if p.failed.Load() {
			return
		}
	}
}

func (p *peer) extendDeadline() {
	if p.idleTimeout <= 0 {
		return
	}
	_ = p.conn.SetReadDeadline(time.Now().Add(p.idleTimeout))
}

// shutdown lets a pending final frame flush, then stops the write pump and
// closes the socket. Safe to call more than once.
func (p *peer) shutdown() {
	p.closeOnce.Do(func() {
		if p.failed.Load() {
			select {
			case <-p.writerDone:
			case <-time.After(2 * wsWriteWait):
			}
		}
		close(p.done)
		_ = p.conn.Close()
		<-p.writerDone
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
