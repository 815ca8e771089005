// Package signalclient is the client side of the room signaling protocol: a
// WebSocket channel with acked requests, fire-and-forget sends, typed
// subscriptions and bounded reconnect.
package signalclient

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/broadcast"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/report"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMaxRetries     = 5

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Backoff bounds dial retries, both for Dial and for reconnects.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries uint64
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialBackoff
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxBackoff
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = DefaultMaxRetries
	}
	return b
}

func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.MaxInterval = b.Max
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, b.MaxRetries), ctx)
}

type Options struct {
	// SessionID identifies this client in rooms. Defaults to a random UUID.
	SessionID string

	// Subprotocol selects the codec. Defaults to protocol.SubprotocolJSON.
	Subprotocol string

	// Header is sent with the upgrade request (Origin, for instance).
	Header http.Header

	Dialer  *websocket.Dialer
	Backoff Backoff
	Logger  *slog.Logger
}

type pendingRequest struct {
	ch chan ackResult
}

type ackResult struct {
	ack protocol.Ack
	err error
}

// Channel is safe for concurrent use.
type Channel struct {
	url       string
	opts      Options
	log       *slog.Logger
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	codec    protocol.Codec
	nextID   uint64
	pending  map[uint64]pendingRequest
	roomCode string
	closed   bool

	offers      *broadcast.Hub[Offer]
	answers     *broadcast.Hub[Answer]
	candidates  *broadcast.Hub[ICECandidate]
	messages    *broadcast.Hub[Message]
	typing      *broadcast.Hub[Typing]
	joined      *broadcast.Hub[ParticipantChange]
	left        *broadcast.Hub[ParticipantChange]
	connections *broadcast.Hub[ConnectionEvent]
}

// Dial connects to the signaling endpoint at url (ws:// or wss://), retrying
// with bounded exponential backoff.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Subprotocol == "" {
		opts.Subprotocol = protocol.SubprotocolJSON
	}
	if _, ok := protocol.CodecFor(opts.Subprotocol); !ok {
		return nil, fmt.Errorf("unsupported subprotocol %q", opts.Subprotocol)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Backoff = opts.Backoff.withDefaults()

	chCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:         url,
		opts:        opts,
		log:         opts.Logger.With("session_id", opts.SessionID),
		sessionID:   opts.SessionID,
		ctx:         chCtx,
		cancel:      cancel,
		pending:     make(map[uint64]pendingRequest),
		offers:      broadcast.NewHub[Offer](broadcast.DefaultBuffer),
		answers:     broadcast.NewHub[Answer](broadcast.DefaultBuffer),
		candidates:  broadcast.NewHub[ICECandidate](broadcast.DefaultBuffer * 4),
		messages:    broadcast.NewHub[Message](broadcast.DefaultBuffer),
		typing:      broadcast.NewHub[Typing](broadcast.DefaultBuffer),
		joined:      broadcast.NewHub[ParticipantChange](broadcast.DefaultBuffer),
		left:        broadcast.NewHub[ParticipantChange](broadcast.DefaultBuffer),
		connections: broadcast.NewHub[ConnectionEvent](broadcast.DefaultBuffer),
	}

	conn, codec, err := c.dialWithBackoff(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.mu.Lock()
	c.conn, c.codec = conn, codec
	c.mu.Unlock()
	go c.readLoop(conn, codec)

	return c, nil
}

func (c *Channel) SessionID() string {
	return c.sessionID
}

// RoomCode is the room this channel is bound to, or "".
func (c *Channel) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

func (c *Channel) dialWithBackoff(ctx context.Context) (*websocket.Conn, protocol.Codec, error) {
	dialer := *c.opts.Dialer
	dialer.Subprotocols = []string{c.opts.Subprotocol}

	var (
		conn  *websocket.Conn
		codec protocol.Codec
	)
	op := func() error {
		cn, resp, err := dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode))
			}
			return fmt.Errorf("dial %s: %w", c.url, err)
		}
		cd, ok := protocol.CodecFor(cn.Subprotocol())
		if !ok {
			_ = cn.Close()
			return backoff.Permanent(fmt.Errorf("server selected unsupported subprotocol %q", cn.Subprotocol()))
		}
		cn.SetReadLimit(maxMessageSize)
		conn, codec = cn, cd
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("signaling dial failed, retrying", "err", err, "retry_in", wait)
	}

	// Close aborts an in-flight dial as well as the caller's ctx.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if err := backoff.RetryNotify(op, c.opts.Backoff.policy(ctx), notify); err != nil {
		return nil, nil, err
	}
	return conn, codec, nil
}

func (c *Channel) readLoop(conn *websocket.Conn, codec protocol.Codec) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		f, err := codec.Decode(data)
		if err != nil {
			c.log.Warn("dropping undecodable frame", "err", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f protocol.Frame) {
	switch f.Event {
	case protocol.EventAck:
		var ack protocol.Ack
		err := f.Payload(&ack)
		c.mu.Lock()
		req, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debug("ack for unknown request", "id", f.ID)
			return
		}
		req.ch <- ackResult{ack: ack, err: err}

	case protocol.EventError:
		var p protocol.ErrorPayload
		_ = f.Payload(&p)
		c.log.Warn("signaling server error", "code", p.Code, "message", p.Message)

	case protocol.EventReceiveMessage:
		var p protocol.ReceiveMessage
		if c.decode(f, &p) {
			c.messages.Publish(Message{From: p.SessionID, Text: p.Message, SentAt: time.UnixMilli(p.Timestamp)})
		}

	case protocol.EventTyping:
		var p protocol.TypingNotice
		if c.decode(f, &p) {
			c.typing.Publish(Typing{From: p.SessionID, IsTyping: p.IsTyping})
		}

	case protocol.EventParticipantJoined:
		var p protocol.ParticipantNotice
		if c.decode(f, &p) {
			c.joined.Publish(ParticipantChange{SessionID: p.SessionID, ParticipantCount: p.ParticipantCount})
		}

	case protocol.EventParticipantLeft:
		var p protocol.ParticipantNotice
		if c.decode(f, &p) {
			c.left.Publish(ParticipantChange{SessionID: p.SessionID, ParticipantCount: p.ParticipantCount})
		}

	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		c.dispatchSignal(f)

	default:
		c.log.Debug("ignoring event", "event", f.Event)
	}
}

func (c *Channel) dispatchSignal(f protocol.Frame) {
	var p protocol.SignalPayload
	if !c.decode(f, &p) {
		return
	}
	if err := p.Validate(f.Event); err != nil {
		c.log.Warn("dropping malformed signal", "event", f.Event, "err", err)
		return
	}

	switch f.Event {
	case protocol.EventOffer:
		desc, err := p.Offer.ToPion()
		if err != nil {
			c.log.Warn("dropping offer", "err", err)
			return
		}
		c.offers.Publish(Offer{From: p.SessionID, Description: desc})
	case protocol.EventAnswer:
		desc, err := p.Answer.ToPion()
		if err != nil {
			c.log.Warn("dropping answer", "err", err)
			return
		}
		c.answers.Publish(Answer{From: p.SessionID, Description: desc})
	case protocol.EventICECandidate:
		c.candidates.Publish(ICECandidate{From: p.SessionID, Candidate: p.Candidate.ToPion()})
	}
}

func (c *Channel) decode(f protocol.Frame, v any) bool {
	if err := f.Payload(v); err != nil {
		c.log.Warn("dropping bad payload", "event", f.Event, "err", err)
		return false
	}
	return true
}

// connectionLost fails in-flight requests and starts a reconnect unless the
// channel was closed. The server drops room membership with the connection,
// so the room binding is cleared too.
func (c *Channel) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.roomCode = ""
	pending := c.pending
	c.pending = make(map[uint64]pendingRequest)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	for _, req := range pending {
		req.ch <- ackResult{err: ErrDisconnected}
	}
	if closed {
		return
	}

	c.log.Warn("signaling connection lost", "err", cause)
	c.connections.Publish(ConnectionEvent{State: Reconnecting, Err: cause})
	go c.reconnect()
}

func (c *Channel) reconnect() {
	conn, codec, err := c.dialWithBackoff(c.ctx)
	if err != nil {
		c.log.Error("signaling reconnect gave up", "err", err)
		c.shutdown(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn, c.codec = conn, codec
	c.mu.Unlock()

	c.log.Info("signaling reconnected")
	c.connections.Publish(ConnectionEvent{State: Connected})
	go c.readLoop(conn, codec)
}

// request sends an acked event and waits for the ack or ctx.
func (c *Channel) request(ctx context.Context, ev protocol.Event, payload any) (protocol.Ack, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Ack{}, ErrClosed
	}
	conn, codec := c.conn, c.codec
	if conn == nil {
		c.mu.Unlock()
		return protocol.Ack{}, ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	req := pendingRequest{ch: make(chan ackResult, 1)}
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.write(conn, codec, ev, id, payload); err != nil {
		c.forget(id)
		return protocol.Ack{}, err
	}

	select {
	case res := <-req.ch:
		if res.err != nil {
			return protocol.Ack{}, res.err
		}
		if !res.ack.Success {
			return res.ack, &RequestError{Code: res.ack.Code, Message: res.ack.Error}
		}
		return res.ack, nil
	case <-ctx.Done():
		c.forget(id)
		return protocol.Ack{}, ctx.Err()
	}
}

func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// send writes a fire-and-forget event.
func (c *Channel) send(ctx context.Context, ev protocol.Event, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn, codec := c.conn, c.codec
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	return c.write(conn, codec, ev, 0, payload)
}

func (c *Channel) write(conn *websocket.Conn, codec protocol.Codec, ev protocol.Event, id uint64, payload any) error {
	b, err := codec.Encode(ev, id, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev, err)
	}
	msgType := websocket.TextMessage
	if codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(msgType, b); err != nil {
		return fmt.Errorf("write %s: %w: %v", ev, ErrDisconnected, err)
	}
	return nil
}

// CreateRoom creates a room and binds this channel to it.
func (c *Channel) CreateRoom(ctx context.Context) (string, error) {
	ack, err := c.request(ctx, protocol.EventCreateRoom, protocol.CreateRoomRequest{SessionID: c.sessionID})
	if err != nil {
		return "", err
	}
	c.setRoom(ack.RoomCode)
	return ack.RoomCode, nil
}

// JoinRoom joins code and returns its participants, this session included.
func (c *Channel) JoinRoom(ctx context.Context, code string) ([]string, error) {
	ack, err := c.request(ctx, protocol.EventJoinRoom, protocol.JoinRoomRequest{RoomCode: code, SessionID: c.sessionID})
	if err != nil {
		return nil, err
	}
	c.setRoom(ack.RoomCode)
	return ack.Participants, nil
}

func (c *Channel) LeaveRoom(ctx context.Context) error {
	if _, err := c.request(ctx, protocol.EventLeaveRoom, struct{}{}); err != nil {
		return err
	}
	c.setRoom("")
	return nil
}

// Participants lists the session ids in the bound room.
func (c *Channel) Participants(ctx context.Context) ([]string, error) {
	ack, err := c.request(ctx, protocol.EventGetParticipants, struct{}{})
	if err != nil {
		return nil, err
	}
	return ack.Participants, nil
}

// SubmitReport reports snippet from roomCode. Only the snippet's hash leaves
// the process.
func (c *Channel) SubmitReport(ctx context.Context, roomCode, snippet string) (string, error) {
	ack, err := c.request(ctx, protocol.EventSubmitReport, protocol.SubmitReportRequest{
		RoomCode:       roomCode,
		Timestamp:      time.Now().UnixMilli(),
		MessageSnippet: report.HashSnippet(snippet),
	})
	if err != nil {
		return "", err
	}
	return ack.ReportID, nil
}

func (c *Channel) setRoom(code string) {
	c.mu.Lock()
	c.roomCode = code
	c.mu.Unlock()
}

func (c *Channel) SendMessage(ctx context.Context, text string) error {
	return c.send(ctx, protocol.EventSendMessage, protocol.SendMessageRequest{
		Message:   text,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *Channel) SendTyping(ctx context.Context, isTyping bool) error {
	return c.send(ctx, protocol.EventTyping, protocol.TypingRequest{IsTyping: isTyping})
}

func (c *Channel) SendOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	desc := protocol.SessionDescriptionFromPion(offer)
	return c.send(ctx, protocol.EventOffer, protocol.SignalPayload{Offer: &desc})
}

func (c *Channel) SendAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	desc := protocol.SessionDescriptionFromPion(answer)
	return c.send(ctx, protocol.EventAnswer, protocol.SignalPayload{Answer: &desc})
}

func (c *Channel) SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	cand := protocol.CandidateFromPion(candidate)
	return c.send(ctx, protocol.EventICECandidate, protocol.SignalPayload{Candidate: &cand})
}

func (c *Channel) Offers() *broadcast.Subscription[Offer]               { return c.offers.Subscribe() }
func (c *Channel) Answers() *broadcast.Subscription[Answer]             { return c.answers.Subscribe() }
func (c *Channel) ICECandidates() *broadcast.Subscription[ICECandidate] { return c.candidates.Subscribe() }
func (c *Channel) Messages() *broadcast.Subscription[Message]           { return c.messages.Subscribe() }
func (c *Channel) Typing() *broadcast.Subscription[Typing]              { return c.typing.Subscribe() }
func (c *Channel) ParticipantJoined() *broadcast.Subscription[ParticipantChange] {
	return c.joined.Subscribe()
}
func (c *Channel) ParticipantLeft() *broadcast.Subscription[ParticipantChange] {
	return c.left.Subscribe()
}
func (c *Channel) ConnectionEvents() *broadcast.Subscription[ConnectionEvent] {
	return c.connections.Subscribe()
}

// Close closes the connection and every subscription. In-flight requests
// fail with ErrClosed.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]pendingRequest)
	c.mu.Unlock()

	c.cancel()
	for _, req := range pending {
		req.ch <- ackResult{err: ErrClosed}
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.connections.Publish(ConnectionEvent{State: Closed, Err: cause})
	c.offers.Close()
	c.answers.Close()
	c.candidates.Close()
	c.messages.Close()
	c.typing.Close()
	c.joined.Close()
	c.left.Close()
	c.connections.Close()
}

var _ negotiation.Signaler = (*Channel)(nil)
