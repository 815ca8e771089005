package signaling

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/report"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueLength      = 64
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Rooms   *room.Registry
	Reports report.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now stamps relayed chat messages. Defaults to time.Now.
	Now func() time.Time

	// WebSocket inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueLength      int

	// IdleTimeout closes connections that send nothing (not even a pong)
	// for this long. PingInterval must be shorter. Zero disables either.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// UpgradesPerSecondPerIP throttles WebSocket upgrades per client
	// address. Zero disables the throttle.
	UpgradesPerSecondPerIP int
	TrustProxy             bool

	// CheckOrigin is passed to the upgrader. Nil accepts every origin; the
	// relay binary passes origin.Policy.CheckOrigin.
	CheckOrigin func(r *http.Request) bool
}

// Server implements the room relay's WebSocket endpoint:
//
//   - GET /ws : room signaling, subprotocol aero-room.v1.json or aero-room.v1.msgpack
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	rooms    *room.Registry
	reports  report.Store
	now      func() time.Time
	upgrader websocket.Upgrader
	upgrades *ratelimit.KeyedLimiter

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
	conns  sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.Rooms == nil {
		cfg.Rooms = room.NewRegistry(room.Config{})
	}
	if cfg.Reports == nil {
		cfg.Reports = report.NewMemoryStore(report.MemoryConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = DefaultSendQueueLength
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		rooms:   cfg.Rooms,
		reports: cfg.Reports,
		now:     cfg.Now,
		upgrader: websocket.Upgrader{
			Subprotocols: protocol.Subprotocols(),
			CheckOrigin:  checkOrigin,
		},
		peers: make(map[string]*peer),
	}
	if cfg.UpgradesPerSecondPerIP > 0 {
		s.upgrades = ratelimit.NewKeyedLimiter(ratelimit.KeyedConfig{
			Rate: int64(cfg.UpgradesPerSecondPerIP),
		})
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close sends a going-away close to every connection and waits for their
// pumps to stop. Disconnect cleanup runs for each, so rooms empty out.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.closeWith(websocket.CloseGoingAway, "server shutting down")
			p.shutdown()
		}(p)
	}
	wg.Wait()
	s.conns.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.upgrades != nil && !s.upgrades.Allow(clientIP(r, s.cfg.TrustProxy)) {
		s.metrics.Inc(metrics.DropReasonUpgradeThrottled)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}
	codec, ok := protocol.CodecFor(conn.Subprotocol())
	if !ok {
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	p := &peer{
		id:           id,
		conn:         conn,
		codec:        codec,
		log:          s.log.With("conn_id", id),
		metrics:      s.metrics,
		idleTimeout:  s.cfg.IdleTimeout,
		pingInterval: s.cfg.PingInterval,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		send:       make(chan []byte, s.cfg.SendQueueLength),
		final:      make(chan finalFrame, 1),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	if !s.track(p) {
		go p.writePump()
		p.closeWith(websocket.CloseGoingAway, "server shutting down")
		p.shutdown()
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	p.log.Debug("connection opened", "subprotocol", codec.Subprotocol(), "origin", normalizedOriginFromRequest(r))

	go p.writePump()
	p.readLoop(s.cfg.MaxMessageBytes, func(f protocol.Frame) { s.dispatch(p, f) })

	s.disconnect(p)
	p.shutdown()
	s.untrack(p)
	s.metrics.Inc(metrics.ConnectionsClosed)
	p.log.Debug("connection closed")
	s.conns.Done()
}

func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p.id] = p
	s.conns.Add(1)
	return true
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}

func (s *Server) lookupPeer(connID string) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[connID]
	return p, ok
}
