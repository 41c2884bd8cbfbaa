package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
	"vidrelay/pkg/tracing"
	"vidrelay/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	MessageOffer        = "offer"
	MessageAnswer       = "answer"
	MessageICECandidate = "ice-candidate"
	MessagePing         = "ping"
	MessagePong         = "pong"
	MessageError        = "error"
)

// CandidateSink applies trickled ICE candidates to a registered connection.
type CandidateSink interface {
	AddRemoteCandidate(id domain.ConnectionID, candidate domain.ICECandidate) error
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// MessagesPerSecond <= 0 disables per-socket message limiting.
	MessagesPerSecond float64
	Burst             int

	// AllowedOrigins lists browser origins; "*" allows any.
	AllowedOrigins []string
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// SignalMessage is the JSON envelope exchanged with producers on /ws.
type SignalMessage struct {
	Type      string               `json:"type"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *domain.ICECandidate `json:"candidate,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// WebSocketServer accepts producers that negotiate over a WebSocket
// instead of POST /offer. Closing the socket closes the producer connection.
type WebSocketServer struct {
	signaling  ports.SignalingService
	candidates CandidateSink
	cfg        Config
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	logger *zap.SugaredLogger
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	remote  string

	// producer is only touched by the read loop.
	producer *domain.Connection
}

func NewWebSocketServer(
	signaling ports.SignalingService,
	candidates CandidateSink,
	cfg Config,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	cfg.setDefaults()
	s := &WebSocketServer{
		signaling:  signaling,
		candidates: candidates,
		cfg:        cfg,
		clients:    make(map[*client]struct{}),
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, remote: r.RemoteAddr}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	if !s.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}

	s.logger.Infow("producer socket connected", "remote_addr", c.remote)

	done := make(chan struct{})
	go s.keepalive(c, done)

	s.readLoop(r.Context(), c)

	close(done)
	s.unregister(c)
	_ = conn.Close()

	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			s.logger.Warnw("closing producer connection", "connection_id", c.producer.ID, "error", err)
		}
	}

	s.logger.Infow("producer socket disconnected", "remote_addr", c.remote)
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var msg SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading from producer socket", "remote_addr", c.remote, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.sendError(c, "rate limit exceeded")
			continue
		}

		if err := s.handleMessage(ctx, c, msg); err != nil {
			s.logger.Infow("error handling producer message",
				"remote_addr", c.remote,
				"type", utils.TruncateString(utils.SanitizeString(msg.Type), 32),
				"error", err,
			)
			s.sendError(c, err.Error())
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg SignalMessage) error {
	var connID string
	if c.producer != nil {
		connID = string(c.producer.ID)
	}
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, connID)
	defer span.End()

	switch msg.Type {
	case MessageOffer:
		return s.handleOffer(ctx, c, msg)
	case MessageICECandidate:
		return s.handleICECandidate(c, msg)
	case MessagePing:
		return s.send(c, SignalMessage{Type: MessagePong})
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *WebSocketServer) handleOffer(ctx context.Context, c *client, msg SignalMessage) error {
	// A renegotiation from the same socket replaces the previous producer.
	if c.producer != nil {
		s.logger.Infow("replacing producer connection", "connection_id", c.producer.ID)
		_ = c.producer.Close()
		c.producer = nil
	}

	offer := domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: msg.SDP}
	answer, conn, err := s.signaling.HandleOfferAs(ctx, offer, domain.RoleProducer)
	if err != nil {
		return err
	}
	c.producer = conn

	s.logger.Infow("producer negotiated over websocket",
		"connection_id", conn.ID,
		"remote_addr", c.remote,
		"sdp_length", len(answer.SDP),
	)

	return s.send(c, SignalMessage{Type: MessageAnswer, SDP: answer.SDP})
}

func (s *WebSocketServer) handleICECandidate(c *client, msg SignalMessage) error {
	// Producers signal end-of-candidates with an empty candidate.
	if msg.Candidate == nil || msg.Candidate.Candidate == "" {
		return nil
	}
	if c.producer == nil {
		return errors.New("ice candidate received before offer")
	}
	if err := s.candidates.AddRemoteCandidate(c.producer.ID, *msg.Candidate); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}

	s.logger.Debugw("producer ice candidate added", "connection_id", c.producer.ID)
	return nil
}

func (s *WebSocketServer) keepalive(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Debugw("error sending ping", "remote_addr", c.remote, "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketServer) send(c *client, msg SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Type, err)
	}
	return nil
}

func (s *WebSocketServer) sendError(c *client, message string) {
	if err := s.send(c, SignalMessage{Type: MessageError, Error: message}); err != nil {
		s.logger.Debugw("error sending error message", "remote_addr", c.remote, "error", err)
	}
}

func (s *WebSocketServer) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *WebSocketServer) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// ClientCount returns the number of open producer sockets.
func (s *WebSocketServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every socket. Hijacked connections are not closed by
// http.Server.Shutdown.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}
