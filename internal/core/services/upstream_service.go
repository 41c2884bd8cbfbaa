package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
	"vidrelay/pkg/tracing"

	"go.uber.org/zap"
)

const DefaultReconnectDelay = 5 * time.Second

type UpstreamConfig struct {
	URL            string
	ReconnectDelay time.Duration
}

// UpstreamController maintains the outbound link to a further upstream relay
// and re-establishes it after it fails. At most one reconnection attempt is
// pending or running at any time.
type UpstreamController struct {
	cfg       UpstreamConfig
	transport ports.MediaTransport
	signaler  ports.UpstreamSignaler
	manager   *SessionManager
	metrics   ports.RelayMetrics
	newID     func() domain.ConnectionID
	logger    *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  bool
	closed   bool
	timer    *time.Timer
	current  *domain.Connection
	attempts int
}

func NewUpstreamController(
	cfg UpstreamConfig,
	transport ports.MediaTransport,
	signaler ports.UpstreamSignaler,
	manager *SessionManager,
	metrics ports.RelayMetrics,
	newID func() domain.ConnectionID,
	logger *zap.SugaredLogger,
) *UpstreamController {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UpstreamController{
		cfg:       cfg,
		transport: transport,
		signaler:  signaler,
		manager:   manager,
		metrics:   orNop(metrics),
		newID:     newID,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (u *UpstreamController) Enabled() bool {
	return u.cfg.URL != ""
}

func (u *UpstreamController) URL() string {
	return u.cfg.URL
}

// Connected reports whether the upstream link is registered and not closed.
func (u *UpstreamController) Connected() bool {
	u.mu.Lock()
	conn := u.current
	u.mu.Unlock()

	if conn == nil {
		return false
	}
	state := conn.State()
	return state == domain.StateConnecting || state == domain.StateConnected
}

// Start makes the first connection attempt. A failure is not fatal; it
// schedules a reconnect.
func (u *UpstreamController) Start(ctx context.Context) {
	if !u.Enabled() {
		return
	}
	if err := u.ConnectUpstream(ctx); err != nil {
		u.logger.Warnw("initial upstream connection failed",
			"upstream_url", u.cfg.URL,
			"error", err,
		)
		u.ScheduleReconnect()
	}
}

// ConnectUpstream negotiates a new link with the upstream server and
// registers it as a producer connection.
func (u *UpstreamController) ConnectUpstream(ctx context.Context) error {
	_, err := u.connect(ctx)
	return err
}

func (u *UpstreamController) connect(ctx context.Context) (*domain.Connection, error) {
	ctx, span := tracing.TraceUpstream(ctx, "connect", u.cfg.URL)
	defer span.End()

	conn, err := u.negotiate(ctx)
	u.metrics.UpstreamAttempt(err == nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	u.mu.Lock()
	u.current = conn
	u.mu.Unlock()

	u.logger.Infow("upstream connected",
		"upstream_url", u.cfg.URL,
		"connection_id", conn.ID,
	)
	return conn, nil
}

func (u *UpstreamController) negotiate(ctx context.Context) (*domain.Connection, error) {
	id := u.newID()
	session, err := u.transport.NewSession(ctx, id, domain.RoleProducer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}

	conn := domain.NewConnection(id, domain.RoleProducer, session)
	conn.Upstream = true
	if err := conn.Transition(domain.StateConnecting); err != nil {
		conn.Close()
		return nil, err
	}

	offer, err := session.Offer(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailure, err)
	}

	answer, err := u.signaler.ExchangeOffer(ctx, offer)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := session.ApplyAnswer(answer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: apply answer: %v", domain.ErrNegotiationFailure, err)
	}

	if err := u.manager.Adopt(conn, session); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ScheduleReconnect arms a single delayed attempt. It returns false when an
// attempt is already pending or the controller is closed.
func (u *UpstreamController) ScheduleReconnect() bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed || u.pending || !u.Enabled() {
		return false
	}
	u.pending = true
	u.attempts++
	u.timer = time.AfterFunc(u.cfg.ReconnectDelay, u.reconnect)

	u.logger.Infow("upstream reconnect scheduled",
		"upstream_url", u.cfg.URL,
		"delay", u.cfg.ReconnectDelay.String(),
		"attempt", u.attempts,
	)
	return true
}

func (u *UpstreamController) reconnect() {
	conn, err := u.connect(u.ctx)

	u.mu.Lock()
	u.pending = false
	closed := u.closed
	u.mu.Unlock()

	if closed {
		return
	}
	if err != nil {
		u.logger.Warnw("upstream reconnect failed",
			"upstream_url", u.cfg.URL,
			"error", err,
		)
		u.ScheduleReconnect()
		return
	}

	u.mu.Lock()
	u.attempts = 0
	u.mu.Unlock()

	// The link may already have dropped while this attempt still held the
	// pending slot.
	if state := conn.State(); state == domain.StateFailed || state == domain.StateClosed {
		u.ScheduleReconnect()
	}
}

// Close cancels any pending attempt. The upstream connection itself is
// closed with the rest of the registry.
func (u *UpstreamController) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.closed = true
	if u.timer != nil {
		u.timer.Stop()
	}
	u.cancel()
}
