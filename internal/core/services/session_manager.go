package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vidrelay/internal/core/control"
	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
	"vidrelay/pkg/validation"

	"go.uber.org/zap"
)

const lifecyclePublishTimeout = 2 * time.Second

type SessionManagerConfig struct {
	HeartbeatInterval time.Duration
	StatusInterval    time.Duration
}

// SessionManager owns the lifecycle of every adopted connection. Each
// connection gets one dispatch goroutine that applies its transport events
// in order.
type SessionManager struct {
	cfg          SessionManagerConfig
	registry     ports.ConnectionRegistry
	fanout       *Fanout
	aggregator   *MetricsAggregator
	relayMetrics ports.RelayMetrics
	publisher    ports.EventPublisher
	logger       *zap.SugaredLogger

	mu          sync.RWMutex
	sessions    map[domain.ConnectionID]ports.PeerSession
	reconnector ports.Reconnector

	closing  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewSessionManager(
	cfg SessionManagerConfig,
	registry ports.ConnectionRegistry,
	fanout *Fanout,
	aggregator *MetricsAggregator,
	relayMetrics ports.RelayMetrics,
	publisher ports.EventPublisher,
	logger *zap.SugaredLogger,
) *SessionManager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}
	return &SessionManager{
		cfg:          cfg,
		registry:     registry,
		fanout:       fanout,
		aggregator:   aggregator,
		relayMetrics: orNop(relayMetrics),
		publisher:    publisher,
		logger:       logger,
		sessions:     make(map[domain.ConnectionID]ports.PeerSession),
		stop:         make(chan struct{}),
		now:          time.Now,
	}
}

// SetReconnector wires the upstream controller that is asked for a new
// attempt whenever the upstream link goes away.
func (m *SessionManager) SetReconnector(r ports.Reconnector) {
	m.mu.Lock()
	m.reconnector = r
	m.mu.Unlock()
}

// Adopt registers a negotiated connection and starts dispatching its
// transport events.
func (m *SessionManager) Adopt(conn *domain.Connection, session ports.PeerSession) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return domain.ErrShuttingDown
	}
	if err := m.registry.Add(conn); err != nil {
		m.mu.Unlock()
		return err
	}
	m.sessions[conn.ID] = session
	m.wg.Add(1)
	if conn.Relay() != nil {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.relayMetrics.ConnectionOpened(conn.Role)
	m.publishLifecycle(conn, domain.LifecycleRegistered, nil)

	m.logger.Infow("connection registered",
		"connection_id", conn.ID,
		"role", conn.Role,
		"upstream", conn.Upstream,
		"producers", m.registry.Count(domain.RoleProducer),
		"consumers", m.registry.Count(domain.RoleConsumer),
	)

	go m.dispatch(conn, session)
	if handle := conn.Relay(); handle != nil {
		go m.watchRelay(conn, handle)
	}
	return nil
}

func (m *SessionManager) dispatch(conn *domain.Connection, session ports.PeerSession) {
	defer m.wg.Done()

	for ev := range session.Events() {
		m.handleEvent(conn, session, ev)
	}
	m.finalize(conn)
}

func (m *SessionManager) handleEvent(conn *domain.Connection, session ports.PeerSession, ev domain.Event) {
	switch ev.Kind {
	case domain.EventTrackReceived:
		m.onTrackReceived(conn, ev.Track)
	case domain.EventTrackEnded:
		if conn.Role == domain.RoleProducer && m.fanout.InvalidateSource(conn.ID) {
			m.publishLifecycle(conn, domain.LifecycleInvalidated, nil)
		}
	case domain.EventStateChanged:
		m.onStateChanged(conn, ev.State)
	case domain.EventChannelMessage:
		m.onChannelMessage(conn, session, ev.Payload)
	default:
		m.logger.Warnw("unknown transport event", "connection_id", conn.ID, "kind", ev.Kind)
	}
}

func (m *SessionManager) onTrackReceived(conn *domain.Connection, track domain.RelayTrack) {
	if conn.Role != domain.RoleProducer {
		m.logger.Warnw("ignoring track from consumer",
			"connection_id", conn.ID,
			"track_id", track.ID(),
		)
		return
	}

	m.fanout.Publish(track, conn.ID)
	m.publishLifecycle(conn, domain.LifecyclePublished, map[string]any{"track_id": track.ID()})
}

func (m *SessionManager) onStateChanged(conn *domain.Connection, state domain.TransportState) {
	switch state {
	case domain.TransportConnecting:
		// Connections are already Connecting once negotiation starts.
	case domain.TransportConnected:
		if err := conn.Transition(domain.StateConnected); err != nil {
			m.logger.Debugw("ignoring transport state", "connection_id", conn.ID, "state", state, "error", err)
			return
		}
		m.logger.Infow("connection established", "connection_id", conn.ID, "role", conn.Role)
		m.publishLifecycle(conn, domain.LifecycleState, nil)

		if handle := conn.Relay(); handle != nil && !handle.IsStale() {
			if err := handle.Track.RequestKeyframe(); err != nil {
				m.logger.Debugw("keyframe request failed", "connection_id", conn.ID, "error", err)
			}
		}
	case domain.TransportDisconnected:
		m.logger.Warnw("connection disconnected", "connection_id", conn.ID, "role", conn.Role)
	case domain.TransportFailed:
		if err := conn.Transition(domain.StateFailed); err != nil {
			m.logger.Debugw("ignoring transport state", "connection_id", conn.ID, "state", state, "error", err)
		}
		m.logger.Errorw("connection failed",
			"connection_id", conn.ID,
			"role", conn.Role,
			"upstream", conn.Upstream,
			"error", domain.ErrTransportFailure,
		)
		m.publishLifecycle(conn, domain.LifecycleState, nil)
		m.closeConnection(conn)
	case domain.TransportClosed:
		m.closeConnection(conn)
	}
}

func (m *SessionManager) onChannelMessage(conn *domain.Connection, session ports.PeerSession, payload []byte) {
	msg, err := control.Parse(payload)
	if err != nil {
		m.relayMetrics.ControlMessageDropped()
		m.logger.Warnw("dropping control message",
			"connection_id", conn.ID,
			"error", err,
			"size", len(payload),
		)
		return
	}

	switch msg.Kind {
	case control.KindPing:
		if err := session.Send(control.Pong(msg)); err != nil {
			m.logger.Debugw("pong not sent", "connection_id", conn.ID, "error", err)
		}
	case control.KindPong:
		ts, err := msg.TimestampValue()
		if err != nil {
			m.relayMetrics.ControlMessageDropped()
			return
		}
		m.aggregator.RecordPong(ts)
	case control.KindStatus:
		m.logger.Debugw("status push", "connection_id", conn.ID, "frames", msg.Frames)
	}
}

func (m *SessionManager) closeConnection(conn *domain.Connection) {
	if err := conn.Close(); err != nil {
		m.logger.Warnw("closing connection", "connection_id", conn.ID, "error", err)
	}
}

// finalize runs once the transport session is gone.
func (m *SessionManager) finalize(conn *domain.Connection) {
	m.closeConnection(conn)

	if _, err := m.registry.Remove(conn.ID); err != nil {
		m.logger.Debugw("connection already removed", "connection_id", conn.ID)
	}

	m.mu.Lock()
	delete(m.sessions, conn.ID)
	reconnector := m.reconnector
	closing := m.closing
	m.mu.Unlock()

	m.relayMetrics.ConnectionClosed(conn.Role, m.now().Sub(conn.CreatedAt))

	if conn.Role == domain.RoleProducer && m.fanout.InvalidateSource(conn.ID) {
		m.publishLifecycle(conn, domain.LifecycleInvalidated, nil)
	}
	m.publishLifecycle(conn, domain.LifecycleRemoved, nil)

	m.logger.Infow("connection removed",
		"connection_id", conn.ID,
		"role", conn.Role,
		"producers", m.registry.Count(domain.RoleProducer),
		"consumers", m.registry.Count(domain.RoleConsumer),
	)

	if conn.Upstream && reconnector != nil && !closing {
		reconnector.ScheduleReconnect()
	}
}

func (m *SessionManager) watchRelay(conn *domain.Connection, handle *domain.TrackHandle) {
	defer m.wg.Done()

	select {
	case <-handle.Stale:
		m.logger.Infow("consumer relay stale",
			"connection_id", conn.ID,
			"source_id", handle.SourceID,
		)
	case <-conn.Done():
	}
}

// Start runs the heartbeat and status loops until ctx ends or Shutdown.
func (m *SessionManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	m.wg.Add(2)
	go m.loop(ctx, m.cfg.HeartbeatInterval, m.sendHeartbeats)
	go m.loop(ctx, m.cfg.StatusInterval, m.sendStatus)
}

func (m *SessionManager) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (m *SessionManager) sendHeartbeats() {
	payload := control.Ping(unixSeconds(m.now()))
	m.broadcast(domain.RoleProducer, payload)
}

func (m *SessionManager) sendStatus() {
	payload := control.Status(m.aggregator.Snapshot().Frames, unixSeconds(m.now()))
	m.broadcast(domain.RoleConsumer, payload)
}

func (m *SessionManager) broadcast(role domain.Role, payload []byte) {
	for _, conn := range m.registry.List(role) {
		if conn.State() != domain.StateConnected {
			continue
		}
		session := m.session(conn.ID)
		if session == nil {
			continue
		}
		if err := session.Send(payload); err != nil {
			m.logger.Debugw("control message not sent", "connection_id", conn.ID, "error", err)
		}
	}
}

// AddRemoteCandidate applies a trickled ICE candidate to a registered
// connection.
func (m *SessionManager) AddRemoteCandidate(id domain.ConnectionID, candidate domain.ICECandidate) error {
	if err := validation.ValidateConnectionID(string(id)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionNotFound, err)
	}
	session := m.session(id)
	if session == nil {
		return domain.ErrConnectionNotFound
	}
	return session.AddRemoteCandidate(candidate)
}

func (m *SessionManager) session(id domain.ConnectionID) ports.PeerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Status aggregates registry, fanout and metrics into one view.
func (m *SessionManager) Status() domain.RelayStatus {
	return domain.RelayStatus{
		MetricsSnapshot:     m.aggregator.Snapshot(),
		ProducerConnections: m.registry.Count(domain.RoleProducer),
		ConsumerConnections: m.registry.Count(domain.RoleConsumer),
		VideoAvailable:      m.fanout.Available(),
		WaitingConsumers:    m.fanout.WaitingCount(),
		Timestamp:           unixSeconds(m.now()),
	}
}

// Shutdown closes every registered connection concurrently, waits for their
// dispatchers and releases the fanout.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })

	if err := m.registry.CloseAll(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatchers: %w", ctx.Err())
	}

	m.fanout.Invalidate()
	return nil
}

func (m *SessionManager) publishLifecycle(conn *domain.Connection, kind string, data map[string]any) {
	if m.publisher == nil {
		return
	}
	event := domain.LifecycleEvent{
		Type:         kind,
		ConnectionID: conn.ID,
		Role:         conn.Role,
		State:        conn.State(),
		Timestamp:    m.now(),
		Data:         data,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lifecyclePublishTimeout)
		defer cancel()
		if err := m.publisher.PublishLifecycle(ctx, event); err != nil {
			m.logger.Debugw("lifecycle event not published", "type", kind, "error", err)
		}
	}()
}
