package ports

import (
	"context"
	"time"

	"vidrelay/internal/core/domain"
)

type SignalingService interface {
	HandleOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	HandleOfferAs(ctx context.Context, offer domain.SessionDescription, role domain.Role) (domain.SessionDescription, *domain.Connection, error)
}

// Reconnector schedules a new upstream connection attempt. It returns false
// when an attempt is already pending.
type Reconnector interface {
	ScheduleReconnect() bool
}

// EventPublisher fans connection lifecycle events out to other processes.
type EventPublisher interface {
	PublishLifecycle(ctx context.Context, event domain.LifecycleEvent) error
}

// RelayMetrics mirrors relay activity into an external metrics backend.
type RelayMetrics interface {
	ConnectionOpened(role domain.Role)
	ConnectionClosed(role domain.Role, lifetime time.Duration)
	NegotiationCompleted(role domain.Role, duration time.Duration, err error)
	FrameReceived(sizeBytes int)
	LatencyObserved(ms float64)
	UpstreamAttempt(success bool)
	TrackAvailable(available bool)
	ControlMessageDropped()
}
