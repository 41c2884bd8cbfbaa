package services

import (
	"sync"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"

	"go.uber.org/zap"
)

// waitingTTL bounds how long a consumer that was told "not ready" is
// remembered as waiting.
const waitingTTL = time.Minute

type publication struct {
	track       domain.RelayTrack
	source      domain.ConnectionID
	stale       chan struct{}
	publishedAt time.Time
}

// Fanout holds the single current producer track and hands out relay
// handles to consumers. All writes go through Publish and Invalidate.
type Fanout struct {
	mu      sync.RWMutex
	current *publication
	waiting map[string]time.Time

	metrics ports.RelayMetrics
	logger  *zap.SugaredLogger
}

func NewFanout(metrics ports.RelayMetrics, logger *zap.SugaredLogger) *Fanout {
	return &Fanout{
		waiting: make(map[string]time.Time),
		metrics: orNop(metrics),
		logger:  logger,
	}
}

// Publish installs track as the current track, replacing any previous one.
// Consumers that were waiting are cleared; they have to offer again.
func (f *Fanout) Publish(track domain.RelayTrack, source domain.ConnectionID) {
	pub := &publication{
		track:       track,
		source:      source,
		stale:       make(chan struct{}),
		publishedAt: time.Now(),
	}

	f.mu.Lock()
	previous := f.current
	if previous != nil && previous.track != track {
		setPublished(previous.track, false)
	}
	setPublished(track, true)
	f.current = pub
	waiters := len(f.waiting)
	f.waiting = make(map[string]time.Time)
	f.mu.Unlock()

	if previous != nil {
		close(previous.stale)
	}
	f.metrics.TrackAvailable(true)

	f.logger.Infow("track published",
		"track_id", track.ID(),
		"source_id", source,
		"replaced", previous != nil,
		"waiting_consumers", waiters,
	)
}

// Subscribe returns a handle on the current track, or
// domain.ErrUpstreamNotReady when nothing has been published.
func (f *Fanout) Subscribe(waiterID string) (*domain.TrackHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pub := f.current
	if pub == nil {
		// Recorded under the same lock as the read so a concurrent Publish
		// either sees this waiter or is seen by this call.
		now := time.Now()
		f.pruneWaitingLocked(now)
		f.waiting[waiterID] = now
		return nil, domain.ErrUpstreamNotReady
	}

	return &domain.TrackHandle{
		Track:    pub.track,
		SourceID: pub.source,
		Stale:    pub.stale,
	}, nil
}

// Invalidate clears the current track and marks every handle taken from it
// stale.
func (f *Fanout) Invalidate() bool {
	f.mu.Lock()
	pub := f.current
	f.current = nil
	if pub != nil {
		setPublished(pub.track, false)
	}
	f.mu.Unlock()

	return f.retire(pub)
}

// InvalidateSource clears the current track only when it was published by
// source.
func (f *Fanout) InvalidateSource(source domain.ConnectionID) bool {
	f.mu.Lock()
	pub := f.current
	if pub == nil || pub.source != source {
		f.mu.Unlock()
		return false
	}
	f.current = nil
	setPublished(pub.track, false)
	f.mu.Unlock()

	return f.retire(pub)
}

func setPublished(track domain.RelayTrack, published bool) {
	if aware, ok := track.(domain.PublicationAware); ok {
		aware.SetPublished(published)
	}
}

func (f *Fanout) retire(pub *publication) bool {
	if pub == nil {
		return false
	}
	close(pub.stale)
	f.metrics.TrackAvailable(false)

	f.logger.Infow("track invalidated",
		"track_id", pub.track.ID(),
		"source_id", pub.source,
		"published_for", time.Since(pub.publishedAt).String(),
	)
	return true
}

func (f *Fanout) Available() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current != nil
}

// Current returns a handle on the current track, or nil.
func (f *Fanout) Current() *domain.TrackHandle {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.current == nil {
		return nil
	}
	return &domain.TrackHandle{
		Track:    f.current.track,
		SourceID: f.current.source,
		Stale:    f.current.stale,
	}
}

func (f *Fanout) WaitingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneWaitingLocked(time.Now())
	return len(f.waiting)
}

func (f *Fanout) pruneWaitingLocked(now time.Time) {
	for id, since := range f.waiting {
		if now.Sub(since) > waitingTTL {
			delete(f.waiting, id)
		}
	}
}
