package webrtc

import (
	"sync"

	"vidrelay/internal/core/domain"
)

const eventBuffer = 64

// eventEmitter serialises pion callbacks into one ordered channel. Events
// emitted after close are dropped.
type eventEmitter struct {
	mu     sync.RWMutex
	ch     chan domain.Event
	done   chan struct{}
	closed bool
	once   sync.Once
}

func newEventEmitter() *eventEmitter {
	return &eventEmitter{
		ch:   make(chan domain.Event, eventBuffer),
		done: make(chan struct{}),
	}
}

func (e *eventEmitter) emit(ev domain.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.done:
	}
}

func (e *eventEmitter) events() <-chan domain.Event {
	return e.ch
}

func (e *eventEmitter) close() {
	e.once.Do(func() {
		close(e.done)

		e.mu.Lock()
		e.closed = true
		close(e.ch)
		e.mu.Unlock()
	})
}
