package domain

import (
	"fmt"
	"io"
	"sync"
	"time"
)

type ConnectionID string

type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

type State string

const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// allowedTransitions lists every legal move of the connection state machine.
var allowedTransitions = map[State][]State{
	StateNew:        {StateConnecting, StateClosed},
	StateConnecting: {StateConnected, StateFailed, StateClosed},
	StateConnected:  {StateFailed, StateClosed},
	StateFailed:     {StateClosed},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Connection is one live peer session owned by the relay.
type Connection struct {
	ID        ConnectionID
	Role      Role
	Upstream  bool
	CreatedAt time.Time

	mu      sync.RWMutex
	state   State
	relay   *TrackHandle
	session io.Closer

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewConnection(id ConnectionID, role Role, session io.Closer) *Connection {
	return &Connection{
		ID:        id,
		Role:      role,
		CreatedAt: time.Now(),
		state:     StateNew,
		session:   session,
		done:      make(chan struct{}),
	}
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transition moves the connection to the given state.
func (c *Connection) Transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !CanTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// SetRelay records the relayed track a consumer connection was negotiated with.
func (c *Connection) SetRelay(handle *TrackHandle) {
	c.mu.Lock()
	c.relay = handle
	c.mu.Unlock()
}

func (c *Connection) Relay() *TrackHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relay
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close moves the connection to Closed and releases its transport session.
// Only the first call reaches the session; later calls return the same error.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		if c.session != nil {
			c.closeErr = c.session.Close()
		}
		close(c.done)
	})
	return c.closeErr
}
