package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
)

type MemoryConnectionRepository struct {
	connections map[domain.ConnectionID]*domain.Connection
	mu          sync.RWMutex
}

func NewMemoryConnectionRepository() ports.ConnectionRegistry {
	return &MemoryConnectionRepository{
		connections: make(map[domain.ConnectionID]*domain.Connection),
	}
}

func (r *MemoryConnectionRepository) Add(conn *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrConnectionExists, conn.ID)
	}

	r.connections[conn.ID] = conn
	return nil
}

func (r *MemoryConnectionRepository) Get(id domain.ConnectionID) (*domain.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	if !exists {
		return nil, domain.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *MemoryConnectionRepository) Remove(id domain.ConnectionID) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.connections[id]
	if !exists {
		return nil, domain.ErrConnectionNotFound
	}

	delete(r.connections, id)
	return conn, nil
}

// List returns the connections of the given role ordered by creation time.
func (r *MemoryConnectionRepository) List(role domain.Role) []*domain.Connection {
	r.mu.RLock()
	result := make([]*domain.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		if conn.Role == role {
			result = append(result, conn)
		}
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *MemoryConnectionRepository) Count(role domain.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, conn := range r.connections {
		if conn.Role == role {
			count++
		}
	}
	return count
}

func (r *MemoryConnectionRepository) CloseAll(ctx context.Context) error {
	r.mu.RLock()
	all := make([]*domain.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		all = append(all, conn)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range all {
		wg.Add(1)
		go func(c *domain.Connection) {
			defer wg.Done()
			c.Close()
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("closing connections: %w", ctx.Err())
	}

	r.mu.Lock()
	for _, conn := range all {
		delete(r.connections, conn.ID)
	}
	r.mu.Unlock()
	return nil
}
