package ports

import (
	"context"

	"vidrelay/internal/core/domain"
)

// ConnectionRegistry holds every live producer and consumer connection.
type ConnectionRegistry interface {
	Add(conn *domain.Connection) error
	Get(id domain.ConnectionID) (*domain.Connection, error)
	// Remove deletes the connection. A second Remove for the same id returns
	// domain.ErrConnectionNotFound.
	Remove(id domain.ConnectionID) (*domain.Connection, error)
	List(role domain.Role) []*domain.Connection
	Count(role domain.Role) int
	// CloseAll closes every registered connection concurrently and waits for
	// all of them or for ctx to end.
	CloseAll(ctx context.Context) error
}
