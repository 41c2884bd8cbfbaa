package utils

import (
	"github.com/google/uuid"
)

// NewConnectionID returns a random UUID for a relay connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewRequestID returns a random UUID used to correlate HTTP and signaling logs.
func NewRequestID() string {
	return uuid.NewString()
}
