package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectionID(t *testing.T) {
	id1 := NewConnectionID()
	id2 := NewConnectionID()

	assert.NotEqual(t, id1, id2)
	_, err := uuid.Parse(id1)
	require.NoError(t, err)
	_, err = uuid.Parse(NewRequestID())
	require.NoError(t, err)
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"with tabs", "hello\tworld", "hello\tworld"},
		{"with whitespace", "  hello  ", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeString(tt.input))
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"exact length", "hello", 5, "hello"},
		{"long string", "hello world", 8, "hello..."},
		{"tiny limit", "hello", 2, "he"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TruncateString(tt.input, tt.maxLen))
		})
	}
}

func TestLogPayload(t *testing.T) {
	assert.Equal(t, `{"type":...`, LogPayload([]byte("{\"type\":\x00\"bogus\"}"), 11))
}
