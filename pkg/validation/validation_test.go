package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"http", "http://origin:8080", false},
		{"https with path", "https://relay.example.com/base", false},
		{"empty", "", true},
		{"websocket scheme", "ws://origin:8080", true},
		{"relative", "/offer", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, ValidateSDP("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"))
	assert.NoError(t, ValidateSDP("\r\nv=0\r\n"))

	assert.Error(t, ValidateSDP(""))
	assert.Error(t, ValidateSDP("   "))
	assert.Error(t, ValidateSDP("o=- 1 1 IN IP4 0.0.0.0"))
	assert.Error(t, ValidateSDP("v=0\r\n"+string([]byte{0xff, 0xfe})))
	assert.Error(t, ValidateSDP("v=0\r\n"+strings.Repeat("a", MaxSDPSize)))
}

func TestValidateConnectionID(t *testing.T) {
	assert.NoError(t, ValidateConnectionID("0b9e5c1a-5d2b-4bb4-9a51-3f3c3e0f6a11"))
	assert.Error(t, ValidateConnectionID(""))
	assert.Error(t, ValidateConnectionID("has space"))
	assert.Error(t, ValidateConnectionID(strings.Repeat("a", 65)))
}

func TestValidateNonEmptyString(t *testing.T) {
	assert.NoError(t, ValidateNonEmptyString("x", "field"))
	assert.EqualError(t, ValidateNonEmptyString(" ", "field"), "field is required")
}
