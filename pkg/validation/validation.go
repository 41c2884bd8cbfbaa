package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSDPSize bounds accepted session descriptions.
const MaxSDPSize = 64 * 1024

var (
	// ConnectionIDRegex validates connection ID format
	ConnectionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

// ValidateURL validates an absolute http(s) URL
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSDP checks that s looks like a session description body.
func ValidateSDP(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("sdp is required")
	}
	if len(s) > MaxSDPSize {
		return fmt.Errorf("sdp exceeds %d bytes", MaxSDPSize)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("sdp contains invalid characters")
	}
	if !strings.HasPrefix(strings.TrimLeft(s, "\r\n "), "v=0") {
		return fmt.Errorf("sdp must start with a v=0 line")
	}
	return nil
}

// ValidateConnectionID validates connection ID format
func ValidateConnectionID(id string) error {
	if id == "" {
		return fmt.Errorf("connection ID is required")
	}
	if !ConnectionIDRegex.MatchString(id) {
		return fmt.Errorf("connection ID contains invalid characters")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
