package services

import (
	"strings"
	"testing"

	"vidrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func buildSDP(sessionAttrs []string, media ...[]string) string {
	lines := []string{
		"v=0",
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	lines = append(lines, sessionAttrs...)
	for _, m := range media {
		lines = append(lines, m...)
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func videoSection(attrs ...string) []string {
	return append([]string{"m=video 9 UDP/TLS/RTP/SAVPF 96", "c=IN IP4 0.0.0.0", "a=mid:0"}, attrs...)
}

func audioSection(attrs ...string) []string {
	return append([]string{"m=audio 9 UDP/TLS/RTP/SAVPF 111", "c=IN IP4 0.0.0.0", "a=mid:1"}, attrs...)
}

func TestClassifyByDirection(t *testing.T) {
	tests := []struct {
		name string
		sdp  string
		want domain.Role
	}{
		{"sendonly video", buildSDP(nil, videoSection("a=sendonly")), domain.RoleProducer},
		{"sendrecv video", buildSDP(nil, videoSection("a=sendrecv")), domain.RoleProducer},
		{"recvonly video", buildSDP(nil, videoSection("a=recvonly")), domain.RoleConsumer},
		{"inactive video", buildSDP(nil, videoSection("a=inactive")), domain.RoleConsumer},
		{"session level sendonly", buildSDP([]string{"a=sendonly"}, videoSection()), domain.RoleProducer},
		{"media overrides session", buildSDP([]string{"a=sendonly"}, videoSection("a=recvonly")), domain.RoleConsumer},
		{"sendonly audio only", buildSDP(nil, audioSection("a=sendonly")), domain.RoleConsumer},
		{"audio sendrecv video recvonly", buildSDP(nil, audioSection("a=sendrecv"), videoSection("a=recvonly")), domain.RoleConsumer},
		{"no media", buildSDP(nil), domain.RoleConsumer},
		{"garbage", "not an sdp", domain.RoleConsumer},
		{"empty", "", domain.RoleConsumer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyByDirection(domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: tt.sdp})
			assert.Equal(t, tt.want, got)
		})
	}
}
