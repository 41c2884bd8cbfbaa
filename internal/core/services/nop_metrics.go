package services

import (
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
)

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened(domain.Role) {}
func (nopRelayMetrics) ConnectionClosed(domain.Role, time.Duration) {}
func (nopRelayMetrics) NegotiationCompleted(domain.Role, time.Duration, error) {}
func (nopRelayMetrics) FrameReceived(int) {}
func (nopRelayMetrics) LatencyObserved(float64) {}
func (nopRelayMetrics) UpstreamAttempt(bool) {}
func (nopRelayMetrics) TrackAvailable(bool) {}
func (nopRelayMetrics) ControlMessageDropped() {}

func orNop(m ports.RelayMetrics) ports.RelayMetrics {
	if m == nil {
		return nopRelayMetrics{}
	}
	return m
}
