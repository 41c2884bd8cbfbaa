package ports

import (
	"context"

	"vidrelay/internal/core/domain"
)

// MediaTransport creates peer sessions on the underlying WebRTC stack.
type MediaTransport interface {
	NewSession(ctx context.Context, id domain.ConnectionID, role domain.Role) (PeerSession, error)
}

// PeerSession is one negotiated peer connection. Its Events channel is
// closed after Close.
type PeerSession interface {
	AttachTrack(track domain.RelayTrack) error
	Answer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	Offer(ctx context.Context) (domain.SessionDescription, error)
	ApplyAnswer(answer domain.SessionDescription) error
	AddRemoteCandidate(candidate domain.ICECandidate) error
	Events() <-chan domain.Event
	Send(payload []byte) error
	Close() error
}

// UpstreamSignaler exchanges an offer for an answer with the upstream server.
type UpstreamSignaler interface {
	ExchangeOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
}
