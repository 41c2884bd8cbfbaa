package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
	"vidrelay/pkg/tracing"
	"vidrelay/pkg/validation"

	"go.uber.org/zap"
)

type signalingService struct {
	transport ports.MediaTransport
	manager   *SessionManager
	fanout    *Fanout
	classify  RoleClassifier
	metrics   ports.RelayMetrics
	newID     func() domain.ConnectionID
	logger    *zap.SugaredLogger
}

func NewSignalingService(
	transport ports.MediaTransport,
	manager *SessionManager,
	fanout *Fanout,
	classify RoleClassifier,
	metrics ports.RelayMetrics,
	newID func() domain.ConnectionID,
	logger *zap.SugaredLogger,
) ports.SignalingService {
	if classify == nil {
		classify = ClassifyByDirection
	}
	return &signalingService{
		transport: transport,
		manager:   manager,
		fanout:    fanout,
		classify:  classify,
		metrics:   orNop(metrics),
		newID:     newID,
		logger:    logger,
	}
}

// HandleOffer classifies the offer and negotiates it as a producer or a
// consumer.
func (s *signalingService) HandleOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	answer, _, err := s.HandleOfferAs(ctx, offer, s.classify(offer))
	return answer, err
}

// HandleOfferAs negotiates an offer whose role is already known.
func (s *signalingService) HandleOfferAs(ctx context.Context, offer domain.SessionDescription, role domain.Role) (domain.SessionDescription, *domain.Connection, error) {
	if err := validateOffer(offer); err != nil {
		return domain.SessionDescription{}, nil, err
	}

	id := s.newID()
	ctx, span := tracing.TraceNegotiation(ctx, string(role), string(id))
	defer span.End()

	var handle *domain.TrackHandle
	if role == domain.RoleConsumer {
		h, err := s.fanout.Subscribe(string(id))
		if err != nil {
			s.logger.Infow("consumer offer refused",
				"connection_id", id,
				"error", err,
				"waiting_consumers", s.fanout.WaitingCount(),
			)
			tracing.RecordError(ctx, err)
			return domain.SessionDescription{}, nil, err
		}
		handle = h
	}

	start := time.Now()
	answer, conn, err := s.negotiate(ctx, id, role, offer, handle)
	s.metrics.NegotiationCompleted(role, time.Since(start), err)
	tracing.MeasureDuration(ctx, start, "negotiate")
	if err != nil {
		tracing.RecordError(ctx, err)
		s.logger.Errorw("negotiation failed",
			"connection_id", id,
			"role", role,
			"error", err,
		)
		return domain.SessionDescription{}, nil, err
	}

	s.logger.Infow("offer answered",
		"connection_id", id,
		"role", role,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return answer, conn, nil
}

func (s *signalingService) negotiate(
	ctx context.Context,
	id domain.ConnectionID,
	role domain.Role,
	offer domain.SessionDescription,
	handle *domain.TrackHandle,
) (domain.SessionDescription, *domain.Connection, error) {
	session, err := s.transport.NewSession(ctx, id, role)
	if err != nil {
		return domain.SessionDescription{}, nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}

	conn := domain.NewConnection(id, role, session)
	if err := conn.Transition(domain.StateConnecting); err != nil {
		conn.Close()
		return domain.SessionDescription{}, nil, err
	}

	if handle != nil {
		if err := session.AttachTrack(handle.Track); err != nil {
			conn.Close()
			return domain.SessionDescription{}, nil, fmt.Errorf("%w: attach relay track: %v", domain.ErrNegotiationFailure, err)
		}
		conn.SetRelay(handle)
	}

	answer, err := session.Answer(ctx, offer)
	if err != nil {
		conn.Close()
		return domain.SessionDescription{}, nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}

	// The producer may have gone away during ICE gathering.
	if handle != nil && handle.IsStale() {
		conn.Close()
		return domain.SessionDescription{}, nil, fmt.Errorf("%w: relay track invalidated during negotiation", domain.ErrUpstreamNotReady)
	}

	if err := s.manager.Adopt(conn, session); err != nil {
		conn.Close()
		if errors.Is(err, domain.ErrShuttingDown) {
			return domain.SessionDescription{}, nil, err
		}
		return domain.SessionDescription{}, nil, fmt.Errorf("%w: %v", domain.ErrNegotiationFailure, err)
	}
	return answer, conn, nil
}

func validateOffer(offer domain.SessionDescription) error {
	if offer.Type != domain.SDPTypeOffer {
		return fmt.Errorf("%w: type must be %q, got %q", domain.ErrInvalidOffer, domain.SDPTypeOffer, offer.Type)
	}
	if err := validation.ValidateSDP(offer.SDP); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOffer, err)
	}
	return nil
}
