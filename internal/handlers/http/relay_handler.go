package http

import (
	"errors"
	"net/http"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
	"vidrelay/internal/infrastructure/middleware"
	"vidrelay/internal/infrastructure/monitoring"
	apperrors "vidrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusProvider aggregates relay state for /stats.
type StatusProvider interface {
	Status() domain.RelayStatus
}

// UpstreamInfo describes the optional upstream link.
type UpstreamInfo interface {
	Enabled() bool
	URL() string
	Connected() bool
}

type RelayHandlerOptions struct {
	Signaling ports.SignalingService
	// Classify must match the classifier the signaling service uses.
	Classify             func(domain.SessionDescription) domain.Role
	Status               StatusProvider
	Upstream             UpstreamInfo
	Health               *monitoring.HealthChecker
	ICEServers           []string
	RequireProducerToken bool
	Logger               *zap.SugaredLogger
}

type RelayHandler struct {
	opts RelayHandlerOptions
}

func NewRelayHandler(opts RelayHandlerOptions) *RelayHandler {
	if opts.Health == nil {
		opts.Health = monitoring.NewHealthChecker()
	}
	return &RelayHandler{opts: opts}
}

// SetupRoutes registers the relay endpoints. offerMiddleware runs before the
// offer handler, typically token verification.
func (h *RelayHandler) SetupRoutes(router gin.IRouter, offerMiddleware ...gin.HandlerFunc) {
	router.POST("/offer", append(offerMiddleware, h.HandleOffer)...)
	router.GET("/stats", h.GetStats)
	router.GET("/status", h.GetStats)
	router.GET("/config", h.GetConfig)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// HandleOffer negotiates a producer or consumer connection from an SDP offer.
func (h *RelayHandler) HandleOffer(c *gin.Context) {
	var offer domain.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("invalid offer body"))
		return
	}

	ctx := c.Request.Context()
	var (
		answer domain.SessionDescription
		err    error
	)

	if h.opts.RequireProducerToken && h.opts.Classify != nil {
		role := h.opts.Classify(offer)
		if role == domain.RoleProducer {
			if _, ok := middleware.ProducerSubject(c); !ok {
				_ = c.Error(apperrors.NewUnauthorizedError("producer token required"))
				return
			}
		}
		answer, _, err = h.opts.Signaling.HandleOfferAs(ctx, offer, role)
	} else {
		answer, err = h.opts.Signaling.HandleOffer(ctx, offer)
	}

	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}

	c.JSON(http.StatusOK, answer)
}

// GetStats serves connection counts and live video metrics.
func (h *RelayHandler) GetStats(c *gin.Context) {
	status := h.opts.Status.Status()
	if h.opts.Upstream != nil && h.opts.Upstream.Enabled() {
		status.UpstreamURL = h.opts.Upstream.URL()
		status.UpstreamConnected = h.opts.Upstream.Connected()
	}
	c.JSON(http.StatusOK, status)
}

func (h *RelayHandler) GetConfig(c *gin.Context) {
	status := h.opts.Status.Status()

	resp := gin.H{
		"ice_servers":          h.opts.ICEServers,
		"video_available":      status.VideoAvailable,
		"consumer_connections": status.ConsumerConnections,
	}
	if h.opts.Upstream != nil && h.opts.Upstream.Enabled() {
		resp["upstream_url"] = h.opts.Upstream.URL()
	}
	c.JSON(http.StatusOK, resp)
}

// Health reports liveness only; it never touches external dependencies.
func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          monitoring.StatusHealthy,
		"video_available": h.opts.Status.Status().VideoAvailable,
	})
}

// Ready reports whether external dependencies respond.
func (h *RelayHandler) Ready(c *gin.Context) {
	status := h.opts.Health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// toAppError maps relay errors onto HTTP-facing application errors.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrInvalidOffer):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid offer", http.StatusBadRequest)
	case errors.Is(err, domain.ErrUpstreamNotReady):
		return apperrors.NewUpstreamNotReadyError(err)
	case errors.Is(err, domain.ErrShuttingDown):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "relay is shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrNegotiationFailure):
		return apperrors.NewNegotiationFailedError(err)
	case errors.Is(err, domain.ErrConnectionNotFound):
		return apperrors.NewNotFoundError("connection")
	default:
		internal := apperrors.NewInternalError("Internal server error")
		internal.Cause = err
		return internal
	}
}
