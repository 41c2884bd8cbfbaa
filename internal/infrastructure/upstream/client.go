// Package upstream talks to the signaling endpoint of a further upstream
// relay.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	DefaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 1024
)

type Client struct {
	offerURL string
	timeout  time.Duration
	http     *http.Client
	logger   *zap.SugaredLogger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) ports.UpstreamSignaler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		offerURL: strings.TrimRight(baseURL, "/") + "/offer",
		timeout:  timeout,
		http:     &http.Client{},
		logger:   logger,
	}
}

// ExchangeOffer posts the offer to <upstream>/offer and returns the answer.
// Every failure is reported as domain.ErrUpstreamUnreachable.
func (c *Client) ExchangeOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(offer)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("encode offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.offerURL, bytes.NewReader(body))
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return domain.SessionDescription{}, fmt.Errorf("%w: status %d: %s",
			domain.ErrUpstreamUnreachable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var answer domain.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("%w: decode answer: %v", domain.ErrUpstreamUnreachable, err)
	}
	if answer.Type != domain.SDPTypeAnswer || answer.SDP == "" {
		return domain.SessionDescription{}, fmt.Errorf("%w: unexpected answer type %q", domain.ErrUpstreamUnreachable, answer.Type)
	}

	c.logger.Debugw("upstream answered offer",
		"upstream_url", c.offerURL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return answer, nil
}
