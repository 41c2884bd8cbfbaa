package domain

import "errors"

var (
	ErrUpstreamNotReady        = errors.New("upstream not ready")
	ErrNegotiationFailure      = errors.New("negotiation failed")
	ErrUpstreamUnreachable     = errors.New("upstream unreachable")
	ErrTransportFailure        = errors.New("transport failure")
	ErrMalformedControlMessage = errors.New("malformed control message")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrConnectionNotFound      = errors.New("connection not found")
	ErrConnectionExists        = errors.New("connection already registered")
	ErrChannelNotOpen          = errors.New("control channel not open")
	ErrInvalidOffer            = errors.New("invalid offer")
	ErrShuttingDown            = errors.New("relay is shutting down")
)
