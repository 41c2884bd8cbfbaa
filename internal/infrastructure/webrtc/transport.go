package webrtc

import (
	"context"
	"fmt"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	DefaultGatherTimeout = 3 * time.Second
	DefaultPLIInterval   = 3 * time.Second
)

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	GatherTimeout time.Duration
	// PLIInterval paces keyframe requests to a new producer until its first
	// keyframe arrives.
	PLIInterval time.Duration
	// KeyframeInterval, when set, makes every inbound video stream send a PLI
	// on that period regardless of keyframes seen.
	KeyframeInterval time.Duration
}

// Transport builds pion peer connections sharing one API instance.
type Transport struct {
	cfg    Config
	api    *webrtc.API
	frames FrameRecorder
	logger *zap.SugaredLogger
}

func NewTransport(cfg Config, frames FrameRecorder, logger *zap.SugaredLogger) (*Transport, error) {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.PLIInterval < 0 {
		cfg.PLIInterval = 0
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	if cfg.KeyframeInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.KeyframeInterval))
		if err != nil {
			return nil, fmt.Errorf("create pli interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Transport{
		cfg:    cfg,
		api:    api,
		frames: frames,
		logger: logger,
	}, nil
}

func (t *Transport) NewSession(ctx context.Context, id domain.ConnectionID, role domain.Role) (ports.PeerSession, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newSession(t, id, role, pc), nil
}

// ICEServerURLs flattens the configured ICE servers for clients.
func (t *Transport) ICEServerURLs() []string {
	var urls []string
	for _, server := range t.cfg.ICEServers {
		urls = append(urls, server.URLs...)
	}
	return urls
}
