package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidrelay/internal/core/domain"
	"vidrelay/internal/core/ports"
	"vidrelay/internal/core/services"
	httphandlers "vidrelay/internal/handlers/http"
	"vidrelay/internal/infrastructure/middleware"
	"vidrelay/internal/infrastructure/monitoring"
	repositories "vidrelay/internal/infrastructure/repositories"
	signalserver "vidrelay/internal/infrastructure/signal"
	"vidrelay/internal/infrastructure/upstream"
	webrtcinfra "vidrelay/internal/infrastructure/webrtc"
	"vidrelay/pkg/auth"
	"vidrelay/pkg/config"
	"vidrelay/pkg/logger"
	"vidrelay/pkg/tracing"
	"vidrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var defaultConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/vidrelay/config.yaml",
	"config.yaml",
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	flags := flag.NewFlagSet("vidrelay", flag.ExitOnError)
	configPath := flags.String("config", "", "path to config.yaml")
	_ = flags.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Sugar().Fatalw("relay stopped", "error", err)
	}
}

// runToken prints a producer token signed with the configured secret.
func runToken(args []string) error {
	flags := flag.NewFlagSet("vidrelay token", flag.ExitOnError)
	configPath := flags.String("config", "", "path to config.yaml")
	subject := flags.String("subject", "producer", "token subject")
	ttl := flags.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = flags.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *ttl <= 0 {
		*ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, *ttl).GenerateToken(*subject)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func loadConfig(explicit string) (*config.Config, error) {
	if explicit != "" {
		return config.Load(explicit)
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	// No file anywhere: defaults plus environment.
	return config.Load(defaultConfigPaths[0])
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	startTime := time.Now()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: tracing.DefaultConfig().ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}

	nodeID := utils.NewConnectionID()
	newID := func() domain.ConnectionID {
		return domain.ConnectionID(utils.NewConnectionID())
	}

	// Registry and optional Redis event bus
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	registry := repoFactory.CreateConnectionRegistry()

	var publisher ports.EventPublisher
	bus := repoFactory.EventBus(nodeID)
	if bus != nil {
		publisher = bus
	}

	var relayMetrics ports.RelayMetrics
	if cfg.Monitoring.PrometheusEnabled {
		relayMetrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	fanout := services.NewFanout(relayMetrics, log)
	aggregator := services.NewMetricsAggregator(cfg.Relay.FPSWindow, relayMetrics)

	transportCfg := webrtcinfra.Config{
		GatherTimeout:    cfg.WebRTC.GatherTimeout,
		PLIInterval:      cfg.WebRTC.PLIInterval,
		KeyframeInterval: cfg.WebRTC.KeyframeInterval,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		transportCfg.ICEServers = append(transportCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	transport, err := webrtcinfra.NewTransport(transportCfg, aggregator, log)
	if err != nil {
		return fmt.Errorf("failed to create media transport: %w", err)
	}

	manager := services.NewSessionManager(services.SessionManagerConfig{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		StatusInterval:    cfg.Relay.StatusInterval,
	}, registry, fanout, aggregator, relayMetrics, publisher, log)

	signaling := services.NewSignalingService(transport, manager, fanout, services.ClassifyByDirection, relayMetrics, newID, log)

	var upstreamCtl *services.UpstreamController
	if cfg.Relay.UpstreamURL != "" {
		client := upstream.NewClient(cfg.Relay.UpstreamURL, cfg.Relay.UpstreamTimeout, log)
		upstreamCtl = services.NewUpstreamController(services.UpstreamConfig{
			URL:            cfg.Relay.UpstreamURL,
			ReconnectDelay: cfg.Relay.ReconnectDelay,
		}, transport, client, manager, relayMetrics, newID, log)
		manager.SetReconnector(upstreamCtl)
	}

	health := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestLogger(logger.NewContextLogger(zapLogger)))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.CORSMiddleware(cfg.Auth.AllowedOrigins))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.ErrorHandlerMiddleware(log))

	handlerOpts := httphandlers.RelayHandlerOptions{
		Signaling:            signaling,
		Classify:             services.ClassifyByDirection,
		Status:               manager,
		Health:               health,
		ICEServers:           transport.ICEServerURLs(),
		RequireProducerToken: cfg.Auth.RequireProducerToken,
		Logger:               log,
	}
	if upstreamCtl != nil {
		handlerOpts.Upstream = upstreamCtl
	}
	relayHandler := httphandlers.NewRelayHandler(handlerOpts)

	var offerMiddleware []gin.HandlerFunc
	if cfg.Auth.RequireProducerToken {
		offerMiddleware = append(offerMiddleware, middleware.OptionalProducerAuth(issuer))
	}
	relayHandler.SetupRoutes(router, offerMiddleware...)

	var wsServer *signalserver.WebSocketServer
	if cfg.Signal.Enabled {
		wsCfg := signalserver.Config{
			PingInterval:   cfg.Signal.PingInterval,
			PongTimeout:    cfg.Signal.PongTimeout,
			WriteTimeout:   cfg.Signal.WriteTimeout,
			MaxMessageSize: cfg.Signal.MaxMessageSize,
			AllowedOrigins: cfg.Auth.AllowedOrigins,
		}
		if cfg.RateLimiting.Enabled {
			wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
			wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		}
		wsServer = signalserver.NewWebSocketServer(signaling, manager, wsCfg, log)

		wsHandlers := []gin.HandlerFunc{gin.WrapF(wsServer.HandleWebSocket)}
		if cfg.Auth.RequireProducerToken {
			wsHandlers = append([]gin.HandlerFunc{middleware.RequireProducerAuth(issuer)}, wsHandlers...)
		}
		router.GET("/ws", wsHandlers...)
	}

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	// Background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx)
	if upstreamCtl != nil {
		go upstreamCtl.Start(ctx)
	}
	if bus != nil {
		go bus.Listen(ctx, func(ev domain.LifecycleEvent) error {
			log.Debugw("remote lifecycle event",
				"type", ev.Type,
				"node_id", ev.NodeID,
				"connection_id", ev.ConnectionID,
				"role", ev.Role,
			)
			return nil
		})
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout bounds /offer, which includes ICE gathering.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting vidrelay",
			"address", cfg.Server.Address,
			"node_id", nodeID,
			"upstream_url", cfg.Relay.UpstreamURL,
			"websocket_signaling", cfg.Signal.Enabled,
			"producer_auth", cfg.Auth.RequireProducerToken,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if wsServer != nil {
		wsServer.Close()
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing connections", "error", err)
	}
	if upstreamCtl != nil {
		upstreamCtl.Close()
	}
	cancel()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Warnw("error closing redis client", "error", err)
	}

	log.Infow("vidrelay stopped", "uptime", time.Since(startTime).Round(time.Second).String())
	return runErr
}
