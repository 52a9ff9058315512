package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/events"
	"peermesh/internal/core/services"
	httphandlers "peermesh/internal/handlers/http"
	"peermesh/internal/infrastructure/media"
	"peermesh/internal/infrastructure/middleware"
	"peermesh/internal/infrastructure/monitoring"
	"peermesh/internal/infrastructure/presence"
	signalclient "peermesh/internal/infrastructure/signal"
	webrtcinfra "peermesh/internal/infrastructure/webrtc"
	"peermesh/pkg/backoff"
	"peermesh/pkg/config"
	"peermesh/pkg/logger"
	"peermesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		peerID     = flag.String("peer-id", "", "peer id for this node (random when empty)")
		roomID     = flag.String("room", "", "room to join on startup")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	selfID := domain.PeerID(*peerID)
	if selfID == "" {
		selfID = domain.PeerID("node-" + uuid.NewString()[:8])
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("tracing init failed", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	// Signaling client.
	sigClient := signalclient.NewClient(signalclient.Config{
		URL:          cfg.Signal.URL,
		TokenSecret:  cfg.Signal.TokenSecret,
		DialTimeout:  cfg.Signal.DialTimeout,
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
	}, log)

	// Transport over the signaling relay.
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	transportCfg := webrtcinfra.DefaultConfig()
	if len(iceServers) > 0 {
		transportCfg.ICEServers = iceServers
	}
	transport := webrtcinfra.NewTransport(transportCfg, sigClient, log)

	// Core services.
	emitter := events.NewEmitter()
	self := domain.RoomParticipant{
		ID:          selfID,
		DisplayName: cfg.Node.DisplayName,
		Role:        cfg.Node.Role,
	}
	registry := services.NewConnectionRegistry(transport, emitter, self, log)
	streams := services.NewStreamController(
		media.NewCapture(log), emitter,
		domain.PresetLadder(cfg.Media.Presets), cfg.Media.DefaultPreset, log,
	)

	monitorCfg := services.MonitorConfig{
		HeartbeatInterval: cfg.Monitor.HeartbeatInterval,
		PingTimeout:       cfg.Monitor.PingTimeout,
		StatsInterval:     cfg.Monitor.StatsInterval,
		RingCapacity:      cfg.Monitor.RingCapacity,
		MinSamples:        cfg.Monitor.MinSamples,
		ProbeEnabled:      cfg.Monitor.Probe.Enabled,
		ProbeInterval:     cfg.Monitor.Probe.Interval,
		ProbeDuration:     cfg.Monitor.Probe.Duration,
		ProbeBitrateKbps:  cfg.Monitor.Probe.BitrateKbps,
		Thresholds:        services.DefaultThresholds(),
		Adaptation: services.AdaptationConfig{
			DowngradeRTT:           cfg.Adaptation.DowngradeRTT,
			DowngradePacketLossPct: cfg.Adaptation.DowngradePacketLossPct,
			DowngradeBandwidthKbps: cfg.Adaptation.DowngradeBandwidthKbps,
			MaxUpgradeAttempts:     cfg.Adaptation.MaxUpgradeAttempts,
			UpgradeCooldownInitial: cfg.Adaptation.UpgradeCooldownInitial,
			UpgradeCooldownStep:    cfg.Adaptation.UpgradeCooldownStep,
			StabilityRTTDelta:      cfg.Adaptation.StabilityRTTDelta,
			StabilityLossDeltaPct:  cfg.Adaptation.StabilityLossDeltaPct,
			StabilityJitterDelta:   cfg.Adaptation.StabilityJitterDelta,
		},
	}
	monitor := services.NewNetworkMonitor(monitorCfg, registry, emitter, log)

	orchCfg := services.OrchestratorConfig{
		Backoff: backoff.Config{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Factor:       cfg.Reconnect.Factor,
			Jitter:       cfg.Reconnect.Jitter,
		},
		CheckDelay:      cfg.Reconnect.CheckDelay,
		PeerDialTimeout: services.DefaultOrchestratorConfig().PeerDialTimeout,
	}
	orch := services.NewSessionOrchestrator(transport, sigClient, registry, streams, monitor, emitter, orchCfg, log)

	// Metrics and health.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	monitoring.NewCollector(promReg).Observe(emitter)

	health := monitoring.NewHealthChecker()
	health.AddSignalCheck(transport.Connected)

	// Optional Redis presence mirror.
	var mirror *presence.Mirror
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		health.AddRedisCheck(redisClient, 2*time.Second)

		mirror = presence.NewMirror(redisClient, string(selfID), log)
		mirror.Observe(emitter,
			func() *domain.RoomParticipant { p := registry.Self(); return &p },
			orch.RoomID,
		)
		defer mirror.Close()
		defer redisClient.Close()
	}

	// Session bring-up.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Initialize(ctx, selfID); err != nil {
		log.Fatalw("session initialize failed", "error", err)
	}
	defer orch.Destroy()

	if cfg.Media.Audio || cfg.Media.Video {
		if _, err := streams.StartLocalStream(ctx, cfg.Media.Audio, cfg.Media.Video); err != nil {
			log.Warnw("local stream unavailable, continuing receive-only", "error", err)
		}
	}

	if *roomID != "" {
		if err := orch.JoinRoom(ctx, domain.RoomID(*roomID)); err != nil {
			log.Fatalw("room join failed", "room_id", *roomID, "error", err)
		}
	}

	// Optional diagnostics HTTP server.
	var srv *http.Server
	if cfg.DebugHTTP.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(
			middleware.Recovery(log),
			middleware.ErrorHandler(log),
			middleware.Tracing(),
			middleware.RateLimit(20, 40),
		)

		handler := httphandlers.NewSessionHandler(orch, registry, streams, monitor, health, promReg)
		handler.SetupRoutes(router, middleware.Auth(cfg.Signal.TokenSecret))

		srv = &http.Server{
			Addr:         cfg.DebugHTTP.Address,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Infow("diagnostics server listening", "address", cfg.DebugHTTP.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("diagnostics server failed", "error", err)
			}
		}()
	}

	log.Infow("node running",
		"self_id", selfID,
		"signal_url", cfg.Signal.URL,
		"room", *roomID,
	)

	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("diagnostics server shutdown failed", "error", err)
		}
		cancel()
	}
}
