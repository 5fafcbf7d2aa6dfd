package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/internal/core/services"
	httphandlers "livecore/internal/handlers/http"
	"livecore/internal/infrastructure/media"
	"livecore/internal/infrastructure/middleware"
	"livecore/internal/infrastructure/monitoring"
	"livecore/internal/infrastructure/repositories"
	signalinfra "livecore/internal/infrastructure/signal"
	webrtcinfra "livecore/internal/infrastructure/webrtc"
	"livecore/pkg/config"
	"livecore/pkg/logger"
	"livecore/pkg/retry"
	"livecore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPaths := []string{
		"configs/config.yaml",
		"/etc/livecore/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecore-studio",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()
	registry := repoFactory.CreateSessionRepository()

	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(nil)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, domain.UserID(cfg.Auth.AgentUser))

	mediaOpts := media.DefaultOptions()
	if cfg.Capture.Bitrate > 0 {
		mediaOpts.VideoBitrate = cfg.Capture.Bitrate * 1000
	}
	platform, err := media.NewPlatform(mediaOpts, log.Named("media"))
	if err != nil {
		log.Fatalw("failed to initialise capture platform", "error", err)
	}

	factory, err := webrtcinfra.NewFactory(webrtcConfig(cfg), platform.Populate, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	signalToken := cfg.Auth.SignalToken
	if signalToken == "" && cfg.Signal.RequireAuth {
		signalToken, err = authService.GenerateToken(domain.UserID(cfg.Auth.AgentUser), cfg.Auth.AgentUser)
		if err != nil {
			log.Fatalw("failed to mint signaling token", "error", err)
		}
	}
	signalClient := signalinfra.NewClient(cfg.Signal.URL, signalToken, cfg.Signal.WriteTimeout, log.Named("signal"))
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	if err := signalClient.Connect(connectCtx); err != nil {
		// the client redials on first use
		log.Warnw("signaling relay not reachable yet", "url", cfg.Signal.URL, "error", err)
	}
	cancelConnect()

	recorder := metricsRecorder(metrics)
	devices := services.NewDeviceManager(platform, log.Named("devices"))
	transport := services.NewTransportService(factory, transportConfig(cfg), recorder, log.Named("transport"))
	coordinator := services.NewCoordinator(
		devices,
		transport,
		signalClient,
		authService,
		registry,
		recorder,
		coordinatorConfig(cfg),
		log.Named("coordinator"),
	)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(registry, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.OptionalAuthMiddleware(authService),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(logger.NewContextLogger(zapLogger)),
	)

	captureDefaults := domain.CaptureConfig{
		TargetResolution: domain.Resolution{Width: cfg.Capture.Width, Height: cfg.Capture.Height},
		TargetFrameRate:  cfg.Capture.FrameRate,
	}
	httphandlers.NewSessionHandler(coordinator, registry, captureDefaults).
		SetupRoutes(router, middleware.NewSessionStartLimitMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"session":   coordinator.State(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting studio agent", "address", cfg.Server.Address, "relay", cfg.Signal.URL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		srv.Close()
	}

	// ends any live session and releases devices before the relay goes away
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Warnw("failed to stop active session", "error", err)
	}
	signalClient.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("studio agent stopped")
}

// metricsRecorder keeps a nil collector a nil interface.
func metricsRecorder(m *monitoring.PrometheusCollector) ports.MetricsRecorder {
	if m == nil {
		return nil
	}
	return m
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	c := webrtcinfra.Config{
		ICEServers:   iceServers,
		PlayoutDelay: cfg.WebRTC.PlayoutDelay,
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	return c
}

func transportConfig(cfg *config.Config) services.TransportConfig {
	c := services.DefaultTransportConfig()
	c.AnswerTimeout = cfg.WebRTC.AnswerTimeout
	c.Reconnect.MaxAttempts = cfg.Transport.ReconnectAttempts
	c.Reconnect.InitialDelay = cfg.Transport.ReconnectBaseDelay
	c.Reconnect.MaxDelay = cfg.Transport.ReconnectMaxDelay
	c.Reconnect.Multiplier = cfg.Transport.ReconnectMultiplier
	return c
}

func coordinatorConfig(cfg *config.Config) services.CoordinatorConfig {
	c := services.DefaultCoordinatorConfig()
	c.SampleInterval = cfg.Quality.SampleInterval

	c.Quality.DowngradeAfter = cfg.Quality.DowngradeAfter
	c.Quality.UpgradeAfter = cfg.Quality.UpgradeAfter
	c.Quality.Initial = domain.QualityLabel(cfg.Quality.InitialProfile)

	c.Playback.LowWaterSeconds = cfg.Playback.LowWaterSeconds
	c.Playback.HighWaterSeconds = cfg.Playback.HighWaterSeconds
	c.Playback.AutoRetry = cfg.Playback.AutoRetry
	c.Playback.Backoff = retry.Config{
		Enabled:      cfg.Playback.AutoRetry,
		MaxAttempts:  cfg.Playback.MaxAutoRetries,
		InitialDelay: cfg.Playback.RetryBaseDelay,
		MaxDelay:     10 * cfg.Playback.RetryBaseDelay,
		Multiplier:   2.0,
	}
	return c
}
