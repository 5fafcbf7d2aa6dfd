package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecore/internal/core/services"
	"livecore/internal/infrastructure/monitoring"
	signalinfra "livecore/internal/infrastructure/signal"
	webrtcinfra "livecore/internal/infrastructure/webrtc"
	"livecore/pkg/config"
	"livecore/pkg/logger"
	"livecore/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
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
		ServiceName: "livecore-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	relay, err := webrtcinfra.NewRelay(webrtcConfig(cfg), log.Named("relay"))
	if err != nil {
		log.Fatalw("failed to create relay", "error", err)
	}

	var authService services.AuthService
	if cfg.Signal.RequireAuth {
		authService = services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, "")
	}

	serverCfg := signalinfra.DefaultServerConfig()
	serverCfg.PingInterval = cfg.Signal.PingInterval
	serverCfg.PongTimeout = cfg.Signal.PongTimeout
	serverCfg.WriteTimeout = cfg.Signal.WriteTimeout
	serverCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	if cfg.RateLimiting.Enabled {
		serverCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	} else {
		serverCfg.MessagesPerSecond = 0
	}
	wsServer := signalinfra.NewWebSocketServer(relay, authService, serverCfg, log.Named("signal"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", gin.WrapF(wsServer.HealthCheck))

	if cfg.Monitoring.PrometheusEnabled {
		collector := monitoring.NewPrometheusCollector(nil)
		collector.TrackRelay(func() monitoring.RelayCounts {
			stats := relay.Stats()
			return monitoring.RelayCounts{
				Rooms:       stats.Rooms,
				Publishers:  stats.Publishers,
				Subscribers: stats.Subscribers,
			}
		})
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Signal.Address)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	wsServer.CloseAll()
	relay.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	log.Info("signaling relay stopped")
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
