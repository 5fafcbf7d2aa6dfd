package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"livecore/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"` // relay the studio agent dials
		RequireAuth     bool          `yaml:"require_auth"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		AnswerTimeout time.Duration `yaml:"answer_timeout"`
		// PlayoutDelay is the receive-side jitter buffer target.
		PlayoutDelay time.Duration `yaml:"playout_delay"`
	} `yaml:"webrtc"`

	Capture struct {
		Width     int     `yaml:"width"`
		Height    int     `yaml:"height"`
		FrameRate float64 `yaml:"frame_rate"`
		Bitrate   int     `yaml:"bitrate_kbps"`
	} `yaml:"capture"`

	Transport struct {
		ReconnectAttempts   int           `yaml:"reconnect_attempts"`
		ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
		ReconnectMultiplier float64       `yaml:"reconnect_multiplier"`
	} `yaml:"transport"`

	Quality struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		DowngradeAfter int           `yaml:"downgrade_after"`
		UpgradeAfter   int           `yaml:"upgrade_after"`
		InitialProfile string        `yaml:"initial_profile"`
	} `yaml:"quality"`

	Playback struct {
		LowWaterSeconds  float64       `yaml:"low_water_seconds"`
		HighWaterSeconds float64       `yaml:"high_water_seconds"`
		AutoRetry        bool          `yaml:"auto_retry"`
		MaxAutoRetries   int           `yaml:"max_auto_retries"`
		RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	} `yaml:"playback"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		RecordTTL time.Duration `yaml:"record_ttl"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		SignalToken    string        `yaml:"signal_token"` // bearer presented to the relay
		AgentUser      string        `yaml:"agent_user"`   // identity used when a request carries no token
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		// SessionStarts caps publish, view and retry calls per caller; each one
		// opens devices or a peer connection.
		SessionStarts struct {
			PerMinute float64 `yaml:"per_minute"`
			Burst     int     `yaml:"burst"`
		} `yaml:"session_starts"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if err := validation.ValidateSignalURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.AnswerTimeout <= 0 {
		return fmt.Errorf("webrtc.answer_timeout must be > 0")
	}
	if c.WebRTC.PlayoutDelay <= 0 {
		return fmt.Errorf("webrtc.playout_delay must be > 0")
	}

	// Capture
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}
	if c.Capture.FrameRate <= 0 {
		return fmt.Errorf("capture.frame_rate must be > 0")
	}

	// Transport
	if c.Transport.ReconnectAttempts < 0 {
		return fmt.Errorf("transport.reconnect_attempts must be >= 0")
	}
	if c.Transport.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("transport.reconnect_base_delay must be > 0")
	}
	if c.Transport.ReconnectMaxDelay < c.Transport.ReconnectBaseDelay {
		return fmt.Errorf("transport.reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Transport.ReconnectMultiplier < 1 {
		return fmt.Errorf("transport.reconnect_multiplier must be >= 1")
	}

	// Quality
	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("quality.sample_interval must be > 0")
	}
	if c.Quality.DowngradeAfter <= 0 {
		return fmt.Errorf("quality.downgrade_after must be > 0")
	}
	if c.Quality.UpgradeAfter <= c.Quality.DowngradeAfter {
		return fmt.Errorf("quality.upgrade_after must be > quality.downgrade_after")
	}
	switch c.Quality.InitialProfile {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("quality.initial_profile must be one of low, medium, high")
	}

	// Playback
	if c.Playback.LowWaterSeconds < 0 {
		return fmt.Errorf("playback.low_water_seconds must be >= 0")
	}
	if c.Playback.HighWaterSeconds <= c.Playback.LowWaterSeconds {
		return fmt.Errorf("playback.high_water_seconds must be > low_water_seconds")
	}
	if c.Playback.AutoRetry {
		if c.Playback.MaxAutoRetries <= 0 {
			return fmt.Errorf("playback.max_auto_retries must be > 0 when auto_retry=true")
		}
		if c.Playback.RetryBaseDelay <= 0 {
			return fmt.Errorf("playback.retry_base_delay must be > 0 when auto_retry=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.SessionStarts.PerMinute <= 0 || c.RateLimiting.SessionStarts.Burst <= 0 {
			return fmt.Errorf("rate_limiting.session_starts needs per_minute and burst > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 15 * time.Second

	cfg.WebRTC.AnswerTimeout = 15 * time.Second
	cfg.WebRTC.PlayoutDelay = 2500 * time.Millisecond

	cfg.Capture.Width = 1280
	cfg.Capture.Height = 720
	cfg.Capture.FrameRate = 30
	cfg.Capture.Bitrate = 2500

	cfg.Transport.ReconnectAttempts = 3
	cfg.Transport.ReconnectBaseDelay = 500 * time.Millisecond
	cfg.Transport.ReconnectMaxDelay = 8 * time.Second
	cfg.Transport.ReconnectMultiplier = 2.0

	cfg.Quality.SampleInterval = 2 * time.Second
	cfg.Quality.DowngradeAfter = 2
	cfg.Quality.UpgradeAfter = 5
	cfg.Quality.InitialProfile = "medium"

	cfg.Playback.LowWaterSeconds = 0.5
	cfg.Playback.HighWaterSeconds = 2.0
	cfg.Playback.AutoRetry = false
	cfg.Playback.MaxAutoRetries = 3
	cfg.Playback.RetryBaseDelay = time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.RecordTTL = 24 * time.Hour

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 200
	cfg.RateLimiting.SessionStarts.PerMinute = 6
	cfg.RateLimiting.SessionStarts.Burst = 3
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVECORE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("LIVECORE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("LIVECORE_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv("LIVECORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("LIVECORE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if token := os.Getenv("LIVECORE_SIGNAL_TOKEN"); token != "" {
		c.Auth.SignalToken = token
	}
	if v := os.Getenv("LIVECORE_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.ReconnectAttempts = n
		}
	}
	if addr := os.Getenv("LIVECORE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
