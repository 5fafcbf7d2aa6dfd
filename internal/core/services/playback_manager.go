package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"
	"livecore/pkg/retry"

	"go.uber.org/zap"
)

var ErrPlaybackFailed = errors.New("playback is in an error state")

type PlaybackConfig struct {
	LowWaterSeconds  float64
	HighWaterSeconds float64
	AutoRetry        bool
	// Backoff.MaxAttempts caps automatic retries.
	Backoff retry.Config
}

func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		LowWaterSeconds:  0.5,
		HighWaterSeconds: 2.0,
		Backoff: retry.Config{
			Enabled:      true,
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
		},
	}
}

// Reinitializer rebuilds the receiving transport from scratch.
type Reinitializer func(ctx context.Context) error

// PlaybackManager tracks buffering on the receiving side and drives recovery.
type PlaybackManager struct {
	cfg     PlaybackConfig
	reinit  Reinitializer
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	// rebuildMu keeps at most one reinit running.
	rebuildMu sync.Mutex

	mu          sync.Mutex
	state       domain.PlaybackState
	wantPlay    bool
	observers   []func(domain.PlaybackState)
	retryCancel context.CancelFunc
	retryGen    uint64
	closed      bool

	// OnExhausted fires once automatic retries are spent.
	OnExhausted func(err error)
}

func NewPlaybackManager(cfg PlaybackConfig, reinit Reinitializer, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*PlaybackManager, error) {
	if cfg.LowWaterSeconds < 0 || cfg.HighWaterSeconds <= cfg.LowWaterSeconds {
		return nil, fmt.Errorf("playback water marks invalid: low=%v high=%v", cfg.LowWaterSeconds, cfg.HighWaterSeconds)
	}
	if reinit == nil {
		return nil, fmt.Errorf("playback reinitializer is required")
	}
	return &PlaybackManager{
		cfg:     cfg,
		reinit:  reinit,
		metrics: metricsOrNop(metrics),
		logger:  logger,
	}, nil
}

// OnChange registers an observer called after every state change.
func (p *PlaybackManager) OnChange(fn func(domain.PlaybackState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *PlaybackManager) State() domain.PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Play marks playback as expected. Playback itself starts once the buffer
// reaches the high-water mark. While an error is set Play fails, but the
// intent is kept so recovery resumes buffering.
func (p *PlaybackManager) Play() error {
	var fx effects
	defer func() { fx.run() }()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.wantPlay = true
	if p.state.HasError() {
		return ErrPlaybackFailed
	}
	if !p.state.IsPlaying {
		p.setLocked(false, true, &fx)
	}
	return nil
}

func (p *PlaybackManager) Pause() {
	var fx effects
	defer func() { fx.run() }()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.wantPlay = false
	p.setLocked(false, false, &fx)
}

// Sample feeds the buffered-ahead duration. Buffering starts below the
// low-water mark and ends only at the high-water mark.
func (p *PlaybackManager) Sample(bufferedAheadSeconds, currentTimeSeconds float64) {
	var fx effects
	defer func() { fx.run() }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if currentTimeSeconds >= 0 {
		p.state.CurrentTimeSeconds = currentTimeSeconds
	}
	if p.state.HasError() || !p.wantPlay {
		return
	}
	if bufferedAheadSeconds < 0 {
		bufferedAheadSeconds = 0
	}

	switch {
	case p.state.IsBuffering && bufferedAheadSeconds >= p.cfg.HighWaterSeconds:
		p.setLocked(true, false, &fx)
	case !p.state.IsBuffering && bufferedAheadSeconds < p.cfg.LowWaterSeconds:
		p.setLocked(false, true, &fx)
	}
}

// Fail records a fatal media error and halts playback. With auto retry on,
// a capped retry sequence starts.
func (p *PlaybackManager) Fail(kind domain.PlaybackErrorKind) {
	var fx effects
	defer func() { fx.run() }()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.state.HasError() {
		return
	}
	p.failLocked(kind, &fx)

	if p.cfg.AutoRetry && kind != domain.PlaybackErrRetryExhausted {
		p.startAutoRetryLocked()
	}
}

func (p *PlaybackManager) failLocked(kind domain.PlaybackErrorKind, fx *effects) {
	p.state.Error = kind
	p.state.IsPlaying = false
	p.state.IsBuffering = false
	p.metrics.RecordPlaybackError(kind)
	p.logger.Warnw("playback failed", "kind", kind, "retry_attempts", p.state.RetryAttempts)
	p.notifyLocked(fx)
}

// Retry re-initialises the transport. It clears the error on success. An
// automatic retry in flight is cancelled and waited for first.
func (p *PlaybackManager) Retry(ctx context.Context) error {
	p.mu.Lock()
	p.retryGen++
	gen := p.retryGen
	p.cancelAutoRetryLocked()
	p.mu.Unlock()

	p.rebuildMu.Lock()
	err := p.reinit(ctx)
	p.rebuildMu.Unlock()
	if err != nil {
		return fmt.Errorf("playback retry: %w", err)
	}

	var fx effects
	defer func() { fx.run() }()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.retryGen != gen {
		return nil
	}
	p.recoverLocked(&fx)
	return nil
}

func (p *PlaybackManager) recoverLocked(fx *effects) {
	p.state.Error = ""
	p.state.RetryAttempts = 0
	p.state.IsPlaying = false
	p.state.IsBuffering = p.wantPlay
	p.logger.Infow("playback recovered")
	p.notifyLocked(fx)
}

func (p *PlaybackManager) startAutoRetryLocked() {
	p.cancelAutoRetryLocked()
	ctx, cancel := context.WithCancel(context.Background())
	p.retryCancel = cancel
	p.retryGen++
	go p.autoRetry(ctx, p.retryGen)
}

func (p *PlaybackManager) cancelAutoRetryLocked() {
	if p.retryCancel != nil {
		p.retryCancel()
		p.retryCancel = nil
	}
}

func (p *PlaybackManager) autoRetry(ctx context.Context, gen uint64) {
	maxAttempts := p.cfg.Backoff.MaxAttempts
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := retry.Sleep(ctx, retry.Backoff(p.cfg.Backoff, attempt)); err != nil {
			return
		}

		p.rebuildMu.Lock()
		p.mu.Lock()
		if p.retryGen != gen || p.closed {
			p.mu.Unlock()
			p.rebuildMu.Unlock()
			return
		}
		p.state.RetryAttempts = attempt + 1
		p.mu.Unlock()

		p.logger.Infow("automatic playback retry", "attempt", attempt+1, "max_attempts", maxAttempts)

		lastErr = p.reinit(ctx)
		p.rebuildMu.Unlock()

		var fx effects
		p.mu.Lock()
		if p.retryGen != gen || p.closed {
			p.mu.Unlock()
			return
		}
		if lastErr == nil {
			p.retryCancel = nil
			p.recoverLocked(&fx)
			p.mu.Unlock()
			fx.run()
			return
		}
		p.mu.Unlock()

		p.logger.Warnw("automatic playback retry failed", "attempt", attempt+1, "error", lastErr)
	}

	var fx effects
	p.mu.Lock()
	if p.retryGen != gen || p.closed {
		p.mu.Unlock()
		return
	}
	p.retryCancel = nil
	p.failLocked(domain.PlaybackErrRetryExhausted, &fx)
	onExhausted := p.OnExhausted
	p.mu.Unlock()
	fx.run()

	if onExhausted != nil {
		onExhausted(&domain.PlaybackError{Kind: domain.PlaybackErrRetryExhausted, Cause: lastErr})
	}
}

// Close stops any retry in flight. The manager is unusable afterwards.
func (p *PlaybackManager) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.retryGen++
	p.cancelAutoRetryLocked()
	p.wantPlay = false
	p.state.IsPlaying = false
	p.state.IsBuffering = false
}

func (p *PlaybackManager) setLocked(playing, buffering bool, fx *effects) {
	if p.state.IsPlaying == playing && p.state.IsBuffering == buffering {
		return
	}
	wasBuffering := p.state.IsBuffering
	p.state.IsPlaying = playing
	p.state.IsBuffering = buffering
	if wasBuffering != buffering {
		p.metrics.RecordBuffering(buffering)
	}
	p.notifyLocked(fx)
}

func (p *PlaybackManager) notifyLocked(fx *effects) {
	state := p.state
	for _, fn := range p.observers {
		fn := fn
		fx.add(func() { fn(state) })
	}
}
