package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"livecore/internal/core/domain"
	"livecore/internal/core/ports"

	"go.uber.org/zap"
)

const maxQualityHistory = 100

type QualityConfig struct {
	// DowngradeAfter consecutive poor samples step the profile down.
	DowngradeAfter int
	// UpgradeAfter consecutive excellent samples step the profile up.
	UpgradeAfter int
	Initial      domain.QualityLabel
	Min          domain.QualityLabel
	Max          domain.QualityLabel
}

func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		DowngradeAfter: 2,
		UpgradeAfter:   5,
		Initial:        domain.QualityMedium,
		Min:            domain.QualityLow,
		Max:            domain.QualityHigh,
	}
}

// StatsSampler produces one stats sample per tick.
type StatsSampler func(ctx context.Context) (domain.TransportStats, error)

// ProfileSink receives every profile the controller decides on.
type ProfileSink func(ctx context.Context, profile domain.QualityProfile) error

// QualityController picks a profile from periodic stats. Downgrades react
// faster than upgrades so the selection does not oscillate.
type QualityController struct {
	cfg     QualityConfig
	min     domain.QualityProfile
	max     domain.QualityProfile
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu              sync.RWMutex
	current         domain.QualityProfile
	manual          bool
	poorStreak      int
	excellentStreak int
	history         []domain.QualityChange
}

func NewQualityController(cfg QualityConfig, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) (*QualityController, error) {
	if cfg.DowngradeAfter <= 0 || cfg.UpgradeAfter <= 0 {
		return nil, fmt.Errorf("quality streaks must be positive")
	}

	initial, err := domain.ProfileFor(cfg.Initial)
	if err != nil {
		return nil, err
	}
	minProfile, err := domain.ProfileFor(orLabel(cfg.Min, domain.QualityLow))
	if err != nil {
		return nil, err
	}
	maxProfile, err := domain.ProfileFor(orLabel(cfg.Max, domain.QualityHigh))
	if err != nil {
		return nil, err
	}
	if maxProfile.Less(minProfile) {
		return nil, fmt.Errorf("quality bounds inverted: %s > %s", minProfile.Label, maxProfile.Label)
	}
	if initial.Less(minProfile) {
		initial = minProfile
	}
	if maxProfile.Less(initial) {
		initial = maxProfile
	}
	initial.IsAuto = true

	return &QualityController{
		cfg:     cfg,
		min:     minProfile,
		max:     maxProfile,
		metrics: metricsOrNop(metrics),
		logger:  logger,
		current: initial,
	}, nil
}

func orLabel(l, fallback domain.QualityLabel) domain.QualityLabel {
	if l == "" {
		return fallback
	}
	return l
}

// Observe feeds one sample and returns the profile now in effect.
func (q *QualityController) Observe(stats domain.TransportStats) domain.QualityProfile {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.manual {
		return q.current
	}

	switch stats.ConnectionQuality {
	case domain.ConnectionPoor:
		q.excellentStreak = 0
		q.poorStreak++
		if q.poorStreak >= q.cfg.DowngradeAfter {
			q.poorStreak = 0
			if q.min.Less(q.current) {
				if next, ok := q.current.StepDown(); ok {
					q.switchLocked(next, "poor_connection", stats)
				}
			}
		}
	case domain.ConnectionExcellent:
		q.poorStreak = 0
		q.excellentStreak++
		if q.excellentStreak >= q.cfg.UpgradeAfter {
			q.excellentStreak = 0
			if q.current.Less(q.max) {
				if next, ok := q.current.StepUp(); ok {
					q.switchLocked(next, "excellent_connection", stats)
				}
			}
		}
	default:
		q.poorStreak = 0
		q.excellentStreak = 0
	}

	return q.current
}

// SetManual pins profile and disables automatic adjustment until ResetAuto.
func (q *QualityController) SetManual(label domain.QualityLabel) (domain.QualityProfile, error) {
	if label == domain.QualityAuto {
		return q.ResetAuto(), nil
	}
	profile, err := domain.ProfileFor(label)
	if err != nil {
		return domain.QualityProfile{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.manual = true
	q.poorStreak = 0
	q.excellentStreak = 0
	q.switchLocked(profile, "manual", domain.TransportStats{})
	return q.current, nil
}

// ResetAuto re-enables automatic adjustment from the current profile.
func (q *QualityController) ResetAuto() domain.QualityProfile {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.manual {
		return q.current
	}
	q.manual = false
	q.poorStreak = 0
	q.excellentStreak = 0

	next := q.current
	next.IsAuto = true
	if next.Less(q.min) {
		next = q.min
		next.IsAuto = true
	}
	if q.max.Less(next) {
		next = q.max
		next.IsAuto = true
	}
	q.switchLocked(next, "auto", domain.TransportStats{})
	return q.current
}

func (q *QualityController) Current() domain.QualityProfile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.current
}

func (q *QualityController) IsManual() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.manual
}

// History returns the recorded profile changes, oldest first.
func (q *QualityController) History() []domain.QualityChange {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]domain.QualityChange(nil), q.history...)
}

func (q *QualityController) switchLocked(next domain.QualityProfile, reason string, stats domain.TransportStats) {
	next.IsAuto = !q.manual
	prev := q.current
	q.current = next
	if prev == next {
		return
	}

	q.history = append(q.history, domain.QualityChange{From: prev, To: next, Reason: reason, Stats: stats})
	if len(q.history) > maxQualityHistory {
		q.history = q.history[len(q.history)-maxQualityHistory:]
	}
	q.metrics.RecordQualitySwitch(prev.Label, next.Label, reason)

	q.logger.Infow("quality switch",
		"from", prev.Label,
		"to", next.Label,
		"reason", reason,
		"latency_ms", stats.RoundTripLatencyMs,
		"dropped_ratio", stats.DroppedRatio(),
	)
}

// Run samples on every tick and emits the profile whenever it changes. The
// current profile is emitted once on start. It returns when ctx is done.
func (q *QualityController) Run(ctx context.Context, interval time.Duration, sample StatsSampler, sink ProfileSink) {
	emitted := q.Current()
	if err := sink(ctx, emitted); err != nil && ctx.Err() == nil {
		q.logger.Warnw("failed to apply initial profile", "profile", emitted.Label, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := sample(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Warnw("stats sample failed", "error", err)
				continue
			}

			profile := q.Observe(stats)
			if profile == emitted {
				continue
			}
			if err := sink(ctx, profile); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Warnw("failed to apply profile", "profile", profile.Label, "error", err)
				continue
			}
			emitted = profile
		}
	}
}
