package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livecore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	poorSample      = domain.NewTransportStats(300, 15, 5, 30, 600, 0)
	fairSample      = domain.NewTransportStats(1200, 30, 0, 30, 300, 1)
	excellentSample = domain.NewTransportStats(2500, 30, 0, 30, 40, 2)
)

func newTestQualityController(t *testing.T, cfg QualityConfig) *QualityController {
	t.Helper()
	q, err := NewQualityController(cfg, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return q
}

func TestQualityController_Initial(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	current := q.Current()
	assert.Equal(t, domain.QualityMedium, current.Label)
	assert.True(t, current.IsAuto)
	assert.False(t, q.IsManual())
	assert.Empty(t, q.History())
}

func TestQualityController_InvalidConfig(t *testing.T) {
	cfg := DefaultQualityConfig()
	cfg.DowngradeAfter = 0
	_, err := NewQualityController(cfg, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	cfg = DefaultQualityConfig()
	cfg.Min, cfg.Max = domain.QualityHigh, domain.QualityLow
	_, err = NewQualityController(cfg, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	cfg = DefaultQualityConfig()
	cfg.Initial = domain.QualityLabel("ultra")
	_, err = NewQualityController(cfg, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestQualityController_InitialClampedToBounds(t *testing.T) {
	cfg := DefaultQualityConfig()
	cfg.Initial = domain.QualityHigh
	cfg.Max = domain.QualityMedium
	q := newTestQualityController(t, cfg)

	assert.Equal(t, domain.QualityMedium, q.Current().Label)
}

func TestQualityController_DowngradeNeedsConsecutivePoorSamples(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	assert.Equal(t, domain.QualityMedium, q.Observe(poorSample).Label)
	// An intervening sample resets the streak.
	assert.Equal(t, domain.QualityMedium, q.Observe(fairSample).Label)
	assert.Equal(t, domain.QualityMedium, q.Observe(poorSample).Label)
	assert.Equal(t, domain.QualityLow, q.Observe(poorSample).Label)

	// Already at the floor.
	q.Observe(poorSample)
	assert.Equal(t, domain.QualityLow, q.Observe(poorSample).Label)

	history := q.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.QualityMedium, history[0].From.Label)
	assert.Equal(t, domain.QualityLow, history[0].To.Label)
	assert.Equal(t, "poor_connection", history[0].Reason)
	assert.Equal(t, domain.ConnectionPoor, history[0].Stats.ConnectionQuality)
}

func TestQualityController_UpgradeIsSlowerThanDowngrade(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	for i := 0; i < 4; i++ {
		assert.Equal(t, domain.QualityMedium, q.Observe(excellentSample).Label, "sample %d", i)
	}
	assert.Equal(t, domain.QualityHigh, q.Observe(excellentSample).Label)

	for i := 0; i < 10; i++ {
		q.Observe(excellentSample)
	}
	assert.Equal(t, domain.QualityHigh, q.Current().Label)
	assert.True(t, q.Current().IsAuto)
}

func TestQualityController_NoOscillationOnAlternatingSamples(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	for i := 0; i < 50; i++ {
		if i%2 == 0 {
			q.Observe(poorSample)
		} else {
			q.Observe(excellentSample)
		}
	}
	assert.Equal(t, domain.QualityMedium, q.Current().Label)
	assert.Empty(t, q.History())
}

func TestQualityController_ManualPinsProfile(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	profile, err := q.SetManual(domain.QualityHigh)
	require.NoError(t, err)
	assert.Equal(t, domain.QualityHigh, profile.Label)
	assert.False(t, profile.IsAuto)
	assert.True(t, q.IsManual())

	for i := 0; i < 10; i++ {
		q.Observe(poorSample)
	}
	assert.Equal(t, domain.QualityHigh, q.Current().Label)

	profile, err = q.SetManual(domain.QualityAuto)
	require.NoError(t, err)
	assert.True(t, profile.IsAuto)
	assert.Equal(t, domain.QualityHigh, profile.Label)
	assert.False(t, q.IsManual())

	q.Observe(poorSample)
	assert.Equal(t, domain.QualityMedium, q.Observe(poorSample).Label)

	_, err = q.SetManual(domain.QualityLabel("8k"))
	assert.Error(t, err)
}

func TestQualityController_ResetAutoWithoutManualIsNoop(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	q.ResetAuto()
	assert.Empty(t, q.History())
	assert.Equal(t, domain.QualityMedium, q.Current().Label)
}

func TestQualityController_HistoryIsCapped(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())

	labels := []domain.QualityLabel{domain.QualityLow, domain.QualityHigh}
	for i := 0; i < maxQualityHistory+20; i++ {
		_, err := q.SetManual(labels[i%2])
		require.NoError(t, err)
	}

	history := q.History()
	assert.Len(t, history, maxQualityHistory)
	last := history[len(history)-1]
	assert.Equal(t, domain.QualityHigh, last.To.Label)
}

type profileLog struct {
	mu       sync.Mutex
	profiles []domain.QualityProfile
}

func (l *profileLog) sink(_ context.Context, p domain.QualityProfile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles = append(l.profiles, p)
	return nil
}

func (l *profileLog) labels() []domain.QualityLabel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.QualityLabel, 0, len(l.profiles))
	for _, p := range l.profiles {
		out = append(out, p.Label)
	}
	return out
}

func TestQualityController_RunEmitsOnlyChanges(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())
	log := &profileLog{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, time.Millisecond, func(context.Context) (domain.TransportStats, error) {
			return poorSample, nil
		}, log.sink)
	}()

	require.Eventually(t, func() bool { return len(log.labels()) == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []domain.QualityLabel{domain.QualityMedium, domain.QualityLow}, log.labels())
}

func TestQualityController_RunSurvivesSampleErrors(t *testing.T) {
	q := newTestQualityController(t, DefaultQualityConfig())
	log := &profileLog{}

	var mu sync.Mutex
	calls := 0
	sample := func(context.Context) (domain.TransportStats, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%2 == 1 {
			return domain.TransportStats{}, errors.New("stats unavailable")
		}
		return excellentSample, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, time.Millisecond, sample, log.sink)
	}()

	require.Eventually(t, func() bool { return len(log.labels()) == 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, domain.QualityHigh, log.labels()[1])
}
