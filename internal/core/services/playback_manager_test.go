package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livecore/internal/core/domain"
	"livecore/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type reinitStub struct {
	calls int32
	// failFirst reinit calls fail before they start succeeding.
	failFirst int32
}

func (r *reinitStub) reinit(context.Context) error {
	n := atomic.AddInt32(&r.calls, 1)
	if n <= r.failFirst {
		return errors.New("source unreachable")
	}
	return nil
}

func (r *reinitStub) Calls() int {
	return int(atomic.LoadInt32(&r.calls))
}

func newTestPlayback(t *testing.T, cfg PlaybackConfig, stub *reinitStub) *PlaybackManager {
	t.Helper()
	p, err := NewPlaybackManager(cfg, stub.reinit, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return p
}

func fastRetryConfig() PlaybackConfig {
	cfg := DefaultPlaybackConfig()
	cfg.AutoRetry = true
	cfg.Backoff = retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	}
	return cfg
}

func TestPlaybackManager_InvalidConfig(t *testing.T) {
	stub := &reinitStub{}
	cfg := DefaultPlaybackConfig()
	cfg.HighWaterSeconds = cfg.LowWaterSeconds
	_, err := NewPlaybackManager(cfg, stub.reinit, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)

	_, err = NewPlaybackManager(DefaultPlaybackConfig(), nil, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestPlaybackManager_BufferingBand(t *testing.T) {
	p := newTestPlayback(t, DefaultPlaybackConfig(), &reinitStub{})

	var mu sync.Mutex
	var seen []domain.PlaybackState
	p.OnChange(func(s domain.PlaybackState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	require.NoError(t, p.Play())
	assert.True(t, p.State().IsBuffering)

	steps := []struct {
		buffered  float64
		playing   bool
		buffering bool
	}{
		{1.0, false, true},
		{1.99, false, true},
		{2.0, true, false},
		{1.0, true, false},
		{0.5, true, false},
		{0.49, false, true},
		{1.5, false, true},
		{3.0, true, false},
	}
	for i, step := range steps {
		p.Sample(step.buffered, float64(i))
		s := p.State()
		assert.Equal(t, step.playing, s.IsPlaying, "step %d (%.2fs)", i, step.buffered)
		assert.Equal(t, step.buffering, s.IsBuffering, "step %d (%.2fs)", i, step.buffered)
	}
	assert.Equal(t, float64(len(steps)-1), p.State().CurrentTimeSeconds)

	mu.Lock()
	defer mu.Unlock()
	// play->buffering, ->playing, ->buffering, ->playing
	assert.Len(t, seen, 4)
	for _, s := range seen {
		assert.False(t, s.IsPlaying && s.IsBuffering)
	}
}

func TestPlaybackManager_NoFlappingInsideBand(t *testing.T) {
	p := newTestPlayback(t, DefaultPlaybackConfig(), &reinitStub{})

	changes := 0
	p.OnChange(func(domain.PlaybackState) { changes++ })

	require.NoError(t, p.Play())
	p.Sample(2.5, 0)
	changes = 0

	for i := 0; i < 100; i++ {
		p.Sample(0.6+float64(i%10)*0.1, float64(i))
	}
	assert.Zero(t, changes)
	assert.True(t, p.State().IsPlaying)
}

func TestPlaybackManager_SamplesIgnoredUntilPlay(t *testing.T) {
	p := newTestPlayback(t, DefaultPlaybackConfig(), &reinitStub{})

	p.Sample(5, 1)
	s := p.State()
	assert.False(t, s.IsPlaying)
	assert.False(t, s.IsBuffering)
	assert.Equal(t, 1.0, s.CurrentTimeSeconds)

	require.NoError(t, p.Play())
	p.Sample(5, 2)
	assert.True(t, p.State().IsPlaying)

	p.Pause()
	s = p.State()
	assert.False(t, s.IsPlaying)
	assert.False(t, s.IsBuffering)

	p.Sample(0, 3)
	assert.False(t, p.State().IsBuffering)
}

func TestPlaybackManager_FailThenRetry(t *testing.T) {
	stub := &reinitStub{failFirst: 1}
	p := newTestPlayback(t, DefaultPlaybackConfig(), stub)

	require.NoError(t, p.Play())
	p.Sample(3, 0)
	p.Fail(domain.PlaybackErrDecode)

	s := p.State()
	assert.Equal(t, domain.PlaybackErrDecode, s.Error)
	assert.False(t, s.IsPlaying)
	assert.False(t, s.IsBuffering)
	assert.ErrorIs(t, p.Play(), ErrPlaybackFailed)

	// Samples do not leave the error state.
	p.Sample(5, 1)
	assert.True(t, p.State().HasError())

	require.Error(t, p.Retry(context.Background()))
	assert.True(t, p.State().HasError())

	require.NoError(t, p.Retry(context.Background()))
	s = p.State()
	assert.False(t, s.HasError())
	assert.True(t, s.IsBuffering)
	assert.Equal(t, 0, s.RetryAttempts)
	assert.Equal(t, 2, stub.Calls())

	p.Sample(2, 2)
	assert.True(t, p.State().IsPlaying)
}

func TestPlaybackManager_AutoRetryRecovers(t *testing.T) {
	stub := &reinitStub{failFirst: 1}
	p := newTestPlayback(t, fastRetryConfig(), stub)
	t.Cleanup(p.Close)

	require.NoError(t, p.Play())
	p.Fail(domain.PlaybackErrNetwork)

	require.Eventually(t, func() bool { return !p.State().HasError() }, time.Second, time.Millisecond)
	assert.Equal(t, 2, stub.Calls())
	assert.Equal(t, 0, p.State().RetryAttempts)
}

func TestPlaybackManager_AutoRetryExhausted(t *testing.T) {
	stub := &reinitStub{failFirst: 100}
	p := newTestPlayback(t, fastRetryConfig(), stub)
	t.Cleanup(p.Close)

	exhausted := make(chan error, 1)
	p.OnExhausted = func(err error) { exhausted <- err }

	require.NoError(t, p.Play())
	p.Fail(domain.PlaybackErrSourceLost)

	select {
	case err := <-exhausted:
		var pbErr *domain.PlaybackError
		require.ErrorAs(t, err, &pbErr)
		assert.Equal(t, domain.PlaybackErrRetryExhausted, pbErr.Kind)
	case <-time.After(time.Second):
		t.Fatal("retries were not exhausted")
	}

	s := p.State()
	assert.Equal(t, domain.PlaybackErrRetryExhausted, s.Error)
	assert.Equal(t, 3, s.RetryAttempts)
	assert.Equal(t, 3, stub.Calls())
}

func TestPlaybackManager_CloseCancelsAutoRetry(t *testing.T) {
	stub := &reinitStub{failFirst: 100}
	cfg := fastRetryConfig()
	cfg.Backoff.InitialDelay = 50 * time.Millisecond
	p := newTestPlayback(t, cfg, stub)

	require.NoError(t, p.Play())
	p.Fail(domain.PlaybackErrNetwork)
	p.Close()

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, stub.Calls())
}

func TestPlaybackManager_PlayWhileFailedResumesAfterRetry(t *testing.T) {
	stub := &reinitStub{}
	p := newTestPlayback(t, DefaultPlaybackConfig(), stub)

	p.Fail(domain.PlaybackErrNetwork)
	assert.ErrorIs(t, p.Play(), ErrPlaybackFailed)

	require.NoError(t, p.Retry(context.Background()))
	assert.True(t, p.State().IsBuffering)

	p.Sample(5, 1)
	assert.True(t, p.State().IsPlaying)
}

func TestPlaybackManager_ManualRetryWaitsForAutoRetry(t *testing.T) {
	var inFlight, maxInFlight, calls int32
	entered := make(chan struct{}, 4)
	release := make(chan struct{})

	reinit := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	p, err := NewPlaybackManager(fastRetryConfig(), reinit, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	require.NoError(t, p.Play())
	p.Fail(domain.PlaybackErrNetwork)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("automatic retry did not start")
	}

	done := make(chan error, 1)
	go func() { done <- p.Retry(context.Background()) }()

	// the manual rebuild must not start while the automatic one runs
	select {
	case <-entered:
		t.Fatal("two rebuilds ran at once")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	s := p.State()
	assert.False(t, s.HasError())
	assert.True(t, s.IsBuffering)
}
