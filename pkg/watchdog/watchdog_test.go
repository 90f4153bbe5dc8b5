package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type stopRecorder struct {
	calls atomic.Int32
	err   error
}

func (s *stopRecorder) stop(context.Context) error {
	s.calls.Add(1)
	return s.err
}

func newTestWatchdog(err error) (*Watchdog, *clocktesting.FakeClock, *stopRecorder) {
	clk := clocktesting.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	rec := &stopRecorder{err: err}
	return New(clk, rec.stop, zerolog.Nop(), Options{}), clk, rec
}

func TestCheck_InactiveNeverTrips(t *testing.T) {
	w, clk, rec := newTestWatchdog(nil)
	clk.Step(time.Hour)
	assert.False(t, w.check(context.Background()))
	assert.Zero(t, rec.calls.Load())
}

func TestCheck_TripsOnceAfterThreshold(t *testing.T) {
	w, clk, rec := newTestWatchdog(nil)
	ctx := context.Background()

	w.Kick()
	clk.Step(DefaultThreshold)
	assert.False(t, w.check(ctx), "exactly at the threshold is not late")

	clk.Step(time.Millisecond)
	assert.True(t, w.check(ctx))
	assert.False(t, w.Active())
	assert.False(t, w.check(ctx))
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, 1, w.Trips())
}

func TestKick_ResetsDeadline(t *testing.T) {
	w, clk, rec := newTestWatchdog(nil)
	ctx := context.Background()

	w.Kick()
	clk.Step(400 * time.Millisecond)
	w.Kick()
	kicked := clk.Now()
	clk.Step(400 * time.Millisecond)
	assert.False(t, w.check(ctx))

	deadline, ok := w.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, kicked.Add(DefaultThreshold), deadline, 0)

	clk.Step(101 * time.Millisecond)
	assert.True(t, w.check(ctx))
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestClear(t *testing.T) {
	w, clk, rec := newTestWatchdog(nil)
	w.Kick()
	w.Clear()
	clk.Step(time.Second)
	assert.False(t, w.check(context.Background()))
	_, ok := w.Deadline()
	assert.False(t, ok)
	assert.Zero(t, rec.calls.Load())
}

func TestRun_SurvivesStopErrors(t *testing.T) {
	w, clk, rec := newTestWatchdog(errors.New("rpc failed"))
	var hooked atomic.Int32
	w.onTrip = func(err error) {
		assert.Error(t, err)
		hooked.Add(1)
	}
	w.Start(context.Background())
	defer w.Shutdown(time.Second)
	require.True(t, clk.HasWaiters())

	for i := 1; i <= 2; i++ {
		w.Kick()
		clk.Step(600 * time.Millisecond)
		want := int32(i)
		assert.Eventually(t, func() bool { return rec.calls.Load() == want }, time.Second, time.Millisecond)
		assert.Eventually(t, func() bool { return !w.Active() }, time.Second, time.Millisecond)
	}
	assert.Eventually(t, func() bool { return hooked.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, w.Running())
}

func TestShutdown(t *testing.T) {
	w, clk, rec := newTestWatchdog(nil)
	require.NoError(t, w.Shutdown(time.Second), "shutdown before start")

	w.Start(context.Background())
	w.Kick()
	require.NoError(t, w.Shutdown(time.Second))
	require.NoError(t, w.Shutdown(time.Second))
	assert.False(t, w.Running())
	assert.False(t, w.Active())

	clk.Step(time.Second)
	assert.Zero(t, rec.calls.Load())
}
