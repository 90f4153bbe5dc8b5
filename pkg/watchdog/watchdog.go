// Package watchdog stops the robot when velocity commands stop arriving.
//
// Every accepted velocity command kicks the watchdog. A background task polls
// the time of the last kick and, once it is older than the threshold, issues a
// single zero-velocity stop and goes inactive until the next kick.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

const (
	DefaultThreshold = 500 * time.Millisecond
	DefaultInterval  = 100 * time.Millisecond
)

// ErrJoinTimeout is returned by Shutdown when the task did not exit in time.
var ErrJoinTimeout = errors.New("watchdog did not stop in time")

// StopFunc issues a zero-velocity command.
type StopFunc func(ctx context.Context) error

// Options tunes a Watchdog. Zero values select the defaults.
type Options struct {
	Threshold time.Duration
	Interval  time.Duration

	// OnTrip is called after every forced stop attempt.
	OnTrip func(err error)
}

// Watchdog monitors the time since the last velocity command.
type Watchdog struct {
	clock     clock.WithTicker
	stop      StopFunc
	log       zerolog.Logger
	threshold time.Duration
	interval  time.Duration
	onTrip    func(error)

	// lastKick is unix nanos of the last accepted command, 0 when inactive.
	lastKick atomic.Int64
	trips    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped watchdog. Call Start to begin monitoring.
func New(clk clock.WithTicker, stop StopFunc, log zerolog.Logger, opts Options) *Watchdog {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Watchdog{
		clock:     clk,
		stop:      stop,
		log:       log,
		threshold: opts.Threshold,
		interval:  opts.Interval,
		onTrip:    opts.OnTrip,
	}
}

// Start launches the polling task. The ticker exists when Start returns.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := w.clock.NewTicker(w.interval)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, ticker, w.done)
	w.log.Debug().Dur("threshold", w.threshold).Dur("interval", w.interval).Msg("watchdog started")
}

func (w *Watchdog) run(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.check(ctx)
		}
	}
}

// check evaluates the deadline once and reports whether it tripped.
func (w *Watchdog) check(ctx context.Context) bool {
	last := w.lastKick.Load()
	if last == 0 {
		return false
	}
	elapsed := w.clock.Now().Sub(time.Unix(0, last))
	if elapsed <= w.threshold {
		return false
	}
	// A Kick that lands between Load and here keeps the deadline alive.
	if !w.lastKick.CompareAndSwap(last, 0) {
		return false
	}

	w.trips.Add(1)
	w.log.Warn().Dur("elapsed", elapsed).Msg("no velocity command received, stopping robot")
	err := w.stop(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("watchdog stop failed")
	}
	if w.onTrip != nil {
		w.onTrip(err)
	}
	return true
}

// Kick records a velocity command at the current time.
func (w *Watchdog) Kick() {
	w.lastKick.Store(w.clock.Now().UnixNano())
}

// Clear makes the deadline inactive.
func (w *Watchdog) Clear() {
	w.lastKick.Store(0)
}

// Active reports whether a deadline is pending.
func (w *Watchdog) Active() bool {
	return w.lastKick.Load() != 0
}

// Deadline returns the time the watchdog trips, if active.
func (w *Watchdog) Deadline() (time.Time, bool) {
	last := w.lastKick.Load()
	if last == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, last).Add(w.threshold), true
}

// Trips returns the number of forced stops so far.
func (w *Watchdog) Trips() int {
	return int(w.trips.Load())
}

// Running reports whether the polling task is alive.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil
}

// Shutdown cancels the task and waits up to timeout for it to exit.
// The deadline is cleared. Shutdown on a watchdog that is not running is a no-op.
func (w *Watchdog) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	w.Clear()
	if done == nil {
		return nil
	}
	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		w.log.Debug().Msg("watchdog stopped")
		return nil
	case <-t.C:
		return ErrJoinTimeout
	}
}
