// Package keepalive keeps the robot's lease and e-stop registration alive.
//
// Both coordinators share one refresh loop: a ticker on an injected clock
// calling a refresh function until shut down. Refresh failures are logged and
// counted but never end the loop; the robot's own expiry decides whether a
// missed refresh matters.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Options configures a coordinator. Zero values select defaults.
type Options struct {
	Clock    clock.WithTicker
	Logger   zerolog.Logger
	Interval time.Duration

	// OnFailure is called for each failed refresh.
	OnFailure func(err error)
}

type loop struct {
	name      string
	clock     clock.WithTicker
	interval  time.Duration
	refresh   func(ctx context.Context) error
	log       zerolog.Logger
	onFailure func(error)

	mu       sync.Mutex
	failures int
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

func newLoop(name string, interval time.Duration, refresh func(context.Context) error, opts Options) *loop {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &loop{
		name:      name,
		clock:     clk,
		interval:  interval,
		refresh:   refresh,
		log:       opts.Logger,
		onFailure: opts.OnFailure,
	}
}

func (l *loop) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := l.clock.NewTicker(l.interval)
	l.mu.Lock()
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				l.tick(ctx)
			}
		}
	}()
}

func (l *loop) tick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, l.interval)
	defer cancel()
	err := l.refresh(ctx)

	l.mu.Lock()
	if err != nil {
		l.failures++
	} else {
		l.failures = 0
	}
	l.lastErr = err
	failures := l.failures
	l.mu.Unlock()

	if err != nil {
		l.log.Warn().Err(err).Int("failures", failures).Msgf("%s refresh failed", l.name)
		if l.onFailure != nil {
			l.onFailure(err)
		}
	}
}

// stop cancels the loop and waits for it. It reports whether the loop was
// running.
func (l *loop) stop() bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if done == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil
}

// health returns the consecutive failure count and the last refresh error.
func (l *loop) health() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures, l.lastErr
}
