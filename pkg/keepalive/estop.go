package keepalive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gwillem/spotweb/pkg/robot"
)

const (
	DefaultEstopName    = "spotweb"
	DefaultEstopTimeout = 9 * time.Second
)

// Estop registers this process as an e-stop endpoint and checks in often
// enough that the robot does not cut power on its own.
type Estop struct {
	endpoint robot.EstopEndpoint
	loop     *loop
	stopped  atomic.Bool
}

// ConfigureEstop registers the endpoint, releases it with a first check-in
// and starts checking in every timeout/3.
func ConfigureEstop(ctx context.Context, client robot.EstopClient, name string, timeout time.Duration, opts Options) (*Estop, error) {
	ep, err := client.Configure(ctx, name, timeout)
	if err != nil {
		return nil, fmt.Errorf("configure estop: %w", err)
	}
	if err := ep.CheckIn(ctx, false); err != nil {
		if derr := ep.Deregister(ctx); derr != nil {
			opts.Logger.Warn().Err(derr).Msg("deregister estop endpoint")
		}
		return nil, fmt.Errorf("estop check-in: %w", err)
	}
	if opts.Interval <= 0 {
		opts.Interval = timeout / 3
	}
	e := &Estop{endpoint: ep}
	e.loop = newLoop("estop", opts.Interval, e.refresh, opts)
	e.loop.start(context.WithoutCancel(ctx))
	opts.Logger.Info().Str("endpoint", name).Dur("timeout", timeout).Msg("estop configured")
	return e, nil
}

// refresh checks in with the current flag. Stop or Allow may check in while
// the call is in flight, so it repeats until the flag it sent is still current.
func (e *Estop) refresh(ctx context.Context) error {
	for {
		stop := e.stopped.Load()
		if err := e.endpoint.CheckIn(ctx, stop); err != nil {
			return err
		}
		if e.stopped.Load() == stop {
			return nil
		}
	}
}

// Stop asserts the e-stop, cutting motor power.
func (e *Estop) Stop(ctx context.Context) error {
	e.stopped.Store(true)
	if err := e.endpoint.CheckIn(ctx, true); err != nil {
		return fmt.Errorf("estop stop: %w", err)
	}
	e.loop.log.Warn().Msg("estop asserted")
	return nil
}

// Allow releases the e-stop.
func (e *Estop) Allow(ctx context.Context) error {
	e.stopped.Store(false)
	if err := e.endpoint.CheckIn(ctx, false); err != nil {
		return fmt.Errorf("estop release: %w", err)
	}
	e.loop.log.Info().Msg("estop released")
	return nil
}

// Stopped reports whether the e-stop is asserted by this endpoint.
func (e *Estop) Stopped() bool { return e.stopped.Load() }

// Active reports whether the endpoint is still checking in.
func (e *Estop) Active() bool { return e.loop.running() }

// Health returns the consecutive check-in failures and the last error.
func (e *Estop) Health() (int, error) { return e.loop.health() }

// Shutdown stops checking in and deregisters the endpoint. Calling it again
// is a no-op.
func (e *Estop) Shutdown(ctx context.Context) error {
	if !e.loop.stop() {
		return nil
	}
	if err := e.endpoint.Deregister(ctx); err != nil {
		return fmt.Errorf("deregister estop: %w", err)
	}
	return nil
}
