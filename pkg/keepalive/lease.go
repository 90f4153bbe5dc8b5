package keepalive

import (
	"context"
	"fmt"
	"time"

	"github.com/gwillem/spotweb/pkg/robot"
)

// DefaultLeaseInterval is how often the lease is refreshed.
const DefaultLeaseInterval = 2 * time.Second

// Lease holds exclusive control of the robot and keeps it refreshed.
type Lease struct {
	lease robot.Lease
	loop  *loop
}

// AcquireLease takes the lease and starts refreshing it. It fails when
// another party holds the lease.
func AcquireLease(ctx context.Context, client robot.LeaseClient, opts Options) (*Lease, error) {
	l, err := client.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultLeaseInterval
	}
	k := &Lease{lease: l}
	k.loop = newLoop("lease", opts.Interval, l.Refresh, opts)
	k.loop.start(context.WithoutCancel(ctx))
	opts.Logger.Info().Str("lease", l.ID()).Msg("lease acquired")
	return k, nil
}

func (k *Lease) ID() string { return k.lease.ID() }

// Active reports whether the lease is still being kept alive.
func (k *Lease) Active() bool { return k.loop.running() }

// Health returns the consecutive refresh failures and the last error.
func (k *Lease) Health() (int, error) { return k.loop.health() }

// Shutdown stops refreshing and returns the lease. Calling it again is a no-op.
func (k *Lease) Shutdown(ctx context.Context) error {
	if !k.loop.stop() {
		return nil
	}
	if err := k.lease.Return(ctx); err != nil {
		return fmt.Errorf("return lease %s: %w", k.lease.ID(), err)
	}
	k.loop.log.Info().Str("lease", k.lease.ID()).Msg("lease returned")
	return nil
}
