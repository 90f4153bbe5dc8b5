package servo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/gwillem/spotweb/pkg/robot"
)

var (
	errSessionClosed = errors.New("session closed")
	errNoLease       = errors.New("lease not held by this client")
)

type session struct {
	p      *Provider
	ctrl   *Controller
	port   string
	closed atomic.Bool

	mu    sync.Mutex
	lease *lease
}

func (s *session) Identity() robot.Identity {
	return s.p.identity(s.port)
}

// SyncClock is a no-op: the bus shares the host clock.
func (s *session) SyncClock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrTimeSync, err)
	}
	return nil
}

func (s *session) Clients() (robot.Clients, error) {
	if s.closed.Load() {
		return robot.Clients{}, fmt.Errorf("%w: %v", robot.ErrRPC, errSessionClosed)
	}
	return robot.Clients{
		State:   stateClient{s},
		Command: commandClient{s},
		Lease:   leaseClient{s},
		Power:   powerClient{s},
		Estop:   estopClient{s},
	}, nil
}

func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	l := s.lease
	s.lease = nil
	s.mu.Unlock()
	if l != nil {
		l.fl.Unlock()
	}
	return s.p.release()
}

// check fails when the session is closed or ctx is done.
func (s *session) check(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %v", robot.ErrRPC, errSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	return nil
}

// control fails unless this session holds the lease.
func (s *session) control(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil || !s.lease.fl.Locked() {
		return fmt.Errorf("%w: %v", robot.ErrRPC, errNoLease)
	}
	return nil
}

func rpc(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", robot.ErrRPC, err)
}

type stateClient struct{ s *session }

// Query reports a full battery: the robot runs from a bench supply and the
// servos expose no charge level.
func (c stateClient) Query(ctx context.Context) (robot.State, error) {
	if err := c.s.check(ctx); err != nil {
		return robot.State{}, err
	}
	return robot.State{
		BatteryPercent: 100,
		MotorPower:     c.s.ctrl.Power(),
	}, nil
}

type commandClient struct{ s *session }

func (c commandClient) Velocity(ctx context.Context, vx, vy, yaw float64, validUntil time.Time) error {
	if err := c.s.control(ctx); err != nil {
		return err
	}
	m := Motion{VX: vx, VY: vy, Yaw: yaw}
	if m.Moving() && !validUntil.After(c.s.p.clock.Now()) {
		return fmt.Errorf("%w: command already expired", robot.ErrRPC)
	}
	return rpc(c.s.ctrl.Walk(m, validUntil))
}

func (c commandClient) Stand(ctx context.Context, pose robot.Pose, validUntil time.Time) error {
	if err := c.s.control(ctx); err != nil {
		return err
	}
	if !validUntil.After(c.s.p.clock.Now()) {
		return fmt.Errorf("%w: command already expired", robot.ErrRPC)
	}
	return rpc(c.s.ctrl.Pose(pose, validUntil))
}

func (c commandClient) BlockingStand(ctx context.Context) error {
	if err := c.s.control(ctx); err != nil {
		return err
	}
	return rpc(c.s.ctrl.Stand(ctx))
}

func (c commandClient) BlockingSit(ctx context.Context) error {
	if err := c.s.control(ctx); err != nil {
		return err
	}
	return rpc(c.s.ctrl.Sit(ctx))
}

type powerClient struct{ s *session }

func (c powerClient) On(ctx context.Context) error {
	if err := c.s.control(ctx); err != nil {
		return err
	}
	return rpc(c.s.ctrl.PowerOn(ctx))
}

func (c powerClient) SafeOff(ctx context.Context) error {
	if err := c.s.control(ctx); err != nil {
		return err
	}
	return rpc(c.s.ctrl.SafeOff(ctx))
}

type leaseClient struct{ s *session }

// Acquire takes an exclusive lock on the serial port's lock file.
func (c leaseClient) Acquire(ctx context.Context) (robot.Lease, error) {
	if err := c.s.check(ctx); err != nil {
		return nil, err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.lease != nil {
		return nil, fmt.Errorf("%w: lease already held by this session", robot.ErrLeaseUnavailable)
	}
	fl := flock.New(c.s.p.lockPath(c.s.port))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", robot.ErrRPC, fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is controlled by another process", robot.ErrLeaseUnavailable, c.s.port)
	}
	c.s.lease = &lease{s: c.s, fl: fl, id: uuid.NewString()}
	return c.s.lease, nil
}

type lease struct {
	s  *session
	fl *flock.Flock
	id string
}

func (l *lease) ID() string { return l.id }

func (l *lease) Refresh(ctx context.Context) error {
	if err := l.s.check(ctx); err != nil {
		return err
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.lease != l || !l.fl.Locked() {
		return fmt.Errorf("%w: lease %s was revoked", robot.ErrRPC, l.id)
	}
	return nil
}

func (l *lease) Return(ctx context.Context) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.lease != l {
		return fmt.Errorf("%w: lease %s is not held", robot.ErrRPC, l.id)
	}
	l.s.lease = nil
	return rpc(l.fl.Unlock())
}

type estopClient struct{ s *session }

func (c estopClient) Configure(ctx context.Context, name string, timeout time.Duration) (robot.EstopEndpoint, error) {
	if err := c.s.check(ctx); err != nil {
		return nil, err
	}
	id, err := c.s.ctrl.Register(name, timeout)
	if err != nil {
		return nil, rpc(err)
	}
	return &estopEndpoint{s: c.s, id: id}, nil
}

type estopEndpoint struct {
	s  *session
	id string
}

func (e *estopEndpoint) CheckIn(ctx context.Context, stop bool) error {
	if err := e.s.check(ctx); err != nil {
		return err
	}
	return rpc(e.s.ctrl.CheckIn(e.id, stop))
}

func (e *estopEndpoint) Deregister(ctx context.Context) error {
	e.s.ctrl.Deregister(e.id)
	return nil
}
