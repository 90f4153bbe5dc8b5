package sim

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gwillem/spotweb/pkg/robot"
)

var errSessionClosed = errors.New("session closed")

type session struct {
	r      *Robot
	closed atomic.Bool
}

func (s *session) Identity() robot.Identity {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.r.identity
}

func (s *session) SyncClock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrTimeSync, err)
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if s.r.timeSyncErr != nil {
		return fmt.Errorf("%w: %v", robot.ErrTimeSync, s.r.timeSyncErr)
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
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.sessions--
	return nil
}

// lock locks the robot for a call on this session.
func (s *session) lock() (unlock func(), err error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %v", robot.ErrRPC, errSessionClosed)
	}
	s.r.mu.Lock()
	return s.r.mu.Unlock, nil
}

type stateClient struct{ s *session }

func (c stateClient) Query(ctx context.Context) (robot.State, error) {
	unlock, err := c.s.lock()
	if err != nil {
		return robot.State{}, err
	}
	defer unlock()
	r := c.s.r
	if err := ctx.Err(); err != nil {
		return robot.State{}, fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	if r.commandErr != "" {
		return robot.State{}, fmt.Errorf("%w: %s", robot.ErrRPC, r.commandErr)
	}
	r.advance()
	return robot.State{
		BatteryPercent: r.battery,
		RuntimeSeconds: r.battery / r.drain * 3600,
		MotorPower:     r.power,
	}, nil
}

type commandClient struct{ s *session }

func (c commandClient) Velocity(ctx context.Context, vx, vy, yaw float64, validUntil time.Time) error {
	unlock, err := c.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := c.s.r
	cmd := Command{VX: vx, VY: vy, Yaw: yaw, At: r.clock.Now(), ValidUntil: validUntil}

	if cmd.IsZero() {
		// Stopping needs only control of the robot, not power.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", robot.ErrRPC, err)
		}
		r.advance()
		if r.commandErr != "" {
			return fmt.Errorf("%w: %s", robot.ErrRPC, r.commandErr)
		}
		if r.lease == "" {
			return fmt.Errorf("%w: lease not held by this client", robot.ErrRPC)
		}
		r.commands = append(r.commands, cmd)
		r.velocity = Command{}
		if r.stance == StanceWalking {
			r.stance = StanceStanding
		}
		return nil
	}

	if err := r.checkMotion(ctx); err != nil {
		return err
	}
	if !validUntil.After(cmd.At) {
		return fmt.Errorf("%w: command already expired", robot.ErrRPC)
	}
	r.commands = append(r.commands, cmd)
	r.velocity = cmd
	r.stance = StanceWalking
	return nil
}

func (c commandClient) Stand(ctx context.Context, pose robot.Pose, validUntil time.Time) error {
	unlock, err := c.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := c.s.r
	if err := r.checkMotion(ctx); err != nil {
		return err
	}
	if !validUntil.After(r.clock.Now()) {
		return fmt.Errorf("%w: command already expired", robot.ErrRPC)
	}
	r.pose = pose
	r.velocity = Command{}
	r.stance = StanceStanding
	return nil
}

func (c commandClient) BlockingStand(ctx context.Context) error {
	unlock, err := c.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := c.s.r
	if err := r.checkMotion(ctx); err != nil {
		return err
	}
	r.pose = robot.Pose{}
	r.stance = StanceStanding
	return nil
}

func (c commandClient) BlockingSit(ctx context.Context) error {
	unlock, err := c.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := c.s.r
	if err := r.checkMotion(ctx); err != nil {
		return err
	}
	r.velocity = Command{}
	r.stance = StanceSitting
	return nil
}

type powerClient struct{ s *session }

func (c powerClient) On(ctx context.Context) error {
	unlock, err := c.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := c.s.r
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	r.advance()
	if r.commandErr != "" {
		return fmt.Errorf("%w: %s", robot.ErrRPC, r.commandErr)
	}
	if r.lease == "" {
		return fmt.Errorf("%w: lease not held by this client", robot.ErrRPC)
	}
	if r.estopActive() {
		return fmt.Errorf("%w: cannot power on while estop is asserted", robot.ErrRPC)
	}
	r.power = robot.MotorPowerOn
	return nil
}

func (c powerClient) SafeOff(ctx context.Context) error {
	unlock, err := c.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := c.s.r
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	r.advance()
	if r.commandErr != "" {
		return fmt.Errorf("%w: %s", robot.ErrRPC, r.commandErr)
	}
	if r.lease == "" {
		return fmt.Errorf("%w: lease not held by this client", robot.ErrRPC)
	}
	// Sit down before cutting power.
	r.cutPower()
	return nil
}

type leaseClient struct{ s *session }

func (c leaseClient) Acquire(ctx context.Context) (robot.Lease, error) {
	unlock, err := c.s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	r := c.s.r
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	r.advance()
	if r.foreignLease || r.lease != "" {
		return nil, fmt.Errorf("%w: lease is held by another client", robot.ErrLeaseUnavailable)
	}
	r.lease = r.newID()
	r.leaseExpiry = r.clock.Now().Add(r.leaseTTL)
	return &lease{s: c.s, id: r.lease}, nil
}

type lease struct {
	s  *session
	id string
}

func (l *lease) ID() string { return l.id }

func (l *lease) Refresh(ctx context.Context) error {
	unlock, err := l.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := l.s.r
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	r.advance()
	if r.lease != l.id {
		return fmt.Errorf("%w: lease %s was revoked", robot.ErrRPC, l.id)
	}
	r.leaseExpiry = r.clock.Now().Add(r.leaseTTL)
	return nil
}

func (l *lease) Return(ctx context.Context) error {
	unlock, err := l.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := l.s.r
	if r.lease != l.id {
		return fmt.Errorf("%w: lease %s is not held", robot.ErrRPC, l.id)
	}
	r.lease = ""
	return nil
}

type estopClient struct{ s *session }

func (c estopClient) Configure(ctx context.Context, name string, timeout time.Duration) (robot.EstopEndpoint, error) {
	unlock, err := c.s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	r := c.s.r
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: estop timeout must be positive", robot.ErrRPC)
	}
	id := r.newID()
	r.endpoints[id] = &endpoint{
		name:        name,
		timeout:     timeout,
		lastCheckIn: r.clock.Now(),
	}
	return &estopEndpoint{s: c.s, id: id}, nil
}

type estopEndpoint struct {
	s  *session
	id string
}

func (e *estopEndpoint) CheckIn(ctx context.Context, stop bool) error {
	unlock, err := e.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	r := e.s.r
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", robot.ErrRPC, err)
	}
	ep, ok := r.endpoints[e.id]
	if !ok {
		return fmt.Errorf("%w: estop endpoint %s is not registered", robot.ErrRPC, e.id)
	}
	ep.lastCheckIn = r.clock.Now()
	ep.stopped = stop
	r.advance()
	return nil
}

func (e *estopEndpoint) Deregister(ctx context.Context) error {
	unlock, err := e.s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	delete(e.s.r.endpoints, e.id)
	return nil
}

// loopback is the transport of a simulator living in this process.
type loopback struct{ r *Robot }

func (l loopback) Resolve(ctx context.Context, host string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "in-process simulator", nil
}

func (l loopback) Reach(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	if l.r.unreachable {
		return fmt.Errorf("dial %s: connection refused", host)
	}
	return nil
}

func (l loopback) Address(host string) string {
	return "sim://" + host
}
