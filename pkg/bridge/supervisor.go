// Package bridge supervises the connection to one robot.
//
// The Supervisor owns the robot session, both keepalive coordinators and the
// command watchdog, and creates and destroys them as a unit. Every operation
// returns a Result envelope; failures of the robot capability are classified
// where they are caught and never escape as Go errors or panics.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/gwillem/spotweb/pkg/keepalive"
	"github.com/gwillem/spotweb/pkg/metrics"
	"github.com/gwillem/spotweb/pkg/robot"
	"github.com/gwillem/spotweb/pkg/safety"
	"github.com/gwillem/spotweb/pkg/watchdog"
)

// Timing policy.
const (
	StandTimeout        = 10 * time.Second
	PowerTimeout        = 20 * time.Second
	VelocityValidity    = 250 * time.Millisecond
	BodyPoseValidity    = 2 * time.Second
	WatchdogJoinTimeout = 2 * time.Second
	ProbeTimeout        = 2 * time.Second
	ClockSyncTimeout    = 5 * time.Second

	releaseTimeout = 5 * time.Second
	stopTimeout    = 2 * time.Second
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Target is the robot to connect to.
type Target struct {
	Host     string
	Username string
	Password string
}

// VelocityCommand is an operator velocity request. The body and locomotion
// hint fields are accepted but not forwarded to the robot.
type VelocityCommand struct {
	VX  float64 `json:"vx"`
	VY  float64 `json:"vy"`
	Yaw float64 `json:"yaw"`

	BodyHeight     float64 `json:"body_height,omitempty"`
	BodyRoll       float64 `json:"body_roll,omitempty"`
	BodyPitch      float64 `json:"body_pitch,omitempty"`
	BodyYaw        float64 `json:"body_yaw,omitempty"`
	LocomotionHint *int    `json:"locomotion_hint,omitempty"`
}

func (v VelocityCommand) hasHints() bool {
	return v.BodyHeight != 0 || v.BodyRoll != 0 || v.BodyPitch != 0 || v.BodyYaw != 0 || v.LocomotionHint != nil
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithClock(clk clock.WithTicker) Option {
	return func(s *Supervisor) { s.clock = clk }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEstop sets the e-stop endpoint name and timeout.
func WithEstop(name string, timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.estopName = name
		s.estopTimeout = timeout
	}
}

// Supervisor manages the connect/operate/disconnect lifecycle of one robot.
type Supervisor struct {
	provider     robot.Provider
	clock        clock.WithTicker
	log          zerolog.Logger
	metrics      *metrics.Collector
	estopName    string
	estopTimeout time.Duration

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu    sync.RWMutex
	state State
	conn  *connection
}

// connection is everything that exists only while connected.
type connection struct {
	session  robot.Session
	clients  robot.Clients
	identity robot.Identity
	lease    *keepalive.Lease
	estop    *keepalive.Estop
	watchdog *watchdog.Watchdog
}

// New creates a disconnected supervisor for robots reached through provider.
func New(provider robot.Provider, opts ...Option) *Supervisor {
	s := &Supervisor{
		provider:     provider,
		clock:        clock.RealClock{},
		log:          zerolog.Nop(),
		estopName:    keepalive.DefaultEstopName,
		estopTimeout: keepalive.DefaultEstopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "bridge").Logger()
	s.metrics.SetConnectionState(int(Disconnected))
	return s
}

// State returns the connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

// Identity returns the connected robot's identity.
func (s *Supervisor) Identity() (robot.Identity, bool) {
	c, ok := s.current()
	if !ok {
		return robot.Identity{}, false
	}
	return c.identity, true
}

// WatchdogActive reports whether a velocity deadline is pending.
func (s *Supervisor) WatchdogActive() bool {
	c, ok := s.current()
	return ok && c.watchdog.Active()
}

func (s *Supervisor) current() (*connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Connected || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func (s *Supervisor) setState(st State, c *connection) {
	s.mu.Lock()
	s.state = st
	s.conn = c
	s.mu.Unlock()
	s.metrics.SetConnectionState(int(st))
}

// do runs one operation, recovering panics and recording metrics.
func (s *Supervisor) do(op string, fn func() Result) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("op", op).Interface("panic", r).Msg("operation panicked")
			res = failure(Unexpected, fmt.Sprintf("%s: internal error: %v", op, r))
		}
		if !res.OK && res.Error != nil {
			ev := s.log.Error()
			if res.Error.Kind == NotConnected {
				// Polled by telemetry clients while idle.
				ev = s.log.Debug()
			}
			ev.Str("op", op).Str("kind", string(res.Error.Kind)).Msg(res.Error.Message)
		}
		s.metrics.ObserveOperation(op, res.OK, time.Since(start))
	}()
	return fn()
}

// guard turns a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return fn()
}

// Connect authenticates, takes the lease, registers the e-stop and starts
// the watchdog. Any failure rolls back everything acquired so far.
func (s *Supervisor) Connect(ctx context.Context, t Target) Result {
	return s.do("connect", func() Result {
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()

		s.mu.Lock()
		if s.state != Disconnected {
			st := s.state
			s.mu.Unlock()
			return failure(InvalidState, fmt.Sprintf("cannot connect while %s", st))
		}
		s.state = Connecting
		s.mu.Unlock()
		s.metrics.SetConnectionState(int(Connecting))

		if t.Host == "" {
			s.setState(Disconnected, nil)
			return failure(InvalidState, "robot host is not configured")
		}

		c := &connection{}
		err := guard(func() error { return s.connect(ctx, t, c) })
		if err != nil {
			s.log.Error().Err(err).Str("host", t.Host).Msg("connect failed, rolling back")
			if rerr := s.release(ctx, c); rerr != nil {
				s.log.Warn().Err(rerr).Msg("rollback incomplete")
			}
			s.setState(Disconnected, nil)
			return fail(err)
		}

		s.setState(Connected, c)
		s.log.Info().Str("robot_id", c.identity.Serial).Str("nickname", c.identity.Nickname).Msg("connected to robot")
		return success(map[string]any{
			"message":        "Connected to robot",
			"robot_id":       c.identity.Serial,
			"robot_nickname": c.identity.Nickname,
		})
	})
}

func (s *Supervisor) connect(ctx context.Context, t Target, c *connection) error {
	s.log.Info().Str("host", t.Host).Msg("authenticating")
	session, err := s.provider.Authenticate(ctx, t.Host, t.Username, t.Password)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.session = session
	c.identity = session.Identity()

	s.log.Info().Msg("syncing time")
	syncCtx, cancel := context.WithTimeout(ctx, ClockSyncTimeout)
	err = session.SyncClock(syncCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("sync clock: %w", err)
	}

	clients, err := session.Clients()
	if err != nil {
		return fmt.Errorf("resolve clients: %w", err)
	}
	c.clients = clients

	s.log.Info().Msg("acquiring lease")
	c.lease, err = keepalive.AcquireLease(ctx, clients.Lease, keepalive.Options{
		Clock:     s.clock,
		Logger:    s.log.With().Str("keepalive", "lease").Logger(),
		OnFailure: func(error) { s.metrics.KeepaliveFailure("lease") },
	})
	if err != nil {
		return err
	}

	s.log.Info().Msg("configuring e-stop")
	c.estop, err = keepalive.ConfigureEstop(ctx, clients.Estop, s.estopName, s.estopTimeout, keepalive.Options{
		Clock:     s.clock,
		Logger:    s.log.With().Str("keepalive", "estop").Logger(),
		OnFailure: func(error) { s.metrics.KeepaliveFailure("estop") },
	})
	if err != nil {
		return err
	}

	c.watchdog = watchdog.New(s.clock, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stopTimeout)
		defer cancel()
		return s.zeroVelocity(ctx, c)
	}, s.log.With().Str("component", "watchdog").Logger(), watchdog.Options{
		OnTrip: func(error) { s.metrics.WatchdogTrip() },
	})
	c.watchdog.Start(context.WithoutCancel(ctx))
	return nil
}

// release tears down c in reverse order of construction. Every step runs
// even if an earlier one fails.
func (s *Supervisor) release(ctx context.Context, c *connection) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	var errs []error
	if c.watchdog != nil {
		if err := c.watchdog.Shutdown(WatchdogJoinTimeout); err != nil {
			s.log.Warn().Err(err).Msg("stop watchdog")
			errs = append(errs, err)
		}
	}
	if c.estop != nil {
		if err := c.estop.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("shut down e-stop keepalive")
			errs = append(errs, err)
		}
	}
	if c.lease != nil {
		if err := c.lease.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("shut down lease keepalive")
			errs = append(errs, err)
		}
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close session")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect releases the robot. It is safe to call in any state; the
// supervisor always ends up Disconnected.
func (s *Supervisor) Disconnect(ctx context.Context) Result {
	return s.do("disconnect", func() Result {
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()

		s.mu.Lock()
		c := s.conn
		if c == nil {
			s.state = Disconnected
			s.mu.Unlock()
			return success(map[string]any{"message": "Disconnected"})
		}
		s.state = Disconnecting
		s.conn = nil
		s.mu.Unlock()
		s.metrics.SetConnectionState(int(Disconnecting))

		s.log.Info().Msg("disconnecting from robot")
		err := guard(func() error { return s.release(ctx, c) })
		s.setState(Disconnected, nil)
		if err != nil {
			return failure(Unexpected, fmt.Sprintf("disconnected with errors: %v", err))
		}
		s.log.Info().Msg("disconnected")
		return success(map[string]any{"message": "Disconnected"})
	})
}

// Status snapshots battery, power and keepalive state.
func (s *Supervisor) Status(ctx context.Context) Result {
	return s.do("status", func() Result {
		c, ok := s.current()
		if !ok {
			return notConnected()
		}
		st, err := c.clients.State.Query(ctx)
		if err != nil {
			return fail(fmt.Errorf("query state: %w", err))
		}

		lease := "none"
		if c.lease.Active() {
			lease = "active"
		}
		estop := "not_configured"
		switch {
		case c.estop.Stopped():
			estop = "stopped"
		case c.estop.Active():
			estop = "ok"
		}
		now := s.clock.Now()
		return success(map[string]any{
			"connected":          true,
			"robot_id":           c.identity.Serial,
			"robot_nickname":     c.identity.Nickname,
			"battery_percentage": st.BatteryPercent,
			"battery_runtime":    st.RuntimeSeconds,
			"is_powered_on":      st.MotorPower == robot.MotorPowerOn,
			"power_state":        string(st.MotorPower),
			"lease_status":       lease,
			"estop_status":       estop,
			"watchdog_active":    c.watchdog.Active(),
			"timestamp":          float64(now.UnixNano()) / 1e9,
		})
	})
}

// call runs a bounded capability call on the current connection.
func (s *Supervisor) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context, *connection) error, msg string) Result {
	return s.do(op, func() Result {
		c, ok := s.current()
		if !ok {
			return notConnected()
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(ctx, c); err != nil {
			return fail(fmt.Errorf("%s: %w", op, err))
		}
		s.log.Info().Str("op", op).Msg(msg)
		return success(map[string]any{"message": msg})
	})
}

func (s *Supervisor) PowerOn(ctx context.Context) Result {
	return s.call(ctx, "power_on", PowerTimeout, func(ctx context.Context, c *connection) error {
		return c.clients.Power.On(ctx)
	}, "Powered on")
}

// PowerOff brings the robot to rest and cuts motor power.
func (s *Supervisor) PowerOff(ctx context.Context) Result {
	return s.call(ctx, "power_off", PowerTimeout, func(ctx context.Context, c *connection) error {
		return c.clients.Power.SafeOff(ctx)
	}, "Powered off")
}

func (s *Supervisor) Stand(ctx context.Context) Result {
	return s.call(ctx, "stand", StandTimeout, func(ctx context.Context, c *connection) error {
		return c.clients.Command.BlockingStand(ctx)
	}, "Standing")
}

func (s *Supervisor) Sit(ctx context.Context) Result {
	return s.call(ctx, "sit", StandTimeout, func(ctx context.Context, c *connection) error {
		return c.clients.Command.BlockingSit(ctx)
	}, "Sitting")
}

// SendVelocity clamps and sends a short-lived velocity command. A command the
// robot accepted kicks the watchdog.
func (s *Supervisor) SendVelocity(ctx context.Context, cmd VelocityCommand) Result {
	return s.do("velocity", func() Result {
		c, ok := s.current()
		if !ok {
			return notConnected()
		}
		if cmd.hasHints() {
			s.log.Debug().Interface("command", cmd).Msg("ignoring body and locomotion hints on velocity command")
		}
		vx, vy, yaw := safety.Velocity(cmd.VX, cmd.VY, cmd.Yaw)
		if err := c.clients.Command.Velocity(ctx, vx, vy, yaw, s.clock.Now().Add(VelocityValidity)); err != nil {
			return fail(fmt.Errorf("send velocity: %w", err))
		}
		c.watchdog.Kick()
		s.log.Debug().Float64("vx", vx).Float64("vy", vy).Float64("yaw", yaw).Msg("sent velocity")
		return success(map[string]any{"vx": vx, "vy": vy, "yaw": yaw})
	})
}

// SetBodyPose clamps each axis and sends a stand command with the pose.
func (s *Supervisor) SetBodyPose(ctx context.Context, p robot.Pose) Result {
	return s.do("body_pose", func() Result {
		c, ok := s.current()
		if !ok {
			return notConnected()
		}
		var pose robot.Pose
		pose.Height, pose.Roll, pose.Pitch, pose.Yaw = safety.BodyPose(p.Height, p.Roll, p.Pitch, p.Yaw)
		if err := c.clients.Command.Stand(ctx, pose, s.clock.Now().Add(BodyPoseValidity)); err != nil {
			return fail(fmt.Errorf("set body pose: %w", err))
		}
		s.log.Debug().Interface("pose", pose).Msg("set body pose")
		return success(map[string]any{
			"height": pose.Height,
			"roll":   pose.Roll,
			"pitch":  pose.Pitch,
			"yaw":    pose.Yaw,
		})
	})
}

// Stop sends zero velocity and clears the watchdog deadline.
func (s *Supervisor) Stop(ctx context.Context) Result {
	return s.do("stop", func() Result {
		c, ok := s.current()
		if !ok {
			return notConnected()
		}
		c.watchdog.Clear()
		s.log.Warn().Msg("stop commanded")
		if err := s.zeroVelocity(ctx, c); err != nil {
			return fail(fmt.Errorf("stop: %w", err))
		}
		return success(map[string]any{"message": "Stopped"})
	})
}

func (s *Supervisor) zeroVelocity(ctx context.Context, c *connection) error {
	return c.clients.Command.Velocity(ctx, 0, 0, 0, s.clock.Now().Add(VelocityValidity))
}

// EstopStop asserts the software e-stop, cutting motor power.
func (s *Supervisor) EstopStop(ctx context.Context) Result {
	return s.estopCall(ctx, "estop_stop", (*keepalive.Estop).Stop, "E-Stop triggered")
}

// EstopRelease releases the software e-stop.
func (s *Supervisor) EstopRelease(ctx context.Context) Result {
	return s.estopCall(ctx, "estop_release", (*keepalive.Estop).Allow, "E-Stop released")
}

func (s *Supervisor) estopCall(ctx context.Context, op string, fn func(*keepalive.Estop, context.Context) error, msg string) Result {
	return s.do(op, func() Result {
		c, ok := s.current()
		if !ok || c.estop == nil {
			return failure(NotConnected, "e-stop not configured")
		}
		if err := fn(c.estop, ctx); err != nil {
			return fail(err)
		}
		return success(map[string]any{"message": msg})
	})
}
