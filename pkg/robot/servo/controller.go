package servo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/gwillem/spotweb/pkg/robot"
)

const (
	DefaultHz = 50

	// TransitionTime is how long standing up or sitting down takes.
	TransitionTime = 1500 * time.Millisecond

	// maxWriteFailures consecutive bus write failures report a power error.
	maxWriteFailures = 5
)

var (
	errTorqueOff   = errors.New("motor power is off")
	errEstop       = errors.New("estop is asserted")
	errNotStanding = errors.New("robot must be standing to walk")
	errInterrupted = errors.New("transition interrupted: motor power cut")
)

// Frame is one control loop iteration.
type Frame struct {
	Targets JointPositions
	Phase   float64
	At      time.Time
	Err     error
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Clock  clock.WithTicker
	Logger zerolog.Logger
	Hz     int
}

type transition struct {
	from, to JointPositions
	start    time.Time
	dur      time.Duration
	done     chan struct{}
	err      error
}

func (t *transition) finish(err error) {
	t.err = err
	close(t.done)
}

type endpoint struct {
	name        string
	timeout     time.Duration
	lastCheckIn time.Time
	stopped     bool
}

// Controller runs the motion loop of the quadruped: it holds the stance,
// blends between sit and stand, applies body pose offsets and walks a trot
// while a velocity command is valid. An asserted or expired e-stop endpoint
// disables torque.
type Controller struct {
	act   Actuator
	poses Poses
	clock clock.WithTicker
	log   zerolog.Logger
	hz    int

	mu          sync.Mutex
	torque      bool
	standing    bool
	targets     JointPositions
	trans       *transition
	motion      Motion
	motionUntil time.Time
	pose        robot.Pose
	poseUntil   time.Time
	phase       float64
	lastStep    time.Time
	endpoints   map[string]*endpoint
	failures    int

	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller for act. Torque starts disabled.
func NewController(act Actuator, poses Poses, opts ControllerOptions) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Hz <= 0 {
		opts.Hz = DefaultHz
	}
	return &Controller{
		act:       act,
		poses:     poses,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "servo").Logger(),
		hz:        opts.Hz,
		endpoints: make(map[string]*endpoint),
		frames:    make(chan Frame, 1),
	}
}

// Frames returns a channel that receives the latest control frame.
func (c *Controller) Frames() <-chan Frame {
	return c.frames
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

// Start begins the control loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.lastStep = c.clock.Now()
	c.mu.Unlock()

	ticker := c.clock.NewTicker(time.Second / time.Duration(c.hz))
	c.log.Info().Int("hz", c.hz).Msg("motion loop started")
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				c.step(ctx)
			}
		}
	}()
	return nil
}

// Close stops the loop, disables torque and closes the actuator.
func (c *Controller) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.cutTorque(errInterrupted)
	c.mu.Unlock()

	var errs []error
	if err := c.act.Disable(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("disable torque: %w", err))
	}
	if err := c.act.Close(); err != nil {
		errs = append(errs, err)
	}
	c.log.Info().Msg("motion loop stopped")
	return errors.Join(errs...)
}

// Power returns the motor power state.
func (c *Controller) Power() robot.MotorPower {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.failures >= maxWriteFailures:
		return robot.MotorPowerError
	case c.torque:
		return robot.MotorPowerOn
	default:
		return robot.MotorPowerOff
	}
}

// Standing reports whether the robot is standing or walking.
func (c *Controller) Standing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.standing
}

// PowerOn enables torque and holds the current joint positions.
func (c *Controller) PowerOn(ctx context.Context) error {
	c.mu.Lock()
	active := c.estopActive()
	c.mu.Unlock()
	if active {
		return fmt.Errorf("cannot power on: %w", errEstop)
	}

	current, err := c.act.ReadPositions(ctx)
	if err != nil {
		return err
	}
	if err := c.act.Enable(ctx); err != nil {
		return fmt.Errorf("enable torque: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = current
	c.torque = true
	c.standing = false
	c.failures = 0
	c.log.Info().Msg("torque enabled")
	return nil
}

// SafeOff sits down when standing, then disables torque.
func (c *Controller) SafeOff(ctx context.Context) error {
	if c.Standing() {
		if err := c.Sit(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.cutTorque(errInterrupted)
	c.mu.Unlock()
	if err := c.act.Disable(ctx); err != nil {
		return fmt.Errorf("disable torque: %w", err)
	}
	c.log.Info().Msg("torque disabled")
	return nil
}

// Stand blends into the stand pose and waits until it is reached.
func (c *Controller) Stand(ctx context.Context) error {
	c.mu.Lock()
	t, err := c.begin(c.poses.Stand, true)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return wait(ctx, t)
}

// Sit blends into the sit pose and waits until it is reached.
func (c *Controller) Sit(ctx context.Context) error {
	c.mu.Lock()
	t, err := c.begin(c.poses.Sit, false)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return wait(ctx, t)
}

func wait(ctx context.Context, t *transition) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin starts a transition to pose. Callers hold mu.
func (c *Controller) begin(to JointPositions, standing bool) (*transition, error) {
	if !c.torque {
		return nil, errTorqueOff
	}
	if c.trans != nil {
		c.trans.finish(errors.New("transition superseded"))
	}
	c.motion, c.motionUntil = Motion{}, time.Time{}
	c.pose, c.poseUntil = robot.Pose{}, time.Time{}
	c.trans = &transition{
		from:  c.targets.clone(),
		to:    to,
		start: c.clock.Now(),
		dur:   TransitionTime,
		done:  make(chan struct{}),
	}
	c.standing = standing
	return c.trans, nil
}

// Walk sets the velocity command until validUntil. A zero motion stops
// walking and needs no torque.
func (c *Controller) Walk(m Motion, validUntil time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !m.Moving() {
		c.motion, c.motionUntil = Motion{}, time.Time{}
		return nil
	}
	if !c.torque {
		return errTorqueOff
	}
	if !c.standing {
		return errNotStanding
	}
	c.motion, c.motionUntil = m, validUntil
	return nil
}

// Pose offsets the body from the stand pose until validUntil, standing up
// first when needed.
func (c *Controller) Pose(pose robot.Pose, validUntil time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.torque {
		return errTorqueOff
	}
	if !c.standing {
		if _, err := c.begin(c.poses.Stand, true); err != nil {
			return err
		}
	}
	c.motion, c.motionUntil = Motion{}, time.Time{}
	c.pose, c.poseUntil = pose, validUntil
	return nil
}

// Register adds an e-stop endpoint that must check in within timeout.
func (c *Controller) Register(name string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return "", errors.New("estop timeout must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.NewString()
	c.endpoints[id] = &endpoint{name: name, timeout: timeout, lastCheckIn: c.clock.Now()}
	return id, nil
}

// CheckIn renews an endpoint and sets its stop flag.
func (c *Controller) CheckIn(id string, stop bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.endpoints[id]
	if !ok {
		return fmt.Errorf("estop endpoint %s is not registered", id)
	}
	ep.lastCheckIn = c.clock.Now()
	ep.stopped = stop
	if stop && c.torque {
		c.log.Warn().Str("endpoint", ep.name).Msg("estop asserted, cutting torque")
		c.cutTorque(errEstop)
		go c.disable()
	}
	return nil
}

// Deregister removes an endpoint.
func (c *Controller) Deregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, id)
}

// EstopActive reports whether any endpoint asserts or has timed out.
func (c *Controller) EstopActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estopActive()
}

func (c *Controller) estopActive() bool {
	now := c.clock.Now()
	for _, ep := range c.endpoints {
		if ep.stopped || now.Sub(ep.lastCheckIn) > ep.timeout {
			return true
		}
	}
	return false
}

// cutTorque drops all motion state. Callers hold mu.
func (c *Controller) cutTorque(reason error) {
	c.torque = false
	c.standing = false
	c.motion, c.motionUntil = Motion{}, time.Time{}
	c.pose, c.poseUntil = robot.Pose{}, time.Time{}
	if c.trans != nil {
		c.trans.finish(reason)
		c.trans = nil
	}
}

func (c *Controller) disable() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.act.Disable(ctx); err != nil {
		c.log.Error().Err(err).Msg("failed to disable torque")
	}
}

// step computes and writes one set of joint targets.
func (c *Controller) step(ctx context.Context) {
	c.mu.Lock()
	now := c.clock.Now()
	dt := now.Sub(c.lastStep).Seconds()
	c.lastStep = now

	if c.torque && c.estopActive() {
		c.log.Warn().Msg("estop expired, cutting torque")
		c.cutTorque(errEstop)
		c.mu.Unlock()
		c.disable()
		return
	}
	if !c.torque {
		c.mu.Unlock()
		return
	}

	var targets JointPositions
	switch {
	case c.trans != nil:
		t := c.trans
		alpha := float64(now.Sub(t.start)) / float64(t.dur)
		targets = Blend(t.from, t.to, alpha)
		if alpha >= 1 {
			t.finish(nil)
			c.trans = nil
		}
	case c.standing:
		m := Motion{}
		if now.Before(c.motionUntil) {
			m = c.motion
		}
		pose := robot.Pose{}
		if now.Before(c.poseUntil) {
			pose = c.pose
		}
		if m.Moving() {
			c.phase = math.Mod(c.phase+2*math.Pi*GaitFrequency*dt, 2*math.Pi)
		} else {
			c.phase = 0
		}
		targets = Targets(c.poses.Stand, pose, m, c.phase)
	default:
		targets = c.targets
	}
	c.targets = targets
	phase := c.phase
	c.mu.Unlock()

	err := c.act.WritePositions(ctx, targets)

	c.mu.Lock()
	if err != nil {
		c.failures++
		c.log.Warn().Err(err).Int("failures", c.failures).Msg("write failed")
	} else {
		c.failures = 0
	}
	c.mu.Unlock()

	c.sendFrame(Frame{Targets: targets, Phase: phase, At: now, Err: err})
}

func (c *Controller) sendFrame(f Frame) {
	select {
	case c.frames <- f:
	default:
		// Replace the stale frame.
		select {
		case <-c.frames:
		default:
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}
