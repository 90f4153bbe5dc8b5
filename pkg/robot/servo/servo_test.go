package servo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gwillem/spotweb/pkg/robot"
)

type fakeActuator struct {
	mu        sync.Mutex
	enabled   bool
	closed    bool
	positions JointPositions
	writes    []JointPositions
	writeErr  error
}

func newFakeActuator(start JointPositions) *fakeActuator {
	return &fakeActuator{positions: start.clone()}
}

func (f *fakeActuator) Enable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	return nil
}

func (f *fakeActuator) Disable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	return nil
}

func (f *fakeActuator) ReadPositions(ctx context.Context) (JointPositions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions.clone(), nil
}

func (f *fakeActuator) WritePositions(ctx context.Context, p JointPositions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, p.clone())
	f.positions = p.clone()
	return nil
}

func (f *fakeActuator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeActuator) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeActuator) Last() JointPositions {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func testPoses() Poses {
	sit, stand := make(JointPositions), make(JointPositions)
	for _, leg := range Legs() {
		sit[leg.Hip], sit[leg.Thigh], sit[leg.Knee] = 0, 60, -80
		stand[leg.Hip], stand[leg.Thigh], stand[leg.Knee] = 0, 20, -40
	}
	return Poses{Sit: sit, Stand: stand}
}

func newTestController(t *testing.T) (*Controller, *fakeActuator, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	act := newFakeActuator(testPoses().Sit)
	c := NewController(act, testPoses(), ControllerOptions{Clock: clk, Logger: zerolog.Nop()})
	c.lastStep = clk.Now()
	return c, act, clk
}

// transitioning reports whether a blend is in progress.
func transitioning(c *Controller) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trans != nil
}

func standUp(t *testing.T, c *Controller, clk *clocktesting.FakeClock) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Stand(context.Background()) }()
	require.Eventually(t, func() bool { return transitioning(c) }, time.Second, time.Millisecond)
	clk.Step(TransitionTime)
	c.step(context.Background())
	require.NoError(t, <-errc)
}

func TestTargetsAtRestEqualStance(t *testing.T) {
	stance := testPoses().Stand
	got := Targets(stance, robot.Pose{}, Motion{}, 1.3)
	assert.Equal(t, stance, got)
}

func TestTargetsBodyPose(t *testing.T) {
	stance := testPoses().Stand

	up := Targets(stance, robot.Pose{Height: 0.1}, Motion{}, 0)
	for _, leg := range Legs() {
		assert.InDelta(t, stance[leg.Thigh]+8, up[leg.Thigh], 1e-9)
		assert.InDelta(t, stance[leg.Knee]-16, up[leg.Knee], 1e-9)
	}

	rolled := Targets(stance, robot.Pose{Roll: 0.2}, Motion{}, 0)
	assert.Greater(t, rolled[FrontLeftThigh], stance[FrontLeftThigh])
	assert.Less(t, rolled[FrontRightThigh], stance[FrontRightThigh])

	pitched := Targets(stance, robot.Pose{Pitch: 0.2}, Motion{}, 0)
	assert.Less(t, pitched[FrontLeftThigh], stance[FrontLeftThigh])
	assert.Greater(t, pitched[RearLeftThigh], stance[RearLeftThigh])
}

func TestTargetsTrotDiagonals(t *testing.T) {
	stance := testPoses().Stand
	got := Targets(stance, robot.Pose{}, Motion{VX: 0.5}, 0.5)

	// Diagonal pairs move together, the other pair mirrors them.
	assert.InDelta(t, got[FrontLeftThigh], got[RearRightThigh], 1e-9)
	assert.InDelta(t, got[FrontRightThigh], got[RearLeftThigh], 1e-9)
	assert.InDelta(t, got[FrontLeftThigh]-stance[FrontLeftThigh], stance[FrontRightThigh]-got[FrontRightThigh], 1e-9)

	// Only the swinging pair lifts its feet.
	assert.Less(t, got[FrontLeftKnee], stance[FrontLeftKnee]+LiftAmount+1)
	assert.Greater(t, got[FrontLeftKnee], stance[FrontLeftKnee])
	assert.Equal(t, stance[FrontRightKnee], got[FrontRightKnee])
}

func TestTargetsStayInRange(t *testing.T) {
	stance := testPoses().Stand
	got := Targets(stance, robot.Pose{Height: 5, Roll: 5, Pitch: -5, Yaw: 5}, Motion{VX: 10, VY: 10, Yaw: 10}, 1)
	for name, v := range got {
		assert.LessOrEqual(t, v, 100.0, name)
		assert.GreaterOrEqual(t, v, -100.0, name)
	}
}

func TestBlend(t *testing.T) {
	a := JointPositions{FrontLeftThigh: 60}
	b := JointPositions{FrontLeftThigh: 20, FrontLeftKnee: -40}

	assert.Equal(t, a[FrontLeftThigh], Blend(a, b, 0)[FrontLeftThigh])
	assert.InDelta(t, 40, Blend(a, b, 0.5)[FrontLeftThigh], 1e-9)
	assert.Equal(t, b, Blend(a, b, 3))
	// Joints missing from the start pose jump to the target.
	assert.Equal(t, -40.0, Blend(a, b, 0.1)[FrontLeftKnee])
}

func TestPowerOnHoldsCurrentPose(t *testing.T) {
	c, act, _ := newTestController(t)
	assert.Equal(t, robot.MotorPowerOff, c.Power())

	c.step(context.Background())
	assert.Nil(t, act.Last(), "no writes without torque")

	require.NoError(t, c.PowerOn(context.Background()))
	assert.True(t, act.Enabled())
	assert.Equal(t, robot.MotorPowerOn, c.Power())

	c.step(context.Background())
	assert.Equal(t, testPoses().Sit, act.Last())
}

func TestStandBlendsAndBlocks(t *testing.T) {
	c, act, clk := newTestController(t)
	require.NoError(t, c.PowerOn(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- c.Stand(context.Background()) }()
	require.Eventually(t, func() bool { return transitioning(c) }, time.Second, time.Millisecond)

	clk.Step(TransitionTime / 2)
	c.step(context.Background())
	assert.InDelta(t, 40, act.Last()[FrontLeftThigh], 1e-9)
	select {
	case err := <-errc:
		t.Fatalf("stand returned early: %v", err)
	default:
	}

	clk.Step(TransitionTime / 2)
	c.step(context.Background())
	require.NoError(t, <-errc)
	assert.True(t, c.Standing())
	assert.Equal(t, testPoses().Stand, act.Last())
}

func TestStandNeedsTorque(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.ErrorIs(t, c.Stand(context.Background()), errTorqueOff)
}

func TestWalk(t *testing.T) {
	c, act, clk := newTestController(t)
	require.NoError(t, c.Walk(Motion{}, time.Time{}), "stopping needs no torque")
	assert.ErrorIs(t, c.Walk(Motion{VX: 0.3}, clk.Now().Add(time.Second)), errTorqueOff)

	require.NoError(t, c.PowerOn(context.Background()))
	assert.ErrorIs(t, c.Walk(Motion{VX: 0.3}, clk.Now().Add(time.Second)), errNotStanding)

	standUp(t, c, clk)
	require.NoError(t, c.Walk(Motion{VX: 0.3}, clk.Now().Add(250*time.Millisecond)))

	clk.Step(100 * time.Millisecond)
	c.step(context.Background())
	assert.NotEqual(t, testPoses().Stand, act.Last())

	// The command expires and the robot settles into its stance.
	clk.Step(200 * time.Millisecond)
	c.step(context.Background())
	assert.Equal(t, testPoses().Stand, act.Last())
}

func TestPoseStandsUpFirst(t *testing.T) {
	c, act, clk := newTestController(t)
	require.NoError(t, c.PowerOn(context.Background()))
	require.NoError(t, c.Pose(robot.Pose{Height: 0.1}, clk.Now().Add(5*time.Second)))
	assert.True(t, c.Standing())

	clk.Step(TransitionTime)
	c.step(context.Background())
	clk.Step(20 * time.Millisecond)
	c.step(context.Background())
	assert.InDelta(t, testPoses().Stand[FrontLeftThigh]+8, act.Last()[FrontLeftThigh], 1e-9)
}

func TestEstopStopCutsTorque(t *testing.T) {
	c, act, clk := newTestController(t)
	id, err := c.Register("test", 9*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.PowerOn(context.Background()))
	standUp(t, c, clk)

	require.NoError(t, c.CheckIn(id, true))
	assert.Equal(t, robot.MotorPowerOff, c.Power())
	assert.False(t, c.Standing())
	assert.Eventually(t, func() bool { return !act.Enabled() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.PowerOn(context.Background()), errEstop)

	require.NoError(t, c.CheckIn(id, false))
	require.NoError(t, c.PowerOn(context.Background()))
}

func TestEstopExpiryCutsTorque(t *testing.T) {
	c, act, clk := newTestController(t)
	_, err := c.Register("test", time.Second)
	require.NoError(t, err)
	require.NoError(t, c.PowerOn(context.Background()))

	clk.Step(2 * time.Second)
	c.step(context.Background())
	assert.Equal(t, robot.MotorPowerOff, c.Power())
	assert.False(t, act.Enabled())
	assert.True(t, c.EstopActive())
}

func TestEstopInterruptsTransition(t *testing.T) {
	c, _, _ := newTestController(t)
	id, err := c.Register("test", 9*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.PowerOn(context.Background()))

	errc := make(chan error, 1)
	go func() { errc <- c.Stand(context.Background()) }()
	require.Eventually(t, func() bool { return transitioning(c) }, time.Second, time.Millisecond)

	require.NoError(t, c.CheckIn(id, true))
	assert.ErrorIs(t, <-errc, errEstop)
}

func TestRegisterRejectsZeroTimeout(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Register("test", 0)
	assert.Error(t, err)
	assert.Error(t, c.CheckIn("missing", false))
}

func TestWriteFailuresReportPowerError(t *testing.T) {
	c, act, _ := newTestController(t)
	require.NoError(t, c.PowerOn(context.Background()))
	act.writeErr = errors.New("bus timeout")

	for range maxWriteFailures {
		c.step(context.Background())
	}
	assert.Equal(t, robot.MotorPowerError, c.Power())

	f := <-c.Frames()
	assert.Error(t, f.Err)
}

func TestControllerStartAndClose(t *testing.T) {
	c, act, clk := newTestController(t)
	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	require.NoError(t, c.PowerOn(context.Background()))

	clk.Step(time.Second / DefaultHz)
	select {
	case f := <-c.Frames():
		assert.NoError(t, f.Err)
	case <-time.After(time.Second):
		t.Fatal("no frame from the motion loop")
	}

	require.NoError(t, c.Close())
	assert.False(t, act.Enabled())
	assert.True(t, act.closed)
}

type testRig struct {
	p       *Provider
	cfg     *Config
	act     *fakeActuator
	clk     *clocktesting.FakeClock
	servos  []feetech.FoundServo
	opened  int
	scanErr error
}

const testPort = "/dev/ttyACM0"

func newTestProvider(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		clk: clocktesting.NewFakeClock(time.Unix(1700000000, 0)),
		act: newFakeActuator(testPoses().Sit),
	}
	for id := 1; id <= JointCount; id++ {
		rig.servos = append(rig.servos, feetech.FoundServo{ID: id})
	}
	rig.cfg = &Config{
		Port:        testPort,
		Serial:      "quad-01",
		Nickname:    "bench",
		Calibration: testCalibration(),
		Poses:       testPoses(),
	}
	require.NoError(t, rig.cfg.SetOperator("admin", "secret"))

	rig.p = NewProvider(rig.cfg,
		WithClock(rig.clk),
		WithLockDir(t.TempDir()),
		WithScanner(func(ctx context.Context, port string) ([]feetech.FoundServo, error) {
			return rig.servos, rig.scanErr
		}),
		WithActuator(func(port string, cal Calibration) (Actuator, error) {
			rig.opened++
			return rig.act, nil
		}),
		WithPortLister(func() ([]string, error) {
			return []string{"/dev/ttyACM0", "/dev/ttyUSB0"}, nil
		}),
	)
	return rig
}

func (r *testRig) connect(t *testing.T) (robot.Session, robot.Clients) {
	t.Helper()
	s, err := r.p.Authenticate(context.Background(), testPort, "admin", "secret")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clients, err := s.Clients()
	require.NoError(t, err)
	return s, clients
}

func TestIdentify(t *testing.T) {
	rig := newTestProvider(t)

	id, err := rig.p.Identify(context.Background(), testPort)
	require.NoError(t, err)
	assert.Equal(t, robot.Identity{Serial: "quad-01", Nickname: "bench"}, id)

	rig.servos = rig.servos[:6]
	_, err = rig.p.Identify(context.Background(), testPort)
	assert.ErrorIs(t, err, robot.ErrRPC)
	assert.Contains(t, err.Error(), "found 6 servos")

	rig.scanErr = errors.New("no such file or directory")
	_, err = rig.p.Identify(context.Background(), "/dev/ttyUSB9")
	assert.ErrorIs(t, err, robot.ErrRPC)
	assert.Contains(t, err.Error(), "/dev/ttyUSB9")
}

func TestEmptyPortIsRejected(t *testing.T) {
	rig := newTestProvider(t)
	ctx := context.Background()

	_, err := rig.p.Identify(ctx, "")
	assert.ErrorIs(t, err, robot.ErrRPC)
	_, err = rig.p.Authenticate(ctx, "", "admin", "secret")
	assert.ErrorIs(t, err, robot.ErrRPC)
	_, err = rig.p.Transport().Resolve(ctx, "")
	assert.Error(t, err)
	assert.Error(t, rig.p.Transport().Reach(ctx, ""))
	assert.Zero(t, rig.opened)
}

func TestIdentityDefaults(t *testing.T) {
	rig := newTestProvider(t)
	rig.cfg.Serial, rig.cfg.Nickname = "", ""
	id, err := rig.p.Identify(context.Background(), testPort)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", id.Serial)
	assert.Equal(t, "quadruped", id.Nickname)
}

func TestAuthenticate(t *testing.T) {
	rig := newTestProvider(t)

	_, err := rig.p.Authenticate(context.Background(), testPort, "admin", "wrong")
	assert.ErrorIs(t, err, robot.ErrAuth)
	_, err = rig.p.Authenticate(context.Background(), testPort, "nobody", "secret")
	assert.ErrorIs(t, err, robot.ErrAuth)
	assert.Zero(t, rig.opened)

	s, _ := rig.connect(t)
	assert.Equal(t, "bench", s.Identity().Nickname)
	assert.NoError(t, s.SyncClock(context.Background()))
	assert.NotNil(t, rig.p.Controller())
}

func TestAuthenticateNeedsSetup(t *testing.T) {
	rig := newTestProvider(t)
	rig.cfg.Poses.Stand = nil

	_, err := rig.p.Authenticate(context.Background(), testPort, "admin", "secret")
	assert.ErrorIs(t, err, robot.ErrRPC)
	assert.Contains(t, err.Error(), "stand pose")
}

func TestLeaseIsExclusive(t *testing.T) {
	rig := newTestProvider(t)
	_, a := rig.connect(t)
	_, b := rig.connect(t)
	assert.Equal(t, 1, rig.opened, "sessions share the bus")

	la, err := a.Lease.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, la.Refresh(context.Background()))

	_, err = b.Lease.Acquire(context.Background())
	assert.ErrorIs(t, err, robot.ErrLeaseUnavailable)
	_, err = a.Lease.Acquire(context.Background())
	assert.ErrorIs(t, err, robot.ErrLeaseUnavailable)

	require.NoError(t, la.Return(context.Background()))
	assert.ErrorIs(t, la.Refresh(context.Background()), robot.ErrRPC)
	assert.ErrorIs(t, la.Return(context.Background()), robot.ErrRPC)

	lb, err := b.Lease.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, la.ID(), lb.ID())
}

func TestCommandsNeedLease(t *testing.T) {
	rig := newTestProvider(t)
	_, c := rig.connect(t)

	assert.ErrorIs(t, c.Power.On(context.Background()), robot.ErrRPC)
	assert.ErrorIs(t, c.Command.BlockingStand(context.Background()), robot.ErrRPC)
	assert.ErrorIs(t, c.Command.Velocity(context.Background(), 0, 0, 0, time.Time{}), robot.ErrRPC)

	_, err := c.Lease.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Power.On(context.Background()))
	assert.NoError(t, c.Command.Velocity(context.Background(), 0, 0, 0, time.Time{}))

	state, err := c.State.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, robot.MotorPowerOn, state.MotorPower)
}

func TestExpiredCommandsRejected(t *testing.T) {
	rig := newTestProvider(t)
	_, c := rig.connect(t)
	_, err := c.Lease.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Power.On(context.Background()))

	past := rig.clk.Now()
	assert.ErrorIs(t, c.Command.Velocity(context.Background(), 0.2, 0, 0, past), robot.ErrRPC)
	assert.ErrorIs(t, c.Command.Stand(context.Background(), robot.Pose{}, past), robot.ErrRPC)
}

func TestEstopEndpoint(t *testing.T) {
	rig := newTestProvider(t)
	_, c := rig.connect(t)
	_, err := c.Lease.Acquire(context.Background())
	require.NoError(t, err)

	ep, err := c.Estop.Configure(context.Background(), "spotweb", 9*time.Second)
	require.NoError(t, err)
	require.NoError(t, ep.CheckIn(context.Background(), false))
	require.NoError(t, c.Power.On(context.Background()))

	require.NoError(t, ep.CheckIn(context.Background(), true))
	state, err := c.State.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, robot.MotorPowerOff, state.MotorPower)
	assert.ErrorIs(t, c.Power.On(context.Background()), robot.ErrRPC)

	require.NoError(t, ep.Deregister(context.Background()))
	assert.ErrorIs(t, ep.CheckIn(context.Background(), false), robot.ErrRPC)
	assert.NoError(t, c.Power.On(context.Background()))
}

func TestLastSessionClosesBus(t *testing.T) {
	rig := newTestProvider(t)
	a, ca := rig.connect(t)
	b, _ := rig.connect(t)
	_, err := ca.Lease.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = a.Clients()
	assert.ErrorIs(t, err, robot.ErrRPC)
	assert.False(t, rig.act.closed)

	// Closing a session frees its lease.
	cb, err := b.Clients()
	require.NoError(t, err)
	_, err = cb.Lease.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.True(t, rig.act.closed)
	assert.Nil(t, rig.p.Controller())
}

func TestSerialTransport(t *testing.T) {
	rig := newTestProvider(t)
	tr := rig.p.Transport()

	desc, err := tr.Resolve(context.Background(), testPort)
	require.NoError(t, err)
	assert.Equal(t, "serial port /dev/ttyACM0", desc)

	_, err = tr.Resolve(context.Background(), "/dev/ttyS3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyUSB0")

	assert.NoError(t, tr.Reach(context.Background(), testPort))
	rig.scanErr = errors.New("permission denied")
	assert.Error(t, tr.Reach(context.Background(), testPort))
	assert.Equal(t, "serial:///dev/ttyUSB0", tr.Address("/dev/ttyUSB0"))
}

func TestConfigRoundTrip(t *testing.T) {
	rig := newTestProvider(t)
	path := t.TempDir() + "/spotweb.json"
	require.NoError(t, rig.cfg.SaveTo(path))

	loaded, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.True(t, loaded.IsCalibrated())
	assert.NoError(t, loaded.Validate())
	assert.NoError(t, loaded.CheckOperator("admin", "secret"))
	assert.Error(t, loaded.CheckOperator("admin", "nope"))
	assert.ErrorIs(t, loaded.CheckOperator("root", "secret"), errNoOperator)
}
