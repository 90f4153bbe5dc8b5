// Package sim provides an in-process simulated legged robot.
//
// The simulator enforces the same server-side rules as a real robot: commands
// need the lease and motor power, leases expire unless refreshed, and an
// e-stop endpoint that stops checking in cuts motor power. Faults can be
// injected to exercise failure paths.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/gwillem/spotweb/pkg/robot"
)

// Stance is the simulated body posture.
type Stance string

const (
	StanceSitting  Stance = "sitting"
	StanceStanding Stance = "standing"
	StanceWalking  Stance = "walking"
)

// Command is a velocity command received by the robot.
type Command struct {
	VX, VY, Yaw float64
	At          time.Time
	ValidUntil  time.Time
}

// IsZero reports whether the command stops the robot.
func (c Command) IsZero() bool {
	return c.VX == 0 && c.VY == 0 && c.Yaw == 0
}

// Options configures a simulated robot.
type Options struct {
	Serial   string
	Nickname string

	// Users maps usernames to passwords.
	Users map[string]string

	LeaseTTL     time.Duration
	Battery      float64
	DrainPerHour float64

	// Transport overrides the always-reachable in-process transport.
	Transport robot.Transport

	Clock clock.PassiveClock
}

func (o *Options) applyDefaults() {
	if o.Serial == "" {
		o.Serial = "sim-0001"
	}
	if o.Nickname == "" {
		o.Nickname = "simdog"
	}
	if o.Users == nil {
		o.Users = map[string]string{"admin": "admin"}
	}
	if o.LeaseTTL == 0 {
		o.LeaseTTL = 10 * time.Second
	}
	if o.Battery == 0 {
		o.Battery = 100
	}
	if o.DrainPerHour == 0 {
		o.DrainPerHour = 60
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
}

type endpoint struct {
	name        string
	timeout     time.Duration
	lastCheckIn time.Time
	stopped     bool
}

// Robot is a simulated robot. It implements robot.Provider.
type Robot struct {
	clock     clock.PassiveClock
	transport robot.Transport
	leaseTTL  time.Duration
	drain     float64

	mu          sync.Mutex
	identity    robot.Identity
	users       map[string]string
	unreachable bool
	identifyErr error
	timeSyncErr error
	commandErr  string

	lease        string
	leaseExpiry  time.Time
	foreignLease bool

	endpoints map[string]*endpoint

	power      robot.MotorPower
	stance     Stance
	velocity   Command
	pose       robot.Pose
	battery    float64
	lastUpdate time.Time
	commands   []Command
	sessions   int
}

// New creates a simulated robot that is sitting with motors off.
func New(opts Options) *Robot {
	opts.applyDefaults()
	r := &Robot{
		clock:     opts.Clock,
		transport: opts.Transport,
		leaseTTL:  opts.LeaseTTL,
		drain:     opts.DrainPerHour,
		identity: robot.Identity{
			Serial:   opts.Serial,
			Nickname: opts.Nickname,
		},
		users:      opts.Users,
		endpoints:  make(map[string]*endpoint),
		power:      robot.MotorPowerOff,
		stance:     StanceSitting,
		battery:    opts.Battery,
		lastUpdate: opts.Clock.Now(),
	}
	if r.transport == nil {
		r.transport = loopback{r: r}
	}
	return r
}

// SetUnreachable makes the robot disappear from the network.
func (r *Robot) SetUnreachable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unreachable = v
}

// FailIdentify makes identity queries fail with err.
func (r *Robot) FailIdentify(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identifyErr = err
}

// FailTimeSync makes clock synchronization fail with err.
func (r *Robot) FailTimeSync(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeSyncErr = err
}

// HoldLease simulates another controller holding the lease.
func (r *Robot) HoldLease(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.foreignLease = v
}

// FailCommands makes every motion, power and state call fail with msg.
// An empty msg clears the fault.
func (r *Robot) FailCommands(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commandErr = msg
}

// Commands returns every velocity command received so far.
func (r *Robot) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Stance returns the current posture.
func (r *Robot) Stance() Stance {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.stance
}

// Power returns the motor power state.
func (r *Robot) Power() robot.MotorPower {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.power
}

// Pose returns the last commanded body pose.
func (r *Robot) Pose() robot.Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pose
}

// LeaseHeld reports whether a bridge session holds the lease.
func (r *Robot) LeaseHeld() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.lease != ""
}

// Endpoints returns the number of registered e-stop endpoints.
func (r *Robot) Endpoints() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}

// EstopActive reports whether any endpoint asserts or has timed out.
func (r *Robot) EstopActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.estopActive()
}

// OpenSessions returns the number of sessions not yet closed.
func (r *Robot) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions
}

func (r *Robot) Identify(ctx context.Context, host string) (robot.Identity, error) {
	if err := ctx.Err(); err != nil {
		return robot.Identity{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unreachable {
		return robot.Identity{}, fmt.Errorf("%w: %s: connection refused", robot.ErrRPC, host)
	}
	if r.identifyErr != nil {
		return robot.Identity{}, fmt.Errorf("%w: %v", robot.ErrRPC, r.identifyErr)
	}
	return r.identity, nil
}

func (r *Robot) Authenticate(ctx context.Context, host, username, password string) (robot.Session, error) {
	if _, err := r.Identify(ctx, host); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if want, ok := r.users[username]; !ok || want != password {
		return nil, fmt.Errorf("%w: invalid credentials for %q", robot.ErrAuth, username)
	}
	r.sessions++
	return &session{r: r}, nil
}

func (r *Robot) Transport() robot.Transport {
	return r.transport
}

// advance applies elapsed time: battery drain, command expiry, lease expiry
// and e-stop timeouts. Callers hold mu.
func (r *Robot) advance() {
	now := r.clock.Now()
	if r.power == robot.MotorPowerOn {
		r.battery -= now.Sub(r.lastUpdate).Hours() * r.drain
		if r.battery < 0 {
			r.battery = 0
		}
	}
	r.lastUpdate = now

	if r.stance == StanceWalking && !now.Before(r.velocity.ValidUntil) {
		r.velocity = Command{}
		r.stance = StanceStanding
	}
	if r.lease != "" && now.After(r.leaseExpiry) {
		r.lease = ""
	}
	if r.power != robot.MotorPowerOff && r.estopActive() {
		r.cutPower()
	}
}

func (r *Robot) estopActive() bool {
	now := r.clock.Now()
	for _, ep := range r.endpoints {
		if ep.stopped || now.Sub(ep.lastCheckIn) > ep.timeout {
			return true
		}
	}
	return false
}

func (r *Robot) cutPower() {
	r.power = robot.MotorPowerOff
	r.stance = StanceSitting
	r.velocity = Command{}
}

// checkMotion validates that a motion command may run. Callers hold mu.
func (r *Robot) checkMotion(ctx context.Context) error {
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
		return fmt.Errorf("%w: estop is asserted", robot.ErrRPC)
	}
	if r.power != robot.MotorPowerOn {
		return fmt.Errorf("%w: motor power is off", robot.ErrRPC)
	}
	return nil
}

func (r *Robot) newID() string {
	return uuid.NewString()
}
