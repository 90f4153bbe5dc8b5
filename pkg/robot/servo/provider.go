// Package servo drives a twelve-servo quadruped on a Feetech STS bus.
//
// The serial port takes the place of a robot host. The lease is an exclusive
// file lock on the port, motor power is servo torque, and a motion loop
// blends between sit and stand poses and walks an open-loop trot.
package servo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/gwillem/spotweb/pkg/robot"
)

// OpenFunc opens the actuator on a serial port.
type OpenFunc func(port string, cal Calibration) (Actuator, error)

// ScanFunc lists the servos answering on a serial port.
type ScanFunc func(ctx context.Context, port string) ([]feetech.FoundServo, error)

// ListFunc lists the serial ports of the system.
type ListFunc func() ([]string, error)

// Provider opens sessions with the quadruped. It implements robot.Provider.
type Provider struct {
	cfg     *Config
	clock   clock.WithTicker
	log     zerolog.Logger
	open    OpenFunc
	scan    ScanFunc
	list    ListFunc
	lockDir string
	hz      int

	mu       sync.Mutex
	ctrl     *Controller
	sessions int
}

// Option configures a Provider.
type Option func(*Provider)

func WithClock(clk clock.WithTicker) Option { return func(p *Provider) { p.clock = clk } }

func WithLogger(log zerolog.Logger) Option { return func(p *Provider) { p.log = log } }

// WithActuator replaces the Feetech bus, for running without hardware.
func WithActuator(open OpenFunc) Option { return func(p *Provider) { p.open = open } }

func WithScanner(scan ScanFunc) Option { return func(p *Provider) { p.scan = scan } }

func WithPortLister(list ListFunc) Option { return func(p *Provider) { p.list = list } }

// WithLockDir sets where lease lock files are created.
func WithLockDir(dir string) Option { return func(p *Provider) { p.lockDir = dir } }

// WithHz sets the motion loop frequency.
func WithHz(hz int) Option { return func(p *Provider) { p.hz = hz } }

// NewProvider returns a provider for the robot described by cfg.
func NewProvider(cfg *Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:   cfg,
		clock: clock.RealClock{},
		log:   zerolog.Nop(),
		open: func(port string, cal Calibration) (Actuator, error) {
			return NewBody(port, cal)
		},
		scan:    Scan,
		list:    ListPorts,
		lockDir: os.TempDir(),
		hz:      DefaultHz,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var errNoPort = fmt.Errorf("%w: no serial port given", robot.ErrRPC)

func (p *Provider) identity(port string) robot.Identity {
	id := robot.Identity{Serial: p.cfg.Serial, Nickname: p.cfg.Nickname}
	if id.Serial == "" {
		id.Serial = port
	}
	if id.Nickname == "" {
		id.Nickname = "quadruped"
	}
	return id
}

// Controller returns the motion controller of the open session, if any.
func (p *Provider) Controller() *Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctrl
}

// Identify scans the serial port given as host for a quadruped.
func (p *Provider) Identify(ctx context.Context, port string) (robot.Identity, error) {
	if port == "" {
		return robot.Identity{}, errNoPort
	}
	p.mu.Lock()
	busy := p.ctrl != nil
	p.mu.Unlock()
	if busy {
		// The bus is ours; scanning would collide with the motion loop.
		return p.identity(port), nil
	}

	servos, err := p.scan(ctx, port)
	if err != nil {
		return robot.Identity{}, fmt.Errorf("%w: scan %s: %v", robot.ErrRPC, port, err)
	}
	if !IsQuadruped(servos) {
		return robot.Identity{}, fmt.Errorf("%w: no quadruped on %s (found %d servos, expected IDs 1-%d)",
			robot.ErrRPC, port, len(servos), JointCount)
	}
	return p.identity(port), nil
}

func (p *Provider) Authenticate(ctx context.Context, port, username, password string) (robot.Session, error) {
	if _, err := p.Identify(ctx, port); err != nil {
		return nil, err
	}
	if err := p.cfg.CheckOperator(username, password); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials for %q", robot.ErrAuth, username)
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: robot not set up: %v", robot.ErrRPC, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		act, err := p.open(port, p.cfg.Calibration)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", robot.ErrRPC, err)
		}
		ctrl := NewController(act, p.cfg.Poses, ControllerOptions{
			Clock:  p.clock,
			Logger: p.log,
			Hz:     p.hz,
		})
		if err := ctrl.Start(context.Background()); err != nil {
			act.Close()
			return nil, fmt.Errorf("%w: %v", robot.ErrRPC, err)
		}
		p.ctrl = ctrl
	}
	p.sessions++
	p.log.Info().Str("port", port).Str("user", username).Msg("servo session opened")
	return &session{p: p, ctrl: p.ctrl, port: port}, nil
}

// release closes the controller once the last session is gone.
func (p *Provider) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions--
	if p.sessions > 0 || p.ctrl == nil {
		return nil
	}
	ctrl := p.ctrl
	p.ctrl = nil
	return ctrl.Close()
}

func (p *Provider) lockPath(port string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(strings.Trim(port, "/"))
	return filepath.Join(p.lockDir, "spotweb-"+name+".lock")
}

func (p *Provider) Transport() robot.Transport {
	return serialTransport{p: p}
}
