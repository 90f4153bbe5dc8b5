// Package robot defines the capabilities a legged robot backend provides to
// the bridge: authentication, clock sync, state, commands, lease, power and
// e-stop.
//
// Backends live in subpackages: sim is an in-process simulated robot and
// servo drives a Feetech-servo quadruped.
package robot

import (
	"context"
	"time"
)

// Identity identifies a robot.
type Identity struct {
	Serial   string `json:"serial"`
	Nickname string `json:"nickname"`
}

// MotorPower is the robot's motor power state.
type MotorPower string

const (
	MotorPowerOff         MotorPower = "off"
	MotorPowerOn          MotorPower = "on"
	MotorPowerPoweringOn  MotorPower = "powering_on"
	MotorPowerPoweringOff MotorPower = "powering_off"
	MotorPowerError       MotorPower = "error"
)

// State is a snapshot of the robot's state.
type State struct {
	BatteryPercent float64
	RuntimeSeconds float64
	MotorPower     MotorPower
}

// Pose is a body offset relative to the nominal standing pose.
type Pose struct {
	Height float64 `json:"height"`
	Roll   float64 `json:"roll"`
	Pitch  float64 `json:"pitch"`
	Yaw    float64 `json:"yaw"`
}

// Provider creates sessions with robots reachable through one backend.
type Provider interface {
	// Identify queries the robot's identity without authenticating.
	Identify(ctx context.Context, host string) (Identity, error)

	// Authenticate opens an authenticated session.
	Authenticate(ctx context.Context, host, username, password string) (Session, error)

	// Transport returns the reachability probes for this backend's hosts.
	Transport() Transport
}

// Session is an authenticated connection to one robot.
type Session interface {
	Identity() Identity
	SyncClock(ctx context.Context) error
	Clients() (Clients, error)
	Close() error
}

// Clients groups the capability clients of a session.
type Clients struct {
	State   StateClient
	Command CommandClient
	Lease   LeaseClient
	Power   PowerClient
	Estop   EstopClient
}

type StateClient interface {
	Query(ctx context.Context) (State, error)
}

// CommandClient issues motion commands. Commands with a validUntil expire on
// the robot: it stops on its own when no renewal arrives.
type CommandClient interface {
	Velocity(ctx context.Context, vx, vy, yaw float64, validUntil time.Time) error
	Stand(ctx context.Context, pose Pose, validUntil time.Time) error

	// BlockingStand and BlockingSit return once the transition completes
	// or ctx expires.
	BlockingStand(ctx context.Context) error
	BlockingSit(ctx context.Context) error
}

// LeaseClient acquires exclusive control. Acquire fails with
// ErrLeaseUnavailable when another party holds the lease.
type LeaseClient interface {
	Acquire(ctx context.Context) (Lease, error)
}

type Lease interface {
	ID() string
	Refresh(ctx context.Context) error
	Return(ctx context.Context) error
}

type PowerClient interface {
	On(ctx context.Context) error

	// SafeOff brings the robot to rest before cutting motor power.
	SafeOff(ctx context.Context) error
}

type EstopClient interface {
	// Configure registers an e-stop endpoint. If the endpoint fails to
	// check in for longer than timeout the robot cuts motor power.
	Configure(ctx context.Context, name string, timeout time.Duration) (EstopEndpoint, error)
}

type EstopEndpoint interface {
	// CheckIn renews the endpoint and asserts (stop) or releases the e-stop.
	CheckIn(ctx context.Context, stop bool) error
	Deregister(ctx context.Context) error
}
