// Package spotweb is a safety-supervised control bridge for legged robots.
//
// It keeps a single robot session alive with a lease and an e-stop keepalive,
// clamps every motion command to safe limits and stops the robot when
// commands stop arriving. Operators drive the robot from a web frontend or
// the terminal.
//
// # Installation
//
//	go install github.com/gwillem/spotweb/cmd/spotweb@latest
//
// # Usage
//
// Configure the robot in the environment or a .env file:
//
//	SPOT_HOST=192.168.80.3
//	SPOT_USER=admin
//	SPOT_PASS=secret
//
// Then start the web bridge:
//
//	spotweb serve
//
// Or drive from the terminal:
//
//	spotweb teleoperate
//
// A Feetech-servo quadruped is set up with:
//
//	spotweb setup
//	spotweb serve --backend servo --host /dev/ttyACM0
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/spotweb: CLI with serve, teleoperate, setup, diagnose and test-connection
//   - pkg/bridge: connection supervisor, result envelope and diagnostics
//   - pkg/safety: velocity and body pose clamps
//   - pkg/watchdog: command timeout watchdog
//   - pkg/keepalive: lease and e-stop keepalives
//   - pkg/robot: robot capability interfaces, with sim and servo backends
//   - pkg/server: HTTP and WebSocket gateway
//   - pkg/logbuf: logging setup and in-memory log ring
//   - pkg/config: environment and flag configuration
//   - pkg/metrics: Prometheus collectors
package spotweb
