// Package config holds the bridge configuration. Values come from flags,
// then environment variables, then a .env file, then defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/logbuf"
)

// Config is embedded into every command that talks to a robot.
type Config struct {
	Host     string `long:"host" env:"SPOT_HOST" description:"Robot hostname or IP address"`
	User     string `long:"user" env:"SPOT_USER" description:"Robot username"`
	Password string `long:"password" env:"SPOT_PASS" description:"Robot password"`

	Backend     string `long:"backend" env:"SPOT_BACKEND" default:"sim" choice:"sim" choice:"servo" description:"Robot backend"`
	RobotConfig string `long:"robot-config" env:"SPOT_ROBOT_CONFIG" default:"spotweb.json" description:"Servo robot configuration file"`
	ControlPort int    `long:"control-port" env:"SPOT_CONTROL_PORT" default:"443" description:"Robot control port probed by diagnostics"`
	SimNetwork  bool   `long:"sim-network" env:"SPOT_SIM_NETWORK" description:"Probe SPOT_HOST over the network in diagnostics even with the sim backend"`

	BindHost    string `long:"bind-host" env:"BIND_HOST" default:"0.0.0.0" description:"HTTP listen address"`
	BindPort    int    `long:"bind-port" env:"BIND_PORT" default:"8080" description:"HTTP listen port"`
	FrontendDir string `long:"frontend" env:"FRONTEND_DIR" default:"frontend" description:"Static frontend directory"`

	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"INFO" description:"DEBUG, INFO, WARNING, ERROR or CRITICAL"`
	LogFile  string `long:"log-file" env:"LOG_FILE" default:"spot_web.log" description:"Log file, empty to disable"`
}

// LoadDotenv loads .env files into the environment. Variables that are
// already set win, and missing files are ignored.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Parse fills a Config from args and the environment.
func Parse(args []string) (*Config, error) {
	var cfg Config
	if _, err := flags.NewParser(&cfg, flags.None).ParseArgs(args); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("SPOT_HOST environment variable is required")
	case c.User == "":
		return errors.New("SPOT_USER environment variable is required")
	case c.Password == "":
		return errors.New("SPOT_PASS environment variable is required")
	}
	if _, err := logbuf.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL: %w", err)
	}
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("BIND_PORT %d out of range", c.BindPort)
	}
	return nil
}

// Target returns the robot connection target.
func (c *Config) Target() bridge.Target {
	return bridge.Target{Host: c.Host, Username: c.User, Password: c.Password}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

// Redacted returns the configuration with credentials hidden.
func (c *Config) Redacted() map[string]any {
	pass := ""
	if c.Password != "" {
		pass = "***"
	}
	return map[string]any{
		"SPOT_HOST":    c.Host,
		"SPOT_USER":    "***",
		"SPOT_PASS":    pass,
		"SPOT_BACKEND": c.Backend,
		"BIND_HOST":    c.BindHost,
		"BIND_PORT":    c.BindPort,
		"LOG_LEVEL":    c.LogLevel,
	}
}
