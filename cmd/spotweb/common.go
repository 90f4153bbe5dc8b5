package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gwillem/spotweb/pkg/config"
	"github.com/gwillem/spotweb/pkg/logbuf"
	"github.com/gwillem/spotweb/pkg/robot"
	"github.com/gwillem/spotweb/pkg/robot/servo"
	"github.com/gwillem/spotweb/pkg/robot/sim"
)

// newProvider builds the robot backend selected by cfg.
func newProvider(cfg *config.Config, log zerolog.Logger) (robot.Provider, error) {
	switch cfg.Backend {
	case "servo":
		rc, err := servo.LoadConfigFrom(cfg.RobotConfig)
		if err != nil {
			return nil, fmt.Errorf("load robot config (run 'spotweb setup' first): %w", err)
		}
		return servo.NewProvider(rc, servo.WithLogger(log)), nil
	default:
		o := sim.Options{}
		if cfg.User != "" {
			o.Users = map[string]string{cfg.User: cfg.Password}
		}
		if cfg.SimNetwork {
			o.Transport = robot.NewNetTransport(cfg.ControlPort)
		}
		return sim.New(o), nil
	}
}

// cliLogger logs to the log file and ring only, keeping the terminal free.
func cliLogger(cfg *config.Config, buf *logbuf.Buffer) (zerolog.Logger, func() error, error) {
	return logbuf.Setup(logbuf.Options{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Quiet:  true,
		Buffer: buf,
	})
}
