package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/logbuf"
	"github.com/gwillem/spotweb/pkg/metrics"
	"github.com/gwillem/spotweb/pkg/server"
)

type ServeCommand struct {
	Connect bool `long:"connect" description:"Connect to the robot on startup"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg := &opts.Config

	logs := logbuf.New(logbuf.DefaultSize)
	defer logs.Close()
	log, closeLog, err := logbuf.Setup(logbuf.Options{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Buffer: logs,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	if err := cfg.Validate(); err != nil {
		// Connect reports the problem to the operator.
		log.Warn().Err(err).Msg("configuration incomplete")
	}
	log.Info().Interface("config", cfg.Redacted()).Msg("starting spotweb")

	provider, err := newProvider(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to create robot backend")
		os.Exit(1)
	}

	m := metrics.New()
	sup := bridge.New(provider,
		bridge.WithLogger(log),
		bridge.WithMetrics(m),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Connect {
		if res := sup.Connect(ctx, cfg.Target()); !res.OK {
			log.Error().Str("kind", string(res.Error.Kind)).Msg(res.Error.Message)
		}
	}

	srv := server.New(server.Config{
		Addr:        cfg.Addr(),
		Target:      cfg.Target(),
		Settings:    cfg.Redacted(),
		FrontendDir: cfg.FrontendDir,
		LogFile:     cfg.LogFile,
	}, sup, logs, m, log)

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		return err
	}
	log.Info().Msg("stopped")
	return nil
}
