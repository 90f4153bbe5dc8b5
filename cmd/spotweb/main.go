package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/gwillem/spotweb/pkg/config"
)

type Options struct {
	config.Config `group:"Robot options"`

	Serve          ServeCommand          `command:"serve" description:"Run the web control bridge"`
	Teleoperate    TeleoperateCommand    `command:"teleoperate" alias:"teleop" description:"Drive the robot from the terminal"`
	Setup          SetupCommand          `command:"setup" description:"Scan, calibrate and register a servo quadruped"`
	Diagnose       DiagnoseCommand       `command:"diagnose" description:"Run connection diagnostics"`
	TestConnection TestConnectionCommand `command:"test-connection" description:"Test connecting to the robot without taking control"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "spotweb - Safety-supervised web control bridge for legged robots"

	if err := config.LoadDotenv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
