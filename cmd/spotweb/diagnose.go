package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/logbuf"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const cliTimeout = 30 * time.Second

type DiagnoseCommand struct {
	Connect bool `long:"connect" description:"Connect first so lease and e-stop are checked too"`
}

func (c *DiagnoseCommand) Execute(args []string) error {
	cfg := &opts.Config
	sup, done := newCLISupervisor()
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	fmt.Println(headerStyle.Render("spotweb diagnostics"))
	fmt.Println(dimStyle.Render(cfg.Host))
	fmt.Println()

	if c.Connect {
		if res := sup.Connect(ctx, cfg.Target()); !res.OK {
			printError(res)
		}
		defer sup.Disconnect(context.Background())
	}

	res := sup.Diagnose(ctx, cfg.Host)
	if !res.OK {
		printError(res)
		os.Exit(1)
	}
	fmt.Println(renderChecks(res.Data["checks"].([]bridge.Check)))
	fmt.Println(res.Data["summary"])

	if res.Data["overall_status"] != "healthy" {
		fmt.Println(failStyle.Render("Overall: " + res.Data["overall_status"].(string)))
		sup.Disconnect(context.Background())
		os.Exit(1)
	}
	fmt.Println(successStyle.Render("Overall: healthy"))
	return nil
}

type TestConnectionCommand struct{}

func (c *TestConnectionCommand) Execute(args []string) error {
	cfg := &opts.Config
	sup, done := newCLISupervisor()
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	fmt.Println(headerStyle.Render("spotweb connection test"))
	fmt.Println(dimStyle.Render(cfg.Host))
	fmt.Println()

	res := sup.TestConnection(ctx, cfg.Target())
	if !res.OK {
		printError(res)
		os.Exit(1)
	}
	fmt.Println(renderChecks(res.Data["tests"].([]bridge.Check)))

	summary := res.Data["summary"].(string)
	if ready, _ := res.Data["ready_to_connect"].(bool); !ready {
		fmt.Println(failStyle.Render(summary))
		os.Exit(1)
	}
	fmt.Println(successStyle.Render(summary))
	return nil
}

// newCLISupervisor builds a supervisor that logs to file only.
func newCLISupervisor() (*bridge.Supervisor, func()) {
	cfg := &opts.Config
	logs := logbuf.New(logbuf.DefaultSize)
	log, closeLog, err := cliLogger(cfg, logs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	provider, err := newProvider(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return bridge.New(provider, bridge.WithLogger(log)), func() {
		closeLog()
		logs.Close()
	}
}

func printError(res bridge.Result) {
	fmt.Fprintln(os.Stderr, failStyle.Render(fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)))
	if res.Error.SuggestedFix != "" {
		fmt.Fprintln(os.Stderr, dimStyle.Render(res.Error.SuggestedFix))
	}
}

func renderChecks(checks []bridge.Check) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)

	rows := make([][]string, 0, len(checks))
	for _, ch := range checks {
		rows = append(rows, []string{ch.Name, string(ch.Status), ch.Message})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Check", "Status", "Message").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if col != 1 || row < 0 || row >= len(checks) {
				return cellStyle
			}
			switch checks[row].Status {
			case bridge.Pass:
				return successStyle.Padding(0, 1)
			case bridge.Warn:
				return warnStyle.Padding(0, 1)
			default:
				return failStyle.Padding(0, 1)
			}
		}).
		Render()
}
