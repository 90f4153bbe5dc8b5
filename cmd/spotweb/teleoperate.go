package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/spotweb/pkg/bridge"
	"github.com/gwillem/spotweb/pkg/config"
	"github.com/gwillem/spotweb/pkg/logbuf"
	"github.com/gwillem/spotweb/pkg/safety"
	"github.com/gwillem/spotweb/pkg/watchdog"
)

type TeleoperateCommand struct {
	Speed float64 `long:"speed" default:"0.3" description:"Walking speed in m/s and turn rate in rad/s"`
}

const (
	headerHeight = 3 // title, status line, blank
	legendHeight = 2 // legend row + help row
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border

	tickInterval   = 100 * time.Millisecond
	statusInterval = time.Second
	commandTimeout = 5 * time.Second
)

// Axis colors
var axisColors = map[string]string{
	"vx":  "196", // red
	"vy":  "46",  // green
	"yaw": "51",  // cyan
}

var axes = []string{"vx", "vy", "yaw"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type teleopModel struct {
	sup   *bridge.Supervisor
	cfg   *config.Config
	logCh chan interface{}
	chart *streamlinechart.Model
	speed float64

	width, height int

	status  map[string]any
	vel     bridge.VelocityCommand
	lastKey time.Time
	ticks   int
	logs    []string

	confirm    *huh.Form
	confirmOff *bool
	quitting   bool
}

// Messages
type tickMsg time.Time
type logMsg logbuf.Entry
type statusMsg bridge.Result
type resultMsg struct {
	op  string
	res bridge.Result
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForLog(ch chan interface{}) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return logMsg(v.(logbuf.Entry))
	}
}

func pollStatus(sup *bridge.Supervisor) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return statusMsg(sup.Status(ctx))
	}
}

// run executes a supervisor operation off the UI loop.
func run(op string, fn func(context.Context) bridge.Result) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), bridge.PowerTimeout)
		defer cancel()
		return resultMsg{op: op, res: fn(ctx)}
	}
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 16
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 8)
	return width, height
}

func initialTeleopModel(sup *bridge.Supervisor, cfg *config.Config, logCh chan interface{}, speed float64) teleopModel {
	chart := streamlinechart.New(80, 16,
		streamlinechart.WithYRange(-safety.MaxVelocity, safety.MaxVelocity),
	)
	for _, name := range axes {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[name]))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}
	return teleopModel{
		sup:   sup,
		cfg:   cfg,
		logCh: logCh,
		chart: &chart,
		speed: speed,
	}
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		run("connect", func(ctx context.Context) bridge.Result { return m.sup.Connect(ctx, m.cfg.Target()) }),
		waitForLog(m.logCh),
		tick(),
	)
}

func (m teleopModel) flag(key string) bool {
	v, _ := m.status[key].(bool)
	return v
}

// drive returns the velocity for a drive key.
func (m teleopModel) drive(key string) (bridge.VelocityCommand, bool) {
	s := m.speed
	switch key {
	case "w":
		return bridge.VelocityCommand{VX: s}, true
	case "s":
		return bridge.VelocityCommand{VX: -s}, true
	case "a":
		return bridge.VelocityCommand{VY: s}, true
	case "d":
		return bridge.VelocityCommand{VY: -s}, true
	case "q":
		return bridge.VelocityCommand{Yaw: s}, true
	case "e":
		return bridge.VelocityCommand{Yaw: -s}, true
	}
	return bridge.VelocityCommand{}, false
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.confirm != nil {
		if k, ok := msg.(tea.KeyMsg); !ok || k.String() != "ctrl+c" {
			return m.updateConfirm(msg)
		}
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		key := msg.String()
		if v, ok := m.drive(key); ok {
			// Key repeat renews the command; when it stops the watchdog halts the robot.
			m.vel, m.lastKey = v, time.Now()
			return m, run("velocity", func(ctx context.Context) bridge.Result { return m.sup.SendVelocity(ctx, v) })
		}
		switch key {
		case "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case " ":
			m.vel = bridge.VelocityCommand{}
			return m, run("stop", m.sup.Stop)
		case "t":
			return m, run("stand", m.sup.Stand)
		case "g":
			return m, run("sit", m.sup.Sit)
		case "x":
			if m.status["estop_status"] == "stopped" {
				return m, run("estop release", m.sup.EstopRelease)
			}
			return m, run("estop", m.sup.EstopStop)
		case "p":
			if !m.flag("is_powered_on") {
				return m, run("power on", m.sup.PowerOn)
			}
			m.confirmOff = new(bool)
			m.confirm = huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title("Power off the robot?").
					Description("The robot sits down before the motors are cut.").
					Affirmative("Power off").
					Negative("Cancel").
					Value(m.confirmOff),
			))
			return m, m.confirm.Init()
		}

	case tickMsg:
		if !m.lastKey.IsZero() && time.Since(m.lastKey) > watchdog.DefaultThreshold {
			m.vel = bridge.VelocityCommand{}
		}
		m.chart.PushDataSet("vx", m.vel.VX)
		m.chart.PushDataSet("vy", m.vel.VY)
		m.chart.PushDataSet("yaw", m.vel.Yaw)
		m.chart.DrawAll()
		m.ticks++
		if m.ticks%int(statusInterval/tickInterval) == 0 {
			return m, tea.Batch(tick(), pollStatus(m.sup))
		}
		return m, tick()

	case statusMsg:
		if msg.OK {
			m.status = msg.Data
		} else {
			m.status = nil
		}
		return m, nil

	case resultMsg:
		switch {
		case !msg.res.OK:
			m.addLog(fmt.Sprintf("%s failed: %s", msg.op, msg.res.Error.Message))
		case msg.op != "velocity":
			if text, ok := msg.res.Data["message"].(string); ok {
				m.addLog(text)
			} else {
				m.addLog(msg.op + " ok")
			}
		}
		if msg.op == "velocity" {
			return m, nil
		}
		return m, pollStatus(m.sup)

	case logMsg:
		if msg.Level != "DEBUG" && msg.Level != "INFO" {
			m.addLog(fmt.Sprintf("[%s] %s %s", msg.Level, msg.Module, msg.Message))
		}
		return m, waitForLog(m.logCh)
	}

	return m, nil
}

func (m teleopModel) updateConfirm(msg tea.Msg) (tea.Model, tea.Cmd) {
	f, cmd := m.confirm.Update(msg)
	if form, ok := f.(*huh.Form); ok {
		m.confirm = form
	}
	switch m.confirm.State {
	case huh.StateCompleted:
		off := *m.confirmOff
		m.confirm = nil
		if off {
			return m, run("power off", m.sup.PowerOff)
		}
		return m, nil
	case huh.StateAborted:
		m.confirm = nil
		return m, nil
	}
	return m, cmd
}

func (m teleopModel) statusLine() string {
	if m.status == nil || !m.flag("connected") {
		return statusStyle.Render(fmt.Sprintf("%s: %s", m.cfg.Host, m.sup.State()))
	}
	power := "off"
	if m.flag("is_powered_on") {
		power = "on"
	}
	battery, _ := m.status["battery_percentage"].(float64)
	return statusStyle.Render(fmt.Sprintf("%s (%v)  battery %.0f%%  power %s  lease %v  e-stop %v  watchdog %v",
		m.status["robot_nickname"], m.status["robot_id"], battery, power,
		m.status["lease_status"], m.status["estop_status"], m.flag("watchdog_active")))
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("spotweb teleoperate"))
	sb.WriteString(fmt.Sprintf(" - speed %.2f", m.speed))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	sb.WriteString(m.statusLine())
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	if m.confirm != nil {
		sb.WriteString(m.confirm.View())
	} else {
		sb.WriteString(statusStyle.Render("w/s forward/back  a/d strafe  q/e turn  space stop  p power  t stand  g sit  x e-stop  esc quit"))
	}
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9"))

	logLines := statusStyle.Render("Connecting...")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range axes {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(axisColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg := &opts.Config
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logs := logbuf.New(logbuf.DefaultSize)
	defer logs.Close()
	log, closeLog, err := cliLogger(cfg, logs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	provider, err := newProvider(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sup := bridge.New(provider, bridge.WithLogger(log))

	sub := logs.Subscribe()
	speed := safety.Clamp(c.Speed, safety.MaxVelocity)
	p := tea.NewProgram(initialTeleopModel(sup, cfg, sub, speed), tea.WithAltScreen())
	_, runErr := p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if res := sup.Disconnect(ctx); !res.OK {
		fmt.Fprintf(os.Stderr, "Disconnect failed: %s\n", res.Error.Message)
	}
	logs.Unsubscribe(sub)

	if runErr != nil {
		return fmt.Errorf("run teleoperation: %w", runErr)
	}
	return nil
}
