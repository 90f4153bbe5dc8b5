package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/spotweb/pkg/robot/servo"
)

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	path := opts.RobotConfig

	fmt.Println(headerStyle.Render("spotweb quadruped setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := servo.LoadConfigFrom(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
			os.Exit(1)
		}
		cfg = &servo.Config{}
	}

	// Step 1: find the robot
	cfg.Port = scanForRobot()
	askIdentity(cfg)
	if err := cfg.SaveTo(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	bus, servoMap := connectToRobot(cfg.Port)
	defer bus.Close()

	// Step 2: joint ranges
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating joints ━━━"))
	fmt.Println()
	cfg.Calibration = calibrateJoints(servoMap)

	// Step 3: resting poses
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Recording poses ━━━"))
	fmt.Println()
	waitForUser("Fold the legs into the sitting pose.")
	cfg.Poses.Sit = capturePose(servoMap, cfg.Calibration)
	waitForUser("Hold the robot up in its standing pose.")
	cfg.Poses.Stand = capturePose(servoMap, cfg.Calibration)

	if err := cfg.SaveTo(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	// Step 4: operator
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Operator account ━━━"))
	fmt.Println()
	addOperator(cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration incomplete: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.SaveTo(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", path)
	fmt.Println()
	fmt.Printf("Start the bridge with: %s\n", headerStyle.Render(fmt.Sprintf("spotweb serve --backend servo --host %s", cfg.Port)))
	return nil
}

type robotInfo struct {
	port   string
	servos []feetech.FoundServo
}

func findRobots() []robotInfo {
	ports, err := servo.ListPorts()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var found []robotInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := servo.Scan(ctx, port)
		cancel()
		if err != nil {
			continue
		}
		if servo.IsQuadruped(servos) {
			fmt.Printf("  Found quadruped on %s\n", port)
			found = append(found, robotInfo{port: port, servos: servos})
		} else if len(servos) > 0 {
			fmt.Println(dimStyle.Render(fmt.Sprintf("  %s: %d servos, not a quadruped", port, len(servos))))
		}
	}
	return found
}

func scanForRobot() string {
	fmt.Println("Scanning serial ports...")
	fmt.Println()

	robots := findRobots()
	if len(robots) == 0 {
		fmt.Printf("No quadruped found (expected %d servos with IDs 1-%d).\n", servo.JointCount, servo.JointCount)
		fmt.Println("Make sure the robot is connected and powered on.")
		os.Exit(1)
	}
	if len(robots) == 1 {
		return robots[0].port
	}

	fmt.Printf("Found %d robots. Let's identify them...\n", len(robots))
	for _, r := range robots {
		if identifyWithWiggle(r) {
			return r.port
		}
	}
	fmt.Println("No robot selected.")
	os.Exit(1)
	return ""
}

// identifyWithWiggle moves the front left hip and asks whether it was the
// robot to set up.
func identifyWithWiggle(r robotInfo) bool {
	bus, err := servo.OpenBus(r.port)
	if err != nil {
		fmt.Printf("  Error opening %s: %v\n", r.port, err)
		return false
	}
	defer bus.Close()

	ctx := context.Background()
	var hip *feetech.Servo
	for _, s := range r.servos {
		if s.ID == 1 {
			hip = feetech.NewServo(bus, s.ID, s.Model)
			break
		}
	}
	if hip == nil {
		return false
	}

	originalPos, err := hip.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return false
	}
	if err := hip.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return false
	}

	fmt.Printf("\n  Wiggling front left hip on %s...\n", r.port)
	wiggleAmount := 30
	moveTimeMs := 500
	hip.SetPositionWithTime(ctx, originalPos+wiggleAmount, moveTimeMs)
	time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	hip.SetPositionWithTime(ctx, originalPos-wiggleAmount, moveTimeMs)
	time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	hip.SetPositionWithTime(ctx, originalPos, moveTimeMs)
	time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	hip.Disable(ctx)

	var use bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Set up the robot on %s?", r.port)).
				Description("The robot that just wiggled a leg").
				Affirmative("Yes").
				Negative("Next").
				Value(&use),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return use
}

func askIdentity(cfg *servo.Config) {
	if cfg.Serial == "" {
		cfg.Serial = fmt.Sprintf("quad-%d", time.Now().Unix()%100000)
	}
	if cfg.Nickname == "" {
		cfg.Nickname = "quadruped"
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Robot nickname").Value(&cfg.Nickname),
			huh.NewInput().Title("Serial number").Value(&cfg.Serial),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
}

func addOperator(cfg *servo.Config) {
	var username, password string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Operator username").Value(&username).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("username is required")
					}
					return nil
				}),
			huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password).
				Validate(func(s string) error {
					if len(s) < 8 {
						return errors.New("use at least 8 characters")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	if err := cfg.SetOperator(strings.TrimSpace(username), password); err != nil {
		fmt.Fprintf(os.Stderr, "Error storing operator: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(successStyle.Render("Operator " + username + " added."))
}

func connectToRobot(port string) (*feetech.Bus, map[int]*feetech.Servo) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus, err := servo.OpenBus(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to robot: %v\n", err)
		os.Exit(1)
	}
	servos, err := bus.Scan(ctx, 1, servo.JointCount)
	if err != nil || !servo.IsQuadruped(servos) {
		bus.Close()
		fmt.Fprintf(os.Stderr, "Error connecting to robot: expected %d servos on %s\n", servo.JointCount, port)
		os.Exit(1)
	}

	servoMap := make(map[int]*feetech.Servo, len(servos))
	for _, s := range servos {
		servoMap[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}
	return bus, servoMap
}

func calibrateJoints(servoMap map[int]*feetech.Servo) servo.Calibration {
	// Disable all servos so the legs move freely
	ctx := context.Background()
	for _, s := range servoMap {
		s.Disable(ctx)
	}

	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println("Explore the full range of motion of every leg.")
	fmt.Println()

	joints := servo.AllJoints()
	curPositions := make(map[servo.JointName]int)
	minPositions := make(map[servo.JointName]int)
	maxPositions := make(map[servo.JointName]int)
	for i, name := range joints {
		pos, _ := servoMap[i+1].Position(ctx)
		curPositions[name] = pos
		minPositions[name] = pos
		maxPositions[name] = pos
	}

	model := newCalibrationModel(joints, servoMap, curPositions, minPositions, maxPositions)
	finalModel, err := tea.NewProgram(model).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running calibration: %v\n", err)
		os.Exit(1)
	}
	cm := finalModel.(calibrationModel)

	calibration := make(servo.Calibration, len(joints))
	for i, name := range joints {
		calibration[name] = servo.JointCalibration{
			ID:       i + 1,
			RangeMin: cm.minPositions[name],
			RangeMax: cm.maxPositions[name],
		}
	}
	if err := calibration.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Calibration incomplete: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(successStyle.Render("Joints calibrated."))
	return calibration
}

func capturePose(servoMap map[int]*feetech.Servo, cal servo.Calibration) servo.JointPositions {
	ctx := context.Background()
	pose := make(servo.JointPositions, servo.JointCount)
	for _, name := range servo.AllJoints() {
		jc := cal[name]
		pos, err := servoMap[jc.ID].Position(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", name, err)
			os.Exit(1)
		}
		pose[name] = jc.Normalize(pos)
	}
	fmt.Println(successStyle.Render("Pose recorded."))
	return pose
}

func waitForUser(prompt string) {
	fmt.Println(prompt)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("").
				Affirmative("Continue").
				Negative("").
				Value(new(bool)),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
}

// Calibration TUI model
type calibrationModel struct {
	joints       []servo.JointName
	servoMap     map[int]*feetech.Servo
	curPositions map[servo.JointName]int
	minPositions map[servo.JointName]int
	maxPositions map[servo.JointName]int
	quitting     bool
}

type pollMsg time.Time

func newCalibrationModel(
	joints []servo.JointName,
	servoMap map[int]*feetech.Servo,
	curPositions, minPositions, maxPositions map[servo.JointName]int,
) calibrationModel {
	return calibrationModel{
		joints:       joints,
		servoMap:     servoMap,
		curPositions: curPositions,
		minPositions: minPositions,
		maxPositions: maxPositions,
	}
}

func poll() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return poll()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case pollMsg:
		ctx := context.Background()
		for i, name := range m.joints {
			pos, err := m.servoMap[i+1].Position(ctx)
			if err != nil {
				continue
			}
			m.curPositions[name] = pos
			m.minPositions[name] = min(m.minPositions[name], pos)
			m.maxPositions[name] = max(m.maxPositions[name], pos)
		}
		return m, poll()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableJointStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.joints))
	ranges := make([]int, 0, len(m.joints))
	for _, name := range m.joints {
		rangeSize := m.maxPositions[name] - m.minPositions[name]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			string(name),
			fmt.Sprintf("%d", m.curPositions[name]),
			fmt.Sprintf("%d", m.minPositions[name]),
			fmt.Sprintf("%d", m.maxPositions[name]),
			fmt.Sprintf("%d", rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableJointStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	return t.Render() + "\n\n" + dimStyle.Render("Press Enter when done")
}
