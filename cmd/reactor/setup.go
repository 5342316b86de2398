package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.bug.st/serial"

	"github.com/gwillem/reactor/pkg/dynamixel"
	"github.com/gwillem/reactor/pkg/robot"
	"github.com/gwillem/reactor/pkg/sts"
)

type SetupCommand struct {
	Driver string `long:"driver" default:"dynamixel" choice:"dynamixel" choice:"feetech" description:"Servo family on the bus"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Reactor Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := robot.LoadConfigFrom(opts.Config)
	if errors.Is(err, os.ErrNotExist) {
		d := robot.DefaultConfig()
		cfg, err = &d, nil
	}
	if err != nil {
		return err
	}
	cfg.Driver = c.Driver
	if opts.Sim {
		cfg.Driver = robot.DriverSim
	}
	cfg.Calibration = nil

	// Step 1: find the arm
	if !opts.Sim {
		port, err := scanForArm(cfg)
		if err != nil {
			return err
		}
		cfg.Port = port
	}

	// Step 2: record the rest pose
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Calibrating ━━━"))
	fmt.Println()
	if err := calibrateArm(cfg); err != nil {
		return err
	}

	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Try: " + headerStyle.Render("reactor move 5 4"))
	return nil
}

func scanForArm(cfg *robot.Config) (string, error) {
	fmt.Println("Scanning for the arm...")
	fmt.Println()

	ports, err := findArms(cfg)
	if err != nil {
		return "", err
	}
	switch len(ports) {
	case 0:
		fmt.Println("No Reactor arm found.")
		fmt.Println("Make sure the arm is connected and powered on.")
		return "", errors.New("no arm found")
	case 1:
		fmt.Printf("Found the arm on %s\n", ports[0])
		return ports[0], nil
	}

	fmt.Printf("Found %d candidates. Let's identify the right one...\n", len(ports))
	for _, port := range ports {
		if err := wiggle(cfg, port); err != nil {
			fmt.Printf("  Error wiggling %s: %v\n", port, err)
			continue
		}
		var yes bool
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Is the arm on %s the one that just wiggled?", port)).
					Affirmative("Yes").
					Negative("No").
					Value(&yes),
			),
		)
		if err := form.Run(); err != nil {
			return "", err
		}
		if yes {
			return port, nil
		}
	}
	return "", errors.New("no arm identified")
}

// wiggle swings the base servo on port a little each way and back.
func wiggle(cfg *robot.Config, port string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := *cfg
	c.Port = port
	bus, err := robot.OpenBus(ctx, c)
	if err != nil {
		return err
	}
	defer bus.Close()

	id := c.Joints[robot.Base].Servo
	orig, err := bus.Angle(ctx, id)
	if err != nil {
		return err
	}
	if err := bus.EnableTorque(ctx, id); err != nil {
		return err
	}
	defer bus.DisableTorque(ctx, id)

	fmt.Printf("\n  Wiggling arm on %s...\n", port)
	const amount = 10.0
	for _, deg := range []float64{orig + amount, orig - amount, orig} {
		if err := bus.SetAngle(ctx, id, deg); err != nil {
			return err
		}
		time.Sleep(600 * time.Millisecond)
	}
	return nil
}

// findArms returns the ports on which every configured servo answers.
func findArms(cfg *robot.Config) ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, err
	}

	var found []string
	for _, port := range ports {
		ids, err := probePort(port, cfg.Driver, cfg.BaudRate)
		if err != nil {
			continue
		}
		if isReactor(cfg, ids) {
			fmt.Printf("  Found Reactor arm on %s\n", port)
			found = append(found, port)
		}
	}
	return found, nil
}

func listPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	var out []string
	for _, p := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(p, "Bluetooth") {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// probePort returns the servo ids that answer on port.
func probePort(port, driver string, baud int) ([]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch driver {
	case robot.DriverFeetech:
		bus, err := sts.Open(ctx, sts.Config{Port: port, BaudRate: baud, Timeout: 100 * time.Millisecond})
		if err != nil {
			return nil, err
		}
		defer bus.Close()
		return bus.IDs(), nil
	default:
		bus, err := dynamixel.Open(dynamixel.Config{Port: port, BaudRate: baud})
		if err != nil {
			return nil, err
		}
		defer bus.Close()
		return bus.Scan(ctx, 1, len(robot.AllJoints()))
	}
}

func isReactor(cfg *robot.Config, ids []int) bool {
	present := make(map[int]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	for _, jc := range cfg.Joints {
		if !present[jc.Servo] {
			return false
		}
	}
	return true
}

func calibrateArm(cfg *robot.Config) error {
	ctx := context.Background()
	arm, err := connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer arm.Disconnect()

	// Torque off so the arm can be placed by hand
	if err := arm.Disable(ctx); err != nil {
		return err
	}

	fmt.Println(subHeaderStyle.Render("Place the arm in its rest pose"))
	fmt.Println("Fold the arm down so every joint sits near its rest angle.")
	fmt.Println("The recorded angles become each joint's home.")
	fmt.Println()

	p := tea.NewProgram(newCalibrationModel(arm, *cfg))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("calibration ui: %w", err)
	}
	if final.(calibrationModel).aborted {
		return errors.New("calibration aborted")
	}

	if err := arm.Calibrate(ctx); err != nil {
		return err
	}
	cfg.Calibration = arm.Calibration()
	fmt.Println("Arm calibrated.")
	return nil
}

type PortsCommand struct {
	Scan bool `long:"scan" description:"Probe each port for servos"`
}

func (c *PortsCommand) Execute(args []string) error {
	ports, err := listPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}

	driver, baud := robot.DriverDynamixel, dynamixel.DefaultBaudRate
	if cfg, err := loadConfig(); err == nil && cfg.Driver != robot.DriverSim {
		driver, baud = cfg.Driver, cfg.BaudRate
	}

	for _, port := range ports {
		if !c.Scan {
			fmt.Println(port)
			continue
		}
		ids, err := probePort(port, driver, baud)
		switch {
		case err != nil:
			fmt.Printf("%s  %s\n", port, dimStyle.Render(err.Error()))
		case len(ids) == 0:
			fmt.Printf("%s  %s\n", port, dimStyle.Render("no servos"))
		default:
			strs := make([]string, len(ids))
			for i, id := range ids {
				strs[i] = strconv.Itoa(id)
			}
			fmt.Printf("%s  %s %s\n", port, successStyle.Render(driver), strings.Join(strs, " "))
		}
	}
	return nil
}

// Calibration TUI model
type calibrationModel struct {
	arm     *robot.Arm
	cfg     robot.Config
	angles  map[robot.JointName]float64
	err     error
	done    bool
	aborted bool
}

type tickMsg time.Time

func newCalibrationModel(arm *robot.Arm, cfg robot.Config) calibrationModel {
	return calibrationModel{arm: arm, cfg: cfg}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.done = true
			return m, tea.Quit
		case "q", "ctrl+c":
			m.aborted = true
			return m, tea.Quit
		}

	case tickMsg:
		angles, err := m.arm.ReadAngles(context.Background())
		m.err = err
		if err == nil {
			m.angles = angles
		}
		return m, tick()
	}

	return m, nil
}

// restTolerance is how far a joint may sit from its configured rest angle
// before it is flagged.
const restTolerance = 10.0

func (m calibrationModel) View() string {
	if m.done || m.aborted {
		return ""
	}

	var sb strings.Builder

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableJointStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableOffStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	joints := robot.AllJoints()
	rows := make([][]string, 0, len(joints))
	deltas := make([]float64, 0, len(joints))
	for _, name := range joints {
		rest := m.cfg.Joints[name].Rest
		cur, ok := m.angles[name]
		delta := cur - rest
		deltas = append(deltas, delta)
		current := "-"
		if ok {
			current = fmt.Sprintf("%.1f", cur)
		}
		rows = append(rows, []string{
			string(name),
			current,
			fmt.Sprintf("%.1f", rest),
			fmt.Sprintf("%+.1f", delta),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Current", "Rest", "Off by").
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
			case 3:
				if row >= 0 && row < len(deltas) && deltas[row] > -restTolerance && deltas[row] < restTolerance {
					return tableGoodStyle
				}
				return tableOffStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	if m.err != nil {
		sb.WriteString(errorStyle.Render(m.err.Error()))
		sb.WriteString("\n")
	}
	sb.WriteString(dimStyle.Render("Press Enter to record, q to abort"))

	return sb.String()
}
