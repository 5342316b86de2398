package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/reactor/pkg/monitor"
	"github.com/gwillem/reactor/pkg/robot"
)

type MonitorCommand struct {
	Hz   int  `long:"hz" default:"10" description:"Sample frequency"`
	Limp bool `long:"limp" description:"Turn torque off so the arm can be moved by hand"`
}

const (
	headerHeight = 3 // title + pose line + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Joint colors, mirrors share a hue with their primary
var jointColors = map[robot.JointName]string{
	robot.Base:           "196", // red
	robot.Shoulder:       "208", // orange
	robot.ShoulderMirror: "215",
	robot.Elbow:          "226", // yellow
	robot.ElbowMirror:    "229",
	robot.WristPitch:     "46", // green
	robot.WristRoll:      "51", // cyan
	robot.Gripper:        "201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type monitorModel struct {
	mon      *monitor.Monitor
	chart    *streamlinechart.Model
	width    int
	height   int
	logs     []string
	last     monitor.State
	quitting bool
}

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

type stateMsg monitor.State
type logMsg string

func waitForState(mon *monitor.Monitor) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-mon.States())
	}
}

func waitForLog(mon *monitor.Monitor) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-mon.Logs())
	}
}

func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *monitorModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialMonitorModel(mon *monitor.Monitor) monitorModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(0, 300),
	)
	for _, name := range robot.AllJoints() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[name]))
		chart.SetDataSetStyles(string(name), runes.ThinLineStyle, style)
	}
	return monitorModel{
		mon:   mon,
		chart: &chart,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.mon),
		waitForLog(m.mon),
	)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		state := monitor.State(msg)
		if state.Angles != nil {
			for name, deg := range state.Angles {
				m.chart.PushDataSet(string(name), deg)
			}
			m.chart.DrawAll()
			m.last = state
		}
		return m, waitForState(m.mon)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.mon)
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Reactor Monitor"))
	sb.WriteString(fmt.Sprintf(" - %d Hz", m.mon.Hz()))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n")
	if m.last.Angles != nil {
		p := m.last.Position
		sb.WriteString(formatPose(m.last.Pose))
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  x %.2f y %.2f z %.2f", p.X, p.Y, p.Z)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9"))

	logLines := statusStyle.Render("Press 'q' to quit")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range robot.AllJoints() {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

func (c *MonitorCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	arm, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		arm.Disconnect()
	}()

	if c.Limp {
		if err := arm.Disable(ctx); err != nil {
			return err
		}
	}

	mon := monitor.New(arm, c.Hz)
	go func() {
		if err := mon.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Monitor error: %v", err)
		}
	}()

	p := tea.NewProgram(initialMonitorModel(mon), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor ui: %w", err)
	}
	return nil
}
