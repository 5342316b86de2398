// Package monitor polls an arm's joint angles at a fixed rate and streams
// them, with the end-effector pose they imply, to a UI.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/gwillem/reactor/pkg/kinematics"
	"github.com/gwillem/reactor/pkg/robot"
)

// Source is what the monitor reads from. *robot.Arm implements it.
type Source interface {
	ReadAngles(ctx context.Context) (map[robot.JointName]float64, error)
	Config() robot.Config
}

// State is one sample.
type State struct {
	Angles    map[robot.JointName]float64
	Pose      kinematics.Pose
	Position  r3.Vector
	Timestamp time.Time
	Error     error
}

// Monitor manages the polling loop.
type Monitor struct {
	src Source
	hz  int

	mu      sync.Mutex
	running bool
	stateCh chan State
	logCh   chan string
}

// New creates a monitor polling src hz times per second.
func New(src Source, hz int) *Monitor {
	if hz <= 0 {
		hz = 10
	}
	return &Monitor{
		src:     src,
		hz:      hz,
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 10),
	}
}

// States returns a channel that receives the latest sample.
func (m *Monitor) States() <-chan State {
	return m.stateCh
}

// Logs returns a channel that receives log messages.
func (m *Monitor) Logs() <-chan string {
	return m.logCh
}

// Hz returns the polling frequency.
func (m *Monitor) Hz() int {
	return m.hz
}

func (m *Monitor) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case m.logCh <- msg:
	default:
	}
}

// Start polls until ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.log("Monitor stopped")
	}()

	m.log("Monitoring at %d Hz", m.hz)

	ticker := time.NewTicker(time.Second / time.Duration(m.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.step(ctx)
		}
	}
}

func (m *Monitor) step(ctx context.Context) {
	angles, err := m.src.ReadAngles(ctx)
	if err != nil {
		m.log("Read error: %v", err)
		m.sendState(State{Error: err, Timestamp: time.Now()})
		return
	}
	pose, pos := Locate(m.src.Config(), angles)
	m.sendState(State{
		Angles:    angles,
		Pose:      pose,
		Position:  pos,
		Timestamp: time.Now(),
	})
}

// Locate turns physical joint angles into the planar pose and the 3-D
// end-effector position.
func Locate(cfg robot.Config, angles map[robot.JointName]float64) (kinematics.Pose, r3.Vector) {
	logical := func(name robot.JointName) float64 {
		return angles[name] - cfg.Joints[name].Offset
	}
	a := kinematics.JointAngles{
		Shoulder:   logical(robot.Shoulder),
		Elbow:      logical(robot.Elbow),
		WristPitch: logical(robot.WristPitch),
	}
	return kinematics.Forward(a, cfg.Geometry), kinematics.Forward3D(logical(robot.Base), a, cfg.Geometry)
}

func (m *Monitor) sendState(s State) {
	select {
	case m.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-m.stateCh:
		default:
		}
		m.stateCh <- s
	}
}
