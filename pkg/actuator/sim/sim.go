// Package sim is an in-memory actuator.Bus for dry runs and tests. Servos
// reach their goal instantly and report back exactly what was commanded.
package sim

import (
	"context"
	"fmt"
	"sync"
)

// Op names a bus operation for fault injection and the command log.
type Op string

const (
	OpAngle         Op = "angle"
	OpSetAngle      Op = "set_angle"
	OpVelocityMode  Op = "velocity_mode"
	OpPositionMode  Op = "position_mode"
	OpSetVelocity   Op = "set_velocity"
	OpSpeed         Op = "speed"
	OpTorqueEnable  Op = "torque_enable"
	OpTorqueDisable Op = "torque_disable"
)

// AnyID matches every servo in Fail.
const AnyID = -1

// Mode is a servo's control mode.
type Mode int

const (
	ModePosition Mode = iota
	ModeVelocity
)

// Servo is the simulated state of one servo.
type Servo struct {
	Angle      float64
	Mode       Mode
	Velocity   int
	Torque     bool
	MaxCurrent int
}

// Command is one recorded bus call. Reads are not recorded.
type Command struct {
	Op    Op
	ID    int
	Value float64
}

type fault struct {
	op  Op
	id  int
	err error
}

// Bus is a simulated servo bus. The zero value is not usable; use New.
type Bus struct {
	mu         sync.Mutex
	servos     map[int]*Servo
	commands   []Command
	faults     []fault
	stallAfter int
	polls      map[int]int
	closed     bool
}

// New returns a bus with one position-mode servo per entry in angles.
func New(angles map[int]float64) *Bus {
	b := &Bus{
		servos:     make(map[int]*Servo, len(angles)),
		polls:      make(map[int]int),
		stallAfter: 1,
	}
	for id, a := range angles {
		b.servos[id] = &Servo{Angle: a}
	}
	return b
}

// Fail makes every future op on id (or AnyID) return err.
func (b *Bus) Fail(op Op, id int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, fault{op: op, id: id, err: err})
}

// Heal clears all injected faults.
func (b *Bus) Heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = nil
}

// StallAfter sets how many speed polls a moving servo reports non-zero
// speed before it stalls. A negative n never stalls.
func (b *Bus) StallAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stallAfter = n
}

// Commands returns a copy of the command log.
func (b *Bus) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// ResetCommands clears the command log.
func (b *Bus) ResetCommands() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = nil
}

// Servo returns a snapshot of one servo.
func (b *Bus) Servo(id int) (Servo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.servos[id]
	if !ok {
		return Servo{}, false
	}
	return *s, true
}

// Nudge moves a servo without recording a command, like a hand pushing the
// arm or a servo settling off its goal.
func (b *Bus) Nudge(id int, deg float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.servos[id]; ok {
		s.Angle = deg
	}
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) Angle(ctx context.Context, id int) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(OpAngle, id)
	if err != nil {
		return 0, err
	}
	return s.Angle, nil
}

func (b *Bus) SetAngle(ctx context.Context, id int, deg float64) error {
	return b.apply(OpSetAngle, id, deg, func(s *Servo) { s.Angle = deg })
}

func (b *Bus) SetVelocityMode(ctx context.Context, id int) error {
	return b.apply(OpVelocityMode, id, 0, func(s *Servo) {
		s.Mode = ModeVelocity
		b.polls[id] = 0
	})
}

func (b *Bus) SetPositionMode(ctx context.Context, id int, maxCurrent int) error {
	return b.apply(OpPositionMode, id, float64(maxCurrent), func(s *Servo) {
		s.Mode = ModePosition
		s.Velocity = 0
		s.MaxCurrent = maxCurrent
	})
}

func (b *Bus) SetVelocity(ctx context.Context, id int, speed int) error {
	return b.apply(OpSetVelocity, id, float64(speed), func(s *Servo) { s.Velocity = speed })
}

func (b *Bus) Speed(ctx context.Context, id int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(OpSpeed, id)
	if err != nil {
		return 0, err
	}
	if s.Mode != ModeVelocity || s.Velocity == 0 {
		return 0, nil
	}
	b.polls[id]++
	if b.stallAfter >= 0 && b.polls[id] > b.stallAfter {
		return 0, nil
	}
	return s.Velocity, nil
}

func (b *Bus) EnableTorque(ctx context.Context, id int) error {
	return b.apply(OpTorqueEnable, id, 1, func(s *Servo) { s.Torque = true })
}

func (b *Bus) DisableTorque(ctx context.Context, id int) error {
	return b.apply(OpTorqueDisable, id, 0, func(s *Servo) { s.Torque = false })
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bus) apply(op Op, id int, value float64, fn func(*Servo)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(op, id)
	if err != nil {
		return err
	}
	fn(s)
	b.commands = append(b.commands, Command{Op: op, ID: id, Value: value})
	return nil
}

// servo must be called with b.mu held.
func (b *Bus) servo(op Op, id int) (*Servo, error) {
	if b.closed {
		return nil, fmt.Errorf("sim: bus closed")
	}
	for _, f := range b.faults {
		if f.op == op && (f.id == id || f.id == AnyID) {
			return nil, f.err
		}
	}
	s, ok := b.servos[id]
	if !ok {
		return nil, fmt.Errorf("sim: no servo %d", id)
	}
	return s, nil
}
