// Package sts adapts Feetech STS servos, as used on SO-100/SO-101 style arms,
// to actuator.Bus. Only position control is available.
package sts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/reactor/pkg/actuator"
)

var _ actuator.Bus = (*Bus)(nil)

const (
	// STS3215 positions span one full turn in 4096 steps.
	resolution  = 4096
	fullTurnDeg = 360.0
)

// Config holds serial settings for Open.
type Config struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
	// MaxID is the highest servo id scanned for. Defaults to 8.
	MaxID int
}

// Bus drives the servos found on a Feetech bus.
type Bus struct {
	bus    *feetech.Bus
	servos map[int]*feetech.Servo
}

// Open opens the port and scans it for servos.
func Open(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 1_000_000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.MaxID == 0 {
		cfg.MaxID = 8
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}

	found, err := bus.Scan(ctx, 1, cfg.MaxID)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("scan %s: %w", cfg.Port, err)
	}
	if len(found) == 0 {
		bus.Close()
		return nil, fmt.Errorf("no servos on %s", cfg.Port)
	}

	servos := make(map[int]*feetech.Servo, len(found))
	for _, s := range found {
		servos[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}
	return &Bus{bus: bus, servos: servos}, nil
}

// IDs returns the ids found by the scan in ascending order.
func (b *Bus) IDs() []int {
	ids := make([]int, 0, len(b.servos))
	for id := range b.servos {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (b *Bus) servo(id int) (*feetech.Servo, error) {
	s, ok := b.servos[id]
	if !ok {
		return nil, fmt.Errorf("sts: servo %d not found", id)
	}
	return s, nil
}

func (b *Bus) Angle(ctx context.Context, id int) (float64, error) {
	s, err := b.servo(id)
	if err != nil {
		return 0, err
	}
	raw, err := s.Position(ctx)
	if err != nil {
		return 0, fmt.Errorf("servo %d: read position: %w", id, err)
	}
	return toDegrees(raw), nil
}

func (b *Bus) SetAngle(ctx context.Context, id int, deg float64) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	raw, err := toRaw(deg)
	if err != nil {
		return fmt.Errorf("servo %d: %w", id, err)
	}
	if err := s.SetPosition(ctx, raw); err != nil {
		return fmt.Errorf("servo %d: set position: %w", id, err)
	}
	return nil
}

// SetVelocityMode is not supported; callers fall back to position control.
func (b *Bus) SetVelocityMode(ctx context.Context, id int) error {
	return fmt.Errorf("sts: wheel mode: %w", errors.ErrUnsupported)
}

// SetPositionMode only checks the servo exists. STS servos stay in position
// mode and the torque limit is left as configured in EEPROM.
func (b *Bus) SetPositionMode(ctx context.Context, id int, maxCurrent int) error {
	_, err := b.servo(id)
	return err
}

func (b *Bus) SetVelocity(ctx context.Context, id int, speed int) error {
	return fmt.Errorf("sts: wheel speed: %w", errors.ErrUnsupported)
}

func (b *Bus) Speed(ctx context.Context, id int) (int, error) {
	return 0, fmt.Errorf("sts: present speed: %w", errors.ErrUnsupported)
}

func (b *Bus) EnableTorque(ctx context.Context, id int) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	return s.Enable(ctx)
}

func (b *Bus) DisableTorque(ctx context.Context, id int) error {
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	return s.Disable(ctx)
}

func (b *Bus) Close() error {
	return b.bus.Close()
}

func toDegrees(raw int) float64 {
	return float64(raw) * fullTurnDeg / resolution
}

func toRaw(deg float64) (int, error) {
	if !(deg >= 0 && deg < fullTurnDeg) {
		return 0, fmt.Errorf("angle %.2f outside [0, 360)", deg)
	}
	return min(int(math.Round(deg*resolution/fullTurnDeg)), resolution-1), nil
}
