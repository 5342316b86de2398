// Package actuator defines the servo bus the arm controller drives.
package actuator

import (
	"context"
	"sync"
)

// Bus addresses servos by ID. Angles are physical degrees as the servo
// reports them; speeds are signed, driver-specific units.
type Bus interface {
	Angle(ctx context.Context, id int) (float64, error)
	SetAngle(ctx context.Context, id int, deg float64) error

	SetVelocityMode(ctx context.Context, id int) error
	// SetPositionMode returns the servo to position control with the given
	// torque limit.
	SetPositionMode(ctx context.Context, id int, maxCurrent int) error
	SetVelocity(ctx context.Context, id int, speed int) error
	Speed(ctx context.Context, id int) (int, error)

	EnableTorque(ctx context.Context, id int) error
	DisableTorque(ctx context.Context, id int) error

	Close() error
}

// Serialize wraps b so that at most one call reaches it at a time. Servos on
// a half-duplex bus answer one packet at a time, so every caller that may
// share a bus with another goroutine goes through this.
func Serialize(b Bus) Bus {
	if s, ok := b.(*serialized); ok {
		return s
	}
	return &serialized{bus: b}
}

type serialized struct {
	mu  sync.Mutex
	bus Bus
}

func (s *serialized) Angle(ctx context.Context, id int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.Angle(ctx, id)
}

func (s *serialized) SetAngle(ctx context.Context, id int, deg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.SetAngle(ctx, id, deg)
}

func (s *serialized) SetVelocityMode(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.SetVelocityMode(ctx, id)
}

func (s *serialized) SetPositionMode(ctx context.Context, id int, maxCurrent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.SetPositionMode(ctx, id, maxCurrent)
}

func (s *serialized) SetVelocity(ctx context.Context, id int, speed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.SetVelocity(ctx, id, speed)
}

func (s *serialized) Speed(ctx context.Context, id int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.Speed(ctx, id)
}

func (s *serialized) EnableTorque(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.EnableTorque(ctx, id)
}

func (s *serialized) DisableTorque(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.DisableTorque(ctx, id)
}

func (s *serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.Close()
}
