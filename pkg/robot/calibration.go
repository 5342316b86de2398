package robot

import (
	"context"
	"fmt"
)

// Calibration holds the home angle of every joint, keyed by joint name.
type Calibration map[JointName]float64

// Validate checks that every joint has a home angle.
func (c Calibration) Validate() error {
	for _, name := range AllJoints() {
		if _, ok := c[name]; !ok {
			return fmt.Errorf("calibration: missing %s", name)
		}
	}
	return nil
}

// Calibration returns the recorded home angles, or nil before calibration.
func (a *Arm) Calibration() Calibration {
	switch a.State() {
	case Ready, Faulted:
		return Calibration(a.HomeAngles())
	default:
		return nil
	}
}

// Calibrate records the present angle of every joint as its home angle. The
// arm must be resting in its reference pose. It runs once; after a fault it
// may run again.
func (a *Arm) Calibrate(ctx context.Context) error {
	return a.calibrate(ctx, nil)
}

// Restore calibrates from a saved calibration. Home angles come from cal and
// the tracked angles from the bus, so the arm may be anywhere.
func (a *Arm) Restore(ctx context.Context, cal Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	return a.calibrate(ctx, cal)
}

func (a *Arm) calibrate(ctx context.Context, saved Calibration) error {
	if !a.op.TryLock() {
		return ErrBusy
	}
	defer a.op.Unlock()

	a.mu.Lock()
	prev := a.state
	if prev == Ready {
		a.mu.Unlock()
		return ErrAlreadyCalibrated
	}
	a.state = Calibrating
	a.mu.Unlock()

	present := make([]float64, len(a.joints))
	for i, j := range a.joints {
		deg, err := a.bus.Angle(ctx, j.Servo)
		if err != nil {
			a.setState(prev)
			return &ActuatorError{Joint: j.Name, Op: "read home", Err: err}
		}
		present[i] = deg
	}

	a.mu.Lock()
	for i := range a.joints {
		home := present[i]
		if saved != nil {
			home = saved[a.joints[i].Name]
		}
		a.joints[i].Home = home
		a.joints[i].Current = present[i]
	}
	a.state = Ready
	a.mu.Unlock()

	if saved != nil {
		a.logger.Infow("calibration restored", "home", a.HomeAngles())
	} else {
		a.logger.Infow("calibrated", "home", a.HomeAngles())
	}
	return nil
}
