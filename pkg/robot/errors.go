package robot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCalibrated is returned by motion commands issued before Calibrate
	// completed, or after a fault invalidated the calibration.
	ErrNotCalibrated = errors.New("arm not calibrated")
	// ErrAlreadyCalibrated is returned by Calibrate on a healthy arm.
	ErrAlreadyCalibrated = errors.New("arm already calibrated")
	// ErrBusy is returned when another command is still running.
	ErrBusy = errors.New("arm busy")
	// ErrOutOfRange is matched by every *RangeError.
	ErrOutOfRange = errors.New("angle out of range")
	// ErrActuatorFault is matched by every *ActuatorError.
	ErrActuatorFault = errors.New("actuator fault")
	// ErrStallTimeout is returned when the gripper keeps moving past the
	// stall-detection deadline.
	ErrStallTimeout = errors.New("gripper stall timeout")
)

// RangeError rejects a physical angle outside a joint's limits.
type RangeError struct {
	Joint  JointName
	Angle  float64
	Limits Limits
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %.2f° outside [%.0f°, %.0f°]", e.Joint, e.Angle, e.Limits.Min, e.Limits.Max)
}

// Is lets errors.Is match ErrOutOfRange.
func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// ActuatorError wraps a bus failure on one joint. After one of these the
// joint's physical state is unknown.
type ActuatorError struct {
	Joint JointName
	Op    string
	Err   error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Joint, e.Op, e.Err)
}

// Is lets errors.Is match ErrActuatorFault.
func (e *ActuatorError) Is(target error) bool {
	return target == ErrActuatorFault
}

func (e *ActuatorError) Unwrap() error {
	return e.Err
}

// needsRecalibration reports whether err leaves the arm in an unknown state.
func needsRecalibration(err error) bool {
	return errors.Is(err, ErrActuatorFault) || errors.Is(err, ErrStallTimeout)
}
