// Package motion breaks a single joint move into small fixed-size steps so
// servos are never asked to jump across their whole range at once.
package motion

import "math"

// Default step sizes in degrees.
const (
	StepMajor      = 2.0 // base, shoulder, elbow
	StepWristPitch = 3.0
	StepWristRoll  = 1.0
)

// Trajectory is the ordered list of angles to commit, excluding the start
// angle and always ending exactly on the target.
type Trajectory []float64

// Last returns the final angle, or false for an empty trajectory.
func (t Trajectory) Last() (float64, bool) {
	if len(t) == 0 {
		return 0, false
	}
	return t[len(t)-1], true
}

// Sign returns -1, 0 or +1.
func Sign(d float64) int {
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	default:
		return 0
	}
}

// stepTolerance keeps float noise in |target-current|/step from adding a
// zero-length final step.
const stepTolerance = 1e-9

// Plan returns the steps from current to target. It is empty when the joint
// is already there and has ceil(|target-current|/step) entries otherwise. A
// non-positive step plans a single jump.
func Plan(current, target, step float64) Trajectory {
	dir := Sign(target - current)
	if dir == 0 {
		return nil
	}
	if !(step > 0) {
		return Trajectory{target}
	}

	n := int(math.Ceil(math.Abs(target-current)/step - stepTolerance))
	if n < 1 {
		n = 1
	}
	traj := make(Trajectory, 0, n)
	for k := 1; k < n; k++ {
		traj = append(traj, current+float64(k*dir)*step)
	}
	return append(traj, target)
}
