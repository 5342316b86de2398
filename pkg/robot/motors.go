// Package robot drives the PhantomX Reactor arm: calibration, joint limits,
// coupled servos, stepped motion and the gripper.
package robot

// JointName identifies a servo-driven joint of the arm.
type JointName string

// Joint names for the Reactor arm. The mirror joints are the second servos
// of the shoulder and elbow, mounted facing their primaries.
const (
	Base           JointName = "base"
	Shoulder       JointName = "shoulder"
	ShoulderMirror JointName = "shoulder_mirror"
	Elbow          JointName = "elbow"
	ElbowMirror    JointName = "elbow_mirror"
	WristPitch     JointName = "wrist_pitch"
	WristRoll      JointName = "wrist_roll"
	Gripper        JointName = "gripper"
)

// AllJoints returns every joint from the base up (matching servo IDs 1-8).
func AllJoints() []JointName {
	return []JointName{
		Base,
		Shoulder,
		ShoulderMirror,
		Elbow,
		ElbowMirror,
		WristPitch,
		WristRoll,
		Gripper,
	}
}

// Limits is a closed range of physical angles in degrees.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether deg lies in [Min, Max]. NaN is never contained.
func (l Limits) Contains(deg float64) bool {
	return deg >= l.Min && deg <= l.Max
}

// Joint is a snapshot of one joint. Angles are physical degrees as the servo
// reports them; Offset converts to the logical angle the kinematics use.
type Joint struct {
	Name    JointName `json:"name"`
	Servo   int       `json:"servo"`
	Limits  Limits    `json:"limits"`
	Offset  float64   `json:"offset"`
	Step    float64   `json:"step"`
	Partner JointName `json:"partner,omitempty"`
	Home    float64   `json:"home"`
	Current float64   `json:"current"`
}

// Physical converts a logical angle to the angle commanded on the servo.
func (j Joint) Physical(logical float64) float64 {
	return logical + j.Offset
}

// Logical converts a physical angle back to the kinematic frame.
func (j Joint) Logical(physical float64) float64 {
	return physical - j.Offset
}

// Check returns a *RangeError when deg is outside the joint's limits.
func (j Joint) Check(deg float64) error {
	if !j.Limits.Contains(deg) {
		return &RangeError{Joint: j.Name, Angle: deg, Limits: j.Limits}
	}
	return nil
}
