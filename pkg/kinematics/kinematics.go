// Package kinematics solves the planar inverse kinematics of a Reactor-style
// arm: a shoulder/elbow two-link chain carrying a wrist that hangs below the
// target point.
//
// All public angles are in degrees. Lengths use whatever unit the Geometry
// was measured in.
package kinematics

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ErrUnreachable is matched by every error Solve returns for a pose outside
// the arm's workspace.
var ErrUnreachable = errors.New("pose unreachable")

// acosTolerance absorbs rounding in law-of-cosines arguments that are exactly
// ±1 on paper.
const acosTolerance = 1e-9

// Geometry describes one physical arm. Link lengths must be positive; the
// offsets are per-unit mechanical corrections.
type Geometry struct {
	BaseHeight float64 `json:"base_height"`
	UpperArm   float64 `json:"upper_arm"`
	Forearm    float64 `json:"forearm"`
	Wrist      float64 `json:"wrist"`

	// VerticalOffset is added to the requested height before solving.
	VerticalOffset float64 `json:"vertical_offset"`
	// ShoulderOffset and ElbowOffset are mounting corrections in degrees.
	ShoulderOffset float64 `json:"shoulder_offset"`
	ElbowOffset    float64 `json:"elbow_offset"`
}

// DefaultGeometry returns the measurements of the reference Reactor arm.
func DefaultGeometry() Geometry {
	return Geometry{
		BaseHeight:     4.39,
		UpperArm:       5.69,
		Forearm:        5.69,
		Wrist:          5.40,
		VerticalOffset: 1.75,
		ShoulderOffset: 10,
		ElbowOffset:    16,
	}
}

// Validate checks that every link length is strictly positive.
func (g Geometry) Validate() error {
	links := []struct {
		name string
		v    float64
	}{
		{"base_height", g.BaseHeight},
		{"upper_arm", g.UpperArm},
		{"forearm", g.Forearm},
		{"wrist", g.Wrist},
	}
	for _, l := range links {
		if !(l.v > 0) || math.IsInf(l.v, 0) {
			return fmt.Errorf("geometry: %s must be positive, got %v", l.name, l.v)
		}
	}
	return nil
}

// MaxReach is the longest horizontal reach the chain can stretch to.
func (g Geometry) MaxReach() float64 {
	return g.UpperArm + g.Forearm + g.Wrist
}

// Pose is an end-effector target in the arm's vertical plane.
type Pose struct {
	Reach  float64 `json:"reach"`
	Height float64 `json:"height"`
	Pitch  float64 `json:"pitch"`
}

func (p Pose) String() string {
	return fmt.Sprintf("(reach=%.3f height=%.3f pitch=%.1f°)", p.Reach, p.Height, p.Pitch)
}

// JointAngles is a solver result in the logical frame of each joint. The
// angles have not been checked against any joint limits.
type JointAngles struct {
	Shoulder   float64 `json:"shoulder"`
	Elbow      float64 `json:"elbow"`
	WristPitch float64 `json:"wrist_pitch"`
}

// UnreachableError reports which law-of-cosines term left its domain.
type UnreachableError struct {
	Pose Pose
	Term string
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("pose %s unreachable: %s out of domain", e.Pose, e.Term)
}

// Is lets errors.Is match ErrUnreachable.
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}

// Solve maps a pose to shoulder, elbow and wrist-pitch angles.
//
// The wrist is treated as hanging Wrist units below the target, so the
// two-link chain solves for the point (reach, v) with
// v = Wrist + height + VerticalOffset - BaseHeight measured from the shoulder
// pivot. A requested pitch that would need a negative wrist angle is
// flattened to zero.
func Solve(p Pose, g Geometry) (JointAngles, error) {
	if err := g.Validate(); err != nil {
		return JointAngles{}, err
	}
	// The arm only solves forward of the base axis. A negative reach still
	// gives finite acos arguments but would fold the arm back over itself.
	if !(p.Reach > 0) {
		return JointAngles{}, &UnreachableError{Pose: p, Term: "reach"}
	}

	z := p.Height + g.VerticalOffset
	v := g.Wrist + (z - g.BaseHeight)
	c := math.Hypot(p.Reach, v)

	omega, ok := acos((c*c + p.Reach*p.Reach - v*v) / (2 * c * p.Reach))
	if !ok {
		return JointAngles{}, &UnreachableError{Pose: p, Term: "omega"}
	}
	// acos loses the sign of v; targets below the shoulder line point down.
	if v < 0 {
		omega = -omega
	}

	inner, ok := acos((g.UpperArm*g.UpperArm + g.Forearm*g.Forearm - c*c) / (2 * g.UpperArm * g.Forearm))
	if !ok {
		return JointAngles{}, &UnreachableError{Pose: p, Term: "elbow"}
	}
	elbow := inner - radians(g.ElbowOffset)

	epsilon, ok := acos((c*c + g.UpperArm*g.UpperArm - g.Forearm*g.Forearm) / (2 * c * g.UpperArm))
	if !ok {
		return JointAngles{}, &UnreachableError{Pose: p, Term: "epsilon"}
	}

	shoulder := math.Pi - (epsilon + omega) - radians(g.ShoulderOffset)
	wrist := radians(p.Pitch) - (epsilon + omega + elbow)
	if wrist < 0 {
		wrist = 0
	}

	return JointAngles{
		Shoulder:   degrees(shoulder),
		Elbow:      degrees(elbow),
		WristPitch: degrees(wrist),
	}, nil
}

// Forward is the inverse of Solve: it returns the pose the given logical
// angles put the end effector at.
func Forward(a JointAngles, g Geometry) Pose {
	elevation := math.Pi - radians(a.Shoulder) - radians(g.ShoulderOffset)
	inner := radians(a.Elbow) + radians(g.ElbowOffset)
	forearm := elevation - (math.Pi - inner)

	x := g.UpperArm*math.Cos(elevation) + g.Forearm*math.Cos(forearm)
	v := g.UpperArm*math.Sin(elevation) + g.Forearm*math.Sin(forearm)

	return Pose{
		Reach:  x,
		Height: v - g.Wrist + g.BaseHeight - g.VerticalOffset,
		Pitch:  a.WristPitch + degrees(elevation) + a.Elbow,
	}
}

// Forward3D places the planar pose in space by rotating it about the base
// axis. base is the base joint angle in degrees; z is up.
func Forward3D(base float64, a JointAngles, g Geometry) r3.Vector {
	p := Forward(a, g)
	az := radians(base)
	return r3.Vector{
		X: p.Reach * math.Cos(az),
		Y: p.Reach * math.Sin(az),
		Z: p.Height,
	}
}

func acos(x float64) (float64, bool) {
	if math.IsNaN(x) || x < -1-acosTolerance || x > 1+acosTolerance {
		return 0, false
	}
	return math.Acos(math.Max(-1, math.Min(1, x))), true
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
