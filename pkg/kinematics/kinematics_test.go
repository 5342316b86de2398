package kinematics

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolve_ReferencePose(t *testing.T) {
	got, err := Solve(Pose{Reach: 5, Height: 4, Pitch: 180}, DefaultGeometry())
	require.NoError(t, err)

	assert.InDelta(t, 74.1224, got.Shoulder, 1e-3)
	assert.InDelta(t, 79.2682, got.Elbow, 1e-3)
	assert.InDelta(t, 4.8542, got.WristPitch, 1e-3)
}

func TestSolve_ForwardRoundTrip(t *testing.T) {
	g := DefaultGeometry()
	solved := 0

	for reach := 0.5; reach <= 15; reach += 0.5 {
		for height := -20.0; height <= 20; height += 0.5 {
			p := Pose{Reach: reach, Height: height, Pitch: 180}
			a, err := Solve(p, g)
			if err != nil {
				require.ErrorIs(t, err, ErrUnreachable)
				continue
			}
			solved++

			back := Forward(a, g)
			assert.InDelta(t, p.Reach, back.Reach, 1e-3, "reach for %s", p)
			assert.InDelta(t, p.Height, back.Height, 1e-3, "height for %s", p)
			if a.WristPitch > 0 {
				assert.InDelta(t, p.Pitch, back.Pitch, 1e-3, "pitch for %s", p)
			}
		}
	}

	// The grid must actually cover part of the workspace.
	assert.Greater(t, solved, 100)
}

func TestSolve_BelowShoulderLine(t *testing.T) {
	g := DefaultGeometry()
	// Height -5 puts the wrist pivot 2.24 below the shoulder axis.
	p := Pose{Reach: 8, Height: -5, Pitch: 180}
	got, err := Solve(p, g)
	require.NoError(t, err)

	assert.InDelta(t, 142.5307, got.Shoulder, 1e-3)
	assert.InDelta(t, 77.7770, got.Elbow, 1e-3)
	assert.InDelta(t, 74.7538, got.WristPitch, 1e-3)

	back := Forward(got, g)
	assert.InDelta(t, p.Reach, back.Reach, 1e-6)
	assert.InDelta(t, p.Height, back.Height, 1e-6, "not folded up to the mirrored height")
	assert.InDelta(t, p.Pitch, back.Pitch, 1e-6)
}

func TestSolve_Unreachable(t *testing.T) {
	g := DefaultGeometry()

	tests := []struct {
		name string
		pose Pose
		term string
	}{
		{"beyond full stretch", Pose{Reach: g.MaxReach() + 0.01, Height: 4, Pitch: 180}, "elbow"},
		{"far above", Pose{Reach: 1, Height: 40, Pitch: 180}, "elbow"},
		{"zero reach", Pose{Reach: 0, Height: 4, Pitch: 180}, "reach"},
		{"negative reach", Pose{Reach: -3, Height: 4, Pitch: 180}, "reach"},
		{"nan reach", Pose{Reach: math.NaN(), Height: 4}, "reach"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Solve(tt.pose, g)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnreachable)

			var ue *UnreachableError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, tt.term, ue.Term)
		})
	}
}

func TestSolve_WristClampedToLevel(t *testing.T) {
	a, err := Solve(Pose{Reach: 5, Height: 4, Pitch: 0}, DefaultGeometry())
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.WristPitch)
}

func TestGeometry_Validate(t *testing.T) {
	assert.NoError(t, DefaultGeometry().Validate())

	g := DefaultGeometry()
	g.Forearm = 0
	assert.Error(t, g.Validate())

	g = DefaultGeometry()
	g.Wrist = -1
	_, err := Solve(Pose{Reach: 5, Height: 4, Pitch: 180}, g)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestForward3D(t *testing.T) {
	g := DefaultGeometry()
	a, err := Solve(Pose{Reach: 5, Height: 4, Pitch: 180}, g)
	require.NoError(t, err)

	p := Forward3D(90, a, g)
	assert.InDelta(t, 0, p.X, 1e-9)
	assert.InDelta(t, 5, p.Y, 1e-6)
	assert.InDelta(t, 4, p.Z, 1e-6)

	p = Forward3D(0, a, g)
	assert.InDelta(t, 5, p.X, 1e-6)
	assert.InDelta(t, 0, p.Y, 1e-9)
}
