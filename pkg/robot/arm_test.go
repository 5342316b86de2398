package robot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gwillem/reactor/pkg/actuator"
	"github.com/gwillem/reactor/pkg/actuator/sim"
	"github.com/gwillem/reactor/pkg/kinematics"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Driver = DriverSim
	cfg.Timing = Timing{}
	cfg.Gripper.SpinUpMS = 0
	cfg.Gripper.StallPollMS = 1
	cfg.Gripper.StallTimeoutMS = 50
	return cfg
}

func newTestArm(t *testing.T, wrap ...func(actuator.Bus) actuator.Bus) (*Arm, *sim.Bus) {
	t.Helper()
	cfg := testConfig()
	bus, err := OpenBus(context.Background(), cfg)
	require.NoError(t, err)
	simBus := bus.(*sim.Bus)
	for _, w := range wrap {
		bus = w(bus)
	}
	arm, err := NewArm(bus, cfg, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	return arm, simBus
}

func newCalibratedArm(t *testing.T, wrap ...func(actuator.Bus) actuator.Bus) (*Arm, *sim.Bus) {
	t.Helper()
	arm, bus := newTestArm(t, wrap...)
	require.NoError(t, arm.Calibrate(context.Background()))
	bus.ResetCommands()
	return arm, bus
}

// assertMirrored checks every coupled pair against the mirror relation.
func assertMirrored(t *testing.T, arm *Arm) {
	t.Helper()
	joints := arm.Joints()
	byName := make(map[JointName]Joint, len(joints))
	for _, j := range joints {
		byName[j.Name] = j
	}
	for _, j := range joints {
		if j.Partner == "" {
			continue
		}
		p := byName[j.Partner]
		assert.Equal(t, p.Home-(j.Current-j.Offset), p.Current, "%s follows %s", p.Name, j.Name)
	}
}

func assertInRange(t *testing.T, arm *Arm) {
	t.Helper()
	for _, j := range arm.Joints() {
		assert.NoError(t, j.Check(j.Current))
	}
}

func TestArm_NotCalibrated(t *testing.T) {
	arm, bus := newTestArm(t)
	ctx := context.Background()

	assert.Equal(t, Uncalibrated, arm.State())
	assert.ErrorIs(t, arm.Move(ctx, 5, 4, 180), ErrNotCalibrated)
	assert.ErrorIs(t, arm.Home(ctx), ErrNotCalibrated)
	assert.ErrorIs(t, arm.SetBase(ctx, 100), ErrNotCalibrated)
	assert.ErrorIs(t, arm.FullExtend(ctx), ErrNotCalibrated)
	assert.ErrorIs(t, arm.OpenHand(ctx), ErrNotCalibrated)
	assert.ErrorIs(t, arm.CloseHand(ctx), ErrNotCalibrated)
	assert.Empty(t, bus.Commands())
}

func TestArm_Calibrate(t *testing.T) {
	arm, bus := newTestArm(t)
	ctx := context.Background()

	require.NoError(t, arm.Calibrate(ctx))
	assert.Equal(t, Ready, arm.State())
	assert.Empty(t, bus.Commands(), "calibration only reads")

	cfg := testConfig()
	for name, home := range arm.HomeAngles() {
		assert.Equal(t, cfg.Joints[name].Rest, home, string(name))
	}
	assert.Equal(t, arm.HomeAngles(), arm.Angles())

	assert.ErrorIs(t, arm.Calibrate(ctx), ErrAlreadyCalibrated)
}

func TestArm_CalibrateReadFailure(t *testing.T) {
	arm, bus := newTestArm(t)
	ctx := context.Background()
	bus.Fail(sim.OpAngle, 4, errBoom)

	err := arm.Calibrate(ctx)
	var actErr *ActuatorError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, Elbow, actErr.Joint)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, Uncalibrated, arm.State())
	assert.ErrorIs(t, arm.Move(ctx, 5, 4, 180), ErrNotCalibrated)

	bus.Heal()
	require.NoError(t, arm.Calibrate(ctx))
}

func TestArm_MoveReadyPose(t *testing.T) {
	arm, _ := newCalibratedArm(t)

	require.NoError(t, arm.Move(context.Background(), 5, 4, 180))

	angles := arm.Angles()
	assert.InDelta(t, 60+74.1224, angles[Shoulder], 1e-3)
	assert.InDelta(t, 60+79.2682, angles[Elbow], 1e-3)
	assert.InDelta(t, 54+4.8542, angles[WristPitch], 1e-3)
	assertInRange(t, arm)
	assertMirrored(t, arm)

	pose := arm.Pose()
	assert.InDelta(t, 5, pose.Reach, 1e-6)
	assert.InDelta(t, 4, pose.Height, 1e-6)
	assert.InDelta(t, 180, pose.Pitch, 1e-6)
}

func TestArm_MoveKeepsPairsMirrored(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()

	poses := []kinematics.Pose{
		{Reach: 5, Height: 4, Pitch: 180},
		{Reach: 8, Height: 2, Pitch: 150},
		{Reach: 9, Height: -2, Pitch: 190},
		{Reach: 3, Height: 8, Pitch: 190},
		{Reach: 6, Height: 0, Pitch: 220},
	}
	for _, p := range poses {
		require.NoError(t, arm.MoveTo(ctx, p), p.String())
		assertMirrored(t, arm)
		assertInRange(t, arm)

		for _, j := range arm.Joints() {
			s, ok := bus.Servo(j.Servo)
			require.True(t, ok)
			assert.Equal(t, j.Current, s.Angle, "%s tracked angle matches the servo", j.Name)
		}
	}
}

func TestArm_MoveSteps(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	home := arm.HomeAngles()

	require.NoError(t, arm.Move(context.Background(), 5, 4, 180))

	cmds := bus.Commands()
	prev := map[int]float64{4: home[Elbow], 2: home[Shoulder], 6: home[WristPitch]}
	maxStep := map[int]float64{4: 2, 2: 2, 6: 3}
	for i, c := range cmds {
		require.Equal(t, sim.OpSetAngle, c.Op)
		step, primary := maxStep[c.ID]
		if !primary {
			continue
		}
		assert.LessOrEqual(t, math.Abs(c.Value-prev[c.ID]), step+1e-9)
		prev[c.ID] = c.Value

		// Each primary step is followed by its partner in the same step.
		switch c.ID {
		case 4:
			require.Less(t, i+1, len(cmds))
			assert.Equal(t, 5, cmds[i+1].ID)
			assert.Equal(t, home[ElbowMirror]-(c.Value-60), cmds[i+1].Value)
		case 2:
			require.Less(t, i+1, len(cmds))
			assert.Equal(t, 3, cmds[i+1].ID)
		}
	}

	// Elbow first, then shoulder, then wrist.
	firstOf := func(id int) int {
		for i, c := range cmds {
			if c.ID == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, firstOf(4), firstOf(2))
	assert.Less(t, firstOf(2), firstOf(6))
}

func TestArm_MoveUnreachable(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	before := arm.Angles()

	err := arm.Move(context.Background(), 40, 0, 180)
	assert.ErrorIs(t, err, kinematics.ErrUnreachable)
	assert.Empty(t, bus.Commands())
	assert.Equal(t, before, arm.Angles())
	assert.Equal(t, Ready, arm.State())
}

func TestArm_MoveOutOfRangeMovesNothing(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	before := arm.Angles()

	// Elbow and shoulder are fine, the wrist is not.
	err := arm.Move(context.Background(), 5, 4, 400)
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, WristPitch, rangeErr.Joint)

	assert.Empty(t, bus.Commands())
	assert.Equal(t, before, arm.Angles())
	assert.Equal(t, Ready, arm.State())
}

func TestArm_SetOutOfRange(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		set   func() error
		joint JointName
	}{
		{"shoulder above max", func() error { return arm.SetShoulder(ctx, 181) }, Shoulder},
		{"shoulder below min", func() error { return arm.SetShoulder(ctx, -3) }, Shoulder},
		{"elbow above max", func() error { return arm.SetElbow(ctx, 205) }, Elbow},
		{"wrist below min", func() error { return arm.SetWristVertical(ctx, -1) }, WristPitch},
		{"base above max", func() error { return arm.SetBase(ctx, 300.5) }, Base},
		{"roll NaN", func() error { return arm.SetWristAngle(ctx, math.NaN()) }, WristRoll},
		{"gripper above max", func() error { return arm.SetGripper(ctx, 301) }, Gripper},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rangeErr *RangeError
			require.True(t, errors.As(tt.set(), &rangeErr))
			assert.Equal(t, tt.joint, rangeErr.Joint)
		})
	}
	assert.Empty(t, bus.Commands())
	assert.Equal(t, arm.HomeAngles(), arm.Angles())
}

func TestArm_PartnerOutOfRange(t *testing.T) {
	arm, bus := newTestArm(t)
	ctx := context.Background()
	bus.Nudge(3, 299)
	require.NoError(t, arm.Calibrate(ctx))
	bus.ResetCommands()

	// Shoulder 58° is in range, but its mirror would need 301°.
	err := arm.SetShoulder(ctx, -2)
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, ShoulderMirror, rangeErr.Joint)
	assert.InDelta(t, 301, rangeErr.Angle, 1e-9)
	assert.Empty(t, bus.Commands())
}

func TestArm_SetJoints(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()

	require.NoError(t, arm.SetBase(ctx, 100))
	assert.Len(t, bus.Commands(), 25)
	bus.ResetCommands()

	require.NoError(t, arm.SetWristAngle(ctx, 140))
	assert.Len(t, bus.Commands(), 10)

	require.NoError(t, arm.SetWristVertical(ctx, 10))
	require.NoError(t, arm.SetShoulder(ctx, 30))
	require.NoError(t, arm.SetElbow(ctx, 45))

	angles := arm.Angles()
	assert.Equal(t, 100.0, angles[Base])
	assert.Equal(t, 140.0, angles[WristRoll])
	assert.Equal(t, 64.0, angles[WristPitch])
	assert.Equal(t, 90.0, angles[Shoulder])
	assert.Equal(t, 105.0, angles[Elbow])
	assertMirrored(t, arm)

	bus.ResetCommands()
	require.NoError(t, arm.SetBase(ctx, 100))
	assert.Empty(t, bus.Commands(), "no command when already at target")
}

func TestArm_Home(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()

	require.NoError(t, arm.Move(ctx, 8, 2, 150))
	require.NoError(t, arm.SetBase(ctx, 80))
	require.NoError(t, arm.SetWristAngle(ctx, 160))
	bus.ResetCommands()

	require.NoError(t, arm.Home(ctx))
	assert.Equal(t, arm.HomeAngles(), arm.Angles())

	// Top to bottom: wrist before elbow before shoulder before base.
	order := []int{}
	for _, c := range bus.Commands() {
		if len(order) == 0 || order[len(order)-1] != c.ID {
			order = append(order, c.ID)
		}
	}
	firstIndex := func(id int) int {
		for i, o := range order {
			if o == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, firstIndex(7), firstIndex(6))
	assert.Less(t, firstIndex(6), firstIndex(4))
	assert.Less(t, firstIndex(4), firstIndex(2))
	assert.Less(t, firstIndex(2), firstIndex(1))
}

func TestArm_FullExtend(t *testing.T) {
	arm, _ := newCalibratedArm(t)

	require.NoError(t, arm.FullExtend(context.Background()))

	angles := arm.Angles()
	assert.Equal(t, 264.0, angles[Elbow])
	assert.Equal(t, 240.0, angles[Shoulder])
	assert.Equal(t, 244.0, angles[WristPitch])
	assertMirrored(t, arm)
	assertInRange(t, arm)
}

func TestArm_ActuatorFault(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()
	bus.Fail(sim.OpSetAngle, 4, errBoom)

	err := arm.Move(ctx, 5, 4, 180)
	assert.ErrorIs(t, err, ErrActuatorFault)
	assert.ErrorIs(t, err, errBoom)
	var actErr *ActuatorError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, Elbow, actErr.Joint)
	assert.Equal(t, Faulted, arm.State())

	bus.Heal()
	err = arm.Move(ctx, 5, 4, 180)
	assert.ErrorIs(t, err, ErrNotCalibrated)

	require.NoError(t, arm.Calibrate(ctx))
	require.NoError(t, arm.Move(ctx, 5, 4, 180))
	assertMirrored(t, arm)
}

func TestArm_PartnerFault(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	bus.Fail(sim.OpSetAngle, 3, errBoom)

	err := arm.SetShoulder(context.Background(), 20)
	var actErr *ActuatorError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, ShoulderMirror, actErr.Joint)
	assert.Equal(t, Faulted, arm.State())
}

// cancelAfter cancels a context once n angles have been set.
type cancelAfter struct {
	actuator.Bus
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) SetAngle(ctx context.Context, id int, deg float64) error {
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return c.Bus.SetAngle(ctx, id, deg)
}

// honourCtx refuses every call once ctx is done, as the serial drivers do.
type honourCtx struct {
	actuator.Bus
}

func withCtx(b actuator.Bus) actuator.Bus { return honourCtx{b} }

func (h honourCtx) Angle(ctx context.Context, id int) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("servo %d: %w", id, err)
	}
	return h.Bus.Angle(ctx, id)
}

func (h honourCtx) SetAngle(ctx context.Context, id int, deg float64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("servo %d: %w", id, err)
	}
	return h.Bus.SetAngle(ctx, id, deg)
}

func (h honourCtx) SetVelocity(ctx context.Context, id int, speed int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("servo %d: %w", id, err)
	}
	return h.Bus.SetVelocity(ctx, id, speed)
}

func (h honourCtx) Speed(ctx context.Context, id int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("servo %d: %w", id, err)
	}
	return h.Bus.Speed(ctx, id)
}

// cancelOnWrite cancels a context right after the nth angle reached the bus.
type cancelOnWrite struct {
	actuator.Bus
	n      int
	cancel context.CancelFunc
}

func (c *cancelOnWrite) SetAngle(ctx context.Context, id int, deg float64) error {
	err := c.Bus.SetAngle(ctx, id, deg)
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return err
}

func TestArm_MoveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	arm, bus := newCalibratedArm(t, withCtx, func(b actuator.Bus) actuator.Bus {
		return &cancelAfter{Bus: b, n: 5, cancel: cancel}
	})

	err := arm.Move(ctx, 5, 4, 180)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Ready, arm.State(), "cancellation is not a fault")

	// Cancelled between steps, never between a primary and its partner.
	assert.Len(t, bus.Commands(), 6)
	assertMirrored(t, arm)
	assert.Equal(t, 66.0, arm.Angles()[Elbow])
}

func TestArm_CancelAfterPrimaryWriteKeepsPair(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Third shoulder step: shoulder, mirror, shoulder, mirror, shoulder.
	arm, bus := newCalibratedArm(t, withCtx, func(b actuator.Bus) actuator.Bus {
		return &cancelOnWrite{Bus: b, n: 5, cancel: cancel}
	})

	err := arm.SetShoulder(ctx, 30)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrActuatorFault)
	assert.Equal(t, Ready, arm.State())

	assert.Len(t, bus.Commands(), 6)
	shoulder, _ := bus.Servo(2)
	mirror, _ := bus.Servo(3)
	assert.Equal(t, 66.0, shoulder.Angle)
	assert.Equal(t, 234.0, mirror.Angle)
	assertMirrored(t, arm)
}

func TestArm_CancelledBeforeStart(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, arm.SetBase(ctx, 100), context.Canceled)
	assert.Empty(t, bus.Commands())
}

// gate blocks the first SetAngle until released.
type gate struct {
	actuator.Bus
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gate) SetAngle(ctx context.Context, id int, deg float64) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Bus.SetAngle(ctx, id, deg)
}

func TestArm_Busy(t *testing.T) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	arm, _ := newCalibratedArm(t, func(b actuator.Bus) actuator.Bus {
		g.Bus = b
		return g
	})
	ctx := context.Background()

	done := make(chan error)
	go func() { done <- arm.SetBase(ctx, 140) }()
	<-g.entered

	assert.ErrorIs(t, arm.SetWristAngle(ctx, 100), ErrBusy)
	assert.ErrorIs(t, arm.Calibrate(ctx), ErrBusy)
	assert.Equal(t, Ready, arm.State())

	close(g.release)
	require.NoError(t, <-done)
	assert.Equal(t, 140.0, arm.Angles()[Base])
}

func TestArm_SyncCoupledFromReadback(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()
	require.NoError(t, arm.Move(ctx, 5, 4, 180))

	// The elbow settles slightly off its goal.
	bus.Nudge(4, 139)
	require.NoError(t, arm.syncCoupled(ctx))

	assert.Equal(t, 139.0, arm.Angles()[Elbow])
	assertMirrored(t, arm)
	s, _ := bus.Servo(5)
	assert.Equal(t, arm.HomeAngles()[ElbowMirror]-(139-60), s.Angle)
}

func TestArm_Ready(t *testing.T) {
	arm, bus := newTestArm(t)

	require.NoError(t, arm.Ready(context.Background()))
	assert.Equal(t, Ready, arm.State())

	assert.Equal(t, 140.0, arm.Angles()[Base])
	pose := arm.Pose()
	assert.InDelta(t, 5, pose.Reach, 1e-6)
	assert.InDelta(t, 4, pose.Height, 1e-6)
	assertMirrored(t, arm)

	for _, j := range arm.Joints() {
		s, _ := bus.Servo(j.Servo)
		assert.True(t, s.Torque, string(j.Name))
		assert.Equal(t, sim.ModePosition, s.Mode, string(j.Name))
		want := 475
		if j.Name == Base {
			want = 512
		}
		assert.Equal(t, want, s.MaxCurrent, string(j.Name))
	}
}

func TestArm_Close(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()
	require.NoError(t, arm.Move(ctx, 5, 4, 180))

	require.NoError(t, arm.Close())

	assert.True(t, bus.Closed())
	for _, j := range arm.Joints() {
		s, _ := bus.Servo(j.Servo)
		assert.False(t, s.Torque)
		assert.Equal(t, j.Home, s.Angle, string(j.Name))
	}
	assert.Equal(t, Uncalibrated, arm.State())
}

func TestArm_CloseCollectsErrors(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	bus.Fail(sim.OpTorqueDisable, 2, errBoom)
	bus.Fail(sim.OpTorqueDisable, 7, errBoom)

	err := arm.Close()
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "shoulder")
	assert.Contains(t, err.Error(), "wrist_roll")
	assert.True(t, bus.Closed(), "bus is closed despite earlier failures")
}

func TestArm_ReadAngles(t *testing.T) {
	arm, bus := newTestArm(t)
	bus.Nudge(1, 42)

	angles, err := arm.ReadAngles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, angles[Base])
	assert.Len(t, angles, len(AllJoints()))
	assert.Equal(t, Uncalibrated, arm.State())
}

func TestNewArm_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	delete(cfg.Joints, Gripper)

	_, err := NewArm(sim.New(nil), cfg)
	assert.Error(t, err)
}

func TestArm_StallTimeoutIsBounded(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	bus.StallAfter(-1)

	start := time.Now()
	err := arm.CloseHand(context.Background())
	assert.ErrorIs(t, err, ErrStallTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Faulted, arm.State())

	s, _ := bus.Servo(8)
	assert.Equal(t, sim.ModePosition, s.Mode)
	assert.Equal(t, 0, s.Velocity)
}

func TestArm_EnableDisable(t *testing.T) {
	arm, bus := newTestArm(t)
	ctx := context.Background()

	require.NoError(t, arm.Enable(ctx))
	for _, j := range arm.Joints() {
		s, _ := bus.Servo(j.Servo)
		assert.True(t, s.Torque, string(j.Name))
	}

	require.NoError(t, arm.Disable(ctx))
	for _, j := range arm.Joints() {
		s, _ := bus.Servo(j.Servo)
		assert.False(t, s.Torque, string(j.Name))
	}

	bus.Fail(sim.OpTorqueEnable, 5, errBoom)
	err := arm.Enable(ctx)
	assert.ErrorIs(t, err, ErrActuatorFault)
	assert.Contains(t, err.Error(), "elbow_mirror")
}

func TestArm_Disconnect(t *testing.T) {
	arm, bus := newCalibratedArm(t)
	ctx := context.Background()
	require.NoError(t, arm.Enable(ctx))
	require.NoError(t, arm.Move(ctx, 5, 4, 180))
	moved := arm.Angles()

	require.NoError(t, arm.Disconnect())
	assert.True(t, bus.Closed())
	assert.Equal(t, Uncalibrated, arm.State())
	for _, j := range arm.Joints() {
		s, _ := bus.Servo(j.Servo)
		assert.True(t, s.Torque, "servos keep holding")
		assert.Equal(t, moved[j.Name], s.Angle, string(j.Name))
	}
}
