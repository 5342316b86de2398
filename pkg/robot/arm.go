package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/gwillem/reactor/pkg/actuator"
	"github.com/gwillem/reactor/pkg/kinematics"
	"github.com/gwillem/reactor/pkg/motion"
)

// State is the calibration state of an Arm.
type State int

const (
	Uncalibrated State = iota
	Calibrating
	Ready
	// Faulted means an actuator failed mid-command. Motion is refused until
	// Calibrate runs again.
	Faulted
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures an Arm.
type Option func(*Arm)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Arm) { a.logger = l }
}

// Arm controls one Reactor arm over a servo bus. Commands are synchronous
// and run one at a time; a command issued while another is running fails
// with ErrBusy.
type Arm struct {
	bus    actuator.Bus
	cfg    Config
	logger *zap.SugaredLogger

	op sync.Mutex // held for the whole of a command

	// mu guards state and joint angles for readers outside the running
	// command. Only the holder of op writes them.
	mu     sync.RWMutex
	state  State
	joints []Joint
	index  map[JointName]int
}

// NewArm wraps bus in an uncalibrated arm. The arm owns bus and closes it
// in Close.
func NewArm(bus actuator.Bus, cfg Config, opts ...Option) (*Arm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &Arm{
		bus:    actuator.Serialize(bus),
		cfg:    cfg,
		logger: zap.NewNop().Sugar(),
		index:  make(map[JointName]int),
	}
	for i, name := range AllJoints() {
		jc := cfg.Joints[name]
		a.joints = append(a.joints, Joint{
			Name:    name,
			Servo:   jc.Servo,
			Limits:  jc.Limits,
			Offset:  jc.Offset,
			Step:    jc.Step,
			Partner: jc.Partner,
		})
		a.index[name] = i
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Config returns the configuration the arm was built with.
func (a *Arm) Config() Config {
	return a.cfg
}

// State returns the calibration state.
func (a *Arm) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Arm) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Joints returns a snapshot of every joint, base first.
func (a *Arm) Joints() []Joint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Joint(nil), a.joints...)
}

// Angles returns the last commanded physical angle of every joint.
func (a *Arm) Angles() map[JointName]float64 {
	return lo.Associate(a.Joints(), func(j Joint) (JointName, float64) {
		return j.Name, j.Current
	})
}

// HomeAngles returns the angles recorded by Calibrate.
func (a *Arm) HomeAngles() map[JointName]float64 {
	return lo.Associate(a.Joints(), func(j Joint) (JointName, float64) {
		return j.Name, j.Home
	})
}

// ReadAngles reads every joint's physical angle from the bus. It works in
// any state and does not change the tracked angles.
func (a *Arm) ReadAngles(ctx context.Context) (map[JointName]float64, error) {
	angles := make(map[JointName]float64, len(a.joints))
	for _, j := range a.joints {
		deg, err := a.bus.Angle(ctx, j.Servo)
		if err != nil {
			return nil, &ActuatorError{Joint: j.Name, Op: "read angle", Err: err}
		}
		angles[j.Name] = deg
	}
	return angles, nil
}

// Pose returns where the tracked joint angles put the end effector.
func (a *Arm) Pose() kinematics.Pose {
	return kinematics.Forward(a.logicalAngles(), a.cfg.Geometry)
}

func (a *Arm) logicalAngles() kinematics.JointAngles {
	a.mu.RLock()
	defer a.mu.RUnlock()
	logical := func(name JointName) float64 {
		j := a.joints[a.index[name]]
		return j.Logical(j.Current)
	}
	return kinematics.JointAngles{
		Shoulder:   logical(Shoulder),
		Elbow:      logical(Elbow),
		WristPitch: logical(WristPitch),
	}
}

// run executes fn as one command. It refuses to start unless the arm is
// calibrated and idle, and faults the arm when fn leaves it in an unknown
// physical state.
func (a *Arm) run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := a.checkReady(name); err != nil {
		return err
	}
	if !a.op.TryLock() {
		return ErrBusy
	}
	defer a.op.Unlock()
	if err := a.checkReady(name); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if needsRecalibration(err) {
		a.setState(Faulted)
		a.logger.Errorw("arm faulted, recalibration required", "command", name, "error", err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (a *Arm) checkReady(name string) error {
	switch a.State() {
	case Ready:
		return nil
	case Faulted:
		return fmt.Errorf("%s: %w (recalibrate after fault)", name, ErrNotCalibrated)
	default:
		return fmt.Errorf("%s: %w", name, ErrNotCalibrated)
	}
}

// target is a physical angle for one joint.
type target struct {
	joint JointName
	angle float64
}

// validate checks every target, and the mirrored angles its partner will be
// driven through, before anything moves.
func (a *Arm) validate(targets []target) error {
	for _, t := range targets {
		i := a.index[t.joint]
		j := a.joints[i]
		if err := j.Check(t.angle); err != nil {
			return err
		}
		if j.Partner == "" {
			continue
		}
		// Partner angles are monotonic along the trajectory, so its first
		// and last commands bound all the others.
		first := t.angle
		if traj := motion.Plan(j.Current, t.angle, j.Step); len(traj) > 0 {
			first = traj[0]
		}
		p := a.joints[a.index[j.Partner]]
		for _, deg := range []float64{first, t.angle} {
			if err := p.Check(a.mirror(i, deg)); err != nil {
				return err
			}
		}
	}
	return nil
}

// mirror returns the partner angle that matches primary joint i at deg.
func (a *Arm) mirror(i int, deg float64) float64 {
	j := a.joints[i]
	return a.joints[a.index[j.Partner]].Home - j.Logical(deg)
}

func (a *Arm) physical(name JointName, logical float64) float64 {
	return a.joints[a.index[name]].Physical(logical)
}

// commit sends one trajectory step for joint i and its partner. Both writes
// go out even if ctx is cancelled in between; drive checks ctx between steps.
func (a *Arm) commit(ctx context.Context, i int, deg float64) error {
	ctx = context.WithoutCancel(ctx)
	j := a.joints[i]
	if err := a.setAngle(ctx, i, deg); err != nil {
		return err
	}
	if j.Partner == "" {
		return nil
	}
	return a.setAngle(ctx, a.index[j.Partner], a.mirror(i, deg))
}

func (a *Arm) setAngle(ctx context.Context, i int, deg float64) error {
	j := a.joints[i]
	if err := a.bus.SetAngle(ctx, j.Servo, deg); err != nil {
		return &ActuatorError{Joint: j.Name, Op: "set angle", Err: err}
	}
	a.mu.Lock()
	a.joints[i].Current = deg
	a.mu.Unlock()
	return nil
}

// drive steps one joint to target, waiting the settle interval between
// steps. Cancellation is honoured between steps.
func (a *Arm) drive(ctx context.Context, name JointName, target float64) error {
	i := a.index[name]
	j := a.joints[i]
	traj := motion.Plan(j.Current, target, j.Step)
	for k, deg := range traj {
		var pause time.Duration
		if k > 0 {
			pause = a.cfg.Timing.Settle()
		}
		if err := wait(ctx, pause); err != nil {
			return err
		}
		if err := a.commit(ctx, i, deg); err != nil {
			return err
		}
	}
	if len(traj) > 0 {
		a.logger.Debugw("joint moved", "joint", name, "angle", target, "steps", len(traj))
	}
	return nil
}

func (a *Arm) driveAll(ctx context.Context, targets []target) error {
	for _, t := range targets {
		if err := a.drive(ctx, t.joint, t.angle); err != nil {
			return err
		}
	}
	return nil
}

// syncCoupled re-commands every mirror servo from its primary's readback so
// the pair stops straining against each other.
func (a *Arm) syncCoupled(ctx context.Context) error {
	coupled := lo.Filter(a.joints, func(j Joint, _ int) bool { return j.Partner != "" })
	for _, j := range coupled {
		i := a.index[j.Name]
		deg, err := a.bus.Angle(ctx, j.Servo)
		if err != nil {
			return busError(ctx, j.Name, "read angle", err)
		}
		m := a.mirror(i, deg)
		if err := a.joints[a.index[j.Partner]].Check(m); err != nil {
			a.logger.Warnw("skipping coupled sync", "joint", j.Name, "error", err)
			continue
		}
		a.mu.Lock()
		a.joints[i].Current = deg
		a.mu.Unlock()
		if err := a.setAngle(context.WithoutCancel(ctx), a.index[j.Partner], m); err != nil {
			return err
		}
	}
	return nil
}

// busError wraps a failed bus call. A call refused because ctx is done never
// reached the servo, so it is reported as the cancellation, not a fault.
func busError(ctx context.Context, joint JointName, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return &ActuatorError{Joint: joint, Op: op, Err: err}
}

// Move solves the pose and drives the elbow, shoulder and wrist pitch there,
// in that order. Nothing moves unless every resulting angle is in range.
func (a *Arm) Move(ctx context.Context, reach, height, pitch float64) error {
	return a.MoveTo(ctx, kinematics.Pose{Reach: reach, Height: height, Pitch: pitch})
}

// MoveTo is Move taking a Pose.
func (a *Arm) MoveTo(ctx context.Context, p kinematics.Pose) error {
	return a.run(ctx, "move", func(ctx context.Context) error {
		angles, err := kinematics.Solve(p, a.cfg.Geometry)
		if err != nil {
			return err
		}
		targets := []target{
			{Elbow, a.physical(Elbow, angles.Elbow)},
			{Shoulder, a.physical(Shoulder, angles.Shoulder)},
			{WristPitch, a.physical(WristPitch, angles.WristPitch)},
		}
		if err := a.validate(targets); err != nil {
			return err
		}
		a.logger.Infow("moving", "pose", p.String(), "shoulder", angles.Shoulder, "elbow", angles.Elbow, "wrist", angles.WristPitch)
		if err := a.driveAll(ctx, targets); err != nil {
			return err
		}
		if err := wait(ctx, a.cfg.Timing.SyncDelay()); err != nil {
			return err
		}
		return a.syncCoupled(ctx)
	})
}

// Home drives every joint back to its calibrated angle, wrist first. Mirror
// servos follow their primaries.
func (a *Arm) Home(ctx context.Context) error {
	return a.run(ctx, "home", a.home)
}

func (a *Arm) home(ctx context.Context) error {
	for i := len(a.joints) - 1; i >= 0; i-- {
		j := a.joints[i]
		if a.isPartner(j.Name) {
			continue
		}
		if err := a.drive(ctx, j.Name, j.Home); err != nil {
			return err
		}
	}
	a.logger.Info("homed")
	return nil
}

func (a *Arm) isPartner(name JointName) bool {
	return lo.ContainsBy(a.joints, func(j Joint) bool { return j.Partner == name })
}

// set drives one joint to a logical angle.
func (a *Arm) set(ctx context.Context, name JointName, logical float64) error {
	return a.run(ctx, "set "+string(name), func(ctx context.Context) error {
		t := []target{{name, a.physical(name, logical)}}
		if err := a.validate(t); err != nil {
			return err
		}
		return a.driveAll(ctx, t)
	})
}

// SetBase rotates the base to angle degrees.
func (a *Arm) SetBase(ctx context.Context, angle float64) error {
	return a.set(ctx, Base, angle)
}

// SetShoulder moves the shoulder pair to a logical angle.
func (a *Arm) SetShoulder(ctx context.Context, angle float64) error {
	return a.set(ctx, Shoulder, angle)
}

// SetElbow moves the elbow pair to a logical angle.
func (a *Arm) SetElbow(ctx context.Context, angle float64) error {
	return a.set(ctx, Elbow, angle)
}

// SetWristVertical pitches the wrist to a logical angle.
func (a *Arm) SetWristVertical(ctx context.Context, angle float64) error {
	return a.set(ctx, WristPitch, angle)
}

// SetWristAngle rolls the wrist.
func (a *Arm) SetWristAngle(ctx context.Context, angle float64) error {
	return a.set(ctx, WristRoll, angle)
}

// FullExtend straightens the arm: elbow to its limit, a short pause, then
// shoulder and wrist pitch to theirs.
func (a *Arm) FullExtend(ctx context.Context) error {
	return a.run(ctx, "full extend", func(ctx context.Context) error {
		atMax := func(name JointName) target {
			return target{name, a.joints[a.index[name]].Limits.Max}
		}
		elbow := []target{atMax(Elbow)}
		rest := []target{atMax(Shoulder), atMax(WristPitch)}
		if err := a.validate(append(elbow, rest...)); err != nil {
			return err
		}
		if err := a.driveAll(ctx, elbow); err != nil {
			return err
		}
		if err := wait(ctx, a.cfg.Timing.ExtendPause()); err != nil {
			return err
		}
		return a.driveAll(ctx, rest)
	})
}

// wait pauses for d or until ctx is done. A zero d only checks ctx.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
