package robot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// OpenHand puts the gripper in position mode and opens it.
func (a *Arm) OpenHand(ctx context.Context) error {
	return a.run(ctx, "open hand", func(ctx context.Context) error {
		return a.gripTo(ctx, a.cfg.Gripper.OpenAngle)
	})
}

// SetGripper puts the gripper in position mode at angle degrees.
func (a *Arm) SetGripper(ctx context.Context, angle float64) error {
	return a.run(ctx, "set gripper", func(ctx context.Context) error {
		return a.gripTo(ctx, angle)
	})
}

func (a *Arm) gripTo(ctx context.Context, angle float64) error {
	i := a.index[Gripper]
	j := a.joints[i]
	if err := j.Check(angle); err != nil {
		return err
	}
	if err := a.bus.SetPositionMode(ctx, j.Servo, a.cfg.RunCurrent); err != nil {
		return &ActuatorError{Joint: Gripper, Op: "position mode", Err: err}
	}
	return a.setAngle(ctx, i, angle)
}

// CloseHand spins the gripper closed until it stalls on an object or its
// end stop. Stall detection is bounded by the configured stall timeout.
// Whatever happens the gripper is stopped and left in position mode holding
// where it stopped.
//
// A bus without wheel mode closes to the configured closed angle instead.
func (a *Arm) CloseHand(ctx context.Context) error {
	return a.run(ctx, "close hand", a.closeHand)
}

func (a *Arm) closeHand(ctx context.Context) (err error) {
	g := a.cfg.Gripper
	servo := a.joints[a.index[Gripper]].Servo

	if err := a.bus.SetVelocityMode(ctx, servo); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			a.logger.Debugw("no wheel mode, closing by position", "angle", g.ClosedAngle)
			return a.gripTo(ctx, g.ClosedAngle)
		}
		return busError(ctx, Gripper, "velocity mode", err)
	}
	defer func() {
		// The caller's context may already be done; stopping must still
		// reach the servo.
		err = multierr.Append(err, a.stopGripper(context.WithoutCancel(ctx)))
	}()

	if err := a.bus.SetVelocity(ctx, servo, g.CloseVelocity); err != nil {
		return busError(ctx, Gripper, "set velocity", err)
	}
	if err := wait(ctx, g.SpinUp()); err != nil {
		return err
	}

	deadline := time.Now().Add(g.StallTimeout())
	for polls := 1; ; polls++ {
		speed, err := a.bus.Speed(ctx, servo)
		if err != nil {
			return busError(ctx, Gripper, "read speed", err)
		}
		if speed == 0 {
			a.logger.Debugw("gripper stalled", "polls", polls)
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: still moving at speed %d after %s", ErrStallTimeout, speed, g.StallTimeout())
		}
		if err := wait(ctx, g.StallPoll()); err != nil {
			return err
		}
	}
}

// stopGripper zeroes the wheel speed and returns to position mode holding
// the present angle.
func (a *Arm) stopGripper(ctx context.Context) error {
	i := a.index[Gripper]
	servo := a.joints[i].Servo

	var errs error
	if err := a.bus.SetVelocity(ctx, servo, 0); err != nil {
		errs = multierr.Append(errs, &ActuatorError{Joint: Gripper, Op: "stop", Err: err})
	}
	deg, err := a.bus.Angle(ctx, servo)
	if err != nil {
		errs = multierr.Append(errs, &ActuatorError{Joint: Gripper, Op: "read angle", Err: err})
	} else if err := a.setAngle(ctx, i, deg); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := a.bus.SetPositionMode(ctx, servo, a.cfg.RunCurrent); err != nil {
		errs = multierr.Append(errs, &ActuatorError{Joint: Gripper, Op: "position mode", Err: err})
	}
	return errs
}
