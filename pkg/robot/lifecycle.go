package robot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/gwillem/reactor/pkg/actuator"
	"github.com/gwillem/reactor/pkg/actuator/sim"
	"github.com/gwillem/reactor/pkg/dynamixel"
	"github.com/gwillem/reactor/pkg/sts"
)

// Open connects to the bus named by cfg and returns an uncalibrated arm.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Arm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	bus, err := OpenBus(ctx, cfg)
	if err != nil {
		return nil, err
	}
	arm, err := NewArm(bus, cfg, opts...)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return arm, nil
}

// OpenBus opens the servo bus for cfg.Driver.
func OpenBus(ctx context.Context, cfg Config) (actuator.Bus, error) {
	switch cfg.Driver {
	case DriverDynamixel:
		bus, err := dynamixel.Open(dynamixel.Config{Port: cfg.Port, BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("open bus: %w", err)
		}
		return bus, nil
	case DriverFeetech:
		bus, err := sts.Open(ctx, sts.Config{Port: cfg.Port, BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("open bus: %w", err)
		}
		return bus, nil
	case DriverSim:
		rest := make(map[int]float64, len(cfg.Joints))
		for _, jc := range cfg.Joints {
			rest[jc.Servo] = jc.Rest
		}
		return sim.New(rest), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// Enable turns torque on for every servo.
func (a *Arm) Enable(ctx context.Context) error {
	return a.eachServo(ctx, "torque on", a.bus.EnableTorque)
}

// Disable turns torque off for every servo so the arm can be posed by hand.
func (a *Arm) Disable(ctx context.Context) error {
	return a.eachServo(ctx, "torque off", a.bus.DisableTorque)
}

func (a *Arm) eachServo(ctx context.Context, op string, fn func(ctx context.Context, id int) error) error {
	for _, j := range a.joints {
		if err := fn(ctx, j.Servo); err != nil {
			return &ActuatorError{Joint: j.Name, Op: op, Err: err}
		}
	}
	return nil
}

// setCurrent puts the given joints in position mode with a torque limit.
func (a *Arm) setCurrent(ctx context.Context, joints []Joint, current int) error {
	for _, j := range joints {
		if err := a.bus.SetPositionMode(ctx, j.Servo, current); err != nil {
			return &ActuatorError{Joint: j.Name, Op: "position mode", Err: err}
		}
	}
	return nil
}

// Ready runs the power-on sequence: torque on every servo, calibrate from
// the resting pose, soften every joint above the base, then swing to the
// ready pose and close the hand.
func (a *Arm) Ready(ctx context.Context) error {
	if err := a.setCurrent(ctx, a.Joints(), a.cfg.StartCurrent); err != nil {
		return err
	}
	if err := a.Enable(ctx); err != nil {
		return err
	}
	if err := a.Calibrate(ctx); err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	if err := a.setCurrent(ctx, a.Joints()[1:], a.cfg.RunCurrent); err != nil {
		a.setState(Faulted)
		return err
	}

	r := a.cfg.Ready
	if err := a.SetBase(ctx, r.Base); err != nil {
		return err
	}
	if err := wait(ctx, a.cfg.Timing.ReadyPause()); err != nil {
		return err
	}
	if err := a.MoveTo(ctx, r.Pose); err != nil {
		return err
	}
	return a.CloseHand(ctx)
}

// Disconnect closes the bus and leaves the servos holding their pose.
func (a *Arm) Disconnect() error {
	if !a.op.TryLock() {
		return ErrBusy
	}
	defer a.op.Unlock()
	a.setState(Uncalibrated)
	return a.bus.Close()
}

// Close homes a calibrated arm, turns torque off on every servo and closes
// the bus. It keeps going past failures and returns all of them.
func (a *Arm) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs error
	if a.State() == Ready {
		if err := a.Home(ctx); err != nil {
			a.logger.Warnw("home on close failed", "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	if !a.op.TryLock() {
		return multierr.Append(errs, ErrBusy)
	}
	defer a.op.Unlock()

	for _, j := range a.joints {
		if err := a.bus.DisableTorque(ctx, j.Servo); err != nil {
			a.logger.Warnw("torque off failed", "joint", j.Name, "error", err)
			errs = multierr.Append(errs, &ActuatorError{Joint: j.Name, Op: "torque off", Err: err})
		}
	}
	a.setState(Uncalibrated)
	return multierr.Append(errs, a.bus.Close())
}
