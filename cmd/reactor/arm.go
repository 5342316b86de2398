package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/gwillem/reactor/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newLogger() *zap.SugaredLogger {
	var (
		l   *zap.Logger
		err error
	)
	if opts.Verbose {
		l, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		l, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// loadConfig reads the config file. With --sim a missing file falls back to
// the defaults.
func loadConfig() (*robot.Config, error) {
	cfg, err := robot.LoadConfigFrom(opts.Config)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, os.ErrNotExist) && opts.Sim:
		d := robot.DefaultConfig()
		return &d, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("no configuration at %s, run 'reactor setup' first", opts.Config)
	default:
		return nil, err
	}
}

// connect opens the arm without calibrating it.
func connect(ctx context.Context, cfg *robot.Config) (*robot.Arm, error) {
	c := *cfg
	if opts.Sim {
		c.Driver = robot.DriverSim
	}
	return robot.Open(ctx, c, robot.WithLogger(newLogger()))
}

// openArm connects and restores the saved calibration. The simulated arm
// calibrates from its rest pose instead.
func openArm(ctx context.Context) (*robot.Arm, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	arm, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	switch {
	case cfg.IsCalibrated():
		err = arm.Restore(ctx, cfg.Calibration)
	case opts.Sim:
		err = arm.Calibrate(ctx)
	default:
		err = errors.New("arm not calibrated, run 'reactor setup' first")
	}
	if err == nil {
		err = arm.Enable(ctx)
	}
	if err != nil {
		arm.Disconnect()
		return nil, err
	}
	return arm, nil
}

// withArm runs fn on a calibrated arm. Ctrl-C cancels the running command;
// the servos keep whatever pose they reached.
func withArm(fn func(ctx context.Context, arm *robot.Arm) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	arm, err := openArm(ctx)
	if err != nil {
		return err
	}
	defer arm.Disconnect()

	if err := fn(ctx, arm); err != nil {
		if errors.Is(err, robot.ErrActuatorFault) || errors.Is(err, robot.ErrStallTimeout) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Arm faulted. Check the servos and run 'reactor setup' again if it was moved by hand."))
		}
		return err
	}
	return nil
}
