package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/reactor/pkg/kinematics"
	"github.com/gwillem/reactor/pkg/monitor"
	"github.com/gwillem/reactor/pkg/robot"
)

type MoveCommand struct {
	Pitch float64 `short:"p" long:"pitch" default:"180" description:"Wrist pitch in degrees"`
	Args  struct {
		Reach  float64 `positional-arg-name:"reach" description:"Horizontal distance from the shoulder axis"`
		Height float64 `positional-arg-name:"height" description:"Height above the shoulder axis"`
	} `positional-args:"yes" required:"yes"`
}

func (c *MoveCommand) Execute(args []string) error {
	return withArm(func(ctx context.Context, arm *robot.Arm) error {
		if err := arm.Move(ctx, c.Args.Reach, c.Args.Height, c.Pitch); err != nil {
			return err
		}
		printPose(arm.Config(), arm.Angles())
		return nil
	})
}

type HomeCommand struct{}

func (c *HomeCommand) Execute(args []string) error {
	return withArm(func(ctx context.Context, arm *robot.Arm) error {
		if err := arm.Home(ctx); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Arm is home."))
		return nil
	})
}

type ExtendCommand struct{}

func (c *ExtendCommand) Execute(args []string) error {
	return withArm(func(ctx context.Context, arm *robot.Arm) error {
		if err := arm.FullExtend(ctx); err != nil {
			return err
		}
		printPose(arm.Config(), arm.Angles())
		return nil
	})
}

type SetCommand struct {
	Args struct {
		Joint string  `positional-arg-name:"joint" description:"base, shoulder, elbow, wrist_pitch, wrist_roll or gripper"`
		Angle float64 `positional-arg-name:"angle" description:"Logical degrees: the physical angle minus the joint's configured offset (gripper: physical)"`
	} `positional-args:"yes" required:"yes"`
}

type setFunc func(*robot.Arm, context.Context, float64) error

var setters = map[robot.JointName]setFunc{
	robot.Base:       (*robot.Arm).SetBase,
	robot.Shoulder:   (*robot.Arm).SetShoulder,
	robot.Elbow:      (*robot.Arm).SetElbow,
	robot.WristPitch: (*robot.Arm).SetWristVertical,
	robot.WristRoll:  (*robot.Arm).SetWristAngle,
	robot.Gripper:    (*robot.Arm).SetGripper,
}

func (c *SetCommand) Execute(args []string) error {
	set, ok := setters[robot.JointName(c.Args.Joint)]
	if !ok {
		names := make([]string, 0, len(setters))
		for name := range setters {
			names = append(names, string(name))
		}
		sort.Strings(names)
		return fmt.Errorf("unknown joint %q (want one of %s)", c.Args.Joint, strings.Join(names, ", "))
	}
	return withArm(func(ctx context.Context, arm *robot.Arm) error {
		if err := set(arm, ctx, c.Args.Angle); err != nil {
			return err
		}
		printPose(arm.Config(), arm.Angles())
		return nil
	})
}

type HandCommand struct {
	Args struct {
		Action string `positional-arg-name:"open|close"`
	} `positional-args:"yes" required:"yes"`
}

func (c *HandCommand) Execute(args []string) error {
	var fn func(*robot.Arm, context.Context) error
	switch c.Args.Action {
	case "open":
		fn = (*robot.Arm).OpenHand
	case "close":
		fn = (*robot.Arm).CloseHand
	default:
		return fmt.Errorf("unknown hand action %q (want open or close)", c.Args.Action)
	}
	return withArm(func(ctx context.Context, arm *robot.Arm) error {
		return fn(arm, ctx)
	})
}

type PoseCommand struct{}

func (c *PoseCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	arm, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer arm.Disconnect()

	angles, err := arm.ReadAngles(ctx)
	if err != nil {
		return err
	}
	printPose(*cfg, angles)
	return nil
}

// printPose renders physical joint angles next to their home and limits,
// followed by the pose they put the wrist in.
func printPose(cfg robot.Config, angles map[robot.JointName]float64) {
	nameStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	angleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)

	deg := func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }

	rows := make([][]string, 0, len(cfg.Joints))
	for _, name := range robot.AllJoints() {
		jc := cfg.Joints[name]
		home := "-"
		if h, ok := cfg.Calibration[name]; ok {
			home = deg(h)
		}
		rows = append(rows, []string{
			string(name),
			strconv.Itoa(jc.Servo),
			deg(angles[name]),
			home,
			deg(jc.Min) + " - " + deg(jc.Max),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Servo", "Angle", "Home", "Limits").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return tableHeaderStyle
			case col == 0:
				return nameStyle
			case col == 2:
				return angleStyle
			default:
				return cellStyle
			}
		})
	fmt.Println(t.Render())

	pose, pos := monitor.Locate(cfg, angles)
	fmt.Println(formatPose(pose))
	fmt.Println(dimStyle.Render(fmt.Sprintf("x %.2f  y %.2f  z %.2f", pos.X, pos.Y, pos.Z)))
}

func formatPose(p kinematics.Pose) string {
	return fmt.Sprintf("%s %.2f  %s %.2f  %s %.1f°",
		subHeaderStyle.Render("reach"), p.Reach,
		subHeaderStyle.Render("height"), p.Height,
		subHeaderStyle.Render("pitch"), p.Pitch)
}

type ReadyCommand struct {
	Save bool `long:"save" description:"Store the rest calibration in the config file"`
}

func (c *ReadyCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	arm, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer arm.Disconnect()

	fmt.Println(dimStyle.Render("Calibrating from the rest pose..."))
	if err := arm.Ready(ctx); err != nil {
		return err
	}

	if c.Save {
		cfg.Calibration = arm.Calibration()
		if err := cfg.SaveTo(opts.Config); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("Calibration saved to %s\n", opts.Config)
	}
	fmt.Println(successStyle.Render("Arm is ready."))
	printPose(arm.Config(), arm.Angles())
	return nil
}
