package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config  string `short:"c" long:"config" default:"reactor.json" description:"Configuration file"`
	Sim     bool   `long:"sim" description:"Drive the simulated bus instead of hardware"`
	Verbose bool   `short:"v" long:"verbose" description:"Debug logging"`

	Setup   SetupCommand   `command:"setup" description:"Find the arm and record its rest calibration"`
	Ports   PortsCommand   `command:"ports" description:"List serial ports and the servos on them"`
	Pose    PoseCommand    `command:"pose" description:"Show joint angles and the end-effector position"`
	Move    MoveCommand    `command:"move" description:"Move the wrist to a reach/height/pitch"`
	Home    HomeCommand    `command:"home" description:"Return every joint to its calibrated home"`
	Set     SetCommand     `command:"set" description:"Drive a single joint to a logical angle"`
	Extend  ExtendCommand  `command:"extend" description:"Stretch the arm to its limits"`
	Hand    HandCommand    `command:"hand" description:"Open or close the gripper"`
	Ready   ReadyCommand   `command:"ready" description:"Power on from the rest pose and take the ready pose"`
	Monitor MonitorCommand `command:"monitor" alias:"mon" description:"Plot joint angles live"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "Reactor - control CLI for the PhantomX Reactor arm"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
