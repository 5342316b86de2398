// Package reactor controls a PhantomX Reactor robotic arm.
//
// The arm's shoulder and elbow are each driven by a pair of servos mounted
// on opposite sides of the joint. Every command keeps the pairs mirrored, so
// callers only ever address the primary joint.
//
// # Installation
//
//	go install github.com/gwillem/reactor/cmd/reactor@latest
//
// # Usage
//
// First, run setup to find the arm and record its rest pose:
//
//	reactor setup
//
// Then move the wrist by reach, height and pitch:
//
//	reactor move 5 4 --pitch 180
//	reactor hand close
//	reactor home
//
// Every command accepts --sim to drive an in-memory arm instead.
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/reactor: CLI with setup, motion and monitor commands
//   - pkg/robot: Arm control, calibration, gripper, and configuration
//   - pkg/kinematics: Inverse and forward kinematics for the planar arm
//   - pkg/motion: Step planning for incremental joint moves
//   - pkg/actuator: Servo bus interface and a simulated bus
//   - pkg/dynamixel: Dynamixel protocol 1.0 bus (AX-12 class servos)
//   - pkg/sts: Feetech STS servos behind the same bus interface
//   - pkg/monitor: Polling loop streaming joint angles and pose
package reactor
