package robot

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gwillem/reactor/pkg/kinematics"
	"github.com/gwillem/reactor/pkg/motion"
)

const DefaultConfigFile = "reactor.json"

// Bus drivers.
const (
	DriverDynamixel = "dynamixel"
	DriverFeetech   = "feetech"
	DriverSim       = "sim"
)

// Config holds the arm configuration
type Config struct {
	Driver   string                    `json:"driver"`
	Port     string                    `json:"port,omitempty"`
	BaudRate int                       `json:"baud_rate,omitempty"`
	Geometry kinematics.Geometry       `json:"geometry"`
	Joints   map[JointName]JointConfig `json:"joints"`
	Timing   Timing                    `json:"timing"`
	Gripper  GripperConfig             `json:"gripper"`
	// Torque limits for position mode while starting up and afterwards.
	StartCurrent int       `json:"start_current"`
	RunCurrent   int       `json:"run_current"`
	Ready        ReadyPose `json:"ready"`
	// Calibration is saved by the setup command so later runs can restore
	// home angles instead of re-reading a pose that has since moved.
	Calibration Calibration `json:"calibration,omitempty"`
}

// IsCalibrated returns true if the config has calibration data
func (c *Config) IsCalibrated() bool {
	return len(c.Calibration) > 0
}

// JointConfig describes one servo-driven joint.
type JointConfig struct {
	Servo  int     `json:"servo"`
	Limits         // physical degrees
	Offset float64 `json:"offset,omitempty"`
	Step   float64 `json:"step,omitempty"`
	// Partner is the mirror servo that follows this joint.
	Partner JointName `json:"partner,omitempty"`
	// Rest is the starting angle on the simulated bus.
	Rest float64 `json:"rest,omitempty"`
}

// Timing holds the pauses between motion phases, in milliseconds.
type Timing struct {
	SettleMS      int `json:"settle_ms"`
	SyncDelayMS   int `json:"sync_delay_ms"`
	ExtendPauseMS int `json:"extend_pause_ms"`
	ReadyPauseMS  int `json:"ready_pause_ms"`
}

func (t Timing) Settle() time.Duration      { return ms(t.SettleMS) }
func (t Timing) SyncDelay() time.Duration   { return ms(t.SyncDelayMS) }
func (t Timing) ExtendPause() time.Duration { return ms(t.ExtendPauseMS) }
func (t Timing) ReadyPause() time.Duration  { return ms(t.ReadyPauseMS) }

// GripperConfig holds the gripper's open and close behaviour.
type GripperConfig struct {
	OpenAngle   float64 `json:"open_angle"`
	ClosedAngle float64 `json:"closed_angle"`
	// CloseVelocity is the signed wheel-mode speed used to close on an object.
	CloseVelocity  int `json:"close_velocity"`
	SpinUpMS       int `json:"spin_up_ms"`
	StallPollMS    int `json:"stall_poll_ms"`
	StallTimeoutMS int `json:"stall_timeout_ms"`
}

func (g GripperConfig) SpinUp() time.Duration       { return ms(g.SpinUpMS) }
func (g GripperConfig) StallPoll() time.Duration    { return ms(g.StallPollMS) }
func (g GripperConfig) StallTimeout() time.Duration { return ms(g.StallTimeoutMS) }

// ReadyPose is where Ready leaves the arm.
type ReadyPose struct {
	Base float64         `json:"base"`
	Pose kinematics.Pose `json:"pose"`
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// DefaultConfig returns the configuration of a stock Reactor arm on an
// AX-12 bus.
func DefaultConfig() Config {
	return Config{
		Driver:   DriverDynamixel,
		Port:     "/dev/ttyUSB0",
		BaudRate: 1_000_000,
		Geometry: kinematics.DefaultGeometry(),
		Joints: map[JointName]JointConfig{
			Base:           {Servo: 1, Limits: Limits{0, 300}, Step: motion.StepMajor, Rest: 150},
			Shoulder:       {Servo: 2, Limits: Limits{58, 240}, Offset: 60, Step: motion.StepMajor, Partner: ShoulderMirror, Rest: 60},
			ShoulderMirror: {Servo: 3, Limits: Limits{0, 300}, Rest: 240},
			Elbow:          {Servo: 4, Limits: Limits{58, 264}, Offset: 60, Step: motion.StepMajor, Partner: ElbowMirror, Rest: 60},
			ElbowMirror:    {Servo: 5, Limits: Limits{0, 300}, Rest: 240},
			WristPitch:     {Servo: 6, Limits: Limits{54, 244}, Offset: 54, Step: motion.StepWristPitch, Rest: 150},
			WristRoll:      {Servo: 7, Limits: Limits{0, 300}, Step: motion.StepWristRoll, Rest: 150},
			Gripper:        {Servo: 8, Limits: Limits{0, 300}, Rest: 150},
		},
		Timing: Timing{
			SettleMS:      10,
			SyncDelayMS:   2000,
			ExtendPauseMS: 150,
			ReadyPauseMS:  500,
		},
		Gripper: GripperConfig{
			OpenAngle:      150,
			ClosedAngle:    0,
			CloseVelocity:  -512,
			SpinUpMS:       150,
			StallPollMS:    20,
			StallTimeoutMS: 3000,
		},
		StartCurrent: 512,
		RunCurrent:   475,
		Ready: ReadyPose{
			Base: 140,
			Pose: kinematics.Pose{Reach: 5, Height: 4, Pitch: 180},
		},
	}
}

// Validate checks the configuration for missing joints and impossible values.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverDynamixel, DriverFeetech:
		if c.Port == "" {
			return fmt.Errorf("driver %s needs a port", c.Driver)
		}
	case DriverSim:
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if err := c.Geometry.Validate(); err != nil {
		return err
	}

	servos := make(map[int]JointName, len(c.Joints))
	for _, name := range AllJoints() {
		jc, ok := c.Joints[name]
		if !ok {
			return fmt.Errorf("joint %s: missing", name)
		}
		if jc.Servo <= 0 {
			return fmt.Errorf("joint %s: invalid servo id %d", name, jc.Servo)
		}
		if other, dup := servos[jc.Servo]; dup {
			return fmt.Errorf("joint %s: servo %d already used by %s", name, jc.Servo, other)
		}
		servos[jc.Servo] = name
		if !(jc.Min < jc.Max) {
			return fmt.Errorf("joint %s: empty range [%v, %v]", name, jc.Min, jc.Max)
		}
		if jc.Step < 0 {
			return fmt.Errorf("joint %s: negative step", name)
		}
		if jc.Partner != "" {
			p, ok := c.Joints[jc.Partner]
			if !ok || jc.Partner == name {
				return fmt.Errorf("joint %s: bad partner %q", name, jc.Partner)
			}
			if p.Partner != "" {
				return fmt.Errorf("joint %s: partner %s is itself coupled", name, jc.Partner)
			}
		}
	}
	if len(c.Joints) != len(AllJoints()) {
		return fmt.Errorf("expected %d joints, got %d", len(AllJoints()), len(c.Joints))
	}

	t := c.Timing
	if t.SettleMS < 0 || t.SyncDelayMS < 0 || t.ExtendPauseMS < 0 || t.ReadyPauseMS < 0 {
		return fmt.Errorf("negative timing")
	}
	g := c.Gripper
	if g.SpinUpMS < 0 || g.StallPollMS < 0 {
		return fmt.Errorf("gripper: negative timing")
	}
	if g.StallTimeoutMS <= 0 {
		return fmt.Errorf("gripper: stall timeout must be positive")
	}
	if g.CloseVelocity == 0 {
		return fmt.Errorf("gripper: close velocity must be non-zero")
	}
	if c.IsCalibrated() {
		return c.Calibration.Validate()
	}
	return nil
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file. Fields missing
// from the file keep their DefaultConfig values; a joint listed in the file
// replaces its default entry as a whole.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
