package dynamixel

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/gwillem/reactor/pkg/actuator"
)

var _ actuator.Bus = (*Bus)(nil)

const (
	DefaultBaudRate = 1_000_000
	DefaultTimeout  = 50 * time.Millisecond
)

// AX-12 unit conversions.
const (
	maxPosition  = 1023
	rangeDegrees = 300.0
	maxSpeed     = 1023
	// speedCW marks clockwise (negative) wheel speeds.
	speedCW = 0x400
)

// Config holds serial settings for Open.
type Config struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// Bus is a Protocol 1.0 bus. It is not safe for concurrent use; wrap it with
// actuator.Serialize when sharing.
type Bus struct {
	port io.ReadWriteCloser
}

// Open opens the serial port and returns a bus on it.
func Open(cfg Config) (*Bus, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.Port)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "set read timeout")
	}
	return NewBus(port), nil
}

// NewBus returns a bus on an already open port. Reads from port must return
// (0, nil) once its read timeout expires, as go.bug.st/serial ports do.
func NewBus(port io.ReadWriteCloser) *Bus {
	return &Bus{port: port}
}

func (b *Bus) Close() error {
	return b.port.Close()
}

// transact sends one instruction and waits for the status packet.
func (b *Bus) transact(ctx context.Context, id int, inst byte, params ...byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id < 0 || id >= BroadcastID {
		return nil, errors.Errorf("invalid servo id %d", id)
	}
	// Drop anything left over from an earlier timed-out exchange.
	if r, ok := b.port.(interface{ ResetInputBuffer() error }); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return nil, errors.Wrap(err, "reset input buffer")
		}
	}
	if _, err := b.port.Write(encode(byte(id), inst, params...)); err != nil {
		return nil, errors.Wrapf(err, "write to servo %d", id)
	}
	status, err := readStatus(b.port, byte(id))
	if err != nil {
		return nil, errors.Wrapf(err, "servo %d", id)
	}
	return status, nil
}

// Ping checks that servo id answers.
func (b *Bus) Ping(ctx context.Context, id int) error {
	_, err := b.transact(ctx, id, instPing)
	return err
}

// Scan pings every id in [from, to] and returns those that answer.
func (b *Bus) Scan(ctx context.Context, from, to int) ([]int, error) {
	var found []int
	for id := from; id <= to; id++ {
		err := b.Ping(ctx, id)
		var status *StatusError
		switch {
		case err == nil, errors.As(err, &status):
			found = append(found, id)
		case errors.Is(err, ErrTimeout):
		case ctx.Err() != nil:
			return found, ctx.Err()
		default:
			return found, err
		}
	}
	return found, nil
}

// Read reads n bytes of the control table starting at addr.
func (b *Bus) Read(ctx context.Context, id int, addr, n byte) ([]byte, error) {
	data, err := b.transact(ctx, id, instRead, addr, n)
	if err != nil {
		return nil, err
	}
	if len(data) != int(n) {
		return nil, errors.Errorf("servo %d: read %d bytes at %d, got %d", id, n, addr, len(data))
	}
	return data, nil
}

// Write writes data to the control table starting at addr.
func (b *Bus) Write(ctx context.Context, id int, addr byte, data ...byte) error {
	_, err := b.transact(ctx, id, instWrite, append([]byte{addr}, data...)...)
	return err
}

// ReadWord reads a little-endian 16-bit register.
func (b *Bus) ReadWord(ctx context.Context, id int, addr byte) (uint16, error) {
	data, err := b.Read(ctx, id, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// WriteWord writes a little-endian 16-bit register.
func (b *Bus) WriteWord(ctx context.Context, id int, addr byte, v uint16) error {
	return b.Write(ctx, id, addr, binary.LittleEndian.AppendUint16(nil, v)...)
}

// Angle returns the present position in degrees, 0 to 300.
func (b *Bus) Angle(ctx context.Context, id int) (float64, error) {
	raw, err := b.ReadWord(ctx, id, AddrPresentPosition)
	if err != nil {
		return 0, err
	}
	return float64(raw) * rangeDegrees / maxPosition, nil
}

// SetAngle sets the goal position in degrees.
func (b *Bus) SetAngle(ctx context.Context, id int, deg float64) error {
	if !(deg >= 0 && deg <= rangeDegrees) {
		return errors.Errorf("servo %d: angle %.2f outside 0-300", id, deg)
	}
	raw := uint16(math.Round(deg * maxPosition / rangeDegrees))
	return b.WriteWord(ctx, id, AddrGoalPosition, raw)
}

// SetVelocityMode switches to wheel mode by zeroing both angle limits.
func (b *Bus) SetVelocityMode(ctx context.Context, id int) error {
	return b.Write(ctx, id, AddrCWAngleLimit, 0, 0, 0, 0)
}

// SetPositionMode restores the full angle range and sets the torque limit,
// 0 to 1023.
func (b *Bus) SetPositionMode(ctx context.Context, id int, maxCurrent int) error {
	ccw := binary.LittleEndian.AppendUint16(nil, maxPosition)
	if err := b.Write(ctx, id, AddrCWAngleLimit, 0, 0, ccw[0], ccw[1]); err != nil {
		return err
	}
	return b.WriteWord(ctx, id, AddrTorqueLimit, uint16(clamp(maxCurrent, 0, maxSpeed)))
}

// SetVelocity sets the wheel speed. Negative speeds turn clockwise.
func (b *Bus) SetVelocity(ctx context.Context, id int, speed int) error {
	return b.WriteWord(ctx, id, AddrMovingSpeed, encodeSpeed(speed))
}

// Speed returns the present signed speed.
func (b *Bus) Speed(ctx context.Context, id int) (int, error) {
	raw, err := b.ReadWord(ctx, id, AddrPresentSpeed)
	if err != nil {
		return 0, err
	}
	return decodeSpeed(raw), nil
}

func (b *Bus) EnableTorque(ctx context.Context, id int) error {
	return b.Write(ctx, id, AddrTorqueEnable, 1)
}

func (b *Bus) DisableTorque(ctx context.Context, id int) error {
	return b.Write(ctx, id, AddrTorqueEnable, 0)
}

func encodeSpeed(speed int) uint16 {
	raw := uint16(clamp(abs(speed), 0, maxSpeed))
	if speed < 0 {
		raw |= speedCW
	}
	return raw
}

func decodeSpeed(raw uint16) int {
	v := int(raw & maxSpeed)
	if raw&speedCW != 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
