// Package dynamixel talks Dynamixel Protocol 1.0 to AX-series servos, the
// servos of the PhantomX Reactor, over a half-duplex serial adapter.
package dynamixel

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Instructions.
const (
	instPing  byte = 0x01
	instRead  byte = 0x02
	instWrite byte = 0x03
)

// AX-12 control table addresses.
const (
	AddrModelNumber     = 0
	AddrCWAngleLimit    = 6
	AddrCCWAngleLimit   = 8
	AddrTorqueEnable    = 24
	AddrGoalPosition    = 30
	AddrMovingSpeed     = 32
	AddrTorqueLimit     = 34
	AddrPresentPosition = 36
	AddrPresentSpeed    = 38
	AddrMoving          = 46
)

// BroadcastID addresses every servo; they do not answer it.
const BroadcastID = 0xFE

const headerByte = 0xFF

// ErrTimeout is returned when a servo does not answer in time.
var ErrTimeout = errors.New("dynamixel: no status packet")

// Status error bits.
const (
	ErrBitInputVoltage byte = 1 << iota
	ErrBitAngleLimit
	ErrBitOverheating
	ErrBitRange
	ErrBitChecksum
	ErrBitOverload
	ErrBitInstruction
)

var errBitNames = []string{
	"input voltage",
	"angle limit",
	"overheating",
	"range",
	"checksum",
	"overload",
	"instruction",
}

// StatusError reports the error byte of a status packet.
type StatusError struct {
	ID   int
	Bits byte
}

func (e *StatusError) Error() string {
	var names []string
	for i, name := range errBitNames {
		if e.Bits&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return fmt.Sprintf("servo %d: %s error", e.ID, strings.Join(names, ", "))
}

// Has reports whether bit is set.
func (e *StatusError) Has(bit byte) bool {
	return e.Bits&bit != 0
}

// checksum is the inverted low byte of the sum of id, length, instruction
// and parameters.
func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return ^sum
}

// encode builds FF FF ID LEN INST PARAMS... CHK. Status packets share the
// layout with the error byte in place of the instruction.
func encode(id, inst byte, params ...byte) []byte {
	p := make([]byte, 0, 6+len(params))
	p = append(p, headerByte, headerByte, id, byte(len(params)+2), inst)
	p = append(p, params...)
	return append(p, checksum(p[2:]))
}

// readFull fills buf from r. A read that returns nothing means the port's
// read timeout expired.
func readFull(r io.Reader, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		off += n
	}
	return nil
}

// readStatus reads one status packet from id and returns its parameters.
func readStatus(r io.Reader, id byte) ([]byte, error) {
	head := make([]byte, 4)
	if err := readFull(r, head); err != nil {
		return nil, err
	}
	if head[0] != headerByte || head[1] != headerByte {
		return nil, errors.Errorf("bad status header % X", head[:2])
	}
	if head[2] != id {
		return nil, errors.Errorf("status from servo %d, want %d", head[2], id)
	}
	length := int(head[3])
	if length < 2 {
		return nil, errors.Errorf("bad status length %d", length)
	}

	body := make([]byte, length)
	if err := readFull(r, body); err != nil {
		return nil, err
	}
	sum := checksum(append(head[2:4:4], body[:length-1]...))
	if got := body[length-1]; got != sum {
		return nil, errors.Errorf("status checksum %#02x, want %#02x", got, sum)
	}
	if bits := body[0]; bits != 0 {
		return nil, &StatusError{ID: int(id), Bits: bits}
	}
	return body[1 : length-1], nil
}
