// Package can implements the Cyphal/CAN transport (spec.md §4.2, §6): a
// media-driver abstraction plus multi-frame reassembly, transfer-ID
// tracking, and input/output sessions keyed by data specifier and remote
// node-ID. Grounded throughout on gocanopen's pkg/can (driver abstraction
// and registry) and pkg/sdo (toggle/sequence/CRC state-machine idiom).
package can

import (
	"fmt"
)

// MaxDataLength is the largest payload a single CAN FD frame can carry.
const MaxDataLength = 64

// ClassicDataLength is the largest payload a single classic CAN 2.0 frame
// can carry (spec.md §4.2: "7-byte (CAN 2.0) or up-to-63-byte (CAN FD)
// windows").
const ClassicDataLength = 8

// FrameFormat selects the wire framing a Transport chunks payloads into.
// spec.md §4.2 requires both classic CAN 2.0 and CAN FD to be supported;
// the only difference between them at the transport level is how many data
// bytes a single frame carries (the tail byte always costs one of those).
type FrameFormat int

const (
	// FormatCANFD chunks into up-to-64-byte FD frames. It is the zero value
	// so a Config left unset keeps the transport's original behavior.
	FormatCANFD FrameFormat = iota
	// FormatClassicCAN chunks into 8-byte CAN 2.0 frames.
	FormatClassicCAN
)

// DataLength returns the number of data bytes (payload plus tail) a single
// frame of this format carries.
func (f FrameFormat) DataLength() int {
	if f == FormatClassicCAN {
		return ClassicDataLength
	}
	return MaxDataLength
}

// Frame is a single CAN frame: an arbitration ID (always 29-bit extended,
// per spec.md §6) and up to MaxDataLength bytes of data.
type Frame struct {
	ID   uint32
	Data []byte
}

// FrameHandler receives frames from a Driver's I/O context. Mirrors
// gocanopen's FrameListener (pkg/can/bus.go).
type FrameHandler interface {
	HandleFrame(Frame)
}

type FrameHandlerFunc func(Frame)

func (f FrameHandlerFunc) HandleFrame(fr Frame) { f(fr) }

// TroubleHandler is notified of driver-level errors that do not by
// themselves terminate reception (spec.md §4.1).
type TroubleHandler interface {
	HandleTrouble(error)
}

type TroubleHandlerFunc func(error)

func (f TroubleHandlerFunc) HandleTrouble(err error) { f(err) }

// AcceptanceFilter is an optional hint a Driver may honor to do
// hardware/kernel-level filtering; drivers that cannot filter simply accept
// everything and let the transport discard what it doesn't need.
type AcceptanceFilter struct {
	ID   uint32
	Mask uint32
}

// Driver is a CAN media driver (spec.md §4.1): SocketCAN, a virtual
// loopback bus for tests, or any other concrete backend.
type Driver interface {
	// Start begins delivering inbound frames to handler; errors are
	// reported to trouble and must not stop delivery unless the failure is
	// unrecoverable (interface gone).
	Start(handler FrameHandler, trouble TroubleHandler) error
	// Send transmits frames in order and returns the first error the
	// media reports; it takes no deadline.
	Send(frames []Frame) error
	// ConfigureAcceptanceFilters is a best-effort hint; implementations
	// that can't filter in hardware should return nil and filter nothing.
	ConfigureAcceptanceFilters(filters []AcceptanceFilter) error
	// Close idempotently releases OS resources.
	Close() error
}

// NewDriverFunc constructs a Driver for a given channel endpoint string
// (e.g. "can0", or a virtual bus broker address).
type NewDriverFunc func(channel string) (Driver, error)

var driverRegistry = make(map[string]NewDriverFunc)

// RegisterDriver registers a driver constructor under a name, to be called
// from a driver package's init(), mirroring gocanopen's
// pkg/can/register.go RegisterInterface.
func RegisterDriver(name string, ctor NewDriverFunc) {
	driverRegistry[name] = ctor
}

// NewDriver looks up a registered driver constructor and invokes it.
func NewDriver(name, channel string) (Driver, error) {
	ctor, ok := driverRegistry[name]
	if !ok {
		return nil, fmt.Errorf("can: unsupported driver %q", name)
	}
	return ctor(channel)
}
