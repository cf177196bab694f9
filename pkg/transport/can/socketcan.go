package can

import (
	"fmt"

	sockcan "github.com/brutella/can"

	cyphal "github.com/cyphal-go/gocyphal"
)

// SocketCAN driver, a near-direct port of gocanopen's
// pkg/can/socketcan/socketcan.go to the cyphal Driver interface: same
// wrapping of github.com/brutella/can. brutella/can frames hold at most 8
// data bytes, so this driver carries classic CAN frames only; Send rejects
// a frame with more data (CAN FD) instead of transmitting it.

func init() {
	RegisterDriver("socketcan", NewSocketCANDriver)
}

type socketCANDriver struct {
	bus     *sockcan.Bus
	handler FrameHandler
}

// NewSocketCANDriver opens a SocketCAN interface by name, e.g. "can0".
func NewSocketCANDriver(channel string) (Driver, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return nil, err
	}
	return &socketCANDriver{bus: bus}, nil
}

func (d *socketCANDriver) Start(handler FrameHandler, trouble TroubleHandler) error {
	d.handler = handler
	d.bus.Subscribe(d)
	go func() {
		if err := d.bus.ConnectAndPublish(); err != nil && trouble != nil {
			trouble.HandleTrouble(err)
		}
	}()
	return nil
}

func (d *socketCANDriver) Send(frames []Frame) error {
	for _, f := range frames {
		if len(f.Data) > 8 {
			return fmt.Errorf("can: %w: socketcan driver carries at most 8 data bytes per frame, got %d", cyphal.ErrUnsupportedCapability, len(f.Data))
		}
		var data [8]byte
		n := copy(data[:], f.Data)
		err := d.bus.Publish(sockcan.Frame{
			ID:     f.ID | 0x80000000, // extended frame flag, per brutella/can convention
			Length: uint8(n),
			Data:   data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *socketCANDriver) ConfigureAcceptanceFilters(filters []AcceptanceFilter) error {
	// brutella/can does not expose SocketCAN's kernel filtering ioctl; the
	// transport falls back to software filtering on every received frame.
	return nil
}

func (d *socketCANDriver) Close() error {
	return d.bus.Disconnect()
}

// Handle satisfies brutella/can's receive callback interface.
func (d *socketCANDriver) Handle(frame sockcan.Frame) {
	if d.handler == nil {
		return
	}
	data := make([]byte, frame.Length)
	copy(data, frame.Data[:frame.Length])
	d.handler.HandleFrame(Frame{ID: frame.ID &^ 0x80000000, Data: data})
}
