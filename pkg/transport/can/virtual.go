package can

import "sync"

// Virtual CAN bus: an in-process broadcast channel standing in for a real
// interface, used by this package's tests and by pkg/transport/redundant's
// multi-inferior tests. Grounded on gocanopen's pkg/can/virtual (a TCP
// broker-backed loopback bus for the same purpose); simplified to an
// in-process broadcaster since this module never needs to loop back across
// process boundaries the way gocanopen's integration tests do.
func init() {
	RegisterDriver("virtual", NewVirtualDriver)
}

// virtualNetwork is a shared broadcast medium. Every bus opened against the
// same channel name joins the same network, exactly as every client
// dialing the same gocanopen virtual-bus broker address shares one bus.
type virtualNetwork struct {
	mu      sync.Mutex
	members []*virtualDriver
}

var (
	virtualNetworksMu sync.Mutex
	virtualNetworks   = make(map[string]*virtualNetwork)
)

func joinVirtualNetwork(channel string) *virtualNetwork {
	virtualNetworksMu.Lock()
	defer virtualNetworksMu.Unlock()
	net, ok := virtualNetworks[channel]
	if !ok {
		net = &virtualNetwork{}
		virtualNetworks[channel] = net
	}
	return net
}

type virtualDriver struct {
	network    *virtualNetwork
	handler    FrameHandler
	receiveOwn bool
	closed     bool
}

// NewVirtualDriver joins (creating if necessary) the in-process virtual CAN
// network named by channel.
func NewVirtualDriver(channel string) (Driver, error) {
	return &virtualDriver{network: joinVirtualNetwork(channel)}, nil
}

// SetReceiveOwn controls whether frames this driver sends are also
// delivered back to its own handler, mirroring gocanopen's
// VirtualCanBus.SetReceiveOwn (used so a single-process test can publish
// and subscribe on the same bus instance).
func (d *virtualDriver) SetReceiveOwn(receiveOwn bool) {
	d.receiveOwn = receiveOwn
}

func (d *virtualDriver) Start(handler FrameHandler, trouble TroubleHandler) error {
	d.handler = handler
	d.network.mu.Lock()
	d.network.members = append(d.network.members, d)
	d.network.mu.Unlock()
	return nil
}

func (d *virtualDriver) Send(frames []Frame) error {
	d.network.mu.Lock()
	members := append([]*virtualDriver(nil), d.network.members...)
	d.network.mu.Unlock()
	for _, frame := range frames {
		cp := Frame{ID: frame.ID, Data: append([]byte(nil), frame.Data...)}
		for _, member := range members {
			if member == d && !d.receiveOwn {
				continue
			}
			if member.handler != nil {
				member.handler.HandleFrame(cp)
			}
		}
	}
	return nil
}

func (d *virtualDriver) ConfigureAcceptanceFilters(filters []AcceptanceFilter) error {
	return nil
}

func (d *virtualDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.network.mu.Lock()
	defer d.network.mu.Unlock()
	for i, member := range d.network.members {
		if member == d {
			d.network.members = append(d.network.members[:i], d.network.members[i+1:]...)
			break
		}
	}
	return nil
}
