package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type sessionKey struct {
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID
}

// groupKey identifies one joined multicast group + port, shared by every
// input session whose specifier maps onto it.
type groupKey struct {
	addr string
	port int
}

// Config configures a Transport.
type Config struct {
	LocalNodeID       cyphal.NodeID
	InterfaceName     string // network interface to join multicast groups on; "" picks the default
	MetricsRegisterer prometheus.Registerer
	Logger            *logrus.Logger
}

// Transport implements cyphal.Transport, cyphal.Capturable and
// cyphal.Spoofable over net.UDPConn multicast sockets. Grounded on the same
// session-map/dispatch shape as pkg/transport/can.Transport, substituting a
// multicast-group listener per specifier for a single shared bus handle.
type Transport struct {
	localNodeID cyphal.NodeID
	iface       *net.Interface
	log         *logrus.Logger
	stats       *cyphal.StatCounters
	sendConn    *net.UDPConn

	mu             sync.RWMutex
	listeners      map[groupKey]*net.UDPConn
	inputSessions  map[sessionKey]*inputSession
	outputSessions map[sessionKey]*outputSession
	capture        cyphal.CaptureHandler
	closed         bool
}

// NewTransport opens the send socket. Multicast groups are joined lazily as
// input sessions are created.
func NewTransport(cfg Config) (*Transport, error) {
	var iface *net.Interface
	if cfg.InterfaceName != "" {
		found, err := net.InterfaceByName(cfg.InterfaceName)
		if err != nil {
			return nil, fmt.Errorf("udp: %w: %v", cyphal.ErrInvalidTransportConfiguration, err)
		}
		iface = found
	}

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("udp: opening send socket: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Transport{
		localNodeID:    cfg.LocalNodeID,
		iface:          iface,
		log:            log,
		stats:          cyphal.NewStatCounters(cfg.MetricsRegisterer, cyphal.TransportUDP, cfg.InterfaceName),
		sendConn:       sendConn,
		listeners:      make(map[groupKey]*net.UDPConn),
		inputSessions:  make(map[sessionKey]*inputSession),
		outputSessions: make(map[sessionKey]*outputSession),
	}, nil
}

func (t *Transport) Kind() cyphal.TransportKind { return cyphal.TransportUDP }
func (t *Transport) LocalNodeID() cyphal.NodeID { return t.localNodeID }
func (t *Transport) MTU() int                   { return maxDatagramPayload }

func (t *Transport) Statistics() cyphal.Statistics { return t.stats.Snapshot() }

func groupFor(specifier cyphal.DataSpecifier, destination cyphal.NodeID) (net.IP, int) {
	if specifier.IsService() {
		return multicastGroupForService(destination), ServicePort
	}
	return multicastGroupForSubject(specifier.SubjectID), MessagePort
}

func (t *Transport) GetInputSession(specifier cyphal.DataSpecifier, remote cyphal.NodeID) (cyphal.InputSession, error) {
	key := sessionKey{specifier: specifier, remote: remote}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, cyphal.ErrResourceClosed
	}
	if s, ok := t.inputSessions[key]; ok {
		return s, nil
	}

	// Services are addressed by the requester's destination, but the group
	// a server listens on is keyed by its own node-id; subjects resolve
	// directly.
	groupDest := remote
	if specifier.IsService() {
		groupDest = t.localNodeID
	}
	ip, port := groupFor(specifier, groupDest)
	if err := t.ensureListening(ip, port); err != nil {
		return nil, err
	}

	s := newInputSession(t, specifier, remote)
	t.inputSessions[key] = s
	return s, nil
}

func (t *Transport) ensureListening(ip net.IP, port int) error {
	gk := groupKey{addr: ip.String(), port: port}
	if _, ok := t.listeners[gk]; ok {
		return nil
	}
	conn, err := net.ListenMulticastUDP("udp4", t.iface, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return fmt.Errorf("udp: joining multicast group %s:%d: %w", ip, port, err)
	}
	t.listeners[gk] = conn
	go t.receiveLoop(conn)
	return nil
}

func (t *Transport) receiveLoop(conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			t.log.WithError(err).Warn("udp: read failed")
			continue
		}
		t.onDatagram(append([]byte(nil), buf[:n]...))
	}
}

func (t *Transport) onDatagram(datagram []byte) {
	t.stats.FrameReceived()

	t.mu.RLock()
	capture := t.capture
	t.mu.RUnlock()
	if capture != nil {
		capture.HandleCapture(cyphal.CaptureRecord{
			Kind:      cyphal.TransportUDP,
			Timestamp: cyphal.Timestamp{System: nowFunc()},
			RawFrame:  datagram,
		})
	}

	if len(datagram) < HeaderLength {
		t.stats.ReassemblyError()
		return
	}
	h, err := decodeHeader(datagram)
	if err != nil {
		t.stats.ReassemblyError()
		return
	}
	payload := datagram[HeaderLength:]
	now := nowFunc()

	if h.specifier.IsService() && h.destination != t.localNodeID {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for key, session := range t.inputSessions {
		if key.specifier != h.specifier {
			continue
		}
		if !session.matches(h.source) {
			continue
		}
		session.handleDatagram(h, payload, now)
	}
}

func (t *Transport) GetOutputSession(specifier cyphal.DataSpecifier, destination cyphal.NodeID) (cyphal.OutputSession, error) {
	key := sessionKey{specifier: specifier, remote: destination}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, cyphal.ErrResourceClosed
	}
	if s, ok := t.outputSessions[key]; ok {
		return s, nil
	}

	groupDest := destination
	if specifier.IsService() {
		groupDest = destination
	}
	ip, port := groupFor(specifier, groupDest)
	s := &outputSession{
		transport:   t,
		specifier:   specifier,
		destination: destination,
		conn:        t.sendConn,
		addr:        &net.UDPAddr{IP: ip, Port: port},
	}
	t.outputSessions[key] = s
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := make([]*net.UDPConn, 0, len(t.listeners))
	for _, c := range t.listeners {
		listeners = append(listeners, c)
	}
	t.listeners = nil
	// Output sessions share sendConn, so they are only marked closed here;
	// sendConn itself is closed once below.
	for _, s := range t.outputSessions {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	t.inputSessions = nil
	t.outputSessions = nil
	t.mu.Unlock()

	for _, c := range listeners {
		c.Close()
	}
	return t.sendConn.Close()
}

func (t *Transport) BeginCapture(handler cyphal.CaptureHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return cyphal.ErrResourceClosed
	}
	t.capture = handler
	return nil
}

// Spoof injects a fully-formed transfer, bypassing the owning output
// session's transfer-id counter, same diagnostic escape hatch as
// pkg/transport/can.Transport.Spoof.
func (t *Transport) Spoof(ctx context.Context, transfer cyphal.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	groupDest := transfer.DestNodeID
	ip, port := groupFor(transfer.Specifier, groupDest)
	tmp := &outputSession{
		transport:   t,
		specifier:   transfer.Specifier,
		destination: transfer.DestNodeID,
		conn:        t.sendConn,
		addr:        &net.UDPAddr{IP: ip, Port: port},
		transferID:  transfer.TransferID,
	}
	datagrams := tmp.buildDatagrams(transfer.Priority, transfer.SourceNodeID, transfer.Payload)
	for _, dg := range datagrams {
		if _, err := tmp.conn.WriteToUDP(dg, tmp.addr); err != nil {
			return err
		}
	}
	return nil
}

var nowFunc = time.Now
