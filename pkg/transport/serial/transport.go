// Package serial implements the Cyphal/Serial transport (spec.md §4.4,
// §6): a raw byte stream, COBS-delimited (0x00 between frames), carrying
// the same fixed 24-byte header as the UDP transport but with a 64-bit
// transfer-id and an in-order reassembler (consecutive frame indices, then
// a CRC check, in place of the CAN transport's toggle bit) rather than
// UDP's reorder window, since a serial line (unlike multicast UDP) delivers
// bytes strictly in order.
// Grounded on hootrhino-gomodbus's use of github.com/hootrhino/goserial for
// the POSIX/Windows serial line itself.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	goserial "github.com/hootrhino/goserial"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/cobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// HeaderLength mirrors the UDP transport's layout (spec.md §4.4: "24-byte
// header mirrors UDP") but with a 64-bit transfer-id already included, so
// the two share the exact same byte width; see pkg/transport/udp/header.go
// for the authoritative field-by-field layout this package reuses the
// encoding of.
const HeaderLength = 24

const transferTimeout = 2 * time.Second

// Config configures a Transport.
type Config struct {
	Address           string
	BaudRate          int
	LocalNodeID       cyphal.NodeID
	ReceiveExtent     int
	Logger            *logrus.Logger
	MetricsRegisterer prometheus.Registerer
}

type sessionKey struct {
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID
}

// Transport implements cyphal.Transport, cyphal.Capturable and
// cyphal.Spoofable over a COBS-framed serial line. Grounded on
// pkg/transport/can.Transport's session-map/dispatch shape, substituting a
// single shared stream reader for CAN's frame-handler callback.
type Transport struct {
	port        io.ReadWriteCloser
	reader      *bufio.Reader
	localNodeID cyphal.NodeID
	extent      int
	log         *logrus.Logger
	stats       *cyphal.StatCounters

	writeMu sync.Mutex

	mu             sync.RWMutex
	inputSessions  map[sessionKey]*inputSession
	outputSessions map[sessionKey]*outputSession
	capture        cyphal.CaptureHandler
	closed         bool
}

// NewTransport opens the serial line via goserial and starts the receive
// loop.
func NewTransport(cfg Config) (*Transport, error) {
	port, err := goserial.Open(&goserial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	})
	if err != nil {
		return nil, fmt.Errorf("serial: opening %s: %w", cfg.Address, err)
	}

	extent := cfg.ReceiveExtent
	if extent <= 0 {
		extent = 1 << 16
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	t := &Transport{
		port:           port,
		reader:         bufio.NewReaderSize(port, 1<<16),
		localNodeID:    cfg.LocalNodeID,
		extent:         extent,
		log:            log,
		stats:          cyphal.NewStatCounters(cfg.MetricsRegisterer, cyphal.TransportSerial, cfg.Address),
		inputSessions:  make(map[sessionKey]*inputSession),
		outputSessions: make(map[sessionKey]*outputSession),
	}
	go t.receiveLoop()
	return t, nil
}

func (t *Transport) Kind() cyphal.TransportKind { return cyphal.TransportSerial }
func (t *Transport) LocalNodeID() cyphal.NodeID { return t.localNodeID }
func (t *Transport) MTU() int                   { return maxFramePayload }

func (t *Transport) Statistics() cyphal.Statistics { return t.stats.Snapshot() }

func (t *Transport) receiveLoop() {
	for {
		encoded, err := t.reader.ReadBytes(0x00)
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			t.log.WithError(err).Warn("serial: read failed")
			return
		}
		// Trim the trailing 0x00 delimiter before decoding.
		if len(encoded) > 0 && encoded[len(encoded)-1] == 0x00 {
			encoded = encoded[:len(encoded)-1]
		}
		if len(encoded) == 0 {
			continue
		}
		decoded, err := cobs.Decode(encoded)
		if err != nil {
			t.stats.ReassemblyError()
			continue
		}
		t.onFrame(decoded)
	}
}

func (t *Transport) onFrame(frame []byte) {
	t.stats.FrameReceived()

	t.mu.RLock()
	capture := t.capture
	t.mu.RUnlock()
	if capture != nil {
		capture.HandleCapture(cyphal.CaptureRecord{
			Kind:      cyphal.TransportSerial,
			Timestamp: cyphal.Timestamp{System: time.Now()},
			RawFrame:  frame,
		})
	}

	if len(frame) < HeaderLength {
		t.stats.ReassemblyError()
		return
	}
	h, err := decodeHeader(frame)
	if err != nil {
		t.stats.ReassemblyError()
		return
	}
	payload := frame[HeaderLength:]
	now := time.Now()

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
		session.handleFrame(h, payload, now)
	}
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
	s := newInputSession(t, specifier, remote, t.extent)
	t.inputSessions[key] = s
	return s, nil
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
	s := &outputSession{transport: t, specifier: specifier, destination: destination}
	t.outputSessions[key] = s
	return s, nil
}

func (t *Transport) writeFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	encoded := cobs.Encode(frame)
	encoded = append(encoded, 0x00)
	_, err := t.port.Write(encoded)
	return err
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	outputs := t.outputSessions
	t.inputSessions = nil
	t.outputSessions = nil
	t.mu.Unlock()
	for _, s := range outputs {
		s.Close()
	}
	return t.port.Close()
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

// Spoof injects a fully-formed transfer with caller-chosen identity and
// transfer-id, same diagnostic escape hatch as the CAN and UDP transports.
func (t *Transport) Spoof(ctx context.Context, transfer cyphal.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := &outputSession{transport: t, specifier: transfer.Specifier, destination: transfer.DestNodeID, transferID: transfer.TransferID}
	frames := tmp.buildFrames(transfer.Priority, transfer.SourceNodeID, transfer.Payload)
	for _, f := range frames {
		if err := t.writeFrame(f); err != nil {
			return err
		}
	}
	return nil
}
