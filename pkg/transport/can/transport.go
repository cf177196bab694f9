package can

import (
	"context"
	"fmt"
	"sync"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// sessionKey identifies an input or output session: specifier plus the
// remote/destination node-ID (AnonymousNodeID for promiscuous/broadcast).
type sessionKey struct {
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID
}

// Config configures a Transport. DriverName/Channel select and open the
// media driver via the package-level registry (media.go); ReceiveExtent
// bounds per-source reassembly buffers.
type Config struct {
	DriverName          string
	Channel             string
	LocalNodeID         cyphal.NodeID
	ReceiveExtent       int
	TransferIDTolerance uint8 // defaults to transferIDModulo/2 if zero
	// FrameFormat selects classic CAN 2.0 (7-byte chunking) or CAN FD
	// (up-to-63-byte chunking, the zero-value default). spec.md §4.2
	// requires both; classic is the primary intravehicular case.
	FrameFormat       FrameFormat
	MetricsRegisterer prometheus.Registerer
	Logger            *logrus.Logger
}

// Transport implements cyphal.Transport, cyphal.Capturable and
// cyphal.Spoofable over a CAN Driver. Grounded on gocanopen's pkg/node
// (owns the bus + dispatches to per-object handlers) generalized from one
// fixed set of CANopen objects to arbitrary data specifiers.
type Transport struct {
	driver              Driver
	localNodeID         cyphal.NodeID
	extent              int
	tidToleranceWindow  uint8
	frameDataLength     int
	log                 *logrus.Logger
	stats               *cyphal.StatCounters

	mu             sync.RWMutex
	inputSessions  map[sessionKey]*inputSession
	outputSessions map[sessionKey]*outputSession
	capture        cyphal.CaptureHandler
	closed         bool
}

// NewTransport opens the configured driver and starts receiving.
func NewTransport(cfg Config) (*Transport, error) {
	driver, err := NewDriver(cfg.DriverName, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("can: %w", err)
	}
	extent := cfg.ReceiveExtent
	if extent <= 0 {
		extent = 1 << 16
	}
	tolerance := cfg.TransferIDTolerance
	if tolerance == 0 {
		tolerance = transferIDModulo / 2
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	t := &Transport{
		driver:             driver,
		localNodeID:        cfg.LocalNodeID,
		extent:             extent,
		tidToleranceWindow: tolerance,
		frameDataLength:    cfg.FrameFormat.DataLength(),
		log:                log,
		stats:              cyphal.NewStatCounters(cfg.MetricsRegisterer, cyphal.TransportCAN, cfg.Channel),
		inputSessions:      make(map[sessionKey]*inputSession),
		outputSessions:     make(map[sessionKey]*outputSession),
	}

	if err := driver.Start(FrameHandlerFunc(t.onFrame), TroubleHandlerFunc(t.onTrouble)); err != nil {
		return nil, fmt.Errorf("can: starting driver: %w", err)
	}
	return t, nil
}

func (t *Transport) Kind() cyphal.TransportKind { return cyphal.TransportCAN }

func (t *Transport) LocalNodeID() cyphal.NodeID { return t.localNodeID }

func (t *Transport) MTU() int { return t.frameDataLength - 1 }

func (t *Transport) Statistics() cyphal.Statistics { return t.stats.Snapshot() }

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
	s := newOutputSession(t, specifier, destination)
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
	inputs := make([]*inputSession, 0, len(t.inputSessions))
	for _, s := range t.inputSessions {
		inputs = append(inputs, s)
	}
	outputs := make([]*outputSession, 0, len(t.outputSessions))
	for _, s := range t.outputSessions {
		outputs = append(outputs, s)
	}
	t.inputSessions = nil
	t.outputSessions = nil
	t.mu.Unlock()

	for _, s := range inputs {
		s.Close()
	}
	for _, s := range outputs {
		s.Close()
	}
	return t.driver.Close()
}

// onFrame is the Driver's receive callback: every observed frame is first
// offered to the capture handler (spec.md §4.7, "capture sees frames before
// any address-based filtering"), then decoded and dispatched to whichever
// input sessions want it — both an exact-source session and a promiscuous
// one may exist for the same specifier simultaneously.
func (t *Transport) onFrame(frame Frame) {
	t.stats.FrameReceived()

	t.mu.RLock()
	capture := t.capture
	t.mu.RUnlock()
	if capture != nil {
		raw := make([]byte, 4+len(frame.Data))
		raw[0] = byte(frame.ID >> 24)
		raw[1] = byte(frame.ID >> 16)
		raw[2] = byte(frame.ID >> 8)
		raw[3] = byte(frame.ID)
		copy(raw[4:], frame.Data)
		capture.HandleCapture(cyphal.CaptureRecord{
			Kind:      cyphal.TransportCAN,
			Timestamp: cyphal.Timestamp{System: nowFunc()},
			RawFrame:  raw,
		})
	}

	if len(frame.Data) == 0 {
		return
	}
	tail := frame.Data[len(frame.Data)-1]
	start, end, toggle, transferID := DecodeTail(tail)
	decoded := ParseArbitrationID(frame.ID)
	payload := frame.Data[:len(frame.Data)-1]
	now := nowFunc()

	// For services, only the addressed destination (or the local node) is
	// dispatched; for messages every interested session sees it.
	if decoded.Specifier.IsService() && decoded.Destination != t.localNodeID {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for key, session := range t.inputSessions {
		if key.specifier != decoded.Specifier {
			continue
		}
		if !session.matches(decoded.Source) {
			continue
		}
		session.handleFrame(decoded.Source, decoded.Destination, decoded.Priority, now, start, end, toggle, transferID, payload)
	}
}

func (t *Transport) onTrouble(err error) {
	t.log.WithError(err).Warn("can: driver reported trouble")
}

// BeginCapture installs the capture-stream handler (spec.md §4.7).
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
// transfer-ID, bypassing the owning output session's counter (spec.md
// §4.7: spoofing is a deliberate diagnostic escape hatch from the normal
// monotonicity guarantee).
func (t *Transport) Spoof(ctx context.Context, transfer cyphal.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp := &outputSession{transport: t, specifier: transfer.Specifier, destination: transfer.DestNodeID, chunkPayload: t.frameDataLength - 1, transferID: uint8(transfer.TransferID % transferIDModulo)}
	frames, err := tmp.buildFrames(transfer.Priority, transfer.SourceNodeID, transfer.Payload)
	if err != nil {
		return err
	}
	return t.driver.Send(frames)
}

// nowFunc is overridable in tests; wall-clock time.Now in production.
var nowFunc = time.Now
