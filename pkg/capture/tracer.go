// Package capture implements offline reconstruction of Transfers from a
// chronological stream of cyphal.CaptureRecords (spec.md §4.7): a Tracer
// that replays what BeginCapture observed back into the same Transfer and
// reassembly-error events a live InputSession would have produced.
//
// Grounded on the teacher's virtual-bus test harness (pkg/can/virtual,
// driver_test.go), which already treats "every frame the loopback bus saw"
// as an observable stream; here that idea is generalized into a consumer
// facing API and the reassembly state machines of pkg/transport/can, /udp
// and /serial are replayed stand-alone, decoupled from a live Transport, so
// a captured log file can be reprocessed without any media present.
package capture

import (
	"fmt"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
	"github.com/cyphal-go/gocyphal/internal/fifo"
	"github.com/cyphal-go/gocyphal/pkg/transport/can"
)

const (
	defaultExtent    = 1 << 20
	gapTimeout       = 2 * time.Second
	canTIDModulo     = 32
	canTIDWindow     = canTIDModulo / 2
	udpReorderWindow = 16
)

// ReassemblyError reports a transfer the Tracer could not reconstruct: bad
// CRC, a toggle/sequence mismatch, a dropped frame, or a malformed record.
type ReassemblyError struct {
	Kind      cyphal.TransportKind
	Source    cyphal.NodeID
	Specifier cyphal.DataSpecifier
	Timestamp cyphal.Timestamp
	Reason    string
}

func (e ReassemblyError) Error() string {
	return fmt.Sprintf("capture: %s reassembly failed from node %d on %+v: %s", e.Kind, e.Source, e.Specifier, e.Reason)
}

// TraceHandler receives every event a Tracer reconstructs from a capture
// stream, in the chronological order the records were fed.
type TraceHandler interface {
	HandleTransfer(cyphal.Transfer)
	HandleReassemblyError(ReassemblyError)
}

// TraceHandlerFuncs adapts two plain functions to TraceHandler; either may
// be nil to ignore that event kind.
type TraceHandlerFuncs struct {
	OnTransfer func(cyphal.Transfer)
	OnError    func(ReassemblyError)
}

func (f TraceHandlerFuncs) HandleTransfer(t cyphal.Transfer) {
	if f.OnTransfer != nil {
		f.OnTransfer(t)
	}
}

func (f TraceHandlerFuncs) HandleReassemblyError(e ReassemblyError) {
	if f.OnError != nil {
		f.OnError(e)
	}
}

type sourceKey struct {
	kind      cyphal.TransportKind
	specifier cyphal.DataSpecifier
	source    cyphal.NodeID
}

// Tracer is stateful: it must see every record of a capture stream, in
// timestamp order, to correctly reassemble multi-frame transfers. It is not
// safe for concurrent use — a capture stream is inherently a single
// chronological sequence, so callers feed it from one goroutine.
type Tracer struct {
	extent int

	canStates    map[sourceKey]*canReassembly
	udpStates    map[sourceKey]*udpReassembly
	serialStates map[sourceKey]*serialReassembly
}

// NewTracer returns a Tracer sizing its reassembly buffers to extent bytes
// (the DSDL extent a subscriber would have declared; spec.md's "receive
// buffer is sized to this value"). extent <= 0 selects a 1 MiB default.
func NewTracer(extent int) *Tracer {
	if extent <= 0 {
		extent = defaultExtent
	}
	return &Tracer{
		extent:       extent,
		canStates:    make(map[sourceKey]*canReassembly),
		udpStates:    make(map[sourceKey]*udpReassembly),
		serialStates: make(map[sourceKey]*serialReassembly),
	}
}

// Feed processes one captured record, invoking handler for every Transfer
// or ReassemblyError it produces (at most one Transfer per record; a UDP
// record can also report several timed-out transfers as errors).
func (tr *Tracer) Feed(record cyphal.CaptureRecord, handler TraceHandler) {
	switch record.Kind {
	case cyphal.TransportCAN:
		tr.feedCAN(record, handler)
	case cyphal.TransportUDP:
		tr.feedUDP(record, handler)
	case cyphal.TransportSerial:
		tr.feedSerial(record, handler)
	}
}

// FeedAll processes records in order, the convenience entry point for
// replaying an entire captured/persisted stream at once.
func (tr *Tracer) FeedAll(records []cyphal.CaptureRecord, handler TraceHandler) {
	for _, r := range records {
		tr.Feed(r, handler)
	}
}

// --- CAN ---------------------------------------------------------------

type canReassembly struct {
	buffer      *fifo.Buffer
	crc         crc.CRC16
	toggle      bool
	haveLast    bool
	lastID      uint8
	lastFrameAt time.Time
	inProgress  bool
}

func canTransferIDRegressed(last, candidate uint8) bool {
	diff := (last - candidate) % canTIDModulo
	return diff != 0 && diff <= canTIDWindow
}

func (tr *Tracer) feedCAN(record cyphal.CaptureRecord, handler TraceHandler) {
	raw := record.RawFrame
	if len(raw) < 5 {
		return
	}
	id := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	data := raw[4:]
	decoded := can.ParseArbitrationID(id)
	tail := data[len(data)-1]
	start, end, toggle, transferID := can.DecodeTail(tail)
	payload := data[:len(data)-1]
	now := record.Timestamp.System

	key := sourceKey{kind: cyphal.TransportCAN, specifier: decoded.Specifier, source: decoded.Source}
	st, ok := tr.canStates[key]
	if !ok {
		st = &canReassembly{buffer: fifo.NewBuffer(tr.extent)}
		tr.canStates[key] = st
	}

	if st.inProgress && !st.lastFrameAt.IsZero() && now.Sub(st.lastFrameAt) > gapTimeout {
		st.inProgress = false
		st.buffer.Reset()
	}

	fail := func(reason string) {
		st.inProgress = false
		handler.HandleReassemblyError(ReassemblyError{Kind: cyphal.TransportCAN, Source: decoded.Source, Specifier: decoded.Specifier, Timestamp: record.Timestamp, Reason: reason})
	}

	if start {
		if st.haveLast && canTransferIDRegressed(st.lastID, transferID) {
			return
		}
		st.inProgress = true
		st.buffer.Reset()
		st.crc = crc.New()
		st.toggle = true
		st.lastFrameAt = now
		if !toggle {
			fail("start frame with toggle bit clear")
			return
		}
	} else {
		if !st.inProgress {
			return
		}
		if toggle != st.toggle {
			fail("toggle bit repeated")
			return
		}
	}
	st.toggle = !st.toggle
	st.lastFrameAt = now

	deliver := func(p []byte) {
		handler.HandleTransfer(cyphal.Transfer{
			Priority: decoded.Priority, TransferID: uint64(transferID), SourceNodeID: decoded.Source,
			DestNodeID: decoded.Destination, Specifier: decoded.Specifier, Payload: p,
			Timestamp: record.Timestamp,
		})
		st.inProgress = false
		st.haveLast = true
		st.lastID = transferID
	}

	if start && end {
		deliver(append([]byte(nil), payload...))
		return
	}
	if err := st.buffer.Write(payload); err != nil {
		fail("reassembly buffer exceeded extent")
		return
	}
	st.crc.Write(payload)
	if !end {
		return
	}

	full := st.buffer.Bytes()
	if len(full) < 2 {
		fail("end frame too short for CRC trailer")
		return
	}
	body := full[:len(full)-2]
	check := crc.New()
	check.Write(body)
	got := uint16(full[len(full)-2])<<8 | uint16(full[len(full)-1])
	if uint16(check) != got {
		fail("CRC mismatch")
		return
	}
	deliver(append([]byte(nil), body...))
}

// --- UDP -----------------------------------------------------------------

type udpPendingTransfer struct {
	frames   map[uint32][]byte
	endIndex uint32
	haveEnd  bool
	lastSeen time.Time
}

type udpReassembly struct {
	pending     map[uint64]*udpPendingTransfer
	lastTID     uint64
	haveLastTID bool
}

func (tr *Tracer) feedUDP(record cyphal.CaptureRecord, handler TraceHandler) {
	h, err := decodeUDPLikeHeader(record.RawFrame)
	if err != nil {
		handler.HandleReassemblyError(ReassemblyError{Kind: cyphal.TransportUDP, Timestamp: record.Timestamp, Reason: err.Error()})
		return
	}
	payload := h.payloadOf(record.RawFrame)
	now := record.Timestamp.System

	key := sourceKey{kind: cyphal.TransportUDP, specifier: h.specifier, source: h.source}
	st, ok := tr.udpStates[key]
	if !ok {
		st = &udpReassembly{pending: make(map[uint64]*udpPendingTransfer)}
		tr.udpStates[key] = st
	}

	if st.haveLastTID && h.transferID <= st.lastTID {
		return
	}

	pt, ok := st.pending[h.transferID]
	if !ok {
		if len(st.pending) > udpReorderWindow {
			var oldestID uint64
			var oldestTime time.Time
			first := true
			for id, p := range st.pending {
				if first || p.lastSeen.Before(oldestTime) {
					oldestID, oldestTime, first = id, p.lastSeen, false
				}
			}
			if !first {
				delete(st.pending, oldestID)
			}
		}
		pt = &udpPendingTransfer{frames: make(map[uint32][]byte)}
		st.pending[h.transferID] = pt
	}
	pt.lastSeen = now
	pt.frames[h.frameIndex] = append([]byte(nil), payload...)
	if h.end {
		pt.endIndex = h.frameIndex
		pt.haveEnd = true
	}

	if pt.haveEnd && uint32(len(pt.frames)) == pt.endIndex+1 {
		tr.reassembleUDPLike(cyphal.TransportUDP, h, pt, record.Timestamp, handler)
		delete(st.pending, h.transferID)
		st.lastTID = h.transferID
		st.haveLastTID = true
	}

	for id, p := range st.pending {
		if now.Sub(p.lastSeen) > gapTimeout {
			delete(st.pending, id)
			handler.HandleReassemblyError(ReassemblyError{Kind: cyphal.TransportUDP, Source: h.source, Specifier: h.specifier, Timestamp: record.Timestamp, Reason: "transfer timed out incomplete"})
		}
	}
}

func (tr *Tracer) reassembleUDPLike(kind cyphal.TransportKind, h udpLikeHeader, pt *udpPendingTransfer, ts cyphal.Timestamp, handler TraceHandler) {
	fail := func(reason string) {
		handler.HandleReassemblyError(ReassemblyError{Kind: kind, Source: h.source, Specifier: h.specifier, Timestamp: ts, Reason: reason})
	}
	if pt.endIndex == 0 {
		handler.HandleTransfer(cyphal.Transfer{
			Priority: h.priority, TransferID: h.transferID, SourceNodeID: h.source, DestNodeID: h.destination,
			Specifier: h.specifier, Payload: pt.frames[0], Timestamp: ts,
		})
		return
	}
	buf := fifo.NewBuffer(1 << 20)
	for i := uint32(0); i <= pt.endIndex; i++ {
		chunk, ok := pt.frames[i]
		if !ok {
			fail("missing frame in sequence")
			return
		}
		if err := buf.Write(chunk); err != nil {
			fail("reassembly buffer overflow")
			return
		}
	}
	full := buf.Bytes()
	if len(full) < 2 {
		fail("transfer too short for CRC trailer")
		return
	}
	body := full[:len(full)-2]
	check := crc.New()
	check.Write(body)
	got := uint16(full[len(full)-2])<<8 | uint16(full[len(full)-1])
	if uint16(check) != got {
		fail("CRC mismatch")
		return
	}
	handler.HandleTransfer(cyphal.Transfer{
		Priority: h.priority, TransferID: h.transferID, SourceNodeID: h.source, DestNodeID: h.destination,
		Specifier: h.specifier, Payload: append([]byte(nil), body...), Timestamp: ts,
	})
}

// --- Serial ----------------------------------------------------------------

type serialReassembly struct {
	buffer      *fifo.Buffer
	transferID  uint64
	haveTID     bool
	nextIndex   uint32
	inProgress  bool
	lastFrameAt time.Time
}

func (tr *Tracer) feedSerial(record cyphal.CaptureRecord, handler TraceHandler) {
	h, err := decodeUDPLikeHeader(record.RawFrame)
	if err != nil {
		handler.HandleReassemblyError(ReassemblyError{Kind: cyphal.TransportSerial, Timestamp: record.Timestamp, Reason: err.Error()})
		return
	}
	payload := h.payloadOf(record.RawFrame)
	now := record.Timestamp.System

	key := sourceKey{kind: cyphal.TransportSerial, specifier: h.specifier, source: h.source}
	st, ok := tr.serialStates[key]
	if !ok {
		st = &serialReassembly{buffer: fifo.NewBuffer(tr.extent)}
		tr.serialStates[key] = st
	}

	if st.inProgress && !st.lastFrameAt.IsZero() && now.Sub(st.lastFrameAt) > gapTimeout {
		st.inProgress = false
		st.buffer.Reset()
	}

	fail := func(reason string) {
		st.inProgress = false
		handler.HandleReassemblyError(ReassemblyError{Kind: cyphal.TransportSerial, Source: h.source, Specifier: h.specifier, Timestamp: record.Timestamp, Reason: reason})
	}

	if h.frameIndex == 0 {
		if st.haveTID && h.transferID <= st.transferID {
			return
		}
		st.inProgress = true
		st.buffer.Reset()
		st.nextIndex = 0
		st.transferID = h.transferID
	} else {
		if !st.inProgress || h.transferID != st.transferID || h.frameIndex != st.nextIndex {
			fail("out-of-sequence frame")
			return
		}
	}
	st.nextIndex++
	st.lastFrameAt = now

	if h.frameIndex == 0 && h.end {
		handler.HandleTransfer(cyphal.Transfer{
			Priority: h.priority, TransferID: h.transferID, SourceNodeID: h.source, DestNodeID: h.destination,
			Specifier: h.specifier, Payload: append([]byte(nil), payload...), Timestamp: record.Timestamp,
		})
		st.inProgress = false
		st.haveTID = true
		return
	}

	if err := st.buffer.Write(payload); err != nil {
		fail("reassembly buffer exceeded extent")
		return
	}
	if !h.end {
		return
	}

	full := st.buffer.Bytes()
	if len(full) < 2 {
		fail("end frame too short for CRC trailer")
		return
	}
	body := full[:len(full)-2]
	check := crc.New()
	check.Write(body)
	got := uint16(full[len(full)-2])<<8 | uint16(full[len(full)-1])
	if uint16(check) != got {
		fail("CRC mismatch")
		return
	}
	handler.HandleTransfer(cyphal.Transfer{
		Priority: h.priority, TransferID: h.transferID, SourceNodeID: h.source, DestNodeID: h.destination,
		Specifier: h.specifier, Payload: append([]byte(nil), body...), Timestamp: record.Timestamp,
	})
	st.inProgress = false
	st.haveTID = true
}
