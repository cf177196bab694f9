package can

import (
	"sync"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
	"github.com/cyphal-go/gocyphal/internal/fifo"
)

// gapTimeout discards a partial multi-frame transfer if no frame arrives
// for this long (spec.md §4.2: "default 2 s").
const gapTimeout = 2 * time.Second

// transferIDModulo is the CAN transport's transfer-ID window, 5 bits.
const transferIDModulo = 32

// reassemblyState is the per-source buffer tracked by an inputSession. A
// promiscuous session (remote == AnonymousNodeID) keeps one of these per
// observed source node-ID; a source-specific session keeps exactly one.
type reassemblyState struct {
	buffer      *fifo.Buffer
	toggle      bool
	haveLast    bool
	lastID      uint8
	lastFrameAt time.Time
	inProgress  bool
}

// inputSession implements cyphal.InputSession for the CAN transport.
// Grounded on gocanopen's pkg/sdo/client.go toggle/sequence state machine,
// generalized from one fixed remote SDO server to N demultiplexed sources.
type inputSession struct {
	transport *Transport
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID // AnonymousNodeID means promiscuous
	extent    int

	mu      sync.Mutex
	sources map[cyphal.NodeID]*reassemblyState
	handler cyphal.TransferHandler
	closed  bool
}

func newInputSession(t *Transport, specifier cyphal.DataSpecifier, remote cyphal.NodeID, extent int) *inputSession {
	return &inputSession{
		transport: t,
		specifier: specifier,
		remote:    remote,
		extent:    extent,
		sources:   make(map[cyphal.NodeID]*reassemblyState),
	}
}

func (s *inputSession) Specifier() cyphal.DataSpecifier { return s.specifier }

func (s *inputSession) SetHandler(h cyphal.TransferHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *inputSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sources = nil
	return nil
}

// matches reports whether this session wants frames from source, i.e. it is
// promiscuous or source is exactly its configured remote.
func (s *inputSession) matches(source cyphal.NodeID) bool {
	return s.remote.IsAnonymous() || s.remote == source
}

// handleFrame feeds one received frame into this session's reassembly
// state for its source, following spec.md §4.2's reassembly rules.
func (s *inputSession) handleFrame(source cyphal.NodeID, destination cyphal.NodeID, priority cyphal.Priority, now time.Time, start, end, toggle bool, transferID uint8, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st, ok := s.sources[source]
	if !ok {
		st = &reassemblyState{buffer: fifo.NewBuffer(s.extent)}
		s.sources[source] = st
	}

	// Gap timeout discards a stale partial transfer.
	if st.inProgress && !st.lastFrameAt.IsZero() && now.Sub(st.lastFrameAt) > gapTimeout {
		st.inProgress = false
		st.buffer.Reset()
		s.transport.stats.ReassemblyError()
	}

	if start {
		// Transfer-ID regression check: a transfer-ID 1..window steps below
		// the last accepted value (modulo 32) is rejected as old.
		if st.haveLast && transferIDRegressed(st.lastID, transferID, s.transport.tidToleranceWindow) {
			s.transport.stats.TransferIDRegression()
			return
		}
		st.inProgress = true
		st.buffer.Reset()
		st.toggle = true // reset to 1 on start, per spec.md §4.2
		st.lastFrameAt = now
		if !toggle {
			// Malformed start frame; toggle must begin at 1.
			st.inProgress = false
			s.transport.stats.ReassemblyError()
			return
		}
	} else {
		if !st.inProgress {
			// Frame for a transfer we never saw the start of; ignore.
			return
		}
		if toggle != st.toggle {
			// First toggle mismatch discards the partial transfer.
			st.inProgress = false
			s.transport.stats.ReassemblyError()
			return
		}
	}
	st.toggle = !st.toggle
	st.lastFrameAt = now

	if start && end {
		// Single-frame transfer: skip the CRC (spec.md §4.2).
		s.deliver(source, destination, priority, transferID, payload, now)
		st.inProgress = false
		st.haveLast = true
		st.lastID = transferID
		return
	}

	if start && !end {
		if err := st.buffer.Write(payload); err != nil {
			st.inProgress = false
			s.transport.stats.ReassemblyError()
			return
		}
		return
	}

	// Continuation or end frame.
	if !end {
		if err := st.buffer.Write(payload); err != nil {
			st.inProgress = false
			s.transport.stats.ReassemblyError()
			return
		}
		return
	}

	// End frame: payload carries the tail 2 CRC bytes appended by the
	// sender; verify and strip them.
	if err := st.buffer.Write(payload); err != nil {
		st.inProgress = false
		s.transport.stats.ReassemblyError()
		return
	}
	full := st.buffer.Bytes()
	if len(full) < 2 {
		st.inProgress = false
		s.transport.stats.ReassemblyError()
		return
	}
	data := full[:len(full)-2]
	// Recompute CRC over everything except the trailing CRC bytes, and
	// compare against what the sender appended.
	check := crc.New()
	check.Write(data)
	gotHigh, gotLow := full[len(full)-2], full[len(full)-1]
	got := uint16(gotHigh)<<8 | uint16(gotLow)
	if uint16(check) != got {
		st.inProgress = false
		s.transport.stats.ReassemblyError()
		return
	}
	payloadCopy := append([]byte(nil), data...)
	s.deliver(source, destination, priority, transferID, payloadCopy, now)
	st.inProgress = false
	st.haveLast = true
	st.lastID = transferID
}

func (s *inputSession) deliver(source, destination cyphal.NodeID, priority cyphal.Priority, transferID uint8, payload []byte, now time.Time) {
	if s.handler == nil {
		return
	}
	s.transport.stats.TransferReceived()
	s.handler.HandleTransfer(cyphal.Transfer{
		Priority:     priority,
		TransferID:   uint64(transferID),
		SourceNodeID: source,
		DestNodeID:   destination,
		Specifier:    s.specifier,
		Payload:      payload,
		Timestamp:    cyphal.Timestamp{System: now},
	})
}

// transferIDRegressed implements spec.md §9(a): a transfer-ID 1..window
// steps below the last accepted value (modulo 32) is old and rejected; an
// equal value, or one more than window steps below, is accepted. window is
// configurable per spec.md's open question (a); it defaults to half the
// modulo.
func transferIDRegressed(last, candidate uint8, window uint8) bool {
	diff := (last - candidate) % transferIDModulo
	return diff != 0 && diff <= window
}
