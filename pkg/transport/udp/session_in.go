package udp

import (
	"sync"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
	"github.com/cyphal-go/gocyphal/internal/fifo"
)

// reorderWindow bounds how many incomplete transfers per source are
// buffered at once: once more than this many are pending, the least
// recently updated one is dropped before a new one is started (spec.md
// §4.3: "a small reorder window, implementation-chosen, at least 16").
// Frames within one transfer may arrive in any order.
const reorderWindow = 16

// transferTimeout discards an incomplete transfer if its last frame arrived
// this long ago, mirroring the CAN transport's gap timeout.
const transferTimeout = 2 * time.Second

// pendingTransfer accumulates out-of-order frames for one
// (source, data_specifier, transfer_id) key until every frame through the
// end flag has arrived or the timeout fires.
type pendingTransfer struct {
	frames   map[uint32][]byte // frameIndex -> payload chunk
	endIndex uint32
	haveEnd  bool
	lastSeen time.Time
}

// inputSession implements cyphal.InputSession for the UDP transport.
// Grounded on the same toggle/sequence idiom as pkg/transport/can, adapted
// for an inherently out-of-order datagram medium with a reorder window
// instead of a strict single-predecessor toggle bit.
type inputSession struct {
	transport *Transport
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID

	mu         sync.Mutex
	bySource   map[cyphal.NodeID]map[uint64]*pendingTransfer
	lastTID    map[cyphal.NodeID]uint64
	haveLastTID map[cyphal.NodeID]bool
	handler    cyphal.TransferHandler
	closed     bool
}

func newInputSession(t *Transport, specifier cyphal.DataSpecifier, remote cyphal.NodeID) *inputSession {
	return &inputSession{
		transport:   t,
		specifier:   specifier,
		remote:      remote,
		bySource:    make(map[cyphal.NodeID]map[uint64]*pendingTransfer),
		lastTID:     make(map[cyphal.NodeID]uint64),
		haveLastTID: make(map[cyphal.NodeID]bool),
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
	s.bySource = nil
	return nil
}

func (s *inputSession) matches(source cyphal.NodeID) bool {
	return s.remote.IsAnonymous() || s.remote == source
}

// handleDatagram feeds one received, header-decoded datagram into this
// session's per-source reassembly state.
func (s *inputSession) handleDatagram(h header, payload []byte, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	transfers, ok := s.bySource[h.source]
	if !ok {
		transfers = make(map[uint64]*pendingTransfer)
		s.bySource[h.source] = transfers
	}

	// A transfer-ID at or below the last delivered one for this source is
	// rejected as old. Unlike CAN's 5-bit modulo window, UDP's 64-bit
	// transfer-ID (spec.md §4.3) is wide enough that a strict "must
	// increase" check is sufficient without a tolerance window.
	if s.haveLastTID[h.source] && h.transferID <= s.lastTID[h.source] {
		s.transport.stats.TransferIDRegression()
		return
	}

	pt, ok := transfers[h.transferID]
	if !ok {
		if len(transfers) > reorderWindow {
			// Too many transfers already in flight for this source; drop
			// the oldest to bound memory, mirroring the reorder window's
			// intent of bounding how far ahead we buffer.
			s.evictOldest(transfers)
		}
		pt = &pendingTransfer{frames: make(map[uint32][]byte)}
		transfers[h.transferID] = pt
	}
	pt.lastSeen = now
	pt.frames[h.frameIndex] = append([]byte(nil), payload...)
	if h.end {
		pt.endIndex = h.frameIndex
		pt.haveEnd = true
	}

	if pt.haveEnd && uint32(len(pt.frames)) == pt.endIndex+1 {
		s.reassemble(h, pt, now)
		delete(transfers, h.transferID)
		s.lastTID[h.source] = h.transferID
		s.haveLastTID[h.source] = true
	}

	s.reapStale(transfers, now)
}

func (s *inputSession) evictOldest(transfers map[uint64]*pendingTransfer) {
	var oldestID uint64
	var oldestTime time.Time
	first := true
	for id, pt := range transfers {
		if first || pt.lastSeen.Before(oldestTime) {
			oldestID, oldestTime, first = id, pt.lastSeen, false
		}
	}
	if !first {
		delete(transfers, oldestID)
	}
}

func (s *inputSession) reapStale(transfers map[uint64]*pendingTransfer, now time.Time) {
	for id, pt := range transfers {
		if now.Sub(pt.lastSeen) > transferTimeout {
			delete(transfers, id)
			s.transport.stats.ReassemblyError()
		}
	}
}

func (s *inputSession) reassemble(h header, pt *pendingTransfer, now time.Time) {
	if pt.endIndex == 0 {
		// Single-frame transfer: no trailing CRC.
		s.deliver(h, pt.frames[0], now)
		return
	}

	buf := fifo.NewBuffer(1 << 20)
	for i := uint32(0); i <= pt.endIndex; i++ {
		chunk, ok := pt.frames[i]
		if !ok {
			s.transport.stats.ReassemblyError()
			return
		}
		if err := buf.Write(chunk); err != nil {
			s.transport.stats.ReassemblyError()
			return
		}
	}
	full := buf.Bytes()
	if len(full) < 2 {
		s.transport.stats.ReassemblyError()
		return
	}
	data := full[:len(full)-2]
	check := crc.New()
	check.Write(data)
	got := uint16(full[len(full)-2])<<8 | uint16(full[len(full)-1])
	if uint16(check) != got {
		s.transport.stats.ReassemblyError()
		return
	}
	s.deliver(h, append([]byte(nil), data...), now)
}

func (s *inputSession) deliver(h header, payload []byte, now time.Time) {
	if s.handler == nil {
		return
	}
	s.transport.stats.TransferReceived()
	s.handler.HandleTransfer(cyphal.Transfer{
		Priority:     h.priority,
		TransferID:   h.transferID,
		SourceNodeID: h.source,
		DestNodeID:   h.destination,
		Specifier:    s.specifier,
		Payload:      payload,
		Timestamp:    cyphal.Timestamp{System: now},
	})
}
