package udp

import (
	"context"
	"net"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/cyphal-go/gocyphal/internal/crc"
)

// maxDatagramPayload bounds a single UDP frame's payload; chosen well
// under typical path MTU so this transport never needs IP fragmentation.
const maxDatagramPayload = 1024 - HeaderLength

// outputSession implements cyphal.OutputSession for UDP, sharing a
// transfer-ID counter per (specifier, destination) exactly as the CAN
// transport's outputSession does (see pkg/transport/can/output.go).
type outputSession struct {
	transport   *Transport
	specifier   cyphal.DataSpecifier
	destination cyphal.NodeID
	conn        *net.UDPConn
	addr        *net.UDPAddr

	mu         sync.Mutex
	transferID uint64
	closed     bool
}

func (s *outputSession) Specifier() cyphal.DataSpecifier { return s.specifier }

func (s *outputSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.conn.Close()
}

func (s *outputSession) Send(ctx context.Context, transfer cyphal.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cyphal.ErrResourceClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	source := s.transport.localNodeID
	payload := transfer.Payload
	if source.IsAnonymous() && len(payload) > maxDatagramPayload {
		s.transport.stats.SendFailure()
		return cyphal.ErrPayloadTooLarge
	}
	datagrams := s.buildDatagrams(transfer.Priority, source, payload)

	for _, dg := range datagrams {
		if _, err := s.conn.WriteToUDP(dg, s.addr); err != nil {
			s.transport.stats.SendFailure()
			return err
		}
		s.transport.stats.FrameSent()
	}
	s.transport.stats.TransferSent()
	s.transferID++
	return nil
}

func (s *outputSession) buildDatagrams(priority cyphal.Priority, source cyphal.NodeID, payload []byte) [][]byte {
	if len(payload) <= maxDatagramPayload {
		h := header{priority: priority, specifier: s.specifier, source: source, destination: s.destination, transferID: s.transferID, frameIndex: 0, end: true}
		return [][]byte{append(encodeHeader(h), payload...)}
	}

	check := crc.New()
	check.Write(payload)
	full := append(append([]byte(nil), payload...), byte(check>>8), byte(check))

	var datagrams [][]byte
	var idx uint32
	for offset := 0; offset < len(full); offset += maxDatagramPayload {
		end := offset+maxDatagramPayload >= len(full)
		chunkEnd := offset + maxDatagramPayload
		if chunkEnd > len(full) {
			chunkEnd = len(full)
		}
		chunk := full[offset:chunkEnd]
		h := header{priority: priority, specifier: s.specifier, source: source, destination: s.destination, transferID: s.transferID, frameIndex: idx, end: end}
		datagrams = append(datagrams, append(encodeHeader(h), chunk...))
		idx++
	}
	return datagrams
}
