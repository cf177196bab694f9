package redundant

import (
	"sync"
	"time"

	cyphal "github.com/cyphal-go/gocyphal"
)

// dedupWindow bounds how long a (source, specifier, transfer-id) tuple is
// remembered; entries older than this are reaped so a long-running node
// doesn't grow the dedup set without bound.
const dedupWindow = 10 * time.Second

type dedupKey struct {
	source     cyphal.NodeID
	transferID uint64
}

// inputSession implements cyphal.InputSession by subscribing to the same
// (specifier, remote) on every inferior and deduplicating transfers that
// arrive more than once — spec.md §4.5: "deduplicates on (source,
// data_specifier, transfer_id) with a sliding window (first reassembled
// transfer wins)". The specifier is fixed per session so the key only
// needs source + transfer-id.
type inputSession struct {
	transport *Transport
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID

	mu         sync.Mutex
	underlying map[cyphal.Transport]cyphal.InputSession
	seen       map[dedupKey]time.Time
	handler    cyphal.TransferHandler
	closed     bool
}

func newInputSession(t *Transport, specifier cyphal.DataSpecifier, remote cyphal.NodeID) *inputSession {
	return &inputSession{
		transport:  t,
		specifier:  specifier,
		remote:     remote,
		underlying: make(map[cyphal.Transport]cyphal.InputSession),
		seen:       make(map[dedupKey]time.Time),
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
	underlying := s.underlying
	s.underlying = nil
	s.closed = true
	s.mu.Unlock()
	for _, u := range underlying {
		u.Close()
	}
	return nil
}

// addInferior subscribes this logical session to one more physical
// transport, installing a handler that runs every delivery through the
// dedup filter before forwarding to the session's own handler.
func (s *inputSession) addInferior(inf cyphal.Transport) error {
	underlying, err := inf.GetInputSession(s.specifier, s.remote)
	if err != nil {
		return err
	}
	underlying.SetHandler(cyphal.TransferHandlerFunc(s.onTransfer))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		underlying.Close()
		return cyphal.ErrResourceClosed
	}
	s.underlying[inf] = underlying
	return nil
}

func (s *inputSession) removeInferior(inf cyphal.Transport) {
	s.mu.Lock()
	underlying, ok := s.underlying[inf]
	if ok {
		delete(s.underlying, inf)
	}
	s.mu.Unlock()
	if ok {
		underlying.Close()
	}
}

func (s *inputSession) onTransfer(transfer cyphal.Transfer) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	key := dedupKey{source: transfer.SourceNodeID, transferID: transfer.TransferID}
	for k, seenAt := range s.seen {
		if now.Sub(seenAt) > dedupWindow {
			delete(s.seen, k)
		}
	}
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[key] = now
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		s.transport.stats.TransferReceived()
		handler.HandleTransfer(transfer)
	}
}
