package redundant

import (
	"context"
	"fmt"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
	"golang.org/x/sync/errgroup"
)

// outputSession implements cyphal.OutputSession by fanning a transfer out
// to every current inferior transport. It owns its own transfer-id
// counter, independent of any inferior's — spec.md §4.5 requires the same
// transfer-id reach every inferior so a subscriber's dedup window (keyed
// on (source, data_specifier, transfer_id)) can recognize copies of the
// same logical transfer arriving over different interfaces. That requires
// bypassing each inferior's own counter, so Send uses Spoof rather than
// the inferior's normal OutputSession.
type outputSession struct {
	transport   *Transport
	specifier   cyphal.DataSpecifier
	destination cyphal.NodeID

	mu         sync.Mutex
	transferID uint64
	closed     bool
}

func (s *outputSession) Specifier() cyphal.DataSpecifier { return s.specifier }

func (s *outputSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Send transmits concurrently to every inferior (golang.org/x/sync/errgroup
// fans the attempts out) and returns as soon as the first succeeds; the
// remaining attempts are drained in the background so a slow interface
// never holds up the caller. Only when every inferior fails does Send
// report ErrSendFailed, per spec.md §4.5.
func (s *outputSession) Send(ctx context.Context, transfer cyphal.Transfer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return cyphal.ErrResourceClosed
	}
	transferID := s.transferID
	s.transferID++
	s.mu.Unlock()

	inferiors := s.transport.snapshotInferiors()
	if len(inferiors) == 0 {
		return fmt.Errorf("redundant: %w: no inferior transports configured", cyphal.ErrInvalidTransportConfiguration)
	}

	tx := transfer
	tx.TransferID = transferID
	tx.Specifier = s.specifier
	tx.DestNodeID = s.destination

	results := make(chan error, len(inferiors))
	var eg errgroup.Group
	for _, inf := range inferiors {
		inf := inf
		eg.Go(func() error {
			spoofable, ok := inf.(cyphal.Spoofable)
			var err error
			if !ok {
				err = fmt.Errorf("redundant: %w: inferior does not support Spoof", cyphal.ErrUnsupportedCapability)
			} else {
				err = spoofable.Spoof(ctx, tx)
			}
			results <- err
			return err
		})
	}
	go func() {
		eg.Wait()
		close(results)
	}()

	failures := 0
	for err := range results {
		if err == nil {
			s.transport.stats.TransferSent()
			go func() {
				for range results {
				}
			}()
			return nil
		}
		failures++
		if failures == len(inferiors) {
			break
		}
	}
	s.transport.stats.SendFailure()
	return cyphal.ErrSendFailed
}
