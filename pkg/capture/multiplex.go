package capture

import (
	"sort"

	"golang.org/x/sync/errgroup"

	cyphal "github.com/cyphal-go/gocyphal"
)

// MultiSession captures from several transports at once — e.g. every
// inferior of a redundant pseudo-transport — and merges their records back
// into one chronological stream. Grounded on golang.org/x/sync/errgroup's
// "launch N, collect all" use in rockstar-0000-aistore's dsort/fs packages,
// applied here to starting N BeginCapture registrations concurrently
// instead of sequentially.
type MultiSession struct {
	sessions []*Session
}

// NewMultiSession begins capturing from every transport in parallel,
// returning the first error encountered (if any transport's BeginCapture
// fails, no partial MultiSession is returned).
func NewMultiSession(transports []cyphal.Capturable) (*MultiSession, error) {
	sessions := make([]*Session, len(transports))
	var eg errgroup.Group
	for i, t := range transports {
		i, t := i, t
		eg.Go(func() error {
			s, err := NewSession(t)
			if err != nil {
				return err
			}
			sessions[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return &MultiSession{sessions: sessions}, nil
}

// Merged returns every inferior's recorded frames sorted into one
// chronological sequence by system timestamp, ready for Tracer.FeedAll.
func (m *MultiSession) Merged() []cyphal.CaptureRecord {
	var all []cyphal.CaptureRecord
	for _, s := range m.sessions {
		all = append(all, s.Records()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.System.Before(all[j].Timestamp.System)
	})
	return all
}
