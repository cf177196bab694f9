package capture

import (
	"sync"

	"github.com/google/uuid"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Session records every frame a Capturable transport observes during its
// lifetime, tagged with a random ID (google/uuid, grounded on its use for
// request/session identifiers in rockstar-0000-aistore and Atsika-aznet) so
// a log spanning multiple BeginCapture calls against the same transport can
// still be told apart afterward.
type Session struct {
	ID string

	mu      sync.Mutex
	records []cyphal.CaptureRecord
}

// NewSession generates a fresh session ID and begins recording from
// transport, which must implement cyphal.Capturable.
func NewSession(transport cyphal.Capturable) (*Session, error) {
	s := &Session{ID: uuid.NewString()}
	if err := transport.BeginCapture(cyphal.CaptureHandlerFunc(s.onCapture)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) onCapture(r cyphal.CaptureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

// Records returns every frame recorded so far.
func (s *Session) Records() []cyphal.CaptureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cyphal.CaptureRecord(nil), s.records...)
}

// Trace replays every frame recorded so far through a fresh Tracer,
// reporting reconstructed transfers and reassembly errors to handler.
func (s *Session) Trace(handler TraceHandler) {
	tr := NewTracer(0)
	tr.FeedAll(s.Records(), handler)
}
