// Package redundant implements the Cyphal redundant pseudo-transport
// (spec.md §4.5): it composes N inferior transports, transmits every
// transfer to all of them concurrently under one pseudo-transport-level
// transfer-id counter, and deduplicates inbound transfers on
// (source, data_specifier, transfer_id) so a subscriber sees one logical
// stream regardless of how many physical interfaces relay it.
//
// Grounded on rockstar-0000-aistore's use of golang.org/x/sync/errgroup for
// "launch N workers, collect results" fan-out (dsort/dsort.go,
// fs/walkbck.go), adapted here to a "first success wins, stragglers finish
// in the background" shape rather than aistore's wait-for-all.
package redundant

import (
	"fmt"
	"sync"

	cyphal "github.com/cyphal-go/gocyphal"
	"github.com/sirupsen/logrus"
)

type sessionKey struct {
	specifier cyphal.DataSpecifier
	remote    cyphal.NodeID
}

// Transport implements cyphal.Transport, cyphal.Capturable. It does not
// implement cyphal.Spoofable itself — spoofing is a per-interface
// diagnostic, and each inferior already exposes it directly.
type Transport struct {
	localNodeID cyphal.NodeID
	log         *logrus.Logger
	stats       *cyphal.StatCounters

	mu             sync.RWMutex
	inferiors      []cyphal.Transport
	inputSessions  map[sessionKey]*inputSession
	outputSessions map[sessionKey]*outputSession
	capture        cyphal.CaptureHandler
	closed         bool
}

// NewTransport builds a redundant pseudo-transport with zero inferiors;
// callers add interfaces with AddInferior before use.
func NewTransport(localNodeID cyphal.NodeID, log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		localNodeID:    localNodeID,
		log:            log,
		stats:          cyphal.NewStatCounters(nil, cyphal.TransportRedundant, "redundant"),
		inputSessions:  make(map[sessionKey]*inputSession),
		outputSessions: make(map[sessionKey]*outputSession),
	}
}

func (t *Transport) Kind() cyphal.TransportKind { return cyphal.TransportRedundant }
func (t *Transport) LocalNodeID() cyphal.NodeID { return t.localNodeID }

// MTU returns the smallest MTU among configured inferiors, since a
// transfer must fit whichever interface relays it.
func (t *Transport) MTU() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	min := 0
	for _, inf := range t.inferiors {
		if m := inf.MTU(); min == 0 || m < min {
			min = m
		}
	}
	return min
}

func (t *Transport) Statistics() cyphal.Statistics { return t.stats.Snapshot() }

// AddInferior registers a new physical transport, wiring it into every
// already-open input session (so subscribers start seeing its copies
// immediately) without disturbing the pseudo-transport's own transfer-id
// counters (spec.md §4.5: "inferiors may be added/removed at runtime
// without resetting the pseudo-transport-level transfer-id counter").
// inf must implement cyphal.Spoofable: the redundant transport uses Spoof
// to write an explicit, shared transfer-id to every inferior rather than
// letting each inferior assign its own (see outputSession.Send).
func (t *Transport) AddInferior(inf cyphal.Transport) error {
	if _, ok := inf.(cyphal.Spoofable); !ok {
		return fmt.Errorf("redundant: %w: inferior transport must implement Spoofable", cyphal.ErrUnsupportedCapability)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return cyphal.ErrResourceClosed
	}
	t.inferiors = append(t.inferiors, inf)

	if t.capture != nil {
		if capturable, ok := inf.(cyphal.Capturable); ok {
			if err := capturable.BeginCapture(t.capture); err != nil {
				t.log.WithError(err).Warn("redundant: failed to start capture on newly added inferior")
			}
		}
	}

	for key, session := range t.inputSessions {
		if err := session.addInferior(inf); err != nil {
			t.log.WithError(err).WithField("specifier", key.specifier).Warn("redundant: failed to subscribe new inferior to existing session")
		}
	}
	return nil
}

// RemoveInferior unregisters a transport, closing its per-session state on
// every active input session.
func (t *Transport) RemoveInferior(inf cyphal.Transport) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i, existing := range t.inferiors {
		if existing == inf {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("redundant: inferior transport not registered")
	}
	t.inferiors = append(t.inferiors[:idx], t.inferiors[idx+1:]...)
	for _, session := range t.inputSessions {
		session.removeInferior(inf)
	}
	return nil
}

func (t *Transport) snapshotInferiors() []cyphal.Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]cyphal.Transport(nil), t.inferiors...)
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
	s := newInputSession(t, specifier, remote)
	for _, inf := range t.inferiors {
		if err := s.addInferior(inf); err != nil {
			return nil, err
		}
	}
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

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*inputSession, 0, len(t.inputSessions))
	for _, s := range t.inputSessions {
		sessions = append(sessions, s)
	}
	outputs := make([]*outputSession, 0, len(t.outputSessions))
	for _, s := range t.outputSessions {
		outputs = append(outputs, s)
	}
	t.inputSessions = nil
	t.outputSessions = nil
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range outputs {
		s.Close()
	}
	return nil
}

// BeginCapture forwards capture registration to every current (and future,
// via AddInferior) inferior, per spec.md §4.7 ("Capturable... not every
// Transport need support it; the redundant pseudo-transport forwards it
// per-inferior").
func (t *Transport) BeginCapture(handler cyphal.CaptureHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return cyphal.ErrResourceClosed
	}
	t.capture = handler
	for _, inf := range t.inferiors {
		if capturable, ok := inf.(cyphal.Capturable); ok {
			if err := capturable.BeginCapture(handler); err != nil {
				return err
			}
		}
	}
	return nil
}
