package presentation

import (
	"context"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Publisher publishes transfers on a fixed subject. Multiple Publishers on
// the same subject (e.g. from different goroutines) share one underlying
// output session and therefore one transfer-id counter, per spec.md §3's
// "one counter per output session" invariant.
type Publisher struct {
	presentation *Presentation
	subject      cyphal.DataSpecifier
	priority     cyphal.Priority
	session      cyphal.OutputSession
	release      func()
	closed       bool
}

// NewPublisher opens (or joins) the shared output session for subjectID at
// the given default priority.
func NewPublisher(p *Presentation, subjectID uint16, priority cyphal.Priority) (*Publisher, error) {
	subject := cyphal.Subject(subjectID)
	session, release, err := p.acquireOutput(subject, cyphal.AnonymousNodeID)
	if err != nil {
		return nil, err
	}
	return &Publisher{presentation: p, subject: subject, priority: priority, session: session, release: release}, nil
}

// Publish submits payload for broadcast, blocking until accepted by the
// transport or ctx is done.
func (pub *Publisher) Publish(ctx context.Context, payload []byte) error {
	if pub.closed {
		return cyphal.ErrResourceClosed
	}
	return pub.session.Send(ctx, cyphal.Transfer{
		Priority:     pub.priority,
		SourceNodeID: pub.presentation.localNode,
		DestNodeID:   cyphal.AnonymousNodeID,
		Specifier:    pub.subject,
		Payload:      payload,
	})
}

// Close releases this Publisher's reference to the shared output session,
// closing it once every sharer has done the same.
func (pub *Publisher) Close() error {
	if pub.closed {
		return nil
	}
	pub.closed = true
	pub.release()
	return nil
}
