package presentation

import (
	"context"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Subscriber receives transfers published on a subject, optionally
// restricted to one remote source. Grounded on pkg/node.LocalNode's PDO
// receive-callback registration, generalized to a pull-style Receive in
// addition to the push-style ReceiveInBackground.
type Subscriber struct {
	presentation *Presentation
	subject      cyphal.DataSpecifier
	remote       cyphal.NodeID
	fanout       *fanoutHandler
	release      func()
	listenerID   int

	queue  chan cyphal.Transfer
	closed bool
}

// NewSubscriber opens (or joins) the shared input session for subjectID,
// optionally restricted to transfers from remote (pass cyphal.AnonymousNodeID
// for a promiscuous subscription), buffering up to queueDepth transfers for
// Receive.
func NewSubscriber(p *Presentation, subjectID uint16, remote cyphal.NodeID, queueDepth int) (*Subscriber, error) {
	subject := cyphal.Subject(subjectID)
	fanout, release, err := p.acquireInput(subject, remote)
	if err != nil {
		return nil, err
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	sub := &Subscriber{
		presentation: p,
		subject:      subject,
		remote:       remote,
		fanout:       fanout,
		release:      release,
		queue:        make(chan cyphal.Transfer, queueDepth),
	}
	sub.listenerID = fanout.add(sub.onTransfer)
	return sub, nil
}

func (sub *Subscriber) onTransfer(t cyphal.Transfer) {
	select {
	case sub.queue <- t:
	default:
		// Queue full: drop the oldest pending transfer to make room,
		// since spec.md favors freshness over completeness for subjects.
		select {
		case <-sub.queue:
		default:
		}
		select {
		case sub.queue <- t:
		default:
		}
	}
}

// Receive blocks until a transfer arrives or ctx is done.
func (sub *Subscriber) Receive(ctx context.Context) (cyphal.Transfer, error) {
	select {
	case t := <-sub.queue:
		return t, nil
	case <-ctx.Done():
		return cyphal.Transfer{}, ctx.Err()
	}
}

// ReceiveInBackground runs handler for every transfer until ctx is done,
// in its own goroutine.
func (sub *Subscriber) ReceiveInBackground(ctx context.Context, handler cyphal.TransferHandler) {
	go func() {
		for {
			t, err := sub.Receive(ctx)
			if err != nil {
				return
			}
			handler.HandleTransfer(t)
		}
	}()
}

// Close releases this Subscriber's reference to the shared input session.
func (sub *Subscriber) Close() error {
	if sub.closed {
		return nil
	}
	sub.closed = true
	sub.fanout.remove(sub.listenerID)
	sub.release()
	return nil
}
