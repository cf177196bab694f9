package capture

import (
	"context"
	"fmt"

	cyphal "github.com/cyphal-go/gocyphal"
)

// Replay re-injects every Transfer reconstructed from records into target
// via Spoof, preserving each transfer's original transfer-ID — offline
// replay of a captured log against a transport under test, per spec.md
// §4.7's capture/tracer/spoof triad.
func Replay(ctx context.Context, target cyphal.Spoofable, records []cyphal.CaptureRecord) error {
	tr := NewTracer(0)
	var firstErr error
	handler := TraceHandlerFuncs{
		OnTransfer: func(t cyphal.Transfer) {
			if firstErr != nil {
				return
			}
			if err := target.Spoof(ctx, t); err != nil {
				firstErr = fmt.Errorf("capture: replaying transfer %d: %w", t.TransferID, err)
			}
		},
	}
	tr.FeedAll(records, handler)
	return firstErr
}
