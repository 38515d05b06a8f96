package scheduler

import (
	"context"
	"time"

	"tradegate/internal/bus"
	"tradegate/internal/schema"
)

// Build produces the message a dispatched job sends for the firing due.
type Build func(due time.Duration) (schema.Message, error)

// Dispatch returns an action that only sends a message to destination. Work
// that touches component state belongs in the component's handler, where the
// mailbox orders it with everything else the component receives.
func Dispatch(b *bus.Bus, destination string, build Build) Action {
	return func(ctx context.Context, due time.Duration) error {
		m, err := build(due)
		if err != nil {
			return err
		}
		return b.Send(ctx, m, destination)
	}
}
