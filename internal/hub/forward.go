package hub

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/user/agterm/internal/session"
)

// maxCoalesce caps the payload of one merged output event.
const maxCoalesce = 32 * 1024

// forwarder pumps one subscription to a connection.
type forwarder struct {
	sub    *session.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

func (f *forwarder) stop() {
	f.once.Do(func() {
		f.cancel()
		f.sub.Close()
	})
}

// run delivers events to emit until the final event was sent or ctx ends.
// Output that is already buffered is merged first, see coalesce.
func (f *forwarder) run(ctx context.Context, emit func(session.Event) error) error {
	// Next with a done context never blocks; it only hands out what is
	// already available.
	poll, cancelPoll := context.WithCancel(context.Background())
	cancelPoll()

	var held *session.Event
	for {
		var e session.Event
		if held != nil {
			e, held = *held, nil
		} else {
			var err error
			e, err = f.sub.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}

		for !e.Final() {
			next, err := f.sub.Next(poll)
			if err != nil {
				break
			}
			if !coalesce(&e, next) {
				held = &next
				break
			}
		}

		if err := emit(e); err != nil {
			return err
		}
		if e.Final() {
			return nil
		}
	}
}

// coalesce appends next to e when both are output of the same stream and
// nothing was dropped between them. The merged event carries the sequence
// number of the last event it contains.
func coalesce(e *session.Event, next session.Event) bool {
	if e.Type != session.EventOutput || next.Type != session.EventOutput {
		return false
	}
	if e.Stream != next.Stream || next.Dropped > 0 {
		return false
	}
	if len(e.Data)+len(next.Data) > maxCoalesce {
		return false
	}
	e.Data += next.Data
	e.Seq = next.Seq
	e.Time = next.Time
	return true
}
