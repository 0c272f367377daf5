package reconcile

import "context"

// EventType tags an Event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is what streaming transports send to a client: progress updates
// followed by exactly one complete or error event.
type Event struct {
	Type     EventType `json:"type"`
	RunID    string    `json:"runId,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Tally    *Tally    `json:"tally,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// ChannelEmitter forwards progress to a channel. Unlike a UI broadcast it
// blocks until the event is taken, so no progress update is dropped; it
// only gives up once ctx is done.
type ChannelEmitter struct {
	Ch    chan<- Event
	RunID string
}

func (e *ChannelEmitter) Emit(ctx context.Context, ev Event) {
	ev.RunID = e.RunID
	select {
	case e.Ch <- ev:
		return
	default:
	}
	select {
	case e.Ch <- ev:
	case <-ctx.Done():
	}
}

// Progress returns an onProgress callback bound to ctx.
func (e *ChannelEmitter) Progress(ctx context.Context) func(Progress) {
	return func(p Progress) {
		e.Emit(ctx, Event{Type: EventProgress, Progress: &p})
	}
}

// Stream runs fn in a goroutine and returns the events it produces. The
// channel is closed after the final complete or error event.
func Stream(ctx context.Context, runID string, fn func(ctx context.Context, onProgress func(Progress)) (Tally, error)) <-chan Event {
	ch := make(chan Event, 16)
	em := &ChannelEmitter{Ch: ch, RunID: runID}
	go func() {
		defer close(ch)
		tally, err := fn(ctx, em.Progress(ctx))
		if err != nil {
			em.Emit(ctx, Event{Type: EventError, Tally: &tally, Message: err.Error()})
			return
		}
		em.Emit(ctx, Event{Type: EventComplete, Tally: &tally})
	}()
	return ch
}
