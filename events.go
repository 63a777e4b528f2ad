package sessions

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a session lifecycle transition.
type EventType string

const (
	// EventCreated is published after a new session is first persisted.
	EventCreated EventType = "session.created"
	// EventDeleted is published after an explicit delete of a live session.
	EventDeleted EventType = "session.deleted"
	// EventExpired is published when a session is removed because it
	// exceeded its inactivity timeout, whether by lazy read-path cleanup,
	// a proactive sweep, or a backend expiry notification.
	EventExpired EventType = "session.expired"
)

// Event is a session lifecycle notification. Session may be nil when the
// record was already gone from the backend (e.g. native TTL expiry).
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Session   Session   `json:"-"`
}

// EventSink receives lifecycle events. Delivery order is best-effort and a
// sink must never assume it sees every event for a session.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops lifecycle events.
type NoOpSink struct{}

// Emit discards the event.
func (NoOpSink) Emit(context.Context, Event) {}

// FuncSink adapts a function into an [EventSink].
type FuncSink func(ctx context.Context, event Event)

// Emit invokes the wrapped function.
func (f FuncSink) Emit(ctx context.Context, event Event) { f(ctx, event) }

// ChannelSink writes lifecycle events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

// Emit delivers the event, blocking until the channel accepts it or the
// context is done.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit writes the event as a single JSON line. Marshal failures are
// swallowed; event delivery must never fail the triggering operation.
func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// EventDispatcher decouples event delivery from the repository operation
// that triggered it. Events are queued on a buffered channel and drained by
// a single goroutine, so a slow or failing sink can never abort a save or
// delete.
type EventDispatcher struct {
	sink      EventSink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	dropIfFull bool
}

// NewEventDispatcher creates a dispatcher delivering to sink. A nil sink is
// replaced with [NoOpSink]. When dropIfFull is set, Publish never blocks and
// overflow events are counted instead of delivered.
func NewEventDispatcher(sink EventSink, buffer int, dropIfFull bool) *EventDispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	if buffer <= 0 {
		buffer = 1
	}

	d := &EventDispatcher{
		sink:       sink,
		ch:         make(chan Event, buffer),
		done:       make(chan struct{}),
		dropIfFull: dropIfFull,
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *EventDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Publish queues a lifecycle event. Safe to call on a nil dispatcher.
func (d *EventDispatcher) Publish(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if d.dropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

// Close stops the dispatcher after draining queued events.
func (d *EventDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of events discarded due to backpressure.
func (d *EventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
