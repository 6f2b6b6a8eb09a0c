package esl

import (
	"context"
	"log"
)

// EventKind is a dispatch key: the exact Event-Name plus, for CUSTOM
// events, the Event-Subclass. Comparable, so it works directly as a map
// key instead of a stringly-typed callback registry.
type EventKind struct {
	Name     string
	Subclass string
}

// Dispatch keys for the events the service acts on.
var (
	KindRegister   = EventKind{Name: "CUSTOM", Subclass: "sofia::register"}
	KindUnregister = EventKind{Name: "CUSTOM", Subclass: "sofia::unregister"}
	KindExpire     = EventKind{Name: "CUSTOM", Subclass: "sofia::expire"}
	KindHangup     = EventKind{Name: "CHANNEL_HANGUP_COMPLETE"}
)

// Handler consumes one event frame. Returned errors are logged by the
// dispatcher and never propagate to the connection.
type Handler func(ctx context.Context, frame *Frame) error

// Dispatcher routes decoded frames to registered handlers. Each frame's
// handlers run sequentially, in arrival order, on a single worker
// goroutine, so store I/O never blocks the decode loop.
type Dispatcher struct {
	any     []Handler
	byKind  map[EventKind][]Handler
	jobs    chan job
	stopped chan struct{}
}

type job struct {
	ctx      context.Context
	frame    *Frame
	handlers []Handler
}

// NewDispatcher creates a dispatcher and starts its worker.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		byKind:  make(map[EventKind][]Handler),
		jobs:    make(chan job, 256),
		stopped: make(chan struct{}),
	}
	go d.worker()
	return d
}

// OnAny registers a handler for every event. Used for coarse logging and
// metrics, not business logic.
func (d *Dispatcher) OnAny(h Handler) {
	d.any = append(d.any, h)
}

// On registers a handler for one dispatch key. Registration happens during
// wiring, before any frame flows; the maps are read-only afterwards.
func (d *Dispatcher) On(kind EventKind, h Handler) {
	d.byKind[kind] = append(d.byKind[kind], h)
}

// Stop shuts the worker down; frames dispatched afterwards are dropped.
func (d *Dispatcher) Stop() {
	close(d.stopped)
}

// Dispatch routes one frame: any-sinks first, then the exact event name,
// then for CUSTOM events the (CUSTOM, subclass) key. Unknown names match
// nothing, which is not an error. The frame's handler batch is queued as
// one unit so ordering within the connection is preserved.
func (d *Dispatcher) Dispatch(ctx context.Context, frame *Frame) {
	name := frame.EventName()

	handlers := make([]Handler, 0, len(d.any)+2)
	handlers = append(handlers, d.any...)
	handlers = append(handlers, d.byKind[EventKind{Name: name}]...)
	if name == "CUSTOM" {
		if subclass := frame.Subclass(); subclass != "" {
			handlers = append(handlers, d.byKind[EventKind{Name: name, Subclass: subclass}]...)
		}
	}
	if len(handlers) == 0 {
		return
	}

	select {
	case <-d.stopped:
	case d.jobs <- job{ctx: ctx, frame: frame, handlers: handlers}:
	default:
		log.Printf("[ESL] Handler queue full, dropping %s", name)
	}
}

// worker runs queued handler batches. Failures are contained here: a
// panicking or failing handler must never starve the decode loop or fault
// the connection.
func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.stopped:
			return
		case j := <-d.jobs:
			for _, h := range j.handlers {
				d.runOne(j.ctx, j.frame, h)
			}
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, frame *Frame, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ESL] Handler panic for %s: %v", frame.EventName(), r)
		}
	}()
	if err := h(ctx, frame); err != nil {
		log.Printf("[ESL] Handler error for %s: %v", frame.EventName(), err)
	}
}
