package tracer

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ppiankov/toolgate/internal/expiry"
)

// Sequences hands out per-trace sequence numbers. Every emitter writing to
// the same trace id through one Sequences shares a single atomic counter.
type Sequences struct {
	counters sync.Map // trace id -> *atomic.Uint64
}

// Next returns the next sequence number for traceID, starting at 1.
func (s *Sequences) Next(traceID string) uint64 {
	c, ok := s.counters.Load(traceID)
	if !ok {
		c, _ = s.counters.LoadOrStore(traceID, new(atomic.Uint64))
	}
	return c.(*atomic.Uint64).Add(1)
}

// Forget drops the counter for a finished trace.
func (s *Sequences) Forget(traceID string) {
	s.counters.Delete(traceID)
}

var processSequences = &Sequences{}

// Sink receives every event after it is recorded.
type Sink interface {
	Publish(ev Event) error
}

// Emitter records the canonical event stream for one trace id.
type Emitter struct {
	traceID string
	seqs    *Sequences
	clock   expiry.Clock
	sinks   []Sink
	logger  *zap.Logger

	mu     sync.Mutex
	events []Event
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithSequences replaces the process-wide sequence source.
func WithSequences(s *Sequences) Option { return func(e *Emitter) { e.seqs = s } }

// WithClock overrides the timestamp source.
func WithClock(c expiry.Clock) Option { return func(e *Emitter) { e.clock = c } }

// WithSink adds a publishing sink. Sink failures are logged, never returned.
func WithSink(s Sink) Option {
	return func(e *Emitter) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l *zap.Logger) Option { return func(e *Emitter) { e.logger = l } }

// NewEmitter creates an emitter for traceID. An empty id gets a fresh one.
func NewEmitter(traceID string, opts ...Option) *Emitter {
	if traceID == "" {
		traceID = NewTraceID()
	}
	e := &Emitter{
		traceID: traceID,
		seqs:    processSequences,
		clock:   expiry.SystemClock,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TraceID returns the id shared by all events of this emitter.
func (e *Emitter) TraceID() string { return e.traceID }

// Emit records a canonical event. Names outside the canonical set are
// rejected with ErrUnknownEvent.
func (e *Emitter) Emit(name string, details map[string]any) (Event, error) {
	status, ok := canonical[name]
	if !ok {
		return Event{}, unknownEvent(name)
	}
	var copied map[string]any
	if len(details) > 0 {
		copied = make(map[string]any, len(details))
		for k, v := range details {
			copied[k] = v
		}
	}

	e.mu.Lock()
	ev := Event{
		Event:     name,
		TraceID:   e.traceID,
		Seq:       e.seqs.Next(e.traceID),
		Timestamp: FormatTime(e.clock()),
		Details:   copied,
		Status:    status,
	}
	e.events = append(e.events, ev)
	e.mu.Unlock()

	for _, s := range e.sinks {
		if err := s.Publish(ev); err != nil {
			e.logger.Warn("trace sink publish failed",
				zap.String("trace_id", ev.TraceID),
				zap.String("event", name),
				zap.Error(err))
		}
	}
	return ev, nil
}

// Close releases the trace's sequence counter. Recorded events stay
// readable; emitting after Close restarts numbering at 1.
func (e *Emitter) Close() {
	e.seqs.Forget(e.traceID)
}

// Trace returns this emitter's events ordered by sequence number.
func (e *Emitter) Trace() []Event {
	e.mu.Lock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	e.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// GoldenSignals derives health signals from the recorded events.
func (e *Emitter) GoldenSignals() GoldenSignals {
	return ComputeGoldenSignals(e.Trace())
}
