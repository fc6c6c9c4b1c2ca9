package trace

import "sync"

// Sink receives search decisions as they happen. The resolver calls it
// through SafeRecord, so a Sink can neither fail nor stop a search.
type Sink interface {
	Record(event TraceEvent)
}

// NopSink drops every event. It is the resolver's default.
type NopSink struct{}

func (NopSink) Record(TraceEvent) {}

// SafeRecord hands event to s. A nil sink is skipped and a panicking sink
// is recovered.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() { recover() }()
	s.Record(event)
}

// Recorder keeps the events of one resolution search in memory. Watch
// mode creates a fresh Recorder per rebuild.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
	counts map[TraceEventKind]int
}

func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[TraceEventKind]int)}
}

// Record appends event. Safe for concurrent use; a nil Recorder ignores it.
func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if r.counts == nil {
		r.counts = make(map[TraceEventKind]int)
	}
	r.counts[event.Kind]++
}

// Snapshot returns a copy of the events in arrival order.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind TraceEventKind) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// Trace returns the canonical trace of the search for the artifact named
// target. Later events do not change the returned trace.
func (r *Recorder) Trace(target string) ResolutionTrace {
	tr := ResolutionTrace{Target: target, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
