package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ResolutionTrace is the canonical record of one resolution search.
//
// Invariants:
//   - Target identifies the artifact path the search resolved.
//   - Events describe logical decisions (which candidates linked, which
//     failed, why the search ended), never runtime-dependent details:
//     no timestamps, no archive ages, no absolute paths.
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit
//     absent optional fields.
//
// The trace is observational only and must never affect the search.
type ResolutionTrace struct {
	Target string
	Events []TraceEvent
}

// TraceEventKind is the stable discriminator for TraceEvent.
// The string values are part of the trace's canonical bytes; do not rename.
type TraceEventKind string

const (
	EventAttemptLinked  TraceEventKind = "AttemptLinked"
	EventAttemptFailed  TraceEventKind = "AttemptFailed"
	EventRoundAborted   TraceEventKind = "RoundAborted"
	EventSearchEnded    TraceEventKind = "SearchEnded"
	EventWinnerSelected TraceEventKind = "WinnerSelected"
)

// TraceEvent is a single logical decision of the search.
//
// Object and Archive are artifact base names so traces from different
// checkouts of the same tree compare equal.
type TraceEvent struct {
	Kind TraceEventKind

	// Round is the 1-based search round.
	Round int

	// Attempt is the 1-based global attempt number. Zero for round- and
	// search-level events.
	Attempt int

	Object  string
	Archive string

	// Reason is a stable reason code: the failing tool for AttemptFailed,
	// the termination for SearchEnded.
	Reason string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ResolutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Target == "" {
		return errors.New("target is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if isAttemptEvent(e.Kind) && e.Attempt <= 0 {
			return fmt.Errorf("events[%d].attempt is required for kind %q", i, e.Kind)
		}
		if e.Round < 0 || e.Attempt < 0 {
			return fmt.Errorf("events[%d] has a negative counter", i)
		}
	}
	return nil
}

func isAttemptEvent(kind TraceEventKind) bool {
	switch kind {
	case EventAttemptLinked, EventAttemptFailed, EventWinnerSelected:
		return true
	default:
		return false
	}
}

// Canonicalize sorts the events into their canonical order:
// (round, attempt, kindOrder, reason, object, archive).
func (t *ResolutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.Object != b.Object {
			return a.Object < b.Object
		}
		return a.Archive < b.Archive
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventAttemptLinked:
		return 10
	case EventAttemptFailed:
		return 20
	case EventRoundAborted:
		return 30
	case EventSearchEnded:
		return 40
	case EventWinnerSelected:
		return 50
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy to avoid mutating the caller's slice.
func (t ResolutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ResolutionTrace{Target: t.Target}
	copyTrace.Events = make([]TraceEvent, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// MarshalJSON fixes field ordering. It does not sort; see CanonicalJSON.
func (t ResolutionTrace) MarshalJSON() ([]byte, error) {
	if t.Target == "" {
		return nil, errors.New("target is required")
	}
	var buf bytes.Buffer
	buf.WriteString("{\"target\":")
	tb, _ := json.Marshal(t.Target)
	buf.Write(tb)

	buf.WriteString(",\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field ordering and omits zero optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}

	var buf bytes.Buffer
	buf.WriteString("{\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeInt := func(name string, v int) {
		if v == 0 {
			return
		}
		buf.WriteString(",\"" + name + "\":")
		buf.WriteString(strconv.Itoa(v))
	}
	writeString := func(name, v string) {
		if v == "" {
			return
		}
		buf.WriteString(",\"" + name + "\":")
		sb, _ := json.Marshal(v)
		buf.Write(sb)
	}

	writeInt("round", e.Round)
	writeInt("attempt", e.Attempt)
	writeString("object", e.Object)
	writeString("archive", e.Archive)
	writeString("reason", e.Reason)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
