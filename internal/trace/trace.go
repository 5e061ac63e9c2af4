package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical, deterministic record of one build run.
//
// Invariants:
//   - Must capture RunID and an ordered list of events.
//   - Must contain logical transitions/decisions, not runtime-dependent details.
//   - Must not include timestamps, pointers, or any runtime-dependent values.
//
// RunID is a string so this package stays independent of how a caller
// identifies a run; the driver has no natural single hash of "the
// build" the way a static task graph would, so callers are free to
// pass anything stable (a source-root path, a config hash, "").
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit absent optional fields.
//
// Treat ExecutionTrace as immutable once Canonicalize() is called. The
// trace is observational only and must never affect driver behavior.
type ExecutionTrace struct {
	RunID  string
	Events []TraceEvent
}

// TraceEventKind is the stable, canonical discriminator for TraceEvent.
//
// These kinds represent logical decisions/transitions, not raw
// scheduler occurrences. The string values are part of the trace's
// canonical bytes; do not rename.
type TraceEventKind string

const (
	EventActionQueued  TraceEventKind = "ActionQueued"
	EventActionStarted TraceEventKind = "ActionStarted"
	EventActionPassed  TraceEventKind = "ActionPassed"
	EventActionFailed  TraceEventKind = "ActionFailed"
	EventActionDone    TraceEventKind = "ActionDone"
	EventActionReset   TraceEventKind = "ActionReset"
	EventActionDropped TraceEventKind = "ActionDropped"

	EventProviderRegistered TraceEventKind = "ProviderRegistered"
	EventProviderSuperseded TraceEventKind = "ProviderSuperseded"
)

// TraceEvent is a single logical transition/decision.
//
// Determinism constraints:
//   - No timestamps.
//   - No fields derived from pointer identity or map iteration.
//
// Not every field applies to every kind: ActionID identifies the
// action for the action-lifecycle kinds; Tag and Provision identify
// the provider decision for the two provider kinds, with
// PreviousProvision additionally required for ProviderSuperseded;
// Reason carries a failure cause or human-readable reset explanation
// when the driver has one.
type TraceEvent struct {
	Kind TraceEventKind

	ActionID uint64

	Tag               string
	Provision         uint64
	PreviousProvision uint64

	Reason string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	for i := range t.Events {
		e := t.Events[i]
		switch e.Kind {
		case EventActionQueued, EventActionStarted, EventActionPassed,
			EventActionFailed, EventActionDone, EventActionReset, EventActionDropped:
			if e.ActionID == 0 {
				return fmt.Errorf("events[%d].actionId is required for kind %q", i, e.Kind)
			}
		case EventProviderRegistered, EventProviderSuperseded:
			if e.Tag == "" || e.Provision == 0 {
				return fmt.Errorf("events[%d] requires tag and provision for kind %q", i, e.Kind)
			}
			if e.Kind == EventProviderSuperseded && e.PreviousProvision == 0 {
				return fmt.Errorf("events[%d].previousProvision is required for kind %q", i, e.Kind)
			}
		case "":
			return fmt.Errorf("events[%d].kind is required", i)
		default:
			return fmt.Errorf("events[%d] has unknown kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form so two traces of
// the same run, produced under different scheduling or table-iteration
// order, compare equal.
//
// Ordering guarantee: ordering is independent of execution timing or
// concurrency. This implementation produces a total order over events,
// with ActionID as the primary key.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.ActionID != b.ActionID {
			return a.ActionID < b.ActionID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Tag != b.Tag {
			return a.Tag < b.Tag
		}
		if a.Provision != b.Provision {
			return a.Provision < b.Provision
		}
		if a.PreviousProvision != b.PreviousProvision {
			return a.PreviousProvision < b.PreviousProvision
		}
		return a.Reason < b.Reason
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventActionQueued:
		return 10
	case EventActionStarted:
		return 20
	case EventActionPassed:
		return 30
	case EventActionFailed:
		return 40
	case EventActionDone:
		return 50
	case EventActionReset:
		return 60
	case EventActionDropped:
		return 70
	case EventProviderRegistered:
		return 80
	case EventProviderSuperseded:
		return 90
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ExecutionTrace{RunID: t.RunID}
	copyTrace.Events = make([]TraceEvent, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON ensures canonical field ordering and omission rules.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"runId\":")
	rid, err := json.Marshal(t.RunID)
	if err != nil {
		return nil, err
	}
	buf.Write(rid)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
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
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"kind\":")
	kb, err := json.Marshal(string(e.Kind))
	if err != nil {
		return nil, err
	}
	buf.Write(kb)

	if e.ActionID != 0 {
		fmt.Fprintf(&buf, `,"actionId":%d`, e.ActionID)
	}

	if e.Tag != "" {
		buf.WriteString(`,"tag":`)
		tb, err := json.Marshal(e.Tag)
		if err != nil {
			return nil, err
		}
		buf.Write(tb)
	}

	if e.Provision != 0 {
		fmt.Fprintf(&buf, `,"provision":%d`, e.Provision)
	}

	if e.PreviousProvision != 0 {
		fmt.Fprintf(&buf, `,"previousProvision":%d`, e.PreviousProvision)
	}

	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		rb, err := json.Marshal(e.Reason)
		if err != nil {
			return nil, err
		}
		buf.Write(rb)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
