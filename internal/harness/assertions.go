package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the full trace to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s\n", ev.Seq, ev.Op, ev.Outcome)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		return assertFinalState(result, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func matchesEvent(ev TraceEvent, a Assertion) bool {
	return ev.Op == a.Op && (a.Outcome == "" || ev.Outcome == a.Outcome)
}

func describe(a Assertion) string {
	if a.Outcome == "" {
		return a.Op
	}
	return a.Op + " -> " + a.Outcome
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchesEvent(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that ops appear in order. Intervening ops are
// allowed; each op matches its first occurrence after the previous one.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, op := range a.Ops {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if ev.Op == op {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", a.Ops),
				Actual:   fmt.Sprintf("%s not found in order", op),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchesEvent(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s exactly %d times", describe(a), a.Count),
			Actual:   fmt.Sprintf("found %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertFinalState(result *Result, a Assertion) error {
	mismatches := matchFields("final", a.Expect, finalFields(result.Final, result.Phase))
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("%v", a.Expect),
		Actual:   strings.Join(mismatches, "; "),
	}
}
