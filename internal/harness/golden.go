package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the golden-file view of one run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Session      string       `json:"session"`
	Trace        []TraceEvent `json:"trace"`
}

// CanonicalTrace renders the run's trace as canonical JSON. The backend is
// left out, so a scenario produces the same bytes on either backend.
func CanonicalTrace(scenario *Scenario, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Session:      scenario.Session,
		Trace:        result.Trace,
	}
	if snapshot.Session == "" {
		snapshot.Session = "test-session"
	}
	return MarshalCanonical(snapshot.toCanonicalMap())
}

func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":     ev.Seq,
			"op":      ev.Op,
			"outcome": ev.Outcome,
		}
		if len(ev.Args) > 0 {
			m["args"] = ev.Args
		}
		if len(ev.State) > 0 {
			m["state"] = ev.State
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"session":       s.Session,
		"trace":         trace,
	}
}

// RunWithGolden executes a scenario and compares its canonical trace with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts Options) (*Result, error) {
	t.Helper()

	result, err := RunWith(t.Context(), scenario, opts)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace with its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	traceJSON, err := CanonicalTrace(scenario, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
