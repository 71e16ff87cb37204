package harness

import (
	"strconv"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
)

// OutcomeOK is the outcome of a step that returned no error.
const OutcomeOK = "ok"

// TraceEvent is one executed step.
type TraceEvent struct {
	Seq     int64          `json:"seq"`
	Op      string         `json:"op"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome"`
	State   map[string]any `json:"state,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Backend is "worker" or "fallback".
	Backend string `json:"backend"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains validation failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the controller's view after the last step.
	Final controller.BackendState `json:"final"`
	Phase controller.Phase        `json:"phase"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step event.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// stateFields keeps the timing-independent part of a host state.
func stateFields(s host.State) map[string]any {
	return map[string]any{
		"initialized":  s.Initialized,
		"running":      s.Running,
		"paused":       s.Paused,
		"speed":        formatFloat(s.Speed),
		"entity_count": s.EntityCount,
	}
}

// finalFields exposes the final controller view to final_state assertions.
func finalFields(s controller.BackendState, phase controller.Phase) map[string]any {
	return map[string]any{
		"initialized": s.Initialized,
		"worker_mode": s.WorkerMode,
		"running":     s.Running,
		"paused":      s.Paused,
		"phase":       phase.String(),
	}
}

// formatFloat renders floats as strings; canonical traces carry no floats.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
