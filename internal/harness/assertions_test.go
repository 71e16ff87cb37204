package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simbridge/internal/controller"
)

func sampleResult() *Result {
	r := NewResult()
	for i, ev := range []struct{ op, outcome string }{
		{OpConfigure, OutcomeOK},
		{OpStart, OutcomeOK},
		{OpPause, OutcomeOK},
		{OpStop, OutcomeOK},
		{OpPause, "FAULT:HOST_ERROR"},
	} {
		r.AddTrace(TraceEvent{Seq: int64(i + 1), Op: ev.op, Outcome: ev.outcome})
	}
	r.Final = controller.BackendState{Initialized: true, WorkerMode: true}
	r.Phase = controller.PhaseStopped
	return r
}

func TestEvaluateAssertions(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantFail  string
	}{
		{"contains", Assertion{Type: AssertTraceContains, Op: OpStop}, ""},
		{"contains with outcome", Assertion{Type: AssertTraceContains, Op: OpPause, Outcome: "FAULT:HOST_ERROR"}, ""},
		{"contains missing", Assertion{Type: AssertTraceContains, Op: OpReset}, "not found in trace"},
		{"contains wrong outcome", Assertion{Type: AssertTraceContains, Op: OpStart, Outcome: "TIMEOUT"}, "start -> TIMEOUT"},
		{"order", Assertion{Type: AssertTraceOrder, Ops: []string{OpConfigure, OpPause, OpStop}}, ""},
		{"order repeated op", Assertion{Type: AssertTraceOrder, Ops: []string{OpPause, OpStop, OpPause}}, ""},
		{"order violated", Assertion{Type: AssertTraceOrder, Ops: []string{OpStop, OpStart}}, "start not found in order"},
		{"count", Assertion{Type: AssertTraceCount, Op: OpPause, Count: 2}, ""},
		{"count with outcome", Assertion{Type: AssertTraceCount, Op: OpPause, Outcome: OutcomeOK, Count: 1}, ""},
		{"count zero", Assertion{Type: AssertTraceCount, Op: OpReset, Count: 0}, ""},
		{"count wrong", Assertion{Type: AssertTraceCount, Op: OpStart, Count: 3}, "found 1 times"},
		{"final", Assertion{Type: AssertFinalState, Expect: map[string]any{"worker_mode": true, "phase": "stopped"}}, ""},
		{"final wrong", Assertion{Type: AssertFinalState, Expect: map[string]any{"running": true}}, "final.running: expected true, got false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			if tt.wantFail == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantFail)
			assert.Contains(t, errs[0], "assertions[0]")
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := assertTraceContains(sampleResult().Trace, Assertion{Op: OpReset})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "[5] pause -> FAULT:HOST_ERROR")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
