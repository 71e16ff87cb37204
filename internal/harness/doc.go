// Package harness runs scripted controller scenarios and checks their traces.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: pause_resume
//	description: "Pausing keeps the host running but stops stepping"
//	mode: fallback            # auto, worker or fallback
//	session: fixed-session    # optional, defaults to "test-session"
//	simulation:
//	  initial_entities: 4
//	steps:
//	  - op: configure
//	  - op: start
//	    expect:
//	      outcome: ok
//	      state: { running: true }
//	  - op: set_speed
//	    speed: 2.5
//	  - op: add_entities
//	    count: 3
//	assertions:
//	  - type: trace_order
//	    ops: [configure, start]
//	  - type: final_state
//	    expect: { running: true, phase: running }
//
// # Operations
//
// configure, start, pause, resume, stop, reset, set_speed, add_entities,
// state, perf and dispose map onto the controller API. The controller is
// initialized before the first step and disposed after the last.
//
// # Assertion Types
//
//   - trace_contains: an op appears with the given outcome
//   - trace_order: ops appear in order (not necessarily adjacent)
//   - trace_count: an op appears exactly N times
//   - final_state: the controller's BackendState and phase after the run
//
// # Deterministic Traces
//
// A trace records only what does not depend on wall-clock timing: the op,
// its arguments, its outcome and the lifecycle part of the returned state.
// Ticks, simulated seconds and request ids are left out, so the same
// scenario yields the same canonical trace on either backend.
package harness
