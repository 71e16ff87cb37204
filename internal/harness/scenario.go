package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
)

// Scenario is a scripted controller session.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Mode selects the backend: auto, worker or fallback. Empty means auto.
	Mode string `yaml:"mode,omitempty"`

	// Session fixes the controller's session id.
	Session string `yaml:"session,omitempty"`

	// Simulation is sent with every configure step that has no options of
	// its own.
	Simulation host.Options `yaml:"simulation,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one controller operation.
type Step struct {
	Op string `yaml:"op"`

	// Speed is the multiplier for set_speed.
	Speed float64 `yaml:"speed,omitempty"`

	// Count and Position are the arguments of add_entities.
	Count    int            `yaml:"count,omitempty"`
	Position *host.Position `yaml:"position,omitempty"`

	// Options overrides the scenario's simulation options for configure.
	Options *host.Options `yaml:"options,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is checked against the step's trace event.
type Expect struct {
	// Outcome is "ok" or a failure code such as "FAULT:HOST_ERROR".
	Outcome string `yaml:"outcome,omitempty"`

	// State is a subset match against the returned state.
	State map[string]any `yaml:"state,omitempty"`
}

// Assertion validates the finished run.
type Assertion struct {
	// Type is trace_contains, trace_order, trace_count or final_state.
	Type string `yaml:"type"`

	// Op is used by trace_contains and trace_count.
	Op string `yaml:"op,omitempty"`

	// Outcome narrows trace_contains and trace_count to one outcome.
	Outcome string `yaml:"outcome,omitempty"`

	// Ops is the expected order for trace_order.
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of occurrences for trace_count.
	Count int `yaml:"count,omitempty"`

	// Expect is a subset match against the final state for final_state.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Operation names.
const (
	OpConfigure   = "configure"
	OpStart       = "start"
	OpPause       = "pause"
	OpResume      = "resume"
	OpStop        = "stop"
	OpReset       = "reset"
	OpSetSpeed    = "set_speed"
	OpAddEntities = "add_entities"
	OpState       = "state"
	OpPerf        = "perf"
	OpDispose     = "dispose"
)

var knownOps = map[string]bool{
	OpConfigure: true, OpStart: true, OpPause: true, OpResume: true,
	OpStop: true, OpReset: true, OpSetSpeed: true, OpAddEntities: true,
	OpState: true, OpPerf: true, OpDispose: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := controller.ParseMode(s.Mode); err != nil {
		return err
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Op == "" {
			return fmt.Errorf("steps[%d]: op is required", i)
		}
		if !knownOps[step.Op] {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
