// Package host defines the simulation contract driven by both execution
// backends, plus Sandbox, a small deterministic reference implementation.
//
// The backends never look inside Entity, Field, Environment or Stats; they
// copy them into snapshots and forward them to subscribers.
package host

import (
	"errors"
	"time"
)

var (
	// ErrNotRunning is returned by Pause and Resume when the simulation is stopped.
	ErrNotRunning = errors.New("simulation is not running")
	// ErrInvalidSpeed is returned by SetSpeed for non-positive or non-finite multipliers.
	ErrInvalidSpeed = errors.New("speed multiplier must be a positive finite number")
	// ErrInvalidOptions wraps validation failures from Configure.
	ErrInvalidOptions = errors.New("invalid simulation options")
)

// Simulation is the contract an engine exposes to the backends.
//
// Implementations are not required to be safe for concurrent use; each
// backend guarantees a single caller at a time.
type Simulation interface {
	Configure(opts Options) error
	Initialize() error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Reset() error
	SetSpeed(multiplier float64) error

	// AddEntity spawns one entity. A nil position lets the host choose one.
	AddEntity(pos *Position) error

	// Step advances the simulation by dt of wall time, scaled by the speed
	// multiplier. Step is a no-op while stopped or paused.
	Step(dt time.Duration) error

	State() State
	EntityData() []Entity
	FieldData() []Field
	EnvironmentData() Environment
	PerformanceStats() Stats
}

// Factory builds a fresh simulation for one backend instance.
type Factory func() Simulation

// Position is a point in world coordinates.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Options configures a simulation before it is initialized.
type Options struct {
	Width           float64 `json:"width" yaml:"width"`
	Height          float64 `json:"height" yaml:"height"`
	InitialEntities int     `json:"initial_entities" yaml:"initial_entities"`
	FieldResolution int     `json:"field_resolution" yaml:"field_resolution"`
	Diffusion       float64 `json:"diffusion" yaml:"diffusion"`
	Decay           float64 `json:"decay" yaml:"decay"`
	Seed            int64   `json:"seed" yaml:"seed"`
}

// State is the host's lifecycle view.
type State struct {
	Initialized bool    `json:"initialized"`
	Running     bool    `json:"running"`
	Paused      bool    `json:"paused"`
	Speed       float64 `json:"speed"`
	Tick        uint64  `json:"tick"`
	EntityCount int     `json:"entity_count"`
	SimSeconds  float64 `json:"sim_seconds"`
}

// Entity is one simulated agent.
type Entity struct {
	ID       uint64   `json:"id"`
	Position Position `json:"position"`
	Velocity Position `json:"velocity"`
	Energy   float64  `json:"energy"`
	Age      uint64   `json:"age"`
}

// Field is a named scalar grid in row-major order.
type Field struct {
	Name   string    `json:"name"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

// Environment holds world-wide parameters.
type Environment struct {
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Temperature float64 `json:"temperature"`
	Daylight    float64 `json:"daylight"`
}

// Stats are the host's own performance counters.
type Stats struct {
	Steps          uint64  `json:"steps"`
	LastStepMillis float64 `json:"last_step_ms"`
	AvgStepMillis  float64 `json:"avg_step_ms"`
	StepsPerSecond float64 `json:"steps_per_second"`
	EntityCount    int     `json:"entity_count"`
}
