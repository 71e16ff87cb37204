package wire

import "github.com/roach88/simbridge/internal/host"

// AddEntityRequest asks the host to spawn Count entities. A nil Position lets
// the host place each entity.
type AddEntityRequest struct {
	Count    int            `json:"count"`
	Position *host.Position `json:"position,omitempty"`
}

// SpeedRequest carries the new speed multiplier.
type SpeedRequest struct {
	Multiplier float64 `json:"multiplier"`
}

// Fault describes an error raised on the far side of the boundary.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Frame   uint64 `json:"frame,omitempty"`
}

// Fault codes.
const (
	FaultStep      = "STEP_FAILED"
	FaultHost      = "HOST_ERROR"
	FaultBadInput  = "BAD_REQUEST"
	FaultUnknown   = "UNKNOWN_TYPE"
	FaultPanic     = "PANIC"
	FaultHalted    = "LOOP_HALTED"
	FaultTransport = "TRANSPORT_CLOSED"
)

// Snapshot is one frame of render and telemetry data.
type Snapshot struct {
	Entities    []host.Entity    `json:"entities"`
	Fields      []host.Field     `json:"fields"`
	Environment host.Environment `json:"environment"`
	State       host.State       `json:"state"`
	FrameCount  uint64           `json:"frame_count"`
}

// TakeSnapshot assembles a snapshot from the host's data accessors.
func TakeSnapshot(sim host.Simulation, frame uint64) Snapshot {
	return Snapshot{
		Entities:    sim.EntityData(),
		Fields:      sim.FieldData(),
		Environment: sim.EnvironmentData(),
		State:       sim.State(),
		FrameCount:  frame,
	}
}
