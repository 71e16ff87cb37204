package controller

import (
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/wire"
)

// Phase is the controller's lifecycle position.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseWorker
	PhaseFallback
	PhaseConfigured
	PhaseRunning
	PhasePaused
	PhaseStopped
	PhaseDisposed
)

var phaseNames = [...]string{
	PhaseUninitialized: "uninitialized",
	PhaseInitializing:  "initializing",
	PhaseWorker:        "worker",
	PhaseFallback:      "fallback",
	PhaseConfigured:    "configured",
	PhaseRunning:       "running",
	PhasePaused:        "paused",
	PhaseStopped:       "stopped",
	PhaseDisposed:      "disposed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// BackendState is the controller's view of the active backend.
// !Running implies !Paused.
type BackendState struct {
	Initialized bool `json:"initialized"`
	WorkerMode  bool `json:"worker_mode"`
	Running     bool `json:"running"`
	Paused      bool `json:"paused"`
}

// observe folds a host state reported by the backend into s.
func (s BackendState) observe(st host.State) BackendState {
	s.Running = st.Running
	s.Paused = st.Running && st.Paused
	return s
}

// phaseAfter derives the lifecycle phase following a successful request
// of type t.
func phaseAfter(current Phase, s BackendState, t wire.Type) Phase {
	switch {
	case current == PhaseDisposed:
		return current
	case s.Running && s.Paused:
		return PhasePaused
	case s.Running:
		return PhaseRunning
	case t == wire.TypeInit || t == wire.TypeReset:
		return PhaseConfigured
	case current == PhaseRunning || current == PhasePaused:
		return PhaseStopped
	}
	return current
}
