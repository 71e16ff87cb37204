package wire

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/roach88/simbridge/internal/host"
)

// codedError tags a failure with the fault code sent back to the caller.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// BadRequest marks err as a malformed request.
func BadRequest(err error) error {
	return &codedError{code: FaultBadInput, err: err}
}

// UnknownType reports a request type with no handler.
func UnknownType(t Type) error {
	return &codedError{code: FaultUnknown, err: fmt.Errorf("unknown request type %q", t)}
}

// ErrPanicked marks a recovered host panic.
var ErrPanicked = errors.New("host panicked")

// FaultCode classifies err for a FAULT reply.
func FaultCode(err error) string {
	var ce *codedError
	switch {
	case errors.As(err, &ce):
		return ce.code
	case errors.Is(err, host.ErrInvalidOptions), errors.Is(err, host.ErrInvalidSpeed):
		return FaultBadInput
	case errors.Is(err, ErrPanicked):
		return FaultPanic
	}
	return FaultHost
}

// Rearms reports whether a successful request of type t restarts a loop
// halted by repeated faults.
func Rearms(t Type) bool {
	switch t {
	case TypeInit, TypeStart, TypeResume, TypeReset:
		return true
	}
	return false
}

// Apply runs one request against sim and returns the reply payload:
// host.Stats for GET_PERF, host.State for everything else. decode fills the
// request payload. A host panic is returned as an error wrapping ErrPanicked.
func Apply(sim host.Simulation, t Type, decode func(v any) error) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()

	switch t {
	case TypeInit:
		var opts host.Options
		if err := decode(&opts); err != nil {
			return nil, BadRequest(err)
		}
		if err := sim.Configure(opts); err != nil {
			return nil, err
		}
		if err := sim.Initialize(); err != nil {
			return nil, err
		}
	case TypeStart:
		err = sim.Start()
	case TypePause:
		err = sim.Pause()
	case TypeResume:
		err = sim.Resume()
	case TypeStop:
		err = sim.Stop()
	case TypeReset:
		err = sim.Reset()
	case TypeSetSpeed:
		var req SpeedRequest
		if err := decode(&req); err != nil {
			return nil, BadRequest(err)
		}
		err = sim.SetSpeed(req.Multiplier)
	case TypeAddEntity:
		var req AddEntityRequest
		if err := decode(&req); err != nil {
			return nil, BadRequest(err)
		}
		if req.Count <= 0 {
			return nil, BadRequest(fmt.Errorf("count must be positive, got %d", req.Count))
		}
		for i := 0; i < req.Count && err == nil; i++ {
			err = sim.AddEntity(req.Position)
		}
	case TypeGetState:
	case TypeGetPerf:
		return sim.PerformanceStats(), nil
	default:
		return nil, UnknownType(t)
	}
	if err != nil {
		return nil, err
	}
	return sim.State(), nil
}

// Assign copies src into the value dst points to. A nil src leaves dst
// untouched; a pointer src is dereferenced.
func Assign(dst, src any) error {
	if src == nil || dst == nil {
		return nil
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("assign: destination must be a non-nil pointer, got %T", dst)
	}
	sv := reflect.ValueOf(src)
	if sv.Kind() == reflect.Pointer {
		if sv.IsNil() {
			return nil
		}
		sv = sv.Elem()
	}
	if !sv.Type().AssignableTo(dv.Elem().Type()) {
		return fmt.Errorf("assign: cannot use %s as %s", sv.Type(), dv.Elem().Type())
	}
	dv.Elem().Set(sv)
	return nil
}
