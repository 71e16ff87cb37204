// Package wire defines the envelope format and transport contract for all
// traffic crossing a backend boundary.
//
// The wire package performs no validation beyond shape. Correlation of
// requests and replies lives in the controller; wire only knows which reply
// type answers which request type.
//
// Every envelope is serialized with msgpack when sent, so a receiver never
// shares memory with the sender.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type names a message kind.
type Type string

// Request types and their fixed replies.
const (
	TypeInit          Type = "INIT"
	TypeInitComplete  Type = "INIT_COMPLETE"
	TypeStart         Type = "START"
	TypeStarted       Type = "STARTED"
	TypePause         Type = "PAUSE"
	TypePaused        Type = "PAUSED"
	TypeResume        Type = "RESUME"
	TypeResumed       Type = "RESUMED"
	TypeStop          Type = "STOP"
	TypeStopped       Type = "STOPPED"
	TypeReset         Type = "RESET"
	TypeResetComplete Type = "RESET_COMPLETE"
	TypeGetState      Type = "GET_STATE"
	TypeState         Type = "STATE"
	TypeGetPerf       Type = "GET_PERF"
	TypePerfStats     Type = "PERF_STATS"
	TypeSetSpeed      Type = "SET_SPEED"
	TypeSpeedSet      Type = "SPEED_SET"
	TypeAddEntity     Type = "ADD_ENTITY"
	TypeEntityAdded   Type = "ENTITY_ADDED"
)

// Unsolicited stream types. They never carry a request id, except FAULT when
// it is the error reply to a specific request.
const (
	TypeSnapshot Type = "SNAPSHOT"
	TypePerf     Type = "PERF"
	TypeFault    Type = "FAULT"
)

var responses = map[Type]Type{
	TypeInit:      TypeInitComplete,
	TypeStart:     TypeStarted,
	TypePause:     TypePaused,
	TypeResume:    TypeResumed,
	TypeStop:      TypeStopped,
	TypeReset:     TypeResetComplete,
	TypeGetState:  TypeState,
	TypeGetPerf:   TypePerfStats,
	TypeSetSpeed:  TypeSpeedSet,
	TypeAddEntity: TypeEntityAdded,
}

// ResponseFor returns the reply type contractually paired with a request type.
func ResponseFor(t Type) (Type, bool) {
	r, ok := responses[t]
	return r, ok
}

// IsStream reports whether t is one of the unsolicited stream types.
func IsStream(t Type) bool {
	switch t {
	case TypeSnapshot, TypePerf, TypeFault:
		return true
	}
	return false
}

// Envelope is the unit of traffic across the boundary. Data holds the
// msgpack-encoded payload.
type Envelope struct {
	Type      Type               `json:"type"`
	Data      msgpack.RawMessage `json:"data,omitempty"`
	RequestID string             `json:"requestId,omitempty"`
}

// NewRequest builds a correlated request envelope.
func NewRequest(t Type, requestID string, payload any) (Envelope, error) {
	if _, ok := ResponseFor(t); !ok {
		return Envelope{}, fmt.Errorf("no reply defined for request type %q", t)
	}
	return build(t, requestID, payload)
}

// NewReply builds the contractual reply to req carrying payload.
func NewReply(req Envelope, payload any) (Envelope, error) {
	t, ok := ResponseFor(req.Type)
	if !ok {
		return Envelope{}, fmt.Errorf("no reply defined for request type %q", req.Type)
	}
	return build(t, req.RequestID, payload)
}

// NewFaultReply builds a FAULT envelope answering req.
func NewFaultReply(req Envelope, code string, err error) Envelope {
	env, encErr := build(TypeFault, req.RequestID, Fault{Code: code, Message: err.Error()})
	if encErr != nil {
		// Fault has only string fields; encoding cannot fail in practice.
		return Envelope{Type: TypeFault, RequestID: req.RequestID}
	}
	return env
}

// NewStream builds an unsolicited stream envelope.
func NewStream(t Type, payload any) (Envelope, error) {
	if !IsStream(t) {
		return Envelope{}, fmt.Errorf("%q is not a stream type", t)
	}
	return build(t, "", payload)
}

func build(t Type, requestID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	data, err := Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// Decode unpacks the payload into v. An empty payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || v == nil {
		return nil
	}
	if err := Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// String renders the envelope for logs.
func (e Envelope) String() string {
	if e.RequestID == "" {
		return fmt.Sprintf("%s (%d bytes)", e.Type, len(e.Data))
	}
	return fmt.Sprintf("%s#%s (%d bytes)", e.Type, e.RequestID, len(e.Data))
}
