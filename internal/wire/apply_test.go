package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simbridge/internal/host"
)

func direct(payload any) func(v any) error {
	return func(v any) error { return Assign(v, payload) }
}

type explodingSim struct {
	*host.Sandbox
}

func (explodingSim) Reset() error { panic("reset exploded") }

func TestApply_ReturnsStateOrStats(t *testing.T) {
	sim := host.NewSandbox()

	res, err := Apply(sim, TypeInit, direct(host.Options{InitialEntities: 2}))
	require.NoError(t, err)
	st, ok := res.(host.State)
	require.True(t, ok)
	assert.True(t, st.Initialized)
	assert.Equal(t, 2, st.EntityCount)

	res, err = Apply(sim, TypeAddEntity, direct(AddEntityRequest{Count: 3}))
	require.NoError(t, err)
	assert.Equal(t, 5, res.(host.State).EntityCount)

	res, err = Apply(sim, TypeGetPerf, direct(nil))
	require.NoError(t, err)
	_, ok = res.(host.Stats)
	assert.True(t, ok)
}

func TestApply_FaultCodes(t *testing.T) {
	tests := []struct {
		name    string
		sim     host.Simulation
		typ     Type
		payload any
		code    string
	}{
		{"unknown type", host.NewSandbox(), "WARP", nil, FaultUnknown},
		{"zero count", host.NewSandbox(), TypeAddEntity, AddEntityRequest{}, FaultBadInput},
		{"invalid speed", host.NewSandbox(), TypeSetSpeed, SpeedRequest{Multiplier: 0}, FaultBadInput},
		{"invalid options", host.NewSandbox(), TypeInit, host.Options{Decay: 4}, FaultBadInput},
		{"host refusal", host.NewSandbox(), TypeResume, nil, FaultHost},
		{"host panic", explodingSim{host.NewSandbox()}, TypeReset, nil, FaultPanic},
		{"mistyped payload", host.NewSandbox(), TypeSetSpeed, "fast", FaultBadInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.sim, tt.typ, direct(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.code, FaultCode(err))
		})
	}
}

func TestRearms(t *testing.T) {
	assert.True(t, Rearms(TypeStart))
	assert.True(t, Rearms(TypeReset))
	assert.False(t, Rearms(TypePause))
	assert.False(t, Rearms(TypeGetState))
}

func TestAssign(t *testing.T) {
	var st host.State
	require.NoError(t, Assign(&st, host.State{Tick: 4}))
	assert.Equal(t, uint64(4), st.Tick)

	require.NoError(t, Assign(&st, &host.State{Tick: 9}))
	assert.Equal(t, uint64(9), st.Tick)

	require.NoError(t, Assign(&st, nil))
	assert.Equal(t, uint64(9), st.Tick)

	assert.Error(t, Assign(&st, host.Stats{}))
	assert.Error(t, Assign(st, host.State{}))
	assert.Equal(t, FaultHost, FaultCode(errors.New("plain")))
}
