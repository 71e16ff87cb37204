package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simbridge/internal/wire"
)

func TestServeRelaysSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listening := make(chan net.Addr, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Addr:        "127.0.0.1:0",
		Mode:        "fallback",
		Queue:       64,
		OnListen:    func(addr net.Addr) { listening <- addr },
	}
	buf := &bytes.Buffer{}
	cmd := NewServeCommand(opts.RootOptions)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	var addr net.Addr
	select {
	case addr = <-listening:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never started listening")
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr.String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	var snap wire.Snapshot
	require.NoError(t, wire.Unmarshal(data, &snap))
	assert.Positive(t, snap.FrameCount)

	resp, err := http.Get("http://" + addr.String() + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var state map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "fallback", state["backend"])
	assert.EqualValues(t, 1, state["subscribers"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
	assert.Contains(t, buf.String(), "Relay listening on ws://")
}

func TestServeStopsAfterDuration(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0", "--mode", "worker", "--duration", "100ms"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "(backend worker)")
}

func TestServeListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", ln.Addr().String(), "--mode", "fallback"})

	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
