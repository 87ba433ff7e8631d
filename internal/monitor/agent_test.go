package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func startFakeAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var cmd struct {
				Execute string `json:"execute"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
				return
			}
			var reply string
			switch cmd.Execute {
			case "guest-ping":
				reply = `{"return":{}}`
			case "guest-fsfreeze-freeze":
				reply = `{"return":3}`
			case "guest-fsfreeze-thaw":
				reply = `{"return":3}`
			case "guest-shutdown":
				// Guest goes away without answering.
				return
			default:
				reply = `{"error":{"class":"CommandNotFound","desc":"unknown command"}}`
			}
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()
	return path
}

func TestAgentPing(t *testing.T) {
	path := startFakeAgent(t)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ping(ctx))
}

func TestAgentFSFreezeThaw(t *testing.T) {
	path := startFakeAgent(t)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	n, err := a.FSFreeze(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = a.FSThaw(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestAgentShutdownWithoutResponse(t *testing.T) {
	path := startFakeAgent(t)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	// The fake guest closes the connection instead of replying, which is
	// what a real guest does mid-poweroff.
	require.NoError(t, a.Shutdown(ctx, ShutdownModePowerdown))
}

func TestAgentUnknownCommand(t *testing.T) {
	path := startFakeAgent(t)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.execute(ctx, "guest-nonexistent", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "CommandNotFound")
}

func TestAgentClosedRejectsCommands(t *testing.T) {
	path := startFakeAgent(t)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.Error(t, a.Ping(ctx))
}

// startScriptedAgent answers every command with the given raw line.
func startScriptedAgent(t *testing.T, reply string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()
	return path
}

func TestAgentShutdownErrorResponse(t *testing.T) {
	// A guest that refuses the shutdown must not be reported as shutting
	// down.
	path := startScriptedAgent(t, `{"error":{"class":"CommandDisabled","desc":"shutdown disabled"}}`)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	err = a.Shutdown(ctx, ShutdownModePowerdown)
	require.Error(t, err)
	require.Contains(t, err.Error(), "CommandDisabled")
}

func TestAgentShutdownGarbledResponse(t *testing.T) {
	path := startScriptedAgent(t, `not json`)
	ctx := context.Background()

	a, err := ConnectAgent(ctx, path)
	require.NoError(t, err)
	defer a.Close()

	require.Error(t, a.Shutdown(ctx, ShutdownModePowerdown))
}
