package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMonitorServer speaks just enough of the monitor protocol for the
// client handshake plus a fixed command table.
type fakeMonitorServer struct {
	listener net.Listener
	path     string
}

func startFakeMonitor(t *testing.T) *fakeMonitorServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)

	f := &fakeMonitorServer{listener: l, path: path}
	go f.serve()
	t.Cleanup(func() { l.Close() })
	return f
}

func (f *fakeMonitorServer) serve() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	greeting := `{"QMP":{"version":{"qemu":{"major":8,"minor":2,"micro":0},"package":""},"capabilities":[]}}`
	if _, err := conn.Write([]byte(greeting + "\n")); err != nil {
		return
	}

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
		case "qmp_capabilities", "stop", "cont":
			reply = `{"return":{}}`
		case "query-status":
			reply = `{"return":{"status":"paused","running":false}}`
		case "migrate":
			reply = `{"error":{"class":"GenericError","desc":"migration disabled"}}`
		default:
			reply = `{"error":{"class":"CommandNotFound","desc":"unknown command"}}`
		}
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
		if cmd.Execute == "stop" {
			event := `{"event":"STOP","timestamp":{"seconds":1700000000,"microseconds":0},"data":{}}`
			if _, err := conn.Write([]byte(event + "\n")); err != nil {
				return
			}
		}
	}
}

func TestClientCommands(t *testing.T) {
	f := startFakeMonitor(t)
	ctx := context.Background()

	c, err := Connect(ctx, f.path)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Cont(ctx))

	status, err := c.QueryStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "paused", status.Status)
	require.False(t, status.Running)

	err = c.Migrate(ctx, "tcp:127.0.0.1:4444")
	require.Error(t, err)
	require.Contains(t, err.Error(), "migration disabled")
}

func TestClientEvents(t *testing.T) {
	f := startFakeMonitor(t)
	ctx := context.Background()

	c, err := Connect(ctx, f.path)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Stop(ctx))

	select {
	case ev := <-c.Events():
		require.Equal(t, EventStop, ev.Name)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for monitor event")
	}
}

func TestClientClosedRejectsCommands(t *testing.T) {
	f := startFakeMonitor(t)
	ctx := context.Background()

	c, err := Connect(ctx, f.path)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Stop(ctx)
	require.Error(t, err)
}

func TestWaitForSocket(t *testing.T) {
	t.Run("appears after delay", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "late.sock")
		go func() {
			time.Sleep(150 * time.Millisecond)
			l, err := net.Listen("unix", path)
			if err == nil {
				defer l.Close()
				time.Sleep(time.Second)
			}
		}()
		err := waitForSocket(context.Background(), path, 2*time.Second)
		require.NoError(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		err := waitForSocket(context.Background(), filepath.Join(t.TempDir(), "never.sock"), 200*time.Millisecond)
		require.Error(t, err)
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := waitForSocket(ctx, filepath.Join(t.TempDir(), "never.sock"), time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("regular file counts", func(t *testing.T) {
		// Stat-based polling does not distinguish socket from file; the
		// dial afterwards does.
		path := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		require.NoError(t, waitForSocket(context.Background(), path, time.Second))
	})
}

func TestConnectDeadlineBoundsSocketWait(t *testing.T) {
	// A caller-supplied deadline overrides the built-in connect timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err := Connect(ctx, filepath.Join(t.TempDir(), "missing.sock"))
	require.Error(t, err)
	require.Less(t, time.Since(begin), 5*time.Second)
}

func TestConnectTimeoutDerivation(t *testing.T) {
	require.Equal(t, DefaultConnectTimeout, connectTimeout(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.Greater(t, connectTimeout(ctx), DefaultConnectTimeout)
}
