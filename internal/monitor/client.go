package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

const (
	// DefaultCommandTimeout bounds a single monitor round-trip.
	DefaultCommandTimeout = 5 * time.Second
	// DefaultConnectTimeout bounds waiting for the monitor socket to appear
	// after the hypervisor process is launched.
	DefaultConnectTimeout = 10 * time.Second
)

// Asynchronous monitor events the lifecycle driver reacts to.
const (
	EventShutdown      = "SHUTDOWN"
	EventReset         = "RESET"
	EventStop          = "STOP"
	EventResume        = "RESUME"
	EventSuspend       = "SUSPEND"
	EventGuestPanicked = "GUEST_PANICKED"
	EventWatchdog      = "WATCHDOG"
)

// Event is an asynchronous notification from the hypervisor monitor.
type Event struct {
	Name      string
	Data      map[string]any
	Timestamp time.Time
}

// Status matches the response of the query-status command.
type Status struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

// MigrationStats matches the response of the query-migrate command.
type MigrationStats struct {
	Status string `json:"status"`
	RAM    struct {
		Transferred uint64 `json:"transferred"`
		Remaining   uint64 `json:"remaining"`
		Total       uint64 `json:"total"`
	} `json:"ram"`
}

type responseError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

// Client is a monitor connection to a single hypervisor process.
//
// Commands are serialized by the underlying SocketMonitor; Client is safe
// for concurrent use. Callers own the connection lifecycle: create with
// Connect, release with Close. Asynchronous events arrive on Events until
// the connection drops, at which point the channel is closed.
type Client struct {
	monitor *qmpapi.SocketMonitor
	events  chan Event

	mu             sync.Mutex
	commandTimeout time.Duration
	closed         atomic.Bool
	loopDone       chan struct{}
}

// Connect waits for the monitor socket to appear, performs the protocol
// handshake and starts the event pump. A deadline on ctx bounds the socket
// wait; without one DefaultConnectTimeout applies.
func Connect(ctx context.Context, socketPath string) (*Client, error) {
	if err := waitForSocket(ctx, socketPath, connectTimeout(ctx)); err != nil {
		return nil, fmt.Errorf("monitor socket not available: %w", err)
	}

	mon, err := qmpapi.NewSocketMonitor("unix", socketPath, DefaultCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to monitor socket: %w", err)
	}
	if err := mon.Connect(); err != nil {
		_ = mon.Disconnect()
		return nil, fmt.Errorf("failed to negotiate monitor capabilities: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"socket": socketPath,
		"major":  mon.Version.QEMU.Major,
		"minor":  mon.Version.QEMU.Minor,
		"micro":  mon.Version.QEMU.Micro,
	}).Debug("connected to hypervisor monitor")

	// The pump must keep draining events after the caller's context ends,
	// until the connection itself is closed.
	eventCtx := context.WithoutCancel(ctx)
	raw, err := mon.Events(eventCtx)
	if err != nil && !errors.Is(err, qmpapi.ErrEventsNotSupported) {
		_ = mon.Disconnect()
		return nil, fmt.Errorf("failed to subscribe to monitor events: %w", err)
	}

	c := &Client{
		monitor:        mon,
		events:         make(chan Event, 16),
		commandTimeout: DefaultCommandTimeout,
		loopDone:       make(chan struct{}),
	}
	go c.eventLoop(eventCtx, raw)
	return c, nil
}

// SetCommandTimeout overrides the per-command timeout.
func (c *Client) SetCommandTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.commandTimeout = d
	}
}

// Events returns the asynchronous event stream. The channel is closed when
// the monitor connection drops or the client is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) eventLoop(ctx context.Context, raw <-chan qmpapi.Event) {
	defer close(c.loopDone)
	defer close(c.events)

	if raw == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-raw:
			if !ok || c.closed.Load() {
				return
			}
			out := Event{
				Name:      ev.Event,
				Data:      ev.Data,
				Timestamp: time.Unix(ev.Timestamp.Seconds, ev.Timestamp.Microseconds*1000),
			}
			select {
			case c.events <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) run(ctx context.Context, command string, args map[string]any) (*response, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("monitor client closed")
	}

	cmd := qmpapi.Command{Execute: command}
	// Arguments must be absent rather than null.
	if args != nil {
		cmd.Args = args
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode monitor command %s: %w", command, err)
	}

	c.mu.Lock()
	timeout := c.commandTimeout
	c.mu.Unlock()

	respCh := make(chan *response, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := c.monitor.Run(payload)
		if err != nil {
			errCh <- err
			return
		}
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			errCh <- fmt.Errorf("failed to parse response for %s: %w", command, err)
			return
		}
		if resp.Error != nil {
			errCh <- fmt.Errorf("monitor error for %s: %s: %s", command, resp.Error.Class, resp.Error.Desc)
			return
		}
		respCh <- &resp
	}()

	select {
	case resp := <-respCh:
		return resp, nil
	case err := <-errCh:
		return nil, fmt.Errorf("monitor command %s failed: %w", command, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout (%v) waiting for monitor response to %s", timeout, command)
	}
}

func query[T any](ctx context.Context, c *Client, command string) (T, error) {
	var result T
	resp, err := c.run(ctx, command, nil)
	if err != nil {
		return result, err
	}
	if resp.Return == nil {
		return result, nil
	}
	if err := json.Unmarshal(resp.Return, &result); err != nil {
		return result, fmt.Errorf("failed to parse %s response: %w", command, err)
	}
	return result, nil
}

// Stop pauses guest vcpus.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.run(ctx, "stop", nil)
	return err
}

// Cont resumes guest vcpus.
func (c *Client) Cont(ctx context.Context) error {
	_, err := c.run(ctx, "cont", nil)
	return err
}

// SystemPowerdown requests a graceful guest shutdown via ACPI.
func (c *Client) SystemPowerdown(ctx context.Context) error {
	_, err := c.run(ctx, "system_powerdown", nil)
	return err
}

// SystemReset hard-resets the guest without involving the guest OS.
func (c *Client) SystemReset(ctx context.Context) error {
	_, err := c.run(ctx, "system_reset", nil)
	return err
}

// Quit instructs the hypervisor process to exit immediately.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.run(ctx, "quit", nil)
	return err
}

// QueryStatus returns the current vcpu run state.
func (c *Client) QueryStatus(ctx context.Context) (Status, error) {
	return query[Status](ctx, c, "query-status")
}

// Migrate starts streaming guest state to uri. The same command carries
// both live migration ("tcp:host:port") and state save ("exec:cat > file").
func (c *Client) Migrate(ctx context.Context, uri string) error {
	_, err := c.run(ctx, "migrate", map[string]any{"uri": uri})
	return err
}

// MigrateCancel aborts an in-flight migrate command.
func (c *Client) MigrateCancel(ctx context.Context) error {
	_, err := c.run(ctx, "migrate_cancel", nil)
	return err
}

// QueryMigrate returns progress of the in-flight migrate command.
func (c *Client) QueryMigrate(ctx context.Context) (MigrationStats, error) {
	return query[MigrationStats](ctx, c, "query-migrate")
}

// Close tears down the connection and waits briefly for the event pump.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.monitor.Disconnect()
	select {
	case <-c.loopDone:
	case <-time.After(100 * time.Millisecond):
	}
	return err
}

// waitForSocket polls until the unix socket exists.
// connectTimeout derives the socket wait budget from the context deadline,
// falling back to DefaultConnectTimeout.
func connectTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return DefaultConnectTimeout
}

func waitForSocket(ctx context.Context, socketPath string, timeout time.Duration) error {
	startedAt := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if time.Since(startedAt) > timeout {
			return fmt.Errorf("timeout waiting for socket: %s", socketPath)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(socketPath); err == nil {
				return nil
			}
		}
	}
}
