package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"
)

// Guest shutdown modes accepted by the agent.
const (
	ShutdownModePowerdown = "powerdown"
	ShutdownModeReboot    = "reboot"
	ShutdownModeHalt      = "halt"
)

// errAgentGone reports the agent connection closing before a response line
// arrived.
var errAgentGone = errors.New("agent connection closed")

// AgentClient talks to the in-guest agent over its virtio-serial unix
// socket. The agent protocol is JSON-line request/response with no
// greeting; commands are serialized because the channel has no request ids
// worth trusting across agent restarts.
type AgentClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
	encoder *json.Encoder

	mu             sync.Mutex
	commandTimeout time.Duration
	closed         atomic.Bool
}

type agentCommand struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type agentResponse struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

// ConnectAgent dials the guest agent socket. The guest side may not have
// opened the channel yet; callers decide how long to wait via ctx.
func ConnectAgent(ctx context.Context, socketPath string) (*AgentClient, error) {
	if err := waitForSocket(ctx, socketPath, connectTimeout(ctx)); err != nil {
		return nil, fmt.Errorf("agent socket not available: %w", err)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent socket: %w", err)
	}

	a := &AgentClient{
		conn:           conn,
		scanner:        bufio.NewScanner(conn),
		encoder:        json.NewEncoder(conn),
		commandTimeout: DefaultCommandTimeout,
	}

	log.G(ctx).WithField("socket", socketPath).Debug("connected to guest agent")
	return a, nil
}

// SetCommandTimeout overrides the per-command timeout.
func (a *AgentClient) SetCommandTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d > 0 {
		a.commandTimeout = d
	}
}

func (a *AgentClient) execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("agent client closed")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	deadline := time.Now().Add(a.commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set agent deadline: %w", err)
	}

	if err := a.encoder.Encode(agentCommand{Execute: command, Arguments: args}); err != nil {
		return nil, fmt.Errorf("failed to send agent command %s: %w", command, err)
	}

	if !a.scanner.Scan() {
		if err := a.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read agent response for %s: %w", command, err)
		}
		return nil, fmt.Errorf("waiting for %s: %w", command, errAgentGone)
	}

	var resp agentResponse
	if err := json.Unmarshal(a.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse agent response for %s: %w", command, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("agent error for %s: %s: %s", command, resp.Error.Class, resp.Error.Desc)
	}
	return resp.Return, nil
}

// Ping checks that the agent is responsive inside the guest.
func (a *AgentClient) Ping(ctx context.Context) error {
	_, err := a.execute(ctx, "guest-ping", nil)
	return err
}

// Shutdown asks the guest OS to shut down, reboot or halt. The agent
// usually cannot answer before the guest goes away, so a connection closed
// after the command was written counts as success. An explicit error
// response or a garbled one does not.
func (a *AgentClient) Shutdown(ctx context.Context, mode string) error {
	_, err := a.execute(ctx, "guest-shutdown", map[string]any{"mode": mode})
	if errors.Is(err, errAgentGone) {
		// No response line: the guest started shutting down.
		return nil
	}
	return err
}

// FSFreeze freezes guest filesystems ahead of a snapshot. Returns the
// number of frozen filesystems.
func (a *AgentClient) FSFreeze(ctx context.Context) (int, error) {
	raw, err := a.execute(ctx, "guest-fsfreeze-freeze", nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("failed to parse fsfreeze response: %w", err)
	}
	return n, nil
}

// FSThaw thaws guest filesystems after a snapshot. Returns the number of
// thawed filesystems.
func (a *AgentClient) FSThaw(ctx context.Context) (int, error) {
	raw, err := a.execute(ctx, "guest-fsfreeze-thaw", nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("failed to parse fsthaw response: %w", err)
	}
	return n, nil
}

// Close tears down the agent connection.
func (a *AgentClient) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.conn.Close()
}
