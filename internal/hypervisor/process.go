package hypervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/aledbf/qemubox/manager/internal/bufpool"
	"github.com/aledbf/qemubox/manager/internal/define"
)

const (
	monitorSocketName = "monitor.sock"
	agentSocketName   = "agent.sock"
	consoleFifoName   = "console.fifo"

	cgroupMountpoint = "/sys/fs/cgroup"
)

// Config carries per-guest launch parameters.
type Config struct {
	// StateDir holds sockets and the console fifo for this guest.
	StateDir string
	// ConsoleLog, when set, receives the guest serial console output.
	ConsoleLog string
	// BinaryPath is the hypervisor binary. The definition's Emulator field
	// overrides it.
	BinaryPath string
	// CgroupParent, when set, is the cgroup2 slice the process is placed
	// under.
	CgroupParent string
	// Incoming, when set, makes the guest wait for inbound state
	// ("exec:cat file" for restore, "tcp:addr:port" for migration).
	Incoming string
}

// ExitStatus describes how a hypervisor process ended.
type ExitStatus struct {
	Code     int
	Err      error
	ExitedAt time.Time
}

// Process is one running hypervisor instance. It owns the child process,
// its console plumbing and its cgroup, not the guest's logical state.
type Process struct {
	cmd    *exec.Cmd
	waitCh chan ExitStatus

	stateDir string
	logFile  *os.File
	cgroup   *cgroup2.Manager

	// consoleMu guards the fifo handle, which is published by the
	// streaming goroutine while Release may close it from another thread.
	consoleMu     sync.Mutex
	consoleFifo   io.ReadCloser
	consoleCancel context.CancelFunc
	consoleClosed bool
}

// Launch starts a hypervisor process for the definition. The monitor and
// agent sockets may not be connectable yet when Launch returns; callers
// poll them via the monitor package.
func Launch(ctx context.Context, def *define.Definition, cfg Config) (*Process, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	binary := cfg.BinaryPath
	if def.Emulator != "" {
		binary = def.Emulator
	}
	if binary == "" {
		return nil, fmt.Errorf("no hypervisor binary configured for %s", def.Name)
	}
	// Stale sockets from a previous run confuse the connect poll.
	_ = os.Remove(filepath.Join(cfg.StateDir, monitorSocketName))
	_ = os.Remove(filepath.Join(cfg.StateDir, agentSocketName))

	p, err := start(ctx, def.Name, binary, buildArgs(def, cfg), cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func start(ctx context.Context, name, binary string, args []string, cfg Config) (*Process, error) {
	p := &Process{
		stateDir: cfg.StateDir,
		waitCh:   make(chan ExitStatus, 1),
	}

	if cfg.ConsoleLog != "" {
		if err := p.setupConsole(ctx, cfg.ConsoleLog); err != nil {
			return nil, err
		}
	}

	logFile, err := os.Create(filepath.Join(cfg.StateDir, "hypervisor.log"))
	if err != nil {
		p.closeConsole()
		return nil, fmt.Errorf("failed to create hypervisor log file: %w", err)
	}
	p.logFile = logFile

	//nolint:gosec // binary and args come from the validated definition.
	p.cmd = exec.Command(binary, args...)
	p.cmd.Stdout = logFile
	p.cmd.Stderr = logFile
	// Own process group so a kill cannot take the manager down with it.
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := p.cmd.Start(); err != nil {
		p.closeConsole()
		_ = logFile.Close()
		return nil, fmt.Errorf("failed to start hypervisor: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"name":   name,
		"pid":    p.cmd.Process.Pid,
		"binary": binary,
	}).Info("hypervisor process started")

	if cfg.CgroupParent != "" {
		if err := p.joinCgroup(ctx, cfg.CgroupParent, name); err != nil {
			log.G(ctx).WithError(err).WithField("name", name).
				Warn("failed to place hypervisor in cgroup")
		}
	}

	go p.reap(ctx)
	return p, nil
}

func (p *Process) joinCgroup(ctx context.Context, parent, name string) error {
	if cgroups.Mode() != cgroups.Unified {
		return fmt.Errorf("only unified cgroups mode is supported")
	}
	group := filepath.Join("/", parent, name)
	mgr, err := cgroup2.NewManager(cgroupMountpoint, group, &cgroup2.Resources{})
	if err != nil {
		return fmt.Errorf("failed to create cgroup %s: %w", group, err)
	}
	if err := mgr.AddProc(uint64(p.cmd.Process.Pid)); err != nil {
		_ = mgr.Delete()
		return fmt.Errorf("failed to add pid to cgroup %s: %w", group, err)
	}
	p.cgroup = mgr
	log.G(ctx).WithField("cgroup", group).Debug("hypervisor placed in cgroup")
	return nil
}

// setupConsole streams the guest serial console through a fifo into a
// persistent log file so slow disk writes never stall the guest.
func (p *Process) setupConsole(ctx context.Context, consoleLog string) error {
	fifoPath := filepath.Join(p.stateDir, consoleFifoName)
	_ = os.Remove(fifoPath)
	if err := unix.Mkfifo(fifoPath, 0o600); err != nil {
		return fmt.Errorf("failed to create console fifo: %w", err)
	}
	consoleFile, err := os.Create(consoleLog)
	if err != nil {
		_ = os.Remove(fifoPath)
		return fmt.Errorf("failed to create console log file: %w", err)
	}

	// The fifo outlives the launch call; closeConsole cancels a still
	// pending open.
	openCtx, cancel := context.WithCancel(context.WithoutCancel(ctx)) //nolint:contextcheck // console fifo needs independent lifetime
	p.consoleCancel = cancel

	go func() {
		defer consoleFile.Close()

		// Blocks until the hypervisor opens the writer side.
		r, err := fifo.OpenFifo(openCtx, fifoPath, syscall.O_RDONLY, 0)
		if err != nil {
			log.G(ctx).WithError(err).Debug("console fifo not opened")
			return
		}
		defer r.Close()

		p.consoleMu.Lock()
		if p.consoleClosed {
			p.consoleMu.Unlock()
			return
		}
		p.consoleFifo = r
		p.consoleMu.Unlock()

		buf := bufpool.Pool.Get().(*[]byte)
		defer bufpool.Pool.Put(buf)
		for {
			n, err := r.Read(*buf)
			if n > 0 {
				if _, werr := consoleFile.Write((*buf)[:n]); werr != nil {
					log.G(ctx).WithError(werr).Error("failed to write console output")
				}
			}
			if err != nil {
				if err != io.EOF {
					log.G(ctx).WithError(err).Debug("console fifo read error")
				}
				return
			}
		}
	}()
	return nil
}

func (p *Process) closeConsole() {
	p.consoleMu.Lock()
	p.consoleClosed = true
	if p.consoleCancel != nil {
		p.consoleCancel()
	}
	if p.consoleFifo != nil {
		_ = p.consoleFifo.Close()
		p.consoleFifo = nil
	}
	p.consoleMu.Unlock()
	_ = os.Remove(filepath.Join(p.stateDir, consoleFifoName))
}

// reap waits for the child and publishes its exit status exactly once.
func (p *Process) reap(ctx context.Context) {
	err := p.cmd.Wait()
	status := ExitStatus{Err: err, ExitedAt: time.Now()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.Code = exitErr.ExitCode()
		} else {
			status.Code = -1
		}
		log.G(ctx).WithError(err).WithField("pid", p.cmd.Process.Pid).
			Debug("hypervisor process exited")
	}
	p.waitCh <- status
	close(p.waitCh)
}

// Pid returns the hypervisor process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait returns a channel that receives the exit status once and is then
// closed.
func (p *Process) Wait() <-chan ExitStatus {
	return p.waitCh
}

// MonitorSocket returns the monitor socket path inside the state dir.
func (p *Process) MonitorSocket() string {
	return filepath.Join(p.stateDir, monitorSocketName)
}

// AgentSocket returns the agent socket path inside the state dir.
func (p *Process) AgentSocket() string {
	return filepath.Join(p.stateDir, agentSocketName)
}

// Kill sends SIGKILL to the whole process group.
func (p *Process) Kill() error {
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// Signal delivers sig to the hypervisor process.
func (p *Process) Signal(sig unix.Signal) error {
	err := unix.Kill(p.cmd.Process.Pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

// Stats reads cpu and memory accounting from the process cgroup. Returns
// nil metrics when the process was not placed in a cgroup.
func (p *Process) Stats() (*stats.Metrics, error) {
	if p.cgroup == nil {
		return nil, nil
	}
	return p.cgroup.Stat()
}

// Release tears down host-side resources after the process has exited:
// console plumbing, the log file and the cgroup. It does not kill the
// process.
func (p *Process) Release() {
	p.closeConsole()
	if p.logFile != nil {
		_ = p.logFile.Close()
		p.logFile = nil
	}
	if p.cgroup != nil {
		_ = p.cgroup.Delete()
		p.cgroup = nil
	}
}
