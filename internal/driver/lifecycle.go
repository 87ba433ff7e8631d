package driver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/aledbf/qemubox/manager/internal/domain"
	"github.com/aledbf/qemubox/manager/internal/events"
	"github.com/aledbf/qemubox/manager/internal/hypervisor"
	"github.com/aledbf/qemubox/manager/internal/monitor"
)

// ShutdownMode selects how a graceful shutdown is requested.
type ShutdownMode int

const (
	// ShutdownDefault tries the guest agent first and falls back to ACPI.
	ShutdownDefault ShutdownMode = iota
	// ShutdownAgent uses only the guest agent.
	ShutdownAgent
	// ShutdownACPI uses only the ACPI power button.
	ShutdownACPI
)

// Start boots the domain. A pending managed-save image is restored and
// consumed.
func (dr *Driver) Start(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	q := &eventQueue{}
	err = dr.startLocked(ctx, d, q)
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

func (dr *Driver) startLocked(ctx context.Context, d *domain.Domain, q *eventQueue) error {
	if d.IsActive() {
		return fmt.Errorf("domain %s is already running: %w", d.Name(), errdefs.ErrFailedPrecondition)
	}
	d.ClearBeingDestroyed()

	def := d.Def()
	hcfg := hypervisor.Config{
		StateDir:     dr.stateDirFor(d.UUID()),
		ConsoleLog:   dr.consoleLogFor(d.Name()),
		BinaryPath:   dr.cfg.Paths.QEMUPath,
		CgroupParent: dr.cfg.Paths.CgroupParent,
	}
	restored := d.HasManagedSave()
	if restored {
		hcfg.Incoming = "exec:cat " + dr.saveFileFor(d.UUID())
	}

	proc, err := dr.launcher.Launch(ctx, def, hcfg)
	if err != nil {
		return fmt.Errorf("failed to launch hypervisor for %s: %w", d.Name(), err)
	}
	dr.registry.Activate(d, proc.Pid())
	d.SetPrivate(&runtime{process: proc})

	mon, err := dr.connectMonitorLocked(ctx, d, proc)
	if err != nil {
		killProcess(proc)
		dr.teardownLocked(ctx, d, domain.StateShutoff, domain.ShutoffFailed)
		return err
	}
	rt := domainRuntime(d)
	rt.mon = mon
	q.control(d, "monitor", true, "")
	dr.watchMonitorEvents(d.UUID(), mon.Events())

	if def.Agent {
		dr.connectAgentLocked(ctx, d, proc, q)
	}

	reason, detail := domain.RunningBooted, "booted"
	if restored {
		reason, detail = domain.RunningRestored, "restored"
		d.SetManagedSave(false)
		if err := os.Remove(dr.saveFileFor(d.UUID())); err != nil && !os.IsNotExist(err) {
			log.G(ctx).WithError(err).WithField("name", d.Name()).
				Warn("failed to remove consumed managed-save image")
		}
	}
	d.SetState(domain.StateRunning, reason)
	dr.watchProcess(d.UUID(), proc)
	q.lifecycle(d, events.LifecycleStarted, detail)

	log.G(ctx).WithFields(log.Fields{
		"name": d.Name(),
		"id":   d.ID(),
		"pid":  d.Pid(),
	}).Info("domain started")
	return nil
}

// connectMonitorLocked performs the blocking monitor connect with the lock
// dropped and re-checks liveness afterwards.
func (dr *Driver) connectMonitorLocked(ctx context.Context, d *domain.Domain, proc Process) (Monitor, error) {
	guard, err := d.EnterMonitor()
	if err != nil {
		return nil, err
	}
	mon, cerr := dr.connector.ConnectMonitor(ctx, proc.MonitorSocket())
	alive := guard.Exit()
	if cerr != nil {
		return nil, fmt.Errorf("failed to connect monitor for %s: %w", d.Name(), cerr)
	}
	if !alive {
		_ = mon.Close()
		return nil, fmt.Errorf("domain %s died while connecting monitor: %w", d.Name(), errdefs.ErrUnavailable)
	}
	return mon, nil
}

// connectAgentLocked connects the guest agent channel. Failure is
// tolerated: the channel may come up later, and shutdown falls back to
// ACPI without it.
func (dr *Driver) connectAgentLocked(ctx context.Context, d *domain.Domain, proc Process, q *eventQueue) {
	guard, err := d.EnterAgent()
	if err != nil {
		return
	}
	agent, aerr := dr.connector.ConnectAgent(ctx, proc.AgentSocket())
	alive := guard.Exit()
	if aerr != nil {
		log.G(ctx).WithError(aerr).WithField("name", d.Name()).
			Warn("guest agent channel not available")
		return
	}
	if !alive {
		_ = agent.Close()
		return
	}
	domainRuntime(d).agent = agent
	q.control(d, "agent", true, "")
}

// Suspend pauses guest vcpus. Suspending an already paused domain updates
// the recorded reason without another monitor round-trip.
func (dr *Driver) Suspend(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobSuspend); err != nil {
		return err
	}
	q := &eventQueue{}
	err = dr.pauseLocked(ctx, d, domain.PausedUser, q)
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

// pauseLocked stops vcpus and moves the domain to paused. Callers hold the
// lock and a job permitting suspension.
func (dr *Driver) pauseLocked(ctx context.Context, d *domain.Domain, reason domain.Reason, q *eventQueue) error {
	if !d.IsActive() {
		return notRunningErr(d.Name())
	}
	if state, cur := d.State(); state == domain.StatePaused {
		if cur != reason {
			d.SetState(domain.StatePaused, reason)
		}
		return nil
	}

	rt := domainRuntime(d)
	guard, err := d.EnterMonitor()
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
	stopErr := rt.mon.Stop(cmdCtx)
	cancel()
	alive := guard.Exit()
	if stopErr != nil {
		return fmt.Errorf("failed to pause %s: %w", d.Name(), stopErr)
	}
	if !alive {
		return fmt.Errorf("domain %s died while pausing: %w", d.Name(), errdefs.ErrUnavailable)
	}
	d.SetState(domain.StatePaused, reason)
	q.lifecycle(d, events.LifecycleSuspended, reasonDetail(reason))
	return nil
}

// Resume restarts vcpus of a paused domain.
func (dr *Driver) Resume(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	q := &eventQueue{}
	err = func() error {
		if !d.IsActive() {
			return notRunningErr(name)
		}
		if state, _ := d.State(); state != domain.StatePaused {
			return fmt.Errorf("domain %s is not paused: %w", name, errdefs.ErrFailedPrecondition)
		}
		return dr.resumeLocked(ctx, d, domain.RunningUnpaused, q)
	}()
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

// resumeLocked restarts vcpus. Callers hold the lock and a job.
func (dr *Driver) resumeLocked(ctx context.Context, d *domain.Domain, reason domain.Reason, q *eventQueue) error {
	rt := domainRuntime(d)
	guard, err := d.EnterMonitor()
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
	contErr := rt.mon.Cont(cmdCtx)
	cancel()
	alive := guard.Exit()
	if contErr != nil {
		return fmt.Errorf("failed to resume %s: %w", d.Name(), contErr)
	}
	if !alive {
		return fmt.Errorf("domain %s died while resuming: %w", d.Name(), errdefs.ErrUnavailable)
	}
	d.SetState(domain.StateRunning, reason)
	q.lifecycle(d, events.LifecycleResumed, reasonDetail(reason))
	return nil
}

// Reset hard-resets the guest without involving the guest OS, like
// pressing a physical reset button. The domain state is unchanged; a
// crashed guest comes back running from its own point of view once the
// firmware reboots it.
func (dr *Driver) Reset(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	err = func() error {
		if !d.IsActive() {
			return notRunningErr(name)
		}
		rt := domainRuntime(d)
		guard, gerr := d.EnterMonitor()
		if gerr != nil {
			return gerr
		}
		cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
		resetErr := rt.mon.SystemReset(cmdCtx)
		cancel()
		alive := guard.Exit()
		if resetErr != nil {
			return fmt.Errorf("failed to reset %s: %w", name, resetErr)
		}
		if !alive {
			return fmt.Errorf("domain %s died while resetting: %w", name, errdefs.ErrUnavailable)
		}
		return nil
	}()
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	return err
}

// Shutdown requests a graceful guest shutdown. The domain moves to
// in-shutdown; the actual stop is observed via the process exit. If the
// guest ignores the request, it is killed after the configured grace
// period.
func (dr *Driver) Shutdown(ctx context.Context, name string, mode ShutdownMode) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	err = dr.shutdownLocked(ctx, d, mode)
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	if err == nil {
		dr.scheduleForcedStop(d.UUID(), d.Pid())
	}
	return err
}

func (dr *Driver) shutdownLocked(ctx context.Context, d *domain.Domain, mode ShutdownMode) error {
	if !d.IsActive() {
		return notRunningErr(d.Name())
	}
	rt := domainRuntime(d)

	var agentErr error
	if mode == ShutdownDefault || mode == ShutdownAgent {
		if rt.agent == nil {
			agentErr = fmt.Errorf("no guest agent channel for %s: %w", d.Name(), errdefs.ErrNotImplemented)
		} else {
			agentErr = dr.agentShutdownLocked(ctx, d, rt)
		}
		if agentErr == nil {
			d.SetState(domain.StateInShutdown, domain.ReasonUnknown)
			return nil
		}
		if mode == ShutdownAgent {
			return agentErr
		}
		log.G(ctx).WithError(agentErr).WithField("name", d.Name()).
			Debug("agent shutdown failed, falling back to ACPI")
	}

	guard, err := d.EnterMonitor()
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
	pdErr := rt.mon.SystemPowerdown(cmdCtx)
	cancel()
	alive := guard.Exit()
	if pdErr != nil {
		return fmt.Errorf("failed to shut down %s: %w", d.Name(), pdErr)
	}
	if !alive {
		// Already gone; the exit handler finishes the transition.
		return nil
	}
	d.SetState(domain.StateInShutdown, domain.ReasonUnknown)
	return nil
}

func (dr *Driver) agentShutdownLocked(ctx context.Context, d *domain.Domain, rt *runtime) error {
	guard, err := d.EnterAgent()
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetAgentCommand())
	// Probe the agent first so an unresponsive guest fails fast instead of
	// eating the full shutdown grace period.
	sdErr := rt.agent.Ping(cmdCtx)
	if sdErr == nil {
		sdErr = rt.agent.Shutdown(cmdCtx, monitor.ShutdownModePowerdown)
	} else {
		sdErr = fmt.Errorf("guest agent not responding for %s: %w", d.Name(), sdErr)
	}
	cancel()
	// A dead domain after a shutdown request is the desired outcome, so the
	// liveness result is not an error here.
	_ = guard.Exit()
	return sdErr
}

// scheduleForcedStop kills the guest if it is still the same process and
// still shutting down once the grace period expires.
func (dr *Driver) scheduleForcedStop(uid uuid.UUID, pid int) {
	grace := dr.cfg.Timeouts.GetShutdownGrace()
	dr.bg.Add(1)
	go func() {
		defer dr.bg.Done()
		select {
		case <-time.After(grace):
		case <-dr.bgCtx.Done():
			return
		}
		d, err := dr.registry.FindByUUID(uid)
		if err != nil {
			return
		}
		defer d.Release()
		state, _ := d.State()
		if !d.IsActive() || d.Pid() != pid || state != domain.StateInShutdown {
			return
		}
		log.G(dr.bgCtx).WithField("name", d.Name()).
			Warn("guest ignored shutdown request, killing")
		if rt := domainRuntime(d); rt != nil && rt.process != nil {
			killProcess(rt.process)
		}
	}()
}

// Destroy kills the hypervisor process immediately.
func (dr *Driver) Destroy(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobDestroy); err != nil {
		return err
	}
	q := &eventQueue{}
	err = func() error {
		if !d.IsActive() {
			return notRunningErr(name)
		}
		d.MarkBeingDestroyed()
		rt := domainRuntime(d)
		if rt != nil && rt.process != nil {
			killProcess(rt.process)
		}
		dr.teardownLocked(ctx, d, domain.StateShutoff, domain.ShutoffDestroyed)
		q.lifecycle(d, events.LifecycleStopped, "destroyed")
		dr.finishTransientLocked(ctx, d)
		log.G(ctx).WithField("name", name).Info("domain destroyed")
		return nil
	}()
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

// watchMonitorEvents consumes asynchronous monitor notifications for one
// guest until the channel closes.
func (dr *Driver) watchMonitorEvents(uid uuid.UUID, ch <-chan monitor.Event) {
	dr.bg.Add(1)
	go func() {
		defer dr.bg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					dr.handleMonitorClosed(dr.bgCtx, uid)
					return
				}
				if err := dr.workers.Acquire(dr.bgCtx, 1); err != nil {
					return
				}
				dr.handleMonitorEvent(dr.bgCtx, uid, ev)
				dr.workers.Release(1)
			case <-dr.bgCtx.Done():
				return
			}
		}
	}()
}

// handleMonitorEvent applies a guest-initiated state transition. While a
// job is active the transition belongs to the running operation, which
// reports it itself.
func (dr *Driver) handleMonitorEvent(ctx context.Context, uid uuid.UUID, ev monitor.Event) {
	d, err := dr.registry.FindByUUID(uid)
	if err != nil {
		return
	}
	q := &eventQueue{}
	func() {
		defer d.Release()
		if !d.IsActive() {
			return
		}
		if kind, _ := d.CurrentJob(); kind != domain.JobNone || d.CurrentAsyncJob() != domain.AsyncNone {
			return
		}
		state, _ := d.State()
		switch ev.Name {
		case monitor.EventStop:
			if state == domain.StateRunning {
				d.SetState(domain.StatePaused, domain.ReasonUnknown)
				q.lifecycle(d, events.LifecycleSuspended, "monitor")
				dr.persistLocked(ctx, d)
			}
		case monitor.EventResume:
			if state == domain.StatePaused {
				d.SetState(domain.StateRunning, domain.RunningUnpaused)
				q.lifecycle(d, events.LifecycleResumed, "monitor")
				dr.persistLocked(ctx, d)
			}
		case monitor.EventShutdown:
			if state == domain.StateRunning || state == domain.StatePaused {
				d.SetState(domain.StateInShutdown, domain.ReasonUnknown)
				dr.persistLocked(ctx, d)
			}
		case monitor.EventGuestPanicked:
			d.SetState(domain.StateCrashed, domain.CrashedPanicked)
			q.lifecycle(d, events.LifecycleCrashed, "panicked")
			dr.persistLocked(ctx, d)
		case monitor.EventSuspend:
			if state == domain.StateRunning {
				d.SetState(domain.StatePMSuspended, domain.ReasonUnknown)
				q.lifecycle(d, events.LifecyclePMSuspended, "guest")
				dr.persistLocked(ctx, d)
			}
		case monitor.EventWatchdog:
			log.G(ctx).WithField("name", d.Name()).Warn("guest watchdog fired")
		}
	}()
	dr.flush(ctx, q)
}

// handleMonitorClosed reports the monitor channel going away. The process
// exit handler owns the state transition.
func (dr *Driver) handleMonitorClosed(ctx context.Context, uid uuid.UUID) {
	d, err := dr.registry.FindByUUID(uid)
	if err != nil {
		return
	}
	q := &eventQueue{}
	if d.IsActive() && !d.BeingDestroyed() {
		q.control(d, "monitor", false, "connection closed")
	}
	d.Release()
	dr.flush(ctx, q)
}

func reasonDetail(r domain.Reason) string {
	return r.String()
}
