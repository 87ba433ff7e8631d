// Package driver orchestrates guest lifecycle operations: it owns the
// domain registry, the persistent status records, the hypervisor processes
// and their monitor connections, and publishes lifecycle events.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2/stats"
	coreevents "github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/aledbf/qemubox/manager/internal/config"
	"github.com/aledbf/qemubox/manager/internal/define"
	"github.com/aledbf/qemubox/manager/internal/domain"
	"github.com/aledbf/qemubox/manager/internal/events"
	"github.com/aledbf/qemubox/manager/internal/hypervisor"
	"github.com/aledbf/qemubox/manager/internal/monitor"
	"github.com/aledbf/qemubox/manager/internal/statestore"
)

const (
	domainBucket   = "domains"
	snapshotBucket = "snapshots"
)

// Monitor is the control-channel surface the driver needs. The concrete
// implementation is monitor.Client; tests substitute a fake.
type Monitor interface {
	Stop(ctx context.Context) error
	Cont(ctx context.Context) error
	SystemPowerdown(ctx context.Context) error
	SystemReset(ctx context.Context) error
	Quit(ctx context.Context) error
	QueryStatus(ctx context.Context) (monitor.Status, error)
	Migrate(ctx context.Context, uri string) error
	MigrateCancel(ctx context.Context) error
	QueryMigrate(ctx context.Context) (monitor.MigrationStats, error)
	Events() <-chan monitor.Event
	Close() error
}

// Agent is the guest-agent surface the driver needs.
type Agent interface {
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context, mode string) error
	FSFreeze(ctx context.Context) (int, error)
	FSThaw(ctx context.Context) (int, error)
	Close() error
}

// Process is the hypervisor-process surface the driver needs.
type Process interface {
	Pid() int
	Wait() <-chan hypervisor.ExitStatus
	MonitorSocket() string
	AgentSocket() string
	Kill() error
	Stats() (*stats.Metrics, error)
	Release()
}

// Launcher starts hypervisor processes.
type Launcher interface {
	Launch(ctx context.Context, def *define.Definition, cfg hypervisor.Config) (Process, error)
}

// Connector establishes control channels to a running hypervisor.
type Connector interface {
	ConnectMonitor(ctx context.Context, socketPath string) (Monitor, error)
	ConnectAgent(ctx context.Context, socketPath string) (Agent, error)
}

type defaultLauncher struct{}

func (defaultLauncher) Launch(ctx context.Context, def *define.Definition, cfg hypervisor.Config) (Process, error) {
	return hypervisor.Launch(ctx, def, cfg)
}

// defaultConnector dials the real sockets, bounding the wait for a freshly
// launched hypervisor to create them with the configured startup timeout.
type defaultConnector struct {
	startTimeout time.Duration
}

func (c defaultConnector) ConnectMonitor(ctx context.Context, socketPath string) (Monitor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()
	return monitor.Connect(ctx, socketPath)
}

func (c defaultConnector) ConnectAgent(ctx context.Context, socketPath string) (Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()
	return monitor.ConnectAgent(ctx, socketPath)
}

// StatusRecord is the persisted per-domain state, keyed by UUID.
type StatusRecord struct {
	Definition     *define.Definition `json:"definition"`
	State          domain.State       `json:"state"`
	Reason         domain.Reason      `json:"reason"`
	Pid            int                `json:"pid,omitempty"`
	Persistent     bool               `json:"persistent"`
	HasManagedSave bool               `json:"has_managed_save,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// runtime is the per-domain live state, stored in the domain's private
// slot while a hypervisor process exists.
type runtime struct {
	process Process
	mon     Monitor
	agent   Agent
}

// Driver is the lifecycle manager.
type Driver struct {
	cfg      *config.Config
	registry *domain.Registry
	exchange *events.Exchange
	subs     *events.Subscriptions
	store    statestore.Store[StatusRecord]
	snaps    statestore.Store[SnapshotRecord]

	db        *statestore.DB
	launcher  Launcher
	connector Connector
	workers   *semaphore.Weighted

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Option overrides a Driver dependency, mainly for tests.
type Option func(*Driver)

func WithLauncher(l Launcher) Option {
	return func(d *Driver) { d.launcher = l }
}

func WithConnector(c Connector) Option {
	return func(d *Driver) { d.connector = c }
}

func WithStores(domains statestore.Store[StatusRecord], snaps statestore.Store[SnapshotRecord]) Option {
	return func(d *Driver) { d.store = domains; d.snaps = snaps }
}

// New builds a driver from the configuration, reloading persisted domains.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Driver, error) {
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	dr := &Driver{
		cfg:       cfg,
		registry:  domain.NewRegistry(),
		exchange:  events.NewExchange(),
		launcher:  defaultLauncher{},
		connector: defaultConnector{startTimeout: cfg.Timeouts.GetProcessStart()},
		workers:   semaphore.NewWeighted(int64(cfg.Events.Workers)),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
	}
	dr.subs = events.NewSubscriptions(dr.exchange)
	for _, o := range opts {
		o(dr)
	}

	if dr.store == nil {
		if err := os.MkdirAll(cfg.Paths.StateDir, 0o700); err != nil {
			bgCancel()
			return nil, fmt.Errorf("failed to create state dir: %w", err)
		}
		db, err := statestore.Open(filepath.Join(cfg.Paths.StateDir, "state.db"))
		if err != nil {
			bgCancel()
			return nil, err
		}
		dr.db = db
		if dr.store, err = statestore.NewStore[StatusRecord](db, domainBucket); err != nil {
			_ = db.Close()
			bgCancel()
			return nil, err
		}
		if dr.snaps, err = statestore.NewStore[SnapshotRecord](db, snapshotBucket); err != nil {
			_ = db.Close()
			bgCancel()
			return nil, err
		}
	}

	if err := dr.reload(ctx); err != nil {
		dr.bgCancel()
		if dr.db != nil {
			_ = dr.db.Close()
		}
		return nil, err
	}
	return dr, nil
}

// reload registers persisted domains. Processes do not survive a manager
// restart: anything recorded as running or paused comes back as shutoff
// with a crashed reason.
func (dr *Driver) reload(ctx context.Context) error {
	return dr.store.Scan(ctx, "", func(key string, rec *StatusRecord) error {
		if rec.Definition == nil {
			log.G(ctx).WithField("key", key).Warn("dropping status record without definition")
			return dr.store.Delete(ctx, key)
		}
		if !rec.Persistent {
			// Transient domains die with the manager.
			return dr.store.Delete(ctx, key)
		}
		d, err := dr.register(rec.Definition, domain.AddFlags{})
		if err != nil {
			return fmt.Errorf("failed to reload domain %s: %w", rec.Definition.Name, err)
		}
		d.SetPersistent(true)
		d.SetManagedSave(rec.HasManagedSave)
		switch rec.State {
		case domain.StateRunning, domain.StatePaused, domain.StateInShutdown, domain.StatePMSuspended:
			d.SetState(domain.StateShutoff, domain.ShutoffCrashed)
			log.G(ctx).WithFields(log.Fields{
				"name": d.Name(),
				"pid":  rec.Pid,
			}).Warn("domain was active before restart, marking crashed")
		case domain.StateNone:
			d.SetState(domain.StateShutoff, domain.ShutoffDaemon)
		default:
			d.SetState(rec.State, rec.Reason)
		}
		dr.persistLocked(ctx, d)
		d.Release()
		return nil
	})
}

// Envelope re-exports the event envelope type for API consumers.
type Envelope = coreevents.Envelope

// Events exposes the raw event stream.
func (dr *Driver) Events(ctx context.Context, filters ...string) (<-chan *Envelope, <-chan error) {
	return dr.exchange.Subscribe(ctx, filters...)
}

// Subscribe registers a callback observer. Deregister with Unsubscribe.
func (dr *Driver) Subscribe(handler events.Handler, filters ...string) (int64, error) {
	return dr.subs.Register(handler, filters...)
}

// Unsubscribe removes a callback observer.
func (dr *Driver) Unsubscribe(id int64) {
	dr.subs.Deregister(id)
}

// Close stops background watchers and releases storage. Running guests are
// left alone; they are picked up as crashed on the next start.
func (dr *Driver) Close() error {
	dr.bgCancel()
	dr.bg.Wait()
	dr.subs.Close()
	if dr.db != nil {
		return dr.db.Close()
	}
	return dr.store.Close()
}

// lookup finds a domain by name and returns it locked and referenced.
func (dr *Driver) lookup(name string) (*domain.Domain, error) {
	return dr.registry.FindByName(name)
}

// register adds a definition to the registry and applies the configured job
// wait timeout. The returned domain is locked and referenced.
func (dr *Driver) register(def *define.Definition, flags domain.AddFlags) (*domain.Domain, error) {
	d, err := dr.registry.Add(def, flags)
	if err != nil {
		return nil, err
	}
	d.SetJobWaitTimeout(dr.cfg.Timeouts.GetJobWait())
	return d, nil
}

// persistLocked writes the domain's status record. Callers hold the lock.
func (dr *Driver) persistLocked(ctx context.Context, d *domain.Domain) {
	state, reason := d.State()
	rec := &StatusRecord{
		Definition:     d.Def(),
		State:          state,
		Reason:         reason,
		Pid:            d.Pid(),
		Persistent:     d.Persistent(),
		HasManagedSave: d.HasManagedSave(),
		UpdatedAt:      time.Now(),
	}
	if err := dr.store.Set(ctx, d.UUID().String(), rec); err != nil {
		log.G(ctx).WithError(err).WithField("name", d.Name()).
			Error("failed to persist domain status")
	}
}

func (dr *Driver) deleteRecord(ctx context.Context, uid uuid.UUID) {
	if err := dr.store.Delete(ctx, uid.String()); err != nil {
		log.G(ctx).WithError(err).WithField("uuid", uid).
			Error("failed to delete domain status")
	}
}

// domainRuntime returns the live runtime state, or nil when no process
// exists. Callers hold the lock.
func domainRuntime(d *domain.Domain) *runtime {
	rt, _ := d.Private().(*runtime)
	return rt
}

// stateDirFor is the per-guest scratch directory for sockets and fifos.
func (dr *Driver) stateDirFor(uid uuid.UUID) string {
	return filepath.Join(dr.cfg.Paths.StateDir, "domains", uid.String())
}

// saveFileFor is the managed-save state file location.
func (dr *Driver) saveFileFor(uid uuid.UUID) string {
	return filepath.Join(dr.cfg.Paths.StateDir, "save", uid.String()+".save")
}

func (dr *Driver) consoleLogFor(name string) string {
	return filepath.Join(dr.cfg.Paths.LogDir, name+"-console.log")
}

// watchProcess delivers the hypervisor exit status to handleProcessExit.
// One watcher goroutine runs per launched process.
func (dr *Driver) watchProcess(uid uuid.UUID, proc Process) {
	dr.bg.Add(1)
	go func() {
		defer dr.bg.Done()
		select {
		case status, ok := <-proc.Wait():
			if !ok {
				return
			}
			if err := dr.workers.Acquire(dr.bgCtx, 1); err != nil {
				return
			}
			dr.handleProcessExit(dr.bgCtx, uid, status)
			dr.workers.Release(1)
		case <-dr.bgCtx.Done():
		}
	}()
}

// handleProcessExit records an out-of-band hypervisor death. A concurrent
// Destroy marks the domain first and owns the teardown in that case.
func (dr *Driver) handleProcessExit(ctx context.Context, uid uuid.UUID, status hypervisor.ExitStatus) {
	d, err := dr.registry.FindByUUID(uid)
	if err != nil {
		return
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobDestroy); err != nil {
		log.G(ctx).WithError(err).WithField("uuid", uid).
			Warn("failed to acquire job for process exit handling")
		return
	}
	q := &eventQueue{}
	func() {
		if !d.IsActive() || d.BeingDestroyed() {
			// Destroy already tore this down.
			return
		}
		state, reason := domain.StateShutoff, domain.ShutoffShutdown
		detail := "shutdown"
		if cur, _ := d.State(); status.Code != 0 || cur == domain.StateCrashed {
			reason = domain.ShutoffCrashed
			detail = "crashed"
		}
		log.G(ctx).WithFields(log.Fields{
			"name": d.Name(),
			"code": status.Code,
		}).Info("hypervisor process exited")
		dr.teardownLocked(ctx, d, state, reason)
		q.lifecycle(d, events.LifecycleStopped, detail)
		dr.finishTransientLocked(ctx, d)
	}()
	if d.EndJob() {
		dr.persistIfRegistered(ctx, d)
	}
	dr.flush(ctx, q)
}

// teardownLocked releases the live runtime and deactivates the domain.
// Callers hold the lock and a job.
func (dr *Driver) teardownLocked(ctx context.Context, d *domain.Domain, state domain.State, reason domain.Reason) {
	if rt := domainRuntime(d); rt != nil {
		if rt.agent != nil {
			_ = rt.agent.Close()
		}
		if rt.mon != nil {
			_ = rt.mon.Close()
		}
		if rt.process != nil {
			rt.process.Release()
		}
		d.SetPrivate(nil)
	}
	dr.registry.Deactivate(d)
	d.SetState(state, reason)
	_ = os.RemoveAll(dr.stateDirFor(d.UUID()))
}

// finishTransientLocked removes a transient domain once it is shut off.
// The registry removal leaves the domain locked but unregistered.
func (dr *Driver) finishTransientLocked(ctx context.Context, d *domain.Domain) {
	if d.Persistent() || d.IsActive() {
		return
	}
	dr.deleteRecord(ctx, d.UUID())
	dr.registry.Remove(d)
}

func (dr *Driver) persistIfRegistered(ctx context.Context, d *domain.Domain) {
	if d.Registered() {
		dr.persistLocked(ctx, d)
	}
}

// quitProcessLocked asks the hypervisor to exit through the monitor and
// falls back to killing it. Used when the guest state has already been
// saved or transferred and only the process remains.
func (dr *Driver) quitProcessLocked(ctx context.Context, d *domain.Domain) {
	rt := domainRuntime(d)
	if rt == nil || rt.process == nil {
		return
	}
	if guard, err := d.EnterMonitor(); err == nil {
		cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
		qErr := rt.mon.Quit(cmdCtx)
		cancel()
		guard.Exit()
		if qErr != nil {
			log.G(ctx).WithError(qErr).WithField("name", d.Name()).
				Debug("monitor quit failed, killing hypervisor")
		}
	}
	killProcess(rt.process)
}

// killProcess force-kills the hypervisor, escalating to the process group.
func killProcess(proc Process) {
	if err := proc.Kill(); err != nil && err != unix.ESRCH {
		log.L.WithError(err).WithField("pid", proc.Pid()).
			Warn("failed to kill hypervisor process")
	}
}

func notRunningErr(name string) error {
	return fmt.Errorf("domain %s is not running: %w", name, errdefs.ErrFailedPrecondition)
}
