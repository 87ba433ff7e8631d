package domain

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aledbf/qemubox/manager/internal/define"
)

// InactiveID is the numeric id of a domain with no running process.
const InactiveID = -1

// Domain is the central mutable record for one virtual machine. All fields
// below the mutex are guarded by it; the job controller's invariants hold at
// every point the lock is released.
//
// Lock ordering: Registry lock before Domain lock. Lookup helpers in the
// registry take a reference before dropping the registry lock so the object
// cannot vanish between the two acquisitions.
type Domain struct {
	mu   sync.Mutex
	refs atomic.Int32

	name string
	uid  uuid.UUID
	id   int32 // InactiveID while not running

	def    *define.Definition
	newDef *define.Definition // staged, swapped in when the current job ends

	state  State
	reason Reason
	pid    int

	job jobState

	persistent     bool
	hasManagedSave bool
	removing       bool // unregistered from the registry
	beingDestroyed bool // destroy in progress; monitor EOF is expected
	monitorInUse   bool
	agentInUse     bool

	// private holds driver-owned runtime data (monitor handle, agent
	// handle, cgroup, capability cache). Created on activation, dropped on
	// deactivation. The domain package never inspects it.
	private any
}

// newDomain builds an unregistered domain holding one reference for its
// creator. Only the registry constructs domains.
func newDomain(def *define.Definition) *Domain {
	d := &Domain{
		name:  def.Name,
		uid:   def.UUID,
		id:    InactiveID,
		def:   def,
		state: StateShutoff,
	}
	d.job.init()
	d.refs.Store(1)
	return d
}

func (d *Domain) Lock()   { d.mu.Lock() }
func (d *Domain) Unlock() { d.mu.Unlock() }

// Ref takes an additional reference. Safe without the lock.
func (d *Domain) Ref() { d.refs.Add(1) }

// Unref drops a reference and reports how many remain. With garbage
// collection there is nothing to free at zero; the count exists so tests and
// diagnostics can verify that every Ref is paired.
func (d *Domain) Unref() int32 {
	n := d.refs.Add(-1)
	if n < 0 {
		panic("domain: reference count underflow")
	}
	return n
}

// Release unlocks and drops the lookup reference. The conventional way to
// finish with a domain obtained from the registry.
func (d *Domain) Release() {
	d.Unlock()
	d.Unref()
}

func (d *Domain) Name() string    { return d.name }
func (d *Domain) UUID() uuid.UUID { return d.uid }

// ID returns the numeric id, InactiveID when not running. Callers must hold
// the lock.
func (d *Domain) ID() int32 { return d.id }

// Def returns the active definition. Callers must hold the lock and must not
// mutate the result.
func (d *Domain) Def() *define.Definition { return d.def }

// StageDef stores a definition to be swapped in when the current job ends.
func (d *Domain) StageDef(def *define.Definition) { d.newDef = def }

// SetDef replaces the active definition directly. Used by Define on an
// inactive domain, where no job is mid-flight.
func (d *Domain) SetDef(def *define.Definition) { d.def = def }

// IsActive reports whether the domain has a live hypervisor process.
func (d *Domain) IsActive() bool { return d.id != InactiveID }

// State returns the current lifecycle state and reason.
func (d *Domain) State() (State, Reason) { return d.state, d.reason }

// SetState records a lifecycle transition. Callers must hold the lock and an
// appropriate job.
func (d *Domain) SetState(state State, reason Reason) {
	d.state = state
	d.reason = reason
}

// Pid returns the hypervisor process id, valid only while active.
func (d *Domain) Pid() int { return d.pid }

// SetActive marks the domain live: assigns the process id and the numeric id
// handed out by the registry.
func (d *Domain) SetActive(pid int, id int32) {
	d.pid = pid
	d.id = id
}

// SetInactive clears process-scoped identity. The registry's id index is
// updated by the caller via Registry.Deactivate.
func (d *Domain) SetInactive() {
	d.pid = 0
	d.id = InactiveID
}

func (d *Domain) Persistent() bool        { return d.persistent }
func (d *Domain) SetPersistent(p bool)    { d.persistent = p }
func (d *Domain) HasManagedSave() bool    { return d.hasManagedSave }
func (d *Domain) SetManagedSave(has bool) { d.hasManagedSave = has }

// Registered reports whether the domain is still in the registry.
func (d *Domain) Registered() bool { return !d.removing }

// MarkBeingDestroyed flags an intentional kill so the monitor-EOF handler
// does not report the death as unexpected. Must be set before the lock is
// released to issue the kill.
func (d *Domain) MarkBeingDestroyed() { d.beingDestroyed = true }

// BeingDestroyed reports whether a destroy is in progress.
func (d *Domain) BeingDestroyed() bool { return d.beingDestroyed }

// ClearBeingDestroyed resets the destroy marker when the domain is started
// again.
func (d *Domain) ClearBeingDestroyed() { d.beingDestroyed = false }

// Private returns driver-owned runtime data.
func (d *Domain) Private() any { return d.private }

// SetPrivate installs driver-owned runtime data. Set on activation with a
// fresh value, cleared (nil) on deactivation.
func (d *Domain) SetPrivate(p any) { d.private = p }

// ControlState describes what the domain's control channels are doing right
// now, for "get control info" style queries.
type ControlState string

const (
	ControlOK          ControlState = "ok"       // no job active
	ControlJob         ControlState = "job"      // a job is active, channels idle
	ControlBusyMonitor ControlState = "monitor"  // blocked in a monitor round-trip
	ControlBusyAgent   ControlState = "agent"    // blocked in an agent round-trip
	ControlShutoff     ControlState = "inactive" // no process
)

// Control reports the channel-occupancy state. Callers must hold the lock.
func (d *Domain) Control() ControlState {
	switch {
	case !d.IsActive():
		return ControlShutoff
	case d.monitorInUse:
		return ControlBusyMonitor
	case d.agentInUse:
		return ControlBusyAgent
	case d.job.active != JobNone || d.job.asyncActive != AsyncNone:
		return ControlJob
	default:
		return ControlOK
	}
}
