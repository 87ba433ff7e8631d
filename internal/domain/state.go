// Package domain implements the per-VM object model: the registry, the
// domain object with its lock and reference count, the job controller that
// serializes administrative operations, and the channel guards that bracket
// blocking monitor/agent round-trips.
package domain

// State is the lifecycle state of a domain.
type State int

const (
	StateNone State = iota
	StateRunning
	StatePaused
	StateInShutdown
	StateShutoff
	StateCrashed
	StatePMSuspended
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateInShutdown:
		return "in-shutdown"
	case StateShutoff:
		return "shutoff"
	case StateCrashed:
		return "crashed"
	case StatePMSuspended:
		return "pmsuspended"
	default:
		return "nostate"
	}
}

// Reason qualifies a State. Reasons are grouped by the state they apply to;
// storing them in one enum keeps the (state, reason) pair a simple tuple.
type Reason int

const (
	ReasonUnknown Reason = iota

	// running
	RunningBooted
	RunningRestored
	RunningFromSnapshot
	RunningMigrated
	RunningUnpaused
	RunningSaveCanceled
	RunningMigrationCanceled

	// paused
	PausedUser
	PausedMigration
	PausedSave
	PausedDump
	PausedSnapshot
	PausedIOError
	PausedWatchdog
	PausedFromSnapshot
	PausedAPIError
	PausedPostcopy

	// shutoff
	ShutoffShutdown
	ShutoffDestroyed
	ShutoffCrashed
	ShutoffSaved
	ShutoffFailed
	ShutoffMigrated
	ShutoffFromSnapshot
	ShutoffDaemon

	// crashed
	CrashedPanicked
)

var reasonNames = map[Reason]string{
	ReasonUnknown:            "unknown",
	RunningBooted:            "booted",
	RunningRestored:          "restored",
	RunningFromSnapshot:      "from-snapshot",
	RunningMigrated:          "migrated",
	RunningUnpaused:          "unpaused",
	RunningSaveCanceled:      "save-canceled",
	RunningMigrationCanceled: "migration-canceled",
	PausedUser:               "user",
	PausedMigration:          "migration",
	PausedSave:               "save",
	PausedDump:               "dump",
	PausedSnapshot:           "snapshot",
	PausedIOError:            "ioerror",
	PausedWatchdog:           "watchdog",
	PausedFromSnapshot:       "from-snapshot",
	PausedAPIError:           "api-error",
	PausedPostcopy:           "postcopy",
	ShutoffShutdown:          "shutdown",
	ShutoffDestroyed:         "destroyed",
	ShutoffCrashed:           "crashed",
	ShutoffSaved:             "saved",
	ShutoffFailed:            "failed",
	ShutoffMigrated:          "migrated",
	ShutoffFromSnapshot:      "from-snapshot",
	ShutoffDaemon:            "daemon",
	CrashedPanicked:          "panicked",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}
