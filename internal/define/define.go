// Package define holds the declarative VM description consumed by the
// manager. The schema is intentionally small: the manager needs identity,
// resources and channel wiring, everything else is passed through to the
// hypervisor command line untouched.
package define

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/containerd/errdefs"
	units "github.com/docker/go-units"
	"github.com/google/uuid"
)

// MemorySize is a byte count that unmarshals from either a JSON number or a
// human-readable string such as "512MiB".
type MemorySize int64

func (m *MemorySize) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := units.RAMInBytes(s)
		if err != nil {
			return fmt.Errorf("invalid memory size %q: %w", s, err)
		}
		*m = MemorySize(n)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid memory size %s: %w", string(data), err)
	}
	*m = MemorySize(n)
	return nil
}

func (m MemorySize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(m))
}

// Megabytes rounds the size up to whole megabytes.
func (m MemorySize) Megabytes() int64 {
	const mib = 1024 * 1024
	return (int64(m) + mib - 1) / mib
}

// DiskConfig describes one block device attached at boot.
type DiskConfig struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly,omitempty"`
	Format   string `json:"format,omitempty"` // raw (default) or qcow2
}

// Definition is the declarative description of one VM. A Definition owned by
// a registered domain is treated as immutable; updates go through a staged
// copy that is swapped in when the owning job ends.
type Definition struct {
	Name     string       `json:"name"`
	UUID     uuid.UUID    `json:"uuid"`
	Memory   MemorySize   `json:"memory"`
	VCPUs    int          `json:"vcpus"`
	Emulator string       `json:"emulator,omitempty"` // hypervisor binary override
	Kernel   string       `json:"kernel,omitempty"`
	Initrd   string       `json:"initrd,omitempty"`
	Cmdline  string       `json:"cmdline,omitempty"`
	Disks    []DiskConfig `json:"disks,omitempty"`
	Agent    bool         `json:"agent,omitempty"` // wire up a guest agent channel
}

// FormatFlags controls Format output.
type FormatFlags struct {
	// Secure strips fields that should not leave the host (currently none,
	// kept for parity with the status formatter).
	Secure bool
	Indent bool
}

// Parse decodes and validates a definition. A missing UUID is generated so
// that a freshly defined domain always has a stable identity.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w: %w", errdefs.ErrInvalidArgument, err)
	}
	if def.UUID == uuid.Nil {
		def.UUID = uuid.New()
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Format encodes a definition back to its textual form.
func Format(def *Definition, flags FormatFlags) ([]byte, error) {
	if flags.Indent {
		return json.MarshalIndent(def, "", "  ")
	}
	return json.Marshal(def)
}

// Validate checks the fields the manager depends on.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition has no name: %w", errdefs.ErrInvalidArgument)
	}
	if d.VCPUs < 1 {
		return fmt.Errorf("definition %q: vcpus must be >= 1: %w", d.Name, errdefs.ErrInvalidArgument)
	}
	if d.Memory < units.MiB {
		return fmt.Errorf("definition %q: memory must be at least 1MiB: %w", d.Name, errdefs.ErrInvalidArgument)
	}
	for i, disk := range d.Disks {
		if disk.Path == "" {
			return fmt.Errorf("definition %q: disk %d has no path: %w", d.Name, i, errdefs.ErrInvalidArgument)
		}
		switch disk.Format {
		case "", "raw", "qcow2":
		default:
			return fmt.Errorf("definition %q: disk %d: unknown format %q: %w", d.Name, i, disk.Format, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// Copy returns a deep copy. Used when staging a new definition next to the
// active one.
func (d *Definition) Copy() *Definition {
	out := *d
	out.Disks = make([]DiskConfig, len(d.Disks))
	copy(out.Disks, d.Disks)
	return &out
}
