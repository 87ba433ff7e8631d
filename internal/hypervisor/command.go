package hypervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aledbf/qemubox/manager/internal/define"
)

// commandBuilder assembles hypervisor command-line arguments.
type commandBuilder struct {
	args []string
}

func newCommandBuilder() *commandBuilder {
	return &commandBuilder{args: make([]string, 0, 64)}
}

func (b *commandBuilder) setName(name string) *commandBuilder {
	b.args = append(b.args, "-name", fmt.Sprintf("guest=%s,debug-threads=on", name))
	return b
}

func (b *commandBuilder) setUUID(uuid string) *commandBuilder {
	b.args = append(b.args, "-uuid", uuid)
	return b
}

func (b *commandBuilder) setMachine(machineType string, options ...string) *commandBuilder {
	value := machineType
	if len(options) > 0 {
		value = fmt.Sprintf("%s,%s", machineType, strings.Join(options, ","))
	}
	b.args = append(b.args, "-machine", value)
	return b
}

func (b *commandBuilder) setCPU(model string, features ...string) *commandBuilder {
	value := model
	if len(features) > 0 {
		value = fmt.Sprintf("%s,%s", model, strings.Join(features, ","))
	}
	b.args = append(b.args, "-cpu", value)
	return b
}

func (b *commandBuilder) setSMP(vcpus int) *commandBuilder {
	b.args = append(b.args, "-smp", fmt.Sprintf("%d", vcpus))
	return b
}

// setMemory takes the guest memory size in megabytes.
func (b *commandBuilder) setMemory(memoryMB int64) *commandBuilder {
	b.args = append(b.args, "-m", fmt.Sprintf("%d", memoryMB))
	return b
}

func (b *commandBuilder) setKernel(path string) *commandBuilder {
	b.args = append(b.args, "-kernel", path)
	return b
}

func (b *commandBuilder) setInitrd(path string) *commandBuilder {
	b.args = append(b.args, "-initrd", path)
	return b
}

func (b *commandBuilder) setKernelArgs(cmdline string) *commandBuilder {
	b.args = append(b.args, "-append", cmdline)
	return b
}

func (b *commandBuilder) setNoGraphic() *commandBuilder {
	b.args = append(b.args, "-nographic", "-nodefaults")
	return b
}

func (b *commandBuilder) setSerial(target string) *commandBuilder {
	b.args = append(b.args, "-serial", target)
	return b
}

// setMonitorSocket exposes the control monitor on a unix socket. The
// server does not wait for a client so the guest boots immediately.
func (b *commandBuilder) setMonitorSocket(path string) *commandBuilder {
	b.args = append(b.args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", path))
	return b
}

// setAgentChannel wires a virtio-serial port for the in-guest agent.
func (b *commandBuilder) setAgentChannel(path string) *commandBuilder {
	b.args = append(b.args,
		"-chardev", fmt.Sprintf("socket,id=agent0,path=%s,server=on,wait=off", path),
		"-device", "virtio-serial-pci",
		"-device", "virtserialport,chardev=agent0,name=org.qemu.guest_agent.0",
	)
	return b
}

func (b *commandBuilder) addDisk(index int, disk define.DiskConfig) *commandBuilder {
	format := disk.Format
	if format == "" {
		format = "raw"
	}
	opts := fmt.Sprintf("file=%s,id=drive%d,format=%s,if=virtio", disk.Path, index, format)
	if disk.Readonly {
		opts += ",readonly=on"
	}
	b.args = append(b.args, "-drive", opts)
	return b
}

// setIncoming makes the hypervisor wait for inbound guest state, either
// from a migration peer or a saved state file.
func (b *commandBuilder) setIncoming(uri string) *commandBuilder {
	b.args = append(b.args, "-incoming", uri)
	return b
}

func (b *commandBuilder) build() []string {
	return b.args
}

// buildArgs maps a guest definition onto the full argument vector.
func buildArgs(def *define.Definition, cfg Config) []string {
	b := newCommandBuilder().
		setName(def.Name).
		setUUID(def.UUID.String()).
		setMachine("q35", "accel=kvm").
		setCPU("host").
		setSMP(def.VCPUs).
		setMemory(def.Memory.Megabytes()).
		setNoGraphic().
		setMonitorSocket(filepath.Join(cfg.StateDir, monitorSocketName))

	if def.Kernel != "" {
		b.setKernel(def.Kernel)
		if def.Initrd != "" {
			b.setInitrd(def.Initrd)
		}
		if def.Cmdline != "" {
			b.setKernelArgs(def.Cmdline)
		}
	}
	for i, disk := range def.Disks {
		b.addDisk(i, disk)
	}
	if def.Agent {
		b.setAgentChannel(filepath.Join(cfg.StateDir, agentSocketName))
	}
	if cfg.ConsoleLog != "" {
		b.setSerial(fmt.Sprintf("file:%s", filepath.Join(cfg.StateDir, consoleFifoName)))
	}
	if cfg.Incoming != "" {
		b.setIncoming(cfg.Incoming)
	}
	return b.build()
}
