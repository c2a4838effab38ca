// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu

import (
	"fmt"
	"strconv"
)

// serialFileDescriptor is the file descriptor number the guest serial
// output is written to. FDs 0, 1, 2 are standard in, out, err, so the
// first entry of [os/exec.Cmd.ExtraFiles] is 3.
const serialFileDescriptor = 3

const (
	machineTypePC  = "pc"
	machineTypeQ35 = "q35"
)

// CommandSpec defines the parameters for a [Command].
type CommandSpec struct {
	// Path to the hypervisor binary. Resolved with [ResolveBinary] before
	// the command is started.
	Executable string

	// QEMU machine type to use. Depends on the binary used.
	Machine string

	// CPU type to use. Depends on machine type and binary used.
	CPU string

	// Number of CPUs for the guest.
	SMP uint64

	// Memory for the machine in MB.
	Memory uint64

	// Accelerator, e.g. "tcg" or "kvm".
	Accel string

	// Path to the guest disk image to boot.
	DiskImage string

	// Image format, e.g. "qcow2" or "raw". Empty lets the hypervisor
	// detect it.
	DiskFormat string

	// Boot the image copy-on-write so the guest never modifies it.
	Snapshot bool

	// TCP address the control channel server listens on, host:port.
	QMPAddr string

	// ID of the user-mode network backend. If set, a "-netdev user"
	// argument is added and net devices may reference it via
	// "netdev=<id>".
	NetdevUserID string

	// NetdevGuestFwd adds guestfwd rules to the user netdev, each of the
	// form "tcp:<guest ip>:<port>-tcp:<host ip>:<port>". Connections the
	// guest opens to the guest address are forwarded to the host one.
	NetdevGuestFwd []string

	// Devices to attach, in order.
	Devices []*DeviceSpec

	// ExtraArgs are extra arguments passed to the command. They must not
	// interfere with the essential arguments set by this package or an
	// error will be returned when the argument vector is built.
	ExtraArgs []Argument
}

// Validate checks for missing essentials and known incompatibilities.
func (s *CommandSpec) Validate() error {
	if s.Executable == "" {
		return &BinaryError{Path: s.Executable, Err: ErrBinaryPathEmpty}
	}

	if s.DiskImage == "" {
		return fmt.Errorf("%w: disk image path is empty", ErrArgumentInvalid)
	}

	if s.QMPAddr == "" {
		return fmt.Errorf("%w: control channel address is empty", ErrArgumentInvalid)
	}

	switch s.Machine {
	case "", machineTypePC, machineTypeQ35:
	default:
		return fmt.Errorf(
			"%w: unsupported machine type %q",
			ErrArgumentInvalid,
			s.Machine,
		)
	}

	if len(s.NetdevGuestFwd) > 0 && s.NetdevUserID == "" {
		return fmt.Errorf(
			"%w: guest forwards without a user netdev",
			ErrArgumentInvalid,
		)
	}

	for _, dev := range s.Devices {
		if dev.Driver() == "" {
			return fmt.Errorf("%w: device with empty driver", ErrArgumentInvalid)
		}
	}

	return nil
}

// arguments compiles the argument list for the hypervisor command.
func (s *CommandSpec) arguments() []Argument {
	args := []Argument{}

	if s.Machine != "" {
		args = append(args, UniqueArg("machine", s.Machine))
	}

	if s.CPU != "" {
		args = append(args, UniqueArg("cpu", s.CPU))
	}

	if s.SMP != 0 {
		args = append(args, UniqueArg("smp", strconv.FormatUint(s.SMP, 10)))
	}

	if s.Memory != 0 {
		args = append(args, UniqueArg("m", strconv.FormatUint(s.Memory, 10)))
	}

	if s.Accel != "" {
		args = append(args, UniqueArg("accel", s.Accel))
	}

	args = append(args,
		// Disable video output.
		UniqueArg("display", "none"),
		// Disable the interactive monitor. Control goes through QMP only.
		UniqueArg("monitor", "none"),
		// Guest must not reboot. A triple fault ends the run instead of
		// looping forever.
		UniqueArg("no-reboot"),
	)

	if s.Snapshot {
		args = append(args, UniqueArg("snapshot"))
	}

	drive := "file=" + QuoteValue(s.DiskImage)
	if s.DiskFormat != "" {
		drive += ",format=" + s.DiskFormat
	}

	drive += ",if=ide"

	args = append(args, RepeatableArg("drive", drive))

	// Guest serial output goes to a host pipe provided via
	// [os/exec.Cmd.ExtraFiles]. The host side tees it into the serial log.
	args = append(args,
		RepeatableArg("serial", "file:"+fdPath(serialFileDescriptor)),
	)

	args = append(args,
		UniqueArg("qmp", "tcp:"+s.QMPAddr+",server=on,wait=off"),
	)

	if s.NetdevUserID != "" {
		netdev := "user,id=" + s.NetdevUserID

		for _, fwd := range s.NetdevGuestFwd {
			netdev += ",guestfwd=" + fwd
		}

		args = append(args, RepeatableArg("netdev", netdev))
	}

	for _, dev := range s.Devices {
		args = append(args, DeviceArg(dev))
	}

	args = append(args, s.ExtraArgs...)

	return args
}

// Argv compiles the full argument vector, enforcing name uniqueness.
func (s *CommandSpec) Argv() ([]string, error) {
	return BuildArgumentStrings(s.arguments())
}

func fdPath(fd int) string {
	return fmt.Sprintf("/dev/fd/%d", fd)
}
