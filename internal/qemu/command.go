// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

// ErrorLinePrefix starts every fatal diagnostic line so post-mortem
// tooling can grep for it in both the terminal output and the stderr
// sidecar log.
const ErrorLinePrefix = "VIRTIOCONF-ERROR:"

// killWaitDelay bounds how long a terminated subprocess gets before it is
// killed.
const killWaitDelay = 10 * time.Second

// StderrSidecarPath derives the sidecar log path from the serial log path,
// "<stem>.qemu.stderr.log".
func StderrSidecarPath(serialLogPath string) string {
	stem := strings.TrimSuffix(serialLogPath, filepath.Ext(serialLogPath))
	return stem + ".qemu.stderr.log"
}

// WriteLaunchFailure appends a diagnostic line to the stderr sidecar log.
//
// It is used for failures before or during launch, so post-mortem tooling
// finds a log even when the hypervisor process never started.
func WriteLaunchFailure(sidecarPath string, launchErr error) error {
	file, err := os.OpenFile(
		sidecarPath,
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return fmt.Errorf("open sidecar: %w", err)
	}
	defer file.Close()

	_, err = fmt.Fprintf(file, "%s %v\n", ErrorLinePrefix, launchErr)
	if err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}

	return nil
}

// Command is a single hypervisor command that can be run.
type Command struct {
	// Spec describes the machine and devices.
	Spec CommandSpec

	// SerialLogPath is where the guest serial output is written. The
	// stderr sidecar path is derived from it.
	SerialLogPath string

	// SerialHandler is called with every chunk read from the guest serial
	// pipe, from a single reader goroutine. Optional.
	SerialHandler func(chunk []byte)

	// Stdout of the hypervisor command. If not set, os.Stdout is used.
	OutWriter io.Writer

	// Stderr of the hypervisor command, in addition to the sidecar log.
	// If not set, os.Stderr is used.
	ErrWriter io.Writer

	// Log receives subprocess lifecycle events.
	Log zerolog.Logger
}

// Output returns [Command.OutWriter] if set or [os.Stdout] otherwise.
func (c *Command) Output() io.Writer {
	if c.OutWriter == nil {
		return os.Stdout
	}

	return c.OutWriter
}

// ErrOutput returns [Command.ErrWriter] if set or [os.Stderr] otherwise.
func (c *Command) ErrOutput() io.Writer {
	if c.ErrWriter == nil {
		return os.Stderr
	}

	return c.ErrWriter
}

// SidecarPath returns the stderr sidecar log path for this command.
func (c *Command) SidecarPath() string {
	return StderrSidecarPath(c.SerialLogPath)
}

// DryRun writes the argument vector to w, first as one JSON array, then as
// a shell-pasteable line. It has no side effects beyond writing to w: no
// binary resolution, no probes, no binds, no subprocess.
func (c *Command) DryRun(w io.Writer) error {
	argv, err := c.Spec.Argv()
	if err != nil {
		return err
	}

	full := append([]string{c.Spec.Executable}, argv...)

	encoded, err := json.Marshal(full)
	if err != nil {
		return fmt.Errorf("encode argv: %w", err)
	}

	quoted := make([]string, len(full))
	for idx, arg := range full {
		quoted[idx] = shellQuote(arg)
	}

	_, err = fmt.Fprintf(w, "%s\n%s\n", encoded, strings.Join(quoted, " "))
	if err != nil {
		return fmt.Errorf("write argv: %w", err)
	}

	return nil
}

// shellQuote makes arg safe to paste into a POSIX shell.
func shellQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\$&|;<>()*?[]{}~#`") {
		return arg
	}

	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// Run validates, launches and supervises the hypervisor subprocess.
//
// Guest serial output is read from a pipe, written to the serial log file
// and handed to [Command.SerialHandler] chunk by chunk. Subprocess stderr
// goes to the sidecar log and the configured stderr writer. On context
// cancellation the subprocess gets SIGTERM, then SIGKILL after a bounded
// delay. Every launch failure is echoed into the sidecar log.
func (c *Command) Run(ctx context.Context) error {
	err := c.run(ctx)
	if err != nil {
		if sidecarErr := WriteLaunchFailure(c.SidecarPath(), err); sidecarErr != nil {
			c.Log.Warn().Err(sidecarErr).Msg("sidecar diagnostic write failed")
		}
	}

	return err
}

func (c *Command) run(ctx context.Context) error {
	if err := c.Spec.Validate(); err != nil {
		return err
	}

	binary, err := ResolveBinary(c.Spec.Executable)
	if err != nil {
		return err
	}

	argv, err := c.Spec.Argv()
	if err != nil {
		return err
	}

	sidecar, err := os.Create(c.SidecarPath())
	if err != nil {
		return fmt.Errorf("create sidecar log: %w", err)
	}
	defer sidecar.Close()

	serialLog, err := os.Create(c.SerialLogPath)
	if err != nil {
		return fmt.Errorf("create serial log: %w", err)
	}
	defer serialLog.Close()

	serialRead, serialWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("serial pipe: %w", err)
	}
	defer serialRead.Close()

	cmd := exec.CommandContext(ctx, binary, argv...)
	cmd.Stdout = c.Output()
	cmd.Stderr = io.MultiWriter(sidecar, c.ErrOutput())
	cmd.ExtraFiles = []*os.File{serialWrite}
	cmd.WaitDelay = killWaitDelay
	cmd.Cancel = func() error {
		c.logProcessSnapshot(cmd.Process.Pid)
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	c.Log.Debug().
		Str("binary", binary).
		Strs("argv", argv).
		Msg("starting hypervisor")

	if err := cmd.Start(); err != nil {
		serialWrite.Close()
		return fmt.Errorf("start %s: %w", binary, err)
	}

	// The child holds its own copy of the write end. Close ours so the
	// reader sees EOF when the child exits.
	serialWrite.Close()

	readers := errgroup.Group{}
	readers.Go(func() error {
		return c.readSerial(serialRead, serialLog)
	})

	waitErr := cmd.Wait()
	readErr := readers.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			waitErr = &CommandError{
				Err:      waitErr,
				ExitCode: exitErr.ExitCode(),
			}
		}
	}

	return errors.Join(waitErr, readErr)
}

// readSerial pumps the guest serial pipe into the log file and the handler
// until EOF. It is the single owner of the stream.
func (c *Command) readSerial(pipe io.Reader, log io.Writer) error {
	buf := make([]byte, 4096)

	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			if _, writeErr := log.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write serial log: %w", writeErr)
			}

			if c.SerialHandler != nil {
				c.SerialHandler(buf[:n])
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read serial pipe: %w", err)
		}
	}
}

// logProcessSnapshot records RSS and CPU usage of the subprocess. It runs
// right before a forced termination, where "was the guest wedged or
// grinding" is the first post-mortem question.
func (c *Command) logProcessSnapshot(pid int) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	event := c.Log.Warn().Int("pid", pid)

	if mem, err := proc.MemoryInfo(); err == nil {
		event = event.Uint64("rss_bytes", mem.RSS)
	}

	if cpu, err := proc.CPUPercent(); err == nil {
		event = event.Float64("cpu_percent", cpu)
	}

	event.Msg("terminating hypervisor")
}
