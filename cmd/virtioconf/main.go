// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Virtioconf boots a hypervisor with a precisely constructed virtio
// device configuration and gates the guest selftest results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aero-vm/virtioconf/internal/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	exitCode := cmd.Run(ctx, os.Args, cmd.IO{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})

	os.Exit(exitCode)
}
