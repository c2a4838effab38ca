// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package cmd wires flags, logging and exit codes around one harness run.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/aero-vm/virtioconf/internal/config"
	"github.com/aero-vm/virtioconf/internal/harness"
	"github.com/aero-vm/virtioconf/internal/qemu"
)

// Exit codes of the harness.
const (
	// ExitSuccess means every gated requirement passed.
	ExitSuccess = 0
	// ExitFailure covers validation, preflight, runtime and gate
	// failures.
	ExitFailure = 2
)

// IO provides input and output streams for the command.
//
// Host markers go to Stdout, diagnostics and logging to Stderr.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type flags struct {
	profile  string
	dryRun   bool
	debug    bool
	contract string
	artifact string
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	flagSet := flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	parsed := &flags{}

	flagSet.StringVar(&parsed.profile, "profile", "profile.yaml",
		"path to the harness profile file")
	flagSet.BoolVar(&parsed.dryRun, "dry-run", false,
		"print the hypervisor argument vector and exit without side effects")
	flagSet.BoolVar(&parsed.debug, "debug", false,
		"enable debug logging")
	flagSet.StringVar(&parsed.contract, "contract", "",
		"override the profile's contract mode (contract-v1 or transitional)")
	flagSet.StringVar(&parsed.artifact, "artifact", "",
		"override the profile's artifact bundle path")

	if err := flagSet.Parse(args[1:]); err != nil {
		return nil, err
	}

	return parsed, nil
}

func exitCode(err error) int {
	var (
		gateErr *harness.GateError
		cmdErr  *qemu.CommandError
	)

	// A hypervisor exit code is only propagated when the gates were not
	// the reason for the failure.
	if errors.As(err, &cmdErr) && !errors.As(err, &gateErr) &&
		cmdErr.ExitCode > 0 {
		return cmdErr.ExitCode
	}

	return ExitFailure
}

// Run is the main entry point for the CLI command. It returns the process
// exit code.
func Run(ctx context.Context, args []string, streams IO) int {
	parsed, err := parseFlags(args, streams.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}

		return ExitFailure
	}

	log := setupLogging(streams.Stderr, parsed.debug)

	profile, err := config.Load(parsed.profile)
	if err != nil {
		return fatal(streams, profile, err, log)
	}

	if parsed.contract != "" {
		profile.Control.Contract = parsed.contract

		if err := profile.Validate(); err != nil {
			return fatal(streams, profile, err, log)
		}
	}

	if parsed.artifact != "" {
		profile.Artifact = parsed.artifact
	}

	session := &harness.Session{
		Profile: profile,
		Probe:   qemu.NewProbe(),
		Log:     log,
		Markers: streams.Stdout,
		DryRun:  parsed.dryRun,
	}

	if err := session.Run(ctx); err != nil {
		code := exitCode(err)
		fatal(streams, profile, err, log)

		return code
	}

	return ExitSuccess
}

// fatal prints the stable greppable error line and echoes it into the
// stderr sidecar log when the serial log location is known.
func fatal(streams IO, profile *config.Profile, err error, log zerolog.Logger) int {
	fmt.Fprintf(streams.Stderr, "%s %v\n", qemu.ErrorLinePrefix, err)

	if profile != nil && profile.SerialLog != "" {
		sidecar := qemu.StderrSidecarPath(profile.SerialLog)
		if sidecarErr := qemu.WriteLaunchFailure(sidecar, err); sidecarErr != nil {
			log.Warn().Err(sidecarErr).Msg("sidecar diagnostic write failed")
		}
	}

	return ExitFailure
}
