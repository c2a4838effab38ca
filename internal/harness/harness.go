// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package harness orchestrates one conformance run: device validation,
// capability probing, hypervisor launch, control-channel preflight, marker
// collection and final gating.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aero-vm/virtioconf/internal/artifact"
	"github.com/aero-vm/virtioconf/internal/config"
	"github.com/aero-vm/virtioconf/internal/gate"
	"github.com/aero-vm/virtioconf/internal/marker"
	"github.com/aero-vm/virtioconf/internal/qemu"
	"github.com/aero-vm/virtioconf/internal/qmp"
	"github.com/aero-vm/virtioconf/internal/testserver"
)

// tailWindowSize bounds the in-memory tail of the serial stream. The full
// serial log file remains available as evidence fallback.
const tailWindowSize = 64 * 1024

// GateError reports the failed verdicts of a completed run.
type GateError struct {
	Failed []gate.Verdict
}

// Error implements the error interface.
func (e *GateError) Error() string {
	tokens := make([]string, 0, len(e.Failed))
	for _, verdict := range e.Failed {
		tokens = append(tokens, verdict.Token)
	}

	return "gate failure: " + strings.Join(tokens, ", ")
}

// Is implements the [errors.Is] interface.
func (*GateError) Is(other error) bool {
	_, ok := other.(*GateError)
	return ok
}

// Session is one configured conformance run.
type Session struct {
	Profile *config.Profile
	Probe   *qemu.Probe
	Log     zerolog.Logger

	// Markers receives the host marker stream, typically stdout.
	Markers io.Writer

	// DryRun prints the hypervisor argument vector and stops. No probe,
	// no bind, no subprocess.
	DryRun bool

	runID      string
	collector  *gate.Collector
	tail       *marker.TailBuffer
	carry      []byte
	emitter    *marker.Emitter
	resultOnce sync.Once
	resultSeen chan struct{}
	now        func() time.Time
}

// timestamp renders the current time for host marker ts fields.
func (s *Session) timestamp() string {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	return now().UTC().Format(time.RFC3339)
}

// buildDeviceSpecs turns the profile device catalog into validated device
// argument specs. The netdev backend id is taken from the first device
// that references one.
func buildDeviceSpecs(devices []config.Device) ([]*qemu.DeviceSpec, string, error) {
	specs := make([]*qemu.DeviceSpec, 0, len(devices))
	netdevID := ""

	for _, device := range devices {
		spec := qemu.NewDeviceSpec(device.Driver)

		for _, prop := range device.Props {
			key, value, _ := strings.Cut(prop, "=")
			spec.AddOrSkip(key, value)

			if key == "netdev" && netdevID == "" {
				netdevID = value
			}
		}

		if device.Vectors > 0 {
			if err := spec.AddVectors(device.Vectors); err != nil {
				return nil, "", fmt.Errorf("device %s: %w", device.Driver, err)
			}
		}

		spec.DisableMSIX(device.DisableMSIX)

		specs = append(specs, spec)
	}

	return specs, netdevID, nil
}

func (s *Session) commandSpec() (qemu.CommandSpec, error) {
	devices, netdevID, err := buildDeviceSpecs(s.Profile.Devices)
	if err != nil {
		return qemu.CommandSpec{}, err
	}

	return qemu.CommandSpec{
		Executable:   s.Profile.Machine.Binary,
		Machine:      s.Profile.Machine.Type,
		CPU:          s.Profile.Machine.CPU,
		SMP:          s.Profile.Machine.SMP,
		Memory:       s.Profile.Machine.MemoryMB,
		Accel:        s.Profile.Machine.Accel,
		DiskImage:    s.Profile.Image.Path,
		DiskFormat:   s.Profile.Image.Format,
		Snapshot:     !s.Profile.Image.NoSnapshot,
		QMPAddr:      s.Profile.Control.Address,
		NetdevUserID: netdevID,
		Devices:      devices,
	}, nil
}

// handleSerial is the single owner of the marker stream state. It runs on
// the hypervisor command's reader goroutine.
func (s *Session) handleSerial(chunk []byte) {
	_, _ = s.tail.Write(chunk)

	var lines []string
	lines, s.carry = marker.SplitLines(s.carry, chunk)

	for _, line := range lines {
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	if strings.HasPrefix(line, marker.GuestPrefix+marker.FieldSep) {
		m, err := marker.ParseGuest(line)
		if err != nil {
			s.Log.Debug().Str("line", line).Err(err).Msg("unparsable marker")
			return
		}

		s.collector.Observe(m)

		if err := s.emitter.Mirror(m); err != nil {
			s.Log.Warn().Err(err).Msg("marker mirror failed")
		}

		if m.Kind == marker.KindResult {
			s.resultOnce.Do(func() { close(s.resultSeen) })
		}

		return
	}

	if d, err := marker.ParseDiag(line); err == nil {
		s.collector.ObserveDiag(d)
	}
}

// probeCapabilities verifies every catalog device model exists and, where
// vector tuning is requested, that the models expose a vectors property.
func (s *Session) probeCapabilities(ctx context.Context, binary string) error {
	var tuned []string

	for _, device := range s.Profile.Devices {
		has, err := s.Probe.HasDevice(ctx, binary, device.Driver)
		if err != nil {
			return err
		}

		if !has {
			return fmt.Errorf(
				"%w: %s", qemu.ErrDeviceNotSupported, device.Driver,
			)
		}

		if device.Vectors > 0 || device.DisableMSIX {
			tuned = append(tuned, device.Driver)
		}
	}

	if len(tuned) == 0 {
		return nil
	}

	return s.Probe.AssertDevicesSupportProperty(
		ctx, binary, tuned, "vectors", "devices[].vectors",
	)
}

func (s *Session) catalog() []qmp.CatalogDevice {
	catalog := make([]qmp.CatalogDevice, 0, len(s.Profile.Devices))

	for _, device := range s.Profile.Devices {
		if device.PCIDeviceID == 0 {
			continue
		}

		catalog = append(catalog, qmp.CatalogDevice{
			Name:           device.Feature,
			ModernID:       device.PCIDeviceID,
			TransitionalID: device.PCITransitionalID,
		})
	}

	return catalog
}

func (s *Session) hasFeature(name string) bool {
	for _, device := range s.Profile.Devices {
		if device.Feature == name {
			return true
		}
	}

	return false
}

// sidecarTail returns the last part of the stderr sidecar log for
// control-channel loss diagnostics.
func sidecarTail(path string) func() string {
	return func() string {
		content, err := os.ReadFile(path)
		if err != nil {
			return ""
		}

		const max = 1024
		if len(content) > max {
			content = content[len(content)-max:]
		}

		return string(content)
	}
}

// Run executes the session end to end and returns nil only when every
// gated requirement passed.
func (s *Session) Run(ctx context.Context) error {
	s.runID = uuid.NewString()
	s.collector = gate.NewCollector()
	s.tail = marker.NewTailBuffer(tailWindowSize)
	s.emitter = marker.NewEmitter(s.Markers, s.runID)
	s.resultSeen = make(chan struct{})

	spec, err := s.commandSpec()
	if err != nil {
		return err
	}

	cmd := &qemu.Command{
		Spec:          spec,
		SerialLogPath: s.Profile.SerialLog,
		SerialHandler: s.handleSerial,
		Log:           s.Log,
	}

	if s.DryRun {
		return cmd.DryRun(s.Markers)
	}

	err = s.run(ctx, cmd)

	if s.Profile.Artifact != "" {
		bundleErr := artifact.Bundle(
			s.Profile.Artifact,
			s.Profile.SerialLog,
			cmd.SidecarPath(),
		)
		if bundleErr != nil {
			s.Log.Warn().Err(bundleErr).Msg("artifact bundle failed")
		}
	}

	return err
}

func (s *Session) run(ctx context.Context, cmd *qemu.Command) error {
	binary, err := qemu.ResolveBinary(s.Profile.Machine.Binary)
	if err != nil {
		_ = qemu.WriteLaunchFailure(cmd.SidecarPath(), err)
		return err
	}

	if err := s.probeCapabilities(ctx, binary); err != nil {
		_ = qemu.WriteLaunchFailure(cmd.SidecarPath(), err)
		return err
	}

	if err := testserver.CheckHostNetwork(s.Log); err != nil {
		return err
	}

	servers, err := s.startServers()
	if err != nil {
		return err
	}
	defer servers.stop(s.Log)

	fields := []marker.Field{
		{Key: "profile", Value: s.Profile.Image.Path},
		{Key: "qemu", Value: binary},
		{Key: "ts", Value: s.timestamp()},
	}
	fields = append(fields, s.wireEchoForwards(cmd, servers)...)

	if err := s.emitter.Emit("RUN_START", marker.StatusInfo, fields...); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Profile.Timeout.Std())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- cmd.Run(runCtx)
	}()

	runErr := s.drive(runCtx, cancel, cmd, runErrCh)

	return s.evaluate(runErr)
}

// drive performs the control-channel stage while the hypervisor runs and
// then waits for it to exit.
func (s *Session) drive(
	ctx context.Context,
	cancel context.CancelFunc,
	cmd *qemu.Command,
	runErrCh <-chan error,
) error {
	client, err := qmp.Connect(ctx, s.Profile.Control.Address, qmp.Options{
		StderrTail: sidecarTail(cmd.SidecarPath()),
		Log:        s.Log,
	})
	if err != nil {
		// The hypervisor may have died before opening the socket; its
		// exit error is the better diagnostic then. Either way the
		// subprocess must be gone before returning.
		cancel()

		if runExit := <-runErrCh; runExit != nil {
			return fmt.Errorf("%w (control channel: %v)", runExit, err)
		}

		return err
	}
	defer client.Close()

	if err := s.preflight(ctx, client); err != nil {
		return errors.Join(err, s.shutdown(ctx, cancel, client, runErrCh))
	}

	if s.hasFeature("virtio-input") {
		addressed, err := client.InjectKeys(ctx, "", []string{"spc"})
		if err != nil {
			s.Log.Warn().Err(err).Msg("input injection failed")
		} else {
			s.Log.Debug().Bool("addressed", addressed).Msg("injected wakeup key")
		}
	}

	select {
	case runErr := <-runErrCh:
		return runErr
	case <-s.resultSeen:
		return s.shutdown(ctx, cancel, client, runErrCh)
	}
}

// shutdown asks the guest to quit over the control channel and waits for
// the subprocess to exit. An unresponsive server is covered by cancelling
// the run context, which terminates the subprocess.
func (s *Session) shutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	client *qmp.Client,
	runErrCh <-chan error,
) error {
	if _, err := client.Execute(ctx, "quit", nil); err != nil {
		s.Log.Debug().Err(err).Msg("quit command failed")
		cancel()
	}

	return <-runErrCh
}

func (s *Session) preflight(ctx context.Context, client *qmp.Client) error {
	catalog := s.catalog()
	if len(catalog) == 0 {
		return nil
	}

	observed, err := client.QueryPCIDevices(ctx)
	if err != nil {
		return fmt.Errorf("pci preflight: %w", err)
	}

	mode := qmp.ContractMode(s.Profile.Control.Contract)

	report, err := qmp.Preflight(mode, observed, catalog)

	status := marker.StatusPass
	fields := []marker.Field{
		{Key: "mode", Value: string(mode)},
	}

	if report != nil {
		fields = append(fields,
			marker.Field{Key: "devices", Value: report.Summary()},
		)
	}

	if err != nil {
		status = marker.StatusFail
		fields = append(fields, marker.Field{Key: "reason", Value: err.Error()})
	}

	if emitErr := s.emitter.Emit("PCI_PREFLIGHT", status, fields...); emitErr != nil {
		return emitErr
	}

	return err
}

type echoServers struct {
	udp *testserver.UDPEcho
	tcp *testserver.TCPEcho
}

func (s *Session) startServers() (*echoServers, error) {
	servers := &echoServers{}

	if !s.hasFeature("virtio-net") {
		return servers, nil
	}

	udp, err := testserver.StartUDPEcho("127.0.0.1", s.Profile.Echo.UDPPort, s.Log)
	if err != nil {
		return nil, err
	}

	servers.udp = udp

	tcp, err := testserver.StartTCPEcho("127.0.0.1", s.Profile.Echo.TCPPort, s.Log)
	if err != nil {
		// No leaked sockets on a partial start.
		servers.stop(s.Log)
		return nil, err
	}

	servers.tcp = tcp

	return servers, nil
}

// wireEchoForwards plumbs the bound echo addresses into the hypervisor
// command and returns the marker fields announcing them. The guest reaches
// the TCP echo through a guestfwd rule on the user netdev and the UDP echo
// through the announced host address.
func (s *Session) wireEchoForwards(
	cmd *qemu.Command,
	servers *echoServers,
) []marker.Field {
	var fields []marker.Field

	if servers.udp != nil {
		fields = append(fields,
			marker.Field{Key: "udp_echo", Value: servers.udp.Addr().String()},
		)
	}

	if servers.tcp != nil {
		cmd.Spec.NetdevGuestFwd = append(cmd.Spec.NetdevGuestFwd, fmt.Sprintf(
			"tcp:%s-tcp:%s", s.Profile.Echo.GuestTCP, servers.tcp.Addr(),
		))

		fields = append(fields,
			marker.Field{Key: "tcp_echo", Value: servers.tcp.Addr().String()},
			marker.Field{Key: "guest_tcp_echo", Value: s.Profile.Echo.GuestTCP},
		)
	}

	return fields
}

func (e *echoServers) stop(log zerolog.Logger) {
	if e.udp != nil {
		if err := e.udp.Close(); err != nil {
			log.Warn().Err(err).Msg("udp echo close failed")
		}

		e.udp = nil
	}

	if e.tcp != nil {
		if err := e.tcp.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("tcp echo shutdown failed")
		}

		e.tcp = nil
	}
}

// evaluate computes all gate verdicts after the run and emits the final
// RUN_RESULT marker. A run error other than a clean guest exit is
// reported alongside the gate verdicts.
func (s *Session) evaluate(runErr error) error {
	evaluator := &gate.Evaluator{
		Collector: s.collector,
		Tail:      s.tail.Bytes,
		FullLog: func() []byte {
			content, err := os.ReadFile(s.Profile.SerialLog)
			if err != nil {
				return nil
			}

			return content
		},
	}

	var failed []gate.Verdict

	report := func(verdict gate.Verdict) {
		if verdict.OK {
			s.Log.Info().Str("feature", verdict.Feature).Msg(verdict.Message)
			return
		}

		failed = append(failed, verdict)
		s.Log.Error().Str("feature", verdict.Feature).Msg(verdict.Message)
	}

	for _, req := range s.Profile.Require.Features {
		report(evaluator.Evaluate(gate.Requirement{
			Feature:    req.Name,
			EnableFlag: req.Flag,
		}))
	}

	for _, req := range s.Profile.Require.IRQ {
		strength := gate.StrengthAnyVector
		if req.Strength == "msix" {
			strength = gate.StrengthMSIX
		}

		report(evaluator.EvaluateIRQ(gate.IRQRequirement{
			Device:   req.Device,
			Strength: strength,
		}))
	}

	for _, req := range s.Profile.Require.Offload {
		report(evaluator.EvaluateOffload(gate.OffloadRequirement{
			Device: req.Device,
		}))
	}

	if s.Profile.Require.Result {
		report(s.resultVerdict())
	}

	status := marker.StatusPass
	fields := []marker.Field{}

	if len(failed) > 0 || runErr != nil {
		status = marker.StatusFail
	}

	if len(failed) > 0 {
		tokens := make([]string, 0, len(failed))
		for _, verdict := range failed {
			tokens = append(tokens, verdict.Token)
		}

		fields = append(fields,
			marker.Field{Key: "failed", Value: strings.Join(tokens, ",")},
		)
	}

	if runErr != nil {
		fields = append(fields,
			marker.Field{Key: "reason", Value: runErr.Error()},
		)
	}

	fields = append(fields,
		marker.Field{Key: "status", Value: string(status)},
		marker.Field{Key: "ts", Value: s.timestamp()},
	)

	if err := s.emitter.Emit("RUN_RESULT", status, fields...); err != nil {
		return err
	}

	if len(failed) > 0 {
		return errors.Join(runErr, &GateError{Failed: failed})
	}

	return runErr
}

// resultVerdict gates on the guest's final RESULT marker.
func (s *Session) resultVerdict() gate.Verdict {
	result, observed := s.collector.Result()

	if !observed {
		return gate.Verdict{
			Feature: "result",
			Token:   "MISSING_RESULT",
			Message: "FAIL: MISSING_RESULT: guest never reported a final result",
		}
	}

	if result.Status != marker.StatusPass {
		reason, _ := result.Field("reason")

		return gate.Verdict{
			Feature: "result",
			Token:   "RESULT_FAILED",
			Message: fmt.Sprintf(
				"FAIL: RESULT_FAILED: guest result %s %s",
				result.Status, reason,
			),
		}
	}

	return gate.Verdict{
		Feature: "result",
		OK:      true,
		Message: "PASS: RESULT",
	}
}
