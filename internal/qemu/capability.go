// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

package qemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// CommandRunner runs a probe command and returns its stdout. It must return
// an error for a non-zero exit, carrying the captured stderr.
type CommandRunner func(ctx context.Context, binary string, args ...string) (string, error)

func execProbe(ctx context.Context, binary string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", &ProbeError{
			Binary: binary,
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}

	return stdout.String(), nil
}

type probeKey struct {
	binary  string
	subject string
}

// Probe queries the hypervisor binary for device and property support.
//
// Results are memoized per (binary, subject) for the lifetime of the probe.
// The first successful probe wins; failures are not cached so transient
// errors do not poison later runs. The cache is safe for concurrent use and
// explicitly resettable for isolated re-probing.
type Probe struct {
	runner CommandRunner

	mu    sync.Mutex
	cache map[probeKey]string
}

// NewProbe creates a [Probe] that runs the hypervisor binary.
func NewProbe() *Probe {
	return NewProbeWithRunner(execProbe)
}

// NewProbeWithRunner creates a [Probe] with a custom runner, mainly for
// tests.
func NewProbeWithRunner(runner CommandRunner) *Probe {
	return &Probe{
		runner: runner,
		cache:  map[probeKey]string{},
	}
}

// Reset clears all cached probe results.
func (p *Probe) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache = map[probeKey]string{}
}

func (p *Probe) cached(
	ctx context.Context,
	binary, subject string,
	args []string,
) (string, error) {
	key := probeKey{binary: binary, subject: subject}

	p.mu.Lock()
	text, exists := p.cache[key]
	p.mu.Unlock()

	if exists {
		return text, nil
	}

	text, err := p.runner(ctx, binary, args...)
	if err != nil {
		// Never misread a failed probe as "not supported". The caller gets
		// the original error including stderr.
		return "", err
	}

	p.mu.Lock()
	// First successful probe wins.
	if existing, exists := p.cache[key]; exists {
		text = existing
	} else {
		p.cache[key] = text
	}
	p.mu.Unlock()

	return text, nil
}

// DeviceHelp returns the help text for a device model, i.e. the output of
// "<binary> -device <device>,help". A non-zero exit is an error, never an
// empty result.
func (p *Probe) DeviceHelp(ctx context.Context, binary, device string) (string, error) {
	return p.cached(
		ctx,
		binary,
		"device:"+device,
		[]string{"-device", device + ",help"},
	)
}

// DeviceList returns the output of "<binary> -device help".
func (p *Probe) DeviceList(ctx context.Context, binary string) (string, error) {
	return p.cached(ctx, binary, "device-list", []string{"-device", "help"})
}

// devNotFoundRE matches the hypervisor's complaint about an unknown device
// model. Anything else is a hard probe failure.
var devNotFoundRE = regexp.MustCompile(
	`(is not a valid device model name|No device model |not found)`,
)

// HasDevice reports whether the hypervisor knows the device model.
//
// Only a probe failure whose stderr matches the known "device not found"
// phrasing maps to false. Any other failure is propagated, since a generic
// startup error must not be diagnosed as a missing device.
func (p *Probe) HasDevice(ctx context.Context, binary, device string) (bool, error) {
	_, err := p.DeviceHelp(ctx, binary, device)
	if err == nil {
		return true, nil
	}

	var probeErr *ProbeError
	if errors.As(err, &probeErr) && devNotFoundRE.MatchString(probeErr.Stderr) {
		return false, nil
	}

	return false, err
}

// propertyRE matches a declared property line of device help output, e.g.
// "  vectors=<uint32> - number of MSI-X vectors".
var propertyRE = regexp.MustCompile(`(?m)^\s*([A-Za-z0-9_.-]+)=`)

// SupportsProperty reports whether the device declares the given property
// in its help text.
func (p *Probe) SupportsProperty(
	ctx context.Context,
	binary, device, property string,
) (bool, error) {
	help, err := p.DeviceHelp(ctx, binary, device)
	if err != nil {
		return false, err
	}

	for _, match := range propertyRE.FindAllStringSubmatch(help, -1) {
		if match[1] == property {
			return true, nil
		}
	}

	return false, nil
}

// AssertDevicesSupportProperty verifies every device declares the property.
//
// All missing devices are aggregated into a single error together with
// remediation advice, instead of failing on the first one.
func (p *Probe) AssertDevicesSupportProperty(
	ctx context.Context,
	binary string,
	devices []string,
	property string,
	requestedBy string,
) error {
	var missing []string

	for _, device := range devices {
		supported, err := p.SupportsProperty(ctx, binary, device, property)
		if err != nil {
			return fmt.Errorf("probe %s property %s: %w", device, property, err)
		}

		if !supported {
			missing = append(missing, device)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return fmt.Errorf(
		"%w: devices %s do not support %q (requested by %s): "+
			"disable the flag or upgrade the hypervisor",
		ErrPropertyNotSupported,
		strings.Join(missing, ", "),
		property,
		requestedBy,
	)
}
