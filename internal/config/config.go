// SPDX-FileCopyrightText: 2026 The Aero Authors
//
// SPDX-License-Identifier: MIT

// Package config loads the harness profile, a YAML file describing the
// machine, the device catalog and the gated requirements of one run.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrProfileInvalid is returned for a profile that fails validation.
var ErrProfileInvalid = errors.New("invalid profile")

// Duration wraps [time.Duration] with YAML string parsing ("5m", "90s").
type Duration time.Duration

// UnmarshalYAML implements the [yaml.Unmarshaler] interface.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Machine describes the hypervisor invocation.
type Machine struct {
	Binary   string `yaml:"binary"`
	Type     string `yaml:"type"`
	CPU      string `yaml:"cpu"`
	SMP      uint64 `yaml:"smp"`
	MemoryMB uint64 `yaml:"memory_mb"`
	Accel    string `yaml:"accel"`
}

// Image describes the guest disk image.
type Image struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
	// NoSnapshot lets the guest write through to the image. Off by
	// default so images are never modified by a run.
	NoSnapshot bool `yaml:"no_snapshot"`
}

// Control describes the control channel and the PCI contract to enforce.
type Control struct {
	Address  string `yaml:"address"`
	Contract string `yaml:"contract"`
}

// Echo configures the host-side echo servers the guest network test
// targets.
type Echo struct {
	// UDPPort is the host port the UDP echo binds on, 0 lets the OS
	// assign one. The bound address is announced on the RUN_START marker.
	UDPPort int `yaml:"udp_port"`

	// TCPPort is the host port the TCP echo binds on, 0 lets the OS
	// assign one.
	TCPPort int `yaml:"tcp_port"`

	// GuestTCP is the guest-visible host:port the user netdev forwards
	// to the TCP echo.
	GuestTCP string `yaml:"guest_tcp"`
}

// Device is one catalog entry to attach and check.
type Device struct {
	// Driver is the hypervisor device model, e.g. "virtio-net-pci".
	Driver string `yaml:"driver"`

	// Feature is the guest selftest feature name, e.g. "virtio-net".
	Feature string `yaml:"feature"`

	// PCIDeviceID is the modern contract device id.
	PCIDeviceID uint16 `yaml:"pci_device_id"`

	// PCITransitionalID is the legacy device id, zero if none.
	PCITransitionalID uint16 `yaml:"pci_transitional_id"`

	// Vectors sets the MSI-X vector count, zero leaves the default.
	Vectors int `yaml:"vectors"`

	// DisableMSIX forces vectors=0.
	DisableMSIX bool `yaml:"disable_msix"`

	// Props are extra "key=value" properties, in order.
	Props []string `yaml:"props"`
}

// FeatureRequirement names a feature the gate must see pass.
type FeatureRequirement struct {
	Name string `yaml:"name"`

	// Flag is the harness flag that enables the feature, named in
	// skip-failure messages as the remediation.
	Flag string `yaml:"flag"`
}

// IRQRequirement requires an interrupt mode per device.
type IRQRequirement struct {
	Device string `yaml:"device"`

	// Strength is "msix" or "any-vector".
	Strength string `yaml:"strength"`
}

// OffloadRequirement requires network offload evidence per device.
type OffloadRequirement struct {
	Device string `yaml:"device"`
}

// Require lists what the gate enforces after the run.
type Require struct {
	Features []FeatureRequirement `yaml:"features"`
	IRQ      []IRQRequirement     `yaml:"irq"`
	Offload  []OffloadRequirement `yaml:"offload"`

	// Result requires the guest's final RESULT|PASS marker.
	Result bool `yaml:"result"`
}

// Profile is the complete harness configuration for one run.
type Profile struct {
	Machine   Machine  `yaml:"machine"`
	Image     Image    `yaml:"image"`
	Control   Control  `yaml:"control"`
	Echo      Echo     `yaml:"echo"`
	Devices   []Device `yaml:"devices"`
	Require   Require  `yaml:"require"`
	SerialLog string   `yaml:"serial_log"`
	Artifact  string   `yaml:"artifact"`
	Timeout   Duration `yaml:"timeout"`
}

// Defaults fills unset fields with working values.
func (p *Profile) Defaults() {
	if p.Machine.Binary == "" {
		p.Machine.Binary = "qemu-system-x86_64"
	}

	if p.Machine.Type == "" {
		p.Machine.Type = "pc"
	}

	if p.Machine.SMP == 0 {
		p.Machine.SMP = 2
	}

	if p.Machine.MemoryMB == 0 {
		p.Machine.MemoryMB = 2048
	}

	if p.Machine.Accel == "" {
		p.Machine.Accel = "tcg"
	}

	if p.Control.Address == "" {
		p.Control.Address = "127.0.0.1:4444"
	}

	if p.Control.Contract == "" {
		p.Control.Contract = "contract-v1"
	}

	if p.Echo.GuestTCP == "" {
		p.Echo.GuestTCP = "10.0.2.100:7"
	}

	if p.SerialLog == "" {
		p.SerialLog = "serial.log"
	}

	if p.Timeout == 0 {
		p.Timeout = Duration(5 * time.Minute)
	}
}

// Validate checks the profile for contradictions a run would trip over.
func (p *Profile) Validate() error {
	if p.Image.Path == "" {
		return fmt.Errorf("%w: image.path is required", ErrProfileInvalid)
	}

	switch p.Control.Contract {
	case "contract-v1", "transitional":
	default:
		return fmt.Errorf(
			"%w: control.contract %q is not contract-v1 or transitional",
			ErrProfileInvalid, p.Control.Contract,
		)
	}

	for _, port := range []int{p.Echo.UDPPort, p.Echo.TCPPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf(
				"%w: echo port %d out of range",
				ErrProfileInvalid, port,
			)
		}
	}

	if p.Echo.GuestTCP != "" {
		if _, _, err := net.SplitHostPort(p.Echo.GuestTCP); err != nil {
			return fmt.Errorf(
				"%w: echo.guest_tcp %q is not host:port",
				ErrProfileInvalid, p.Echo.GuestTCP,
			)
		}
	}

	seen := map[string]bool{}

	for _, device := range p.Devices {
		if device.Driver == "" {
			return fmt.Errorf("%w: device with empty driver", ErrProfileInvalid)
		}

		if device.Feature == "" {
			return fmt.Errorf(
				"%w: device %s has no feature name",
				ErrProfileInvalid, device.Driver,
			)
		}

		if seen[device.Feature] {
			return fmt.Errorf(
				"%w: duplicate feature %q",
				ErrProfileInvalid, device.Feature,
			)
		}

		seen[device.Feature] = true

		if device.Vectors < 0 {
			return fmt.Errorf(
				"%w: device %s has negative vectors",
				ErrProfileInvalid, device.Driver,
			)
		}

		if device.Vectors > 0 && device.DisableMSIX {
			return fmt.Errorf(
				"%w: device %s sets vectors and disable_msix",
				ErrProfileInvalid, device.Driver,
			)
		}

		for _, prop := range device.Props {
			if !strings.Contains(prop, "=") {
				return fmt.Errorf(
					"%w: device %s prop %q is not key=value",
					ErrProfileInvalid, device.Driver, prop,
				)
			}
		}
	}

	for _, req := range p.Require.Features {
		if req.Name == "" {
			return fmt.Errorf(
				"%w: required feature without name",
				ErrProfileInvalid,
			)
		}
	}

	for _, req := range p.Require.IRQ {
		if !seen[req.Device] {
			return fmt.Errorf(
				"%w: irq requirement for unknown device %q",
				ErrProfileInvalid, req.Device,
			)
		}

		switch req.Strength {
		case "", "any-vector", "msix":
		default:
			return fmt.Errorf(
				"%w: irq strength %q is not msix or any-vector",
				ErrProfileInvalid, req.Strength,
			)
		}
	}

	for _, req := range p.Require.Offload {
		if !seen[req.Device] {
			return fmt.Errorf(
				"%w: offload requirement for unknown device %q",
				ErrProfileInvalid, req.Device,
			)
		}
	}

	return nil
}

// Load reads, defaults and validates a profile file. Unknown keys are
// rejected so typos fail loudly instead of silently using defaults.
func Load(path string) (*Profile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	var profile Profile
	if err := decoder.Decode(&profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}

	profile.Defaults()

	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}

	return &profile, nil
}
