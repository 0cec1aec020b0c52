// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package plan defines the installation plan data model and its validation.
//
// A plan is authored by a front end, validated against a device inventory
// snapshot, and only the resulting ValidatedPlan is accepted by the mutating
// components of the pipeline.
package plan

import (
	"bytes"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Role is the semantic purpose assigned to a partition.
type Role string

// Partition roles.
const (
	RoleBoot Role = "boot"
	RoleESP  Role = "esp"
	RoleRoot Role = "root"
	RoleSwap Role = "swap"
	RoleData Role = "data"
	RoleHome Role = "home"
)

// Valid returns true for a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBoot, RoleESP, RoleRoot, RoleSwap, RoleData, RoleHome:
		return true
	default:
		return false
	}
}

// FilesystemType is the requested filesystem kind for a partition.
type FilesystemType string

// Supported filesystem types.
const (
	FilesystemTypeNone FilesystemType = "none"
	FilesystemTypeExt4 FilesystemType = "ext4"
	FilesystemTypeXFS  FilesystemType = "xfs"
	FilesystemTypeVFAT FilesystemType = "vfat"
	FilesystemTypeSwap FilesystemType = "swap"
)

// Valid returns true for a known filesystem type.
func (t FilesystemType) Valid() bool {
	switch t {
	case FilesystemTypeNone, FilesystemTypeExt4, FilesystemTypeXFS, FilesystemTypeVFAT, FilesystemTypeSwap:
		return true
	default:
		return false
	}
}

// FirmwareMode selects the bootloader installation target.
type FirmwareMode string

// Firmware modes.
const (
	FirmwareBIOS FirmwareMode = "bios"
	FirmwareUEFI FirmwareMode = "uefi"
)

// Valid returns true for a known firmware mode.
func (m FirmwareMode) Valid() bool {
	return m == FirmwareBIOS || m == FirmwareUEFI
}

// Size is a partition size in bytes; zero means "remaining space".
//
// In YAML it accepts integers, humanized strings ("512 MiB") and the literal
// "remaining".
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw string

	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw == "" || raw == "remaining" {
		*s = 0

		return nil
	}

	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}

	*s = Size(v)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	if s == 0 {
		return "remaining", nil
	}

	return humanize.IBytes(uint64(s)), nil
}

// PartitionSpec describes a single partition to be created.
//
// Specs for one device are laid out in slice order; Start is optional and
// forces an explicit byte offset.
type PartitionSpec struct {
	// Device is the target block device identity (stable path).
	Device string `yaml:"device"`
	// Label is the partition label; derived from the role when empty.
	Label string `yaml:"label,omitempty"`
	// Start is an explicit byte offset; zero means "after the previous one".
	Start Size `yaml:"start,omitempty"`
	// Size in bytes; zero means "all remaining space" and is only allowed
	// for the last spec on a device.
	Size Size `yaml:"size"`
	// FS is the requested filesystem kind.
	FS FilesystemType `yaml:"fs"`
	// Role is the semantic purpose of the partition.
	Role Role `yaml:"role"`
}

// UserSpec describes the initial user account created in the target.
type UserSpec struct {
	Name string `yaml:"name"`
	// PasswordDigest is a pre-hashed crypt(3) digest; plans never carry
	// plaintext passwords.
	PasswordDigest string `yaml:"passwordDigest,omitempty"`
	Shell          string `yaml:"shell,omitempty"`
	// Sudo grants wheel group membership and enables the wheel sudoers rule.
	Sudo bool `yaml:"sudo,omitempty"`
}

// Options are the global installation options.
type Options struct {
	// Bootloader is the firmware mode the bootloader is installed for.
	Bootloader FirmwareMode `yaml:"bootloader"`
	// BootDevice overrides the device the BIOS bootloader is installed to;
	// defaults to the device holding the root partition.
	BootDevice string `yaml:"bootDevice,omitempty"`

	Hostname string `yaml:"hostname,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
	Locale   string `yaml:"locale,omitempty"`

	// RootPasswordDigest is the crypt(3) digest for the root account.
	RootPasswordDigest string    `yaml:"rootPasswordDigest,omitempty"`
	User               *UserSpec `yaml:"user,omitempty"`

	// PostInstallCmd is an optional command executed inside the chroot as
	// the final configuration sub-step.
	PostInstallCmd string `yaml:"postInstallCmd,omitempty"`

	// WipeDevices authorizes destroying existing partition tables on the
	// target devices. Without it, only empty devices are accepted.
	WipeDevices bool `yaml:"wipeDevices,omitempty"`

	// Payload is the path to the base system payload: either a directory
	// tree or a tar archive (optionally gz/xz/zstd compressed).
	Payload string `yaml:"payload"`
}

// InstallationPlan is the complete user-authored installation request.
//
// It is immutable once validated; mutating components accept only the
// ValidatedPlan produced by Validate.
type InstallationPlan struct {
	Specs   []PartitionSpec `yaml:"partitions"`
	Options Options         `yaml:"options"`
}

// Load decodes a plan from YAML, rejecting unknown fields.
func Load(data []byte) (*InstallationPlan, error) {
	var p InstallationPlan

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	return &p, nil
}

// LoadFile decodes a plan from a YAML file.
func LoadFile(path string) (*InstallationPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %q: %w", path, err)
	}

	return Load(data)
}

// LabelFor returns the partition label for a spec, deriving one from the
// role when the spec doesn't carry an explicit label.
func (s PartitionSpec) LabelFor() string {
	if s.Label != "" {
		return s.Label
	}

	switch s.Role {
	case RoleESP:
		return "ESP"
	case RoleBoot:
		return "BOOT"
	case RoleRoot:
		return "ROOT"
	case RoleSwap:
		return "SWAP"
	case RoleHome:
		return "HOME"
	case RoleData:
		return "DATA"
	default:
		return string(s.Role)
	}
}
