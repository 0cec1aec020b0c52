// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package failure defines the error taxonomy of the installation pipeline.
//
// Errors are classified with tags (see gen/xerrors), so a wrapped error keeps
// its classification across package boundaries without custom error types at
// every layer.
package failure

import "github.com/siderolabs/gen/xerrors"

// DeviceUnavailable is an error tag: the block device node disappeared.
//
// Recoverable by re-scanning the inventory.
type DeviceUnavailable struct{}

// PartitionFailure is an error tag: writing the partition table failed.
type PartitionFailure struct{}

// FormatFailed is an error tag: the filesystem creation tool failed.
//
// The error text carries the tool's raw diagnostic output.
type FormatFailed struct{}

// MountOrderViolation is an error tag: a mount point was attempted before
// its parent existed. This is a programming error, not a runtime condition.
type MountOrderViolation struct{}

// TransferIncomplete is an error tag: the payload transfer was interrupted.
//
// Recoverable by resuming (already-copied entries are skipped) or by a full
// restart.
type TransferIncomplete struct{}

// ConfigurationStepFailed is an error tag: a single chroot configuration
// sub-step failed. Non-fatal to independent sibling sub-steps.
type ConfigurationStepFailed struct{}

// InstallationUnbootable is an error tag: bootloader installation failed.
//
// Fatal: the overall installation is reported as failed even if every other
// step succeeded.
type InstallationUnbootable struct{}

// DeviceUnavailablef creates a new DeviceUnavailable-tagged error.
func DeviceUnavailablef(format string, args ...any) error {
	return xerrors.NewTaggedf[DeviceUnavailable](format, args...)
}

// PartitionFailuref creates a new PartitionFailure-tagged error.
func PartitionFailuref(format string, args ...any) error {
	return xerrors.NewTaggedf[PartitionFailure](format, args...)
}

// FormatFailedf creates a new FormatFailed-tagged error.
func FormatFailedf(format string, args ...any) error {
	return xerrors.NewTaggedf[FormatFailed](format, args...)
}

// MountOrderViolationf creates a new MountOrderViolation-tagged error.
func MountOrderViolationf(format string, args ...any) error {
	return xerrors.NewTaggedf[MountOrderViolation](format, args...)
}

// TransferIncompletef creates a new TransferIncomplete-tagged error.
func TransferIncompletef(format string, args ...any) error {
	return xerrors.NewTaggedf[TransferIncomplete](format, args...)
}

// ConfigurationStepFailedf creates a new ConfigurationStepFailed-tagged error.
func ConfigurationStepFailedf(format string, args ...any) error {
	return xerrors.NewTaggedf[ConfigurationStepFailed](format, args...)
}

// InstallationUnbootablef creates a new InstallationUnbootable-tagged error.
func InstallationUnbootablef(format string, args ...any) error {
	return xerrors.NewTaggedf[InstallationUnbootable](format, args...)
}
