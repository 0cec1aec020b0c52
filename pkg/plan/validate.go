// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package plan

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"
)

const (
	// AlignmentMargin is the per-partition alignment reserve.
	AlignmentMargin = 1024 * 1024
	// TableReserve is the space kept free at the end of a device for the
	// backup GPT header.
	TableReserve = 1024 * 1024
	// MinESPSize is the minimum accepted EFI system partition size.
	MinESPSize = 100 * 1024 * 1024
)

// ValidationError reports the first feasibility violation found.
//
// It is returned before any destructive action; the plan can be edited and
// re-validated.
type ValidationError struct {
	Device string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Device == "" {
		return "plan validation failed: " + e.Reason
	}

	return fmt.Sprintf("plan validation failed for %s: %s", e.Device, e.Reason)
}

func validationErrorf(device, format string, args ...any) error {
	return &ValidationError{Device: device, Reason: fmt.Sprintf(format, args...)}
}

// ResolvedPartition maps a spec to the concrete partition identity the
// partitioner will produce.
type ResolvedPartition struct {
	Spec PartitionSpec

	// Device is the parent device path, Index the 1-based partition index.
	Device string
	Index  uint
	// Path is the expected partition node path.
	Path string

	// Offset and Size are the resolved byte range on the device.
	Offset uint64
	Size   uint64
}

// ValidatedPlan is an InstallationPlan that passed feasibility checking,
// with roles resolved to concrete partition identities.
//
// It is the only form the mutating components accept.
type ValidatedPlan struct {
	InstallationPlan

	// Resolved lists one entry per input spec, in spec order.
	Resolved []ResolvedPartition
	// Roles maps each role to its resolved partitions.
	Roles map[Role][]*ResolvedPartition
	// Devices lists the target device paths in first-reference order.
	Devices []string
}

// RolePartition returns the single resolved partition for a role, or nil.
func (v *ValidatedPlan) RolePartition(role Role) *ResolvedPartition {
	parts := v.Roles[role]
	if len(parts) == 0 {
		return nil
	}

	return parts[0]
}

// DeviceResolved returns the resolved partitions on one device, in
// ascending offset order.
func (v *ValidatedPlan) DeviceResolved(device string) []*ResolvedPartition {
	var out []*ResolvedPartition

	for i := range v.Resolved {
		if v.Resolved[i].Device == device {
			out = append(out, &v.Resolved[i])
		}
	}

	return out
}

// Validate checks an installation plan against an inventory snapshot.
//
// Checks run in order and fail fast: device existence, byte-range overlap,
// capacity with alignment margins, then role constraints. Validation performs
// no I/O beyond the supplied snapshot.
//
//nolint:gocyclo,cyclop
func Validate(p *InstallationPlan, snapshot Snapshot) (*ValidatedPlan, error) {
	if len(p.Specs) == 0 {
		return nil, validationErrorf("", "no partitions requested")
	}

	if !p.Options.Bootloader.Valid() {
		return nil, validationErrorf("", "unknown bootloader target %q", p.Options.Bootloader)
	}

	for i, spec := range p.Specs {
		if spec.Device == "" {
			return nil, validationErrorf("", "partition %d has no target device", i)
		}

		if !spec.Role.Valid() {
			return nil, validationErrorf(spec.Device, "partition %d has unknown role %q", i, spec.Role)
		}

		if !spec.FS.Valid() {
			return nil, validationErrorf(spec.Device, "partition %d has unknown filesystem %q", i, spec.FS)
		}
	}

	// (a) every referenced device exists in the snapshot
	var devices []string

	seen := map[string]struct{}{}

	for _, spec := range p.Specs {
		if _, ok := snapshot[spec.Device]; !ok {
			return nil, validationErrorf(spec.Device, "device not present in inventory snapshot")
		}

		if _, ok := seen[spec.Device]; !ok {
			seen[spec.Device] = struct{}{}
			devices = append(devices, spec.Device)
		}
	}

	// (b) + (c) resolve byte ranges per device in spec order, checking
	// overlap and capacity as the cursor advances
	validated := &ValidatedPlan{
		InstallationPlan: *p,
		Resolved:         make([]ResolvedPartition, len(p.Specs)),
		Roles:            map[Role][]*ResolvedPartition{},
		Devices:          devices,
	}

	type cursor struct {
		offset    uint64
		nextIndex uint
		remaining bool // a "remaining" spec was already placed
	}

	cursors := map[string]*cursor{}

	for dev := range seen {
		cursors[dev] = &cursor{offset: AlignmentMargin, nextIndex: 1}
	}

	for i, spec := range p.Specs {
		dev := snapshot[spec.Device]
		cur := cursors[spec.Device]

		if cur.remaining {
			return nil, validationErrorf(spec.Device, "partition %d is placed after a \"remaining\" partition", i)
		}

		start := cur.offset

		if spec.Start != 0 {
			if uint64(spec.Start) < cur.offset {
				return nil, validationErrorf(spec.Device,
					"partition %d at offset %d overlaps the previous partition ending at %d", i, spec.Start, cur.offset)
			}

			start = uint64(spec.Start)
		}

		start = alignUp(start, AlignmentMargin)

		limit := dev.Size

		if limit > TableReserve {
			limit -= TableReserve
		}

		size := uint64(spec.Size)

		if size == 0 {
			// remaining space; must be the last spec on this device
			if start >= limit {
				return nil, validationErrorf(spec.Device, "no space left for partition %d", i)
			}

			size = limit - start
			cur.remaining = true
		}

		end := start + size

		if end > limit {
			return nil, validationErrorf(spec.Device,
				"partition %d (%s) exceeds device capacity: needs %s, %s available",
				i, spec.Role, humanize.IBytes(end), humanize.IBytes(limit))
		}

		validated.Resolved[i] = ResolvedPartition{
			Spec:   spec,
			Device: spec.Device,
			Index:  cur.nextIndex,
			Path:   partitioning.DevName(spec.Device, cur.nextIndex),
			Offset: start,
			Size:   size,
		}

		validated.Roles[spec.Role] = append(validated.Roles[spec.Role], &validated.Resolved[i])

		cur.offset = end + AlignmentMargin
		cur.nextIndex++
	}

	// (d) role constraints
	if n := len(validated.Roles[RoleRoot]); n != 1 {
		return nil, validationErrorf("", "exactly one root partition required, got %d", n)
	}

	if n := len(validated.Roles[RoleSwap]); n > 1 {
		return nil, validationErrorf("", "at most one swap partition allowed, got %d", n)
	}

	esps := validated.Roles[RoleESP]

	if len(esps) > 1 {
		return nil, validationErrorf("", "at most one esp partition allowed, got %d", len(esps))
	}

	if p.Options.Bootloader == FirmwareUEFI {
		if len(esps) == 0 {
			return nil, validationErrorf("", "UEFI bootloader target requires an esp partition")
		}

		if esps[0].Size < MinESPSize {
			return nil, validationErrorf(esps[0].Device,
				"esp partition too small: %s, minimum %s",
				humanize.IBytes(esps[0].Size), humanize.IBytes(uint64(MinESPSize)))
		}

		if esps[0].Spec.FS != FilesystemTypeVFAT {
			return nil, validationErrorf(esps[0].Device, "esp partition must be vfat, got %q", esps[0].Spec.FS)
		}
	}

	if swaps := validated.Roles[RoleSwap]; len(swaps) == 1 && swaps[0].Spec.FS != FilesystemTypeSwap {
		return nil, validationErrorf(swaps[0].Device, "swap partition must use the swap filesystem, got %q", swaps[0].Spec.FS)
	}

	// existing contents are only destroyed when the plan says so
	if !p.Options.WipeDevices {
		for _, dev := range devices {
			snap := snapshot[dev]

			if snap.Table != TableKindNone || len(snap.Partitions) > 0 {
				return nil, validationErrorf(dev, "device is not empty and the plan does not request a wipe")
			}
		}
	}

	return validated, nil
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) / alignment * alignment
}
