// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package inventory enumerates block devices and their current state.
//
// The inventory is strictly observational: devices are probed with read-only
// access and are never opened for writing.
package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"
	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"

	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
)

// Inventory provides block device snapshots.
type Inventory struct {
	logger *zap.Logger

	// sysBlockPath is overridable for tests.
	sysBlockPath string
	devRoot      string
}

// New creates an Inventory.
func New(logger *zap.Logger) *Inventory {
	return &Inventory{
		logger:       logger,
		sysBlockPath: "/sys/block",
		devRoot:      "/dev",
	}
}

// ListDevices returns snapshots of all whole block devices.
//
// Virtual devices without storage behind them (ram, zram, device-mapper,
// floppies) are skipped; loop devices are included since installations into
// raw image files go through loopback.
func (inv *Inventory) ListDevices(ctx context.Context) (plan.Snapshot, error) {
	names, err := inv.walkSysBlock()
	if err != nil {
		return nil, err
	}

	snapshot := plan.Snapshot{}

	for _, name := range names {
		devPath := filepath.Join(inv.devRoot, name)

		snap, err := inv.Refresh(ctx, devPath)
		if err != nil {
			// devices may disappear between the sysfs walk and the probe
			inv.logger.Warn("skipping device", zap.String("device", devPath), zap.Error(err))

			continue
		}

		snapshot[devPath] = snap
	}

	return snapshot, nil
}

// Refresh re-reads a single device's partition state.
//
// Returns a DeviceUnavailable-tagged error if the device node is gone; the
// caller re-checks the plan against a fresh snapshot before proceeding.
func (inv *Inventory) Refresh(ctx context.Context, devPath string) (plan.DeviceSnapshot, error) {
	select {
	case <-ctx.Done():
		return plan.DeviceSnapshot{}, ctx.Err()
	default:
	}

	if _, err := os.Stat(devPath); err != nil {
		if os.IsNotExist(err) {
			return plan.DeviceSnapshot{}, failure.DeviceUnavailablef("device %q is not available", devPath)
		}

		return plan.DeviceSnapshot{}, fmt.Errorf("failed to stat %q: %w", devPath, err)
	}

	info, err := blkid.ProbePath(devPath, blkid.WithProbeLogger(inv.logger.With(zap.String("device", devPath))))
	if err != nil {
		return plan.DeviceSnapshot{}, fmt.Errorf("failed to probe %q: %w", devPath, err)
	}

	return snapshotFromInfo(devPath, info), nil
}

func snapshotFromInfo(devPath string, info *blkid.Info) plan.DeviceSnapshot {
	snap := plan.DeviceSnapshot{
		Path:       devPath,
		Size:       info.Size,
		SectorSize: info.SectorSize,
	}

	switch info.Name {
	case "gpt":
		snap.Table = plan.TableKindGPT
	case "dos":
		snap.Table = plan.TableKindLegacy
	default:
		snap.Table = plan.TableKindNone
	}

	for _, part := range info.Parts {
		ps := plan.PartitionSnapshot{
			Index:      part.PartitionIndex,
			Offset:     part.PartitionOffset,
			Size:       part.PartitionSize,
			Label:      pointer.SafeDeref(part.PartitionLabel),
			Filesystem: part.Name,
		}

		if part.PartitionType != nil {
			ps.TypeUUID = part.PartitionType.String()
		}

		if part.UUID != nil {
			ps.FilesystemUUID = part.UUID.String()
		}

		snap.Partitions = append(snap.Partitions, ps)
	}

	return snap
}

// PartitionPath returns the expected node path of a partition by index.
func PartitionPath(devPath string, index uint) string {
	return partitioning.DevName(devPath, index)
}

// walkSysBlock lists whole-device names from the /sys/block filesystem.
func (inv *Inventory) walkSysBlock() ([]string, error) {
	entries, err := os.ReadDir(inv.sysBlockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", inv.sysBlockPath, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if skipDeviceName(name) {
			continue
		}

		names = append(names, name)
	}

	return names, nil
}

func skipDeviceName(name string) bool {
	for _, prefix := range []string{"ram", "zram", "dm-", "fd"} {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}

	return false
}
