// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partitioner applies a validated plan's partition layout to the
// target block devices.
package partitioner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"github.com/siderolabs/go-blockdevice/v2/block"
	"github.com/siderolabs/go-blockdevice/v2/partitioning/gpt"
	"github.com/siderolabs/go-retry/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

// GPT partition type GUIDs.
var (
	typeEFISystemPartition = uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")
	typeBIOSBootPartition  = uuid.MustParse("21686148-6449-6e6f-744e-656564454649")
	typeLinuxSwap          = uuid.MustParse("0657fd6d-a4ab-43c4-84e5-0933c84b4f4f")
	typeLinuxFilesystem    = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
)

// nodeWaitTimeout bounds waiting for the kernel to surface a freshly
// created partition node.
const nodeWaitTimeout = 30 * time.Second

// Partition is a created partition identity handed to the formatter.
type Partition struct {
	Path  string
	Index uint
	Label string
	Role  plan.Role
	FS    plan.FilesystemType
	Size  uint64
}

// Map holds created partitions per device path.
type Map map[string][]Partition

// Partitioner writes partition tables for a validated plan.
type Partitioner struct {
	logger  *zap.Logger
	journal *report.Journal
}

// New creates a Partitioner.
func New(logger *zap.Logger, journal *report.Journal) *Partitioner {
	return &Partitioner{
		logger:  logger,
		journal: journal,
	}
}

// Apply writes the partition layout of the validated plan.
//
// Devices are independent and partitioned concurrently; within one device
// partitions are created strictly in ascending offset order, and each
// creation waits for the kernel to surface the new partition node before the
// next one proceeds. On a mid-sequence failure only the partitions created
// in this run are reverted, best-effort.
func (p *Partitioner) Apply(ctx context.Context, vp *plan.ValidatedPlan) (Map, error) {
	result := make(Map, len(vp.Devices))

	var eg errgroup.Group

	resultCh := make(chan struct {
		device string
		parts  []Partition
	}, len(vp.Devices))

	for _, device := range vp.Devices {
		eg.Go(func() error {
			parts, err := p.applyDevice(ctx, vp, device)
			if err != nil {
				return err
			}

			resultCh <- struct {
				device string
				parts  []Partition
			}{device, parts}

			return nil
		})
	}

	err := eg.Wait()

	close(resultCh)

	for r := range resultCh {
		result[r.device] = r.parts
	}

	if err != nil {
		return result, err
	}

	return result, nil
}

//nolint:gocyclo,cyclop
func (p *Partitioner) applyDevice(ctx context.Context, vp *plan.ValidatedPlan, device string) ([]Partition, error) {
	logger := p.logger.With(zap.String("device", device))

	resolved := vp.DeviceResolved(device)

	bd, err := block.NewFromPath(device, block.OpenForWrite())
	if err != nil {
		return nil, failure.PartitionFailuref("failed to open blockdevice %s: %w", device, err)
	}

	defer bd.Close() //nolint:errcheck

	if err = bd.RetryLockWithTimeout(ctx, true, time.Minute); err != nil {
		return nil, failure.PartitionFailuref("failed to lock blockdevice %s: %w", device, err)
	}

	defer bd.Unlock() //nolint:errcheck

	info, err := blkid.Probe(bd.File(), blkid.WithSkipLocking(true))
	if err != nil {
		return nil, failure.PartitionFailuref("failed to probe blockdevice %s: %w", device, err)
	}

	switch {
	case info.Name == "":
		// empty, ok
	case info.Name == "gpt" && len(info.Parts) == 0:
		// GPT with no partitions, ok
	case vp.Options.WipeDevices:
		logger.Info("wiping blockdevice", zap.String("contents", info.Name))

		if err = bd.FastWipe(); err != nil {
			return nil, failure.PartitionFailuref("failed to wipe blockdevice %s: %w", device, err)
		}
	default:
		return nil, failure.PartitionFailuref("device %s is not empty, detected %q, and the plan does not request a wipe", device, info.Name)
	}

	gptdev, err := gpt.DeviceFromBlockDevice(bd)
	if err != nil {
		return nil, failure.PartitionFailuref("error getting GPT device for %s: %w", device, err)
	}

	var gptOptions []gpt.Option

	if vp.Options.Bootloader == plan.FirmwareBIOS {
		gptOptions = append(gptOptions, gpt.WithMarkPMBRBootable())
	}

	pt, err := gpt.New(gptdev, gptOptions...)
	if err != nil {
		return nil, failure.PartitionFailuref("failed to initialize GPT on %s: %w", device, err)
	}

	parts := make([]Partition, 0, len(resolved))

	for _, rp := range resolved {
		label := rp.Spec.LabelFor()
		step := "partition/" + label

		if err = p.journal.Append(report.Entry{Step: step, Target: device, Status: report.StatusPending}); err != nil {
			return nil, err
		}

		if err = p.createPartition(ctx, pt, rp, logger); err != nil {
			p.record(step, device, report.StatusFailed, err)

			revertErr := p.revert(pt, parts, device, logger)

			return nil, failure.PartitionFailuref("failed to create partition %s on %s: %w", label, device, joinRevert(err, revertErr))
		}

		p.record(step, rp.Path, report.StatusSucceeded, nil)

		parts = append(parts, Partition{
			Path:  rp.Path,
			Index: rp.Index,
			Label: label,
			Role:  rp.Spec.Role,
			FS:    rp.Spec.FS,
			Size:  rp.Size,
		})
	}

	return parts, nil
}

// createPartition allocates one partition, writes the table and waits for
// the kernel to expose the partition node.
func (p *Partitioner) createPartition(ctx context.Context, pt *gpt.Table, rp *plan.ResolvedPartition, logger *zap.Logger) error {
	size := rp.Size

	if rp.Spec.Size == 0 {
		size = pt.LargestContiguousAllocatable()
	}

	label := rp.Spec.LabelFor()

	logger.Info("creating partition",
		zap.String("label", label),
		zap.String("size", humanize.IBytes(size)),
		zap.Uint("index", rp.Index))

	if _, _, err := pt.AllocatePartition(size, label, partitionType(rp.Spec)); err != nil {
		return fmt.Errorf("failed to allocate: %w", err)
	}

	if err := pt.Write(); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}

	// the formatter must observe the partition node; wait for the kernel
	// to catch up with the table re-read
	return retry.Constant(nodeWaitTimeout, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(context.Context) error {
		if _, err := os.Stat(rp.Path); err != nil {
			if os.IsNotExist(err) {
				return retry.ExpectedErrorf("partition node %s not visible yet", rp.Path)
			}

			return err
		}

		return nil
	})
}

// revert deletes only the partitions created in this run, best-effort.
//
// A busy device may refuse destructive recovery; the outcome is reported,
// never silently retried.
func (p *Partitioner) revert(pt *gpt.Table, created []Partition, device string, logger *zap.Logger) error {
	var lastErr error

	for i := len(created) - 1; i >= 0; i-- {
		part := created[i]

		logger.Warn("reverting partition", zap.String("label", part.Label), zap.Uint("index", part.Index))

		if err := pt.DeletePartition(int(part.Index) - 1); err != nil {
			lastErr = fmt.Errorf("failed to revert partition %s: %w", part.Path, err)

			p.record("partition/"+part.Label, part.Path, report.StatusFailed, lastErr)

			continue
		}

		p.record("partition/"+part.Label, part.Path, report.StatusRolledBack, nil)
	}

	if len(created) > 0 {
		if err := pt.Write(); err != nil {
			lastErr = fmt.Errorf("failed to write reverted partition table on %s: %w", device, err)
		}
	}

	return lastErr
}

func (p *Partitioner) record(step, target string, status report.Status, err error) {
	entry := report.Entry{Step: step, Target: target, Status: status}

	if err != nil {
		entry.Error = err.Error()
	}

	if appendErr := p.journal.Append(entry); appendErr != nil {
		p.logger.Error("failed to append journal entry", zap.Error(appendErr))
	}
}

func partitionType(spec plan.PartitionSpec) uuid.UUID {
	switch spec.Role {
	case plan.RoleESP:
		return typeEFISystemPartition
	case plan.RoleSwap:
		return typeLinuxSwap
	case plan.RoleBoot:
		if spec.FS == plan.FilesystemTypeNone {
			// raw boot partition for GRUB on BIOS/GPT
			return typeBIOSBootPartition
		}

		return typeLinuxFilesystem
	default:
		return typeLinuxFilesystem
	}
}

func joinRevert(err, revertErr error) error {
	if revertErr == nil {
		return err
	}

	return fmt.Errorf("%w (revert: %s)", err, revertErr)
}
