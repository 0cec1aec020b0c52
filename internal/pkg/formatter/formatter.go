// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package formatter creates filesystems on freshly partitioned devices.
//
// Re-formatting an already formatted partition is allowed and destructive by
// design: the plan was validated upstream, so no "already formatted"
// heuristics are applied here.
package formatter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/swap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/makefs"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

// DefaultToolTimeout bounds a single filesystem tool invocation. A timeout
// is escalated exactly like a tool error.
const DefaultToolTimeout = 5 * time.Minute

// Formatter invokes the filesystem creation tool for each partition.
type Formatter struct {
	logger      *zap.Logger
	journal     *report.Journal
	toolTimeout time.Duration
}

// New creates a Formatter.
func New(logger *zap.Logger, journal *report.Journal) *Formatter {
	return &Formatter{
		logger:      logger,
		journal:     journal,
		toolTimeout: DefaultToolTimeout,
	}
}

// FormatAll formats every partition in the map.
//
// Partitions on different devices are independent and formatted
// concurrently; within a device the order follows partition creation.
func (f *Formatter) FormatAll(ctx context.Context, parts partitioner.Map) error {
	var eg errgroup.Group

	for _, deviceParts := range parts {
		eg.Go(func() error {
			for _, part := range deviceParts {
				if err := f.Format(ctx, part); err != nil {
					return err
				}
			}

			return nil
		})
	}

	return eg.Wait()
}

// Format creates a filesystem of the partition's requested kind.
//
// Any abnormal tool termination is reported as FormatFailed carrying the
// tool's diagnostic output verbatim.
func (f *Formatter) Format(ctx context.Context, part partitioner.Partition) error {
	// cancellation is observed between partitions only, never mid-format
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	step := "format/" + part.Label

	if err := f.journal.Append(report.Entry{Step: step, Target: part.Path, Status: report.StatusPending}); err != nil {
		return err
	}

	f.logger.Info("formatting partition",
		zap.String("partition", part.Path),
		zap.String("fs", string(part.FS)),
		zap.String("label", part.Label))

	toolCtx, cancel := toolContext(ctx, f.toolTimeout)
	defer cancel()

	err := f.format(toolCtx, part)
	if err != nil {
		err = failure.FormatFailedf("failed to format %s as %s: %w", part.Path, part.FS, err)
	}

	f.record(step, part.Path, err)

	return err
}

func (f *Formatter) format(ctx context.Context, part partitioner.Partition) error {
	opts := []makefs.Option{makefs.WithLabel(part.Label), makefs.WithForce(true)}

	switch part.FS {
	case plan.FilesystemTypeNone:
		return nil
	case plan.FilesystemTypeExt4:
		return makefs.Ext4(ctx, part.Path, opts...)
	case plan.FilesystemTypeXFS:
		return makefs.XFS(ctx, part.Path, opts...)
	case plan.FilesystemTypeVFAT:
		return makefs.VFAT(ctx, part.Path, opts...)
	case plan.FilesystemTypeSwap:
		return swap.Format(part.Path, swap.FormatOptions{
			Label: part.Label,
			UUID:  uuid.New(),
		})
	default:
		return failure.FormatFailedf("unsupported filesystem type: %q", part.FS)
	}
}

// toolContext bounds a tool invocation with the timeout while detaching it
// from pipeline cancellation: an in-flight destructive tool is allowed to
// complete rather than being killed mid-write.
func toolContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (f *Formatter) record(step, target string, err error) {
	entry := report.Entry{Step: step, Target: target, Status: report.StatusSucceeded}

	if err != nil {
		entry.Status = report.StatusFailed
		entry.Error = err.Error()
	}

	if appendErr := f.journal.Append(entry); appendErr != nil {
		f.logger.Error("failed to append journal entry", zap.Error(appendErr))
	}
}
