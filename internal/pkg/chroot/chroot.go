// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chroot configures the freshly transferred system in place.
//
// Each configuration sub-step runs independently: a failed sub-step is
// recorded and its siblings still run, all failures surfacing together at the
// end. The bootloader installation is the exception: its failure makes the
// whole installation unbootable and is escalated as fatal.
package chroot

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

// RunFunc executes a shell script inside the chroot and returns the combined
// output. It is replaceable for tests.
type RunFunc func(ctx context.Context, root, script string) (string, error)

// Configurator drives the in-target configuration sub-steps.
type Configurator struct {
	logger  *zap.Logger
	journal *report.Journal
	run     RunFunc
}

// New creates a Configurator executing sub-steps via chroot(8).
func New(logger *zap.Logger, journal *report.Journal) *Configurator {
	return &Configurator{
		logger:  logger,
		journal: journal,
		run:     chrootRun,
	}
}

// NewWithRunner creates a Configurator with a custom chroot runner.
func NewWithRunner(logger *zap.Logger, journal *report.Journal, run RunFunc) *Configurator {
	return &Configurator{
		logger:  logger,
		journal: journal,
		run:     run,
	}
}

// toolTimeout bounds a single chrooted tool invocation; a timeout is
// escalated exactly like a tool error.
const toolTimeout = 15 * time.Minute

func chrootRun(ctx context.Context, root, script string) (string, error) {
	toolCtx, cancel := toolContext(ctx, toolTimeout)
	defer cancel()

	return cmd.RunContext(toolCtx, "chroot", root, "/bin/sh", "-c", script)
}

// toolContext bounds a tool invocation with the timeout while detaching it
// from pipeline cancellation: an in-flight tool is allowed to complete,
// cancellation is honored between sub-steps.
func toolContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// Configure runs every configuration sub-step against the mounted tree.
//
// Sub-step failures are collected rather than aborting the remaining
// sub-steps; the combined error is returned at the end. A bootloader failure
// is escalated as InstallationUnbootable regardless of the other sub-steps.
func (c *Configurator) Configure(ctx context.Context, vp *plan.ValidatedPlan, parts partitioner.Map, set *mount.Set) error {
	var result *multierror.Error

	substeps := []struct {
		name string
		fn   func(context.Context, *plan.ValidatedPlan, partitioner.Map, *mount.Set) error
	}{
		{"resolv-conf", c.resolvConf},
		{"fstab", c.fstab},
		{"hostname", c.hostname},
		{"timezone", c.timezone},
		{"locale", c.locale},
		{"users", c.users},
		{"machine-id", c.machineID},
	}

	for _, substep := range substeps {
		if err := c.runSubstep(ctx, substep.name, func() error {
			return substep.fn(ctx, vp, parts, set)
		}); err != nil {
			result = multierror.Append(result, failure.ConfigurationStepFailedf("%s: %w", substep.name, err))
		}
	}

	// the bootloader runs even after sibling failures; its own failure is
	// fatal to the whole installation
	if err := c.runSubstep(ctx, "bootloader", func() error {
		return c.bootloader(ctx, vp, set)
	}); err != nil {
		result = multierror.Append(result, failure.InstallationUnbootablef("bootloader installation failed: %w", err))
	}

	if vp.Options.PostInstallCmd != "" {
		if err := c.runSubstep(ctx, "post-install", func() error {
			_, err := c.run(ctx, set.RootTarget(), vp.Options.PostInstallCmd)

			return err
		}); err != nil {
			result = multierror.Append(result, failure.ConfigurationStepFailedf("post-install: %w", err))
		}
	}

	return result.ErrorOrNil()
}

func (c *Configurator) runSubstep(ctx context.Context, name string, fn func() error) error {
	step := "configure/" + name

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := c.journal.Append(report.Entry{Step: step, Status: report.StatusPending}); err != nil {
		return err
	}

	c.logger.Info("running configuration sub-step", zap.String("substep", name))

	err := fn()

	entry := report.Entry{Step: step, Status: report.StatusSucceeded}

	if err != nil {
		entry.Status = report.StatusFailed
		entry.Error = err.Error()
	}

	if appendErr := c.journal.Append(entry); appendErr != nil {
		c.logger.Error("failed to append journal entry", zap.Error(appendErr))
	}

	return err
}

// shQuote single-quotes a value for safe interpolation into a shell script.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func chrootPath(set *mount.Set, parts ...string) string {
	return filepath.Join(append([]string{set.RootTarget()}, parts...)...)
}
