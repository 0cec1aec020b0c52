// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pipeline sequences the installation steps.
//
// The pipeline is strictly sequential: validate, partition, format, mount,
// transfer, configure. Per-device work inside the partition and format steps
// runs concurrently, the steps themselves never overlap. Cancellation is
// observed at step boundaries only, so a device is never left mid-write.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexflint/go-filemutex"
	"github.com/siderolabs/gen/xerrors"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/anvil-os/anvil/internal/pkg/chroot"
	"github.com/anvil-os/anvil/internal/pkg/formatter"
	"github.com/anvil-os/anvil/internal/pkg/inventory"
	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/internal/pkg/transfer"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

// DefaultPrefix is where the target tree is assembled.
const DefaultPrefix = "/mnt/anvil"

// DefaultLockDir holds the per-device installation lock files.
const DefaultLockDir = "/run/anvil"

// Inventory supplies device snapshots for validation.
type Inventory interface {
	Refresh(ctx context.Context, devPath string) (plan.DeviceSnapshot, error)
}

// Partitioner applies the partition layout.
type Partitioner interface {
	Apply(ctx context.Context, vp *plan.ValidatedPlan) (partitioner.Map, error)
}

// Formatter creates the filesystems.
type Formatter interface {
	FormatAll(ctx context.Context, parts partitioner.Map) error
}

// MountBuilder assembles and augments the target mount tree.
type MountBuilder interface {
	Build(ctx context.Context, vp *plan.ValidatedPlan, parts partitioner.Map, prefix string) (*mount.Set, error)
	BindAPI(set *mount.Set) error
}

// Transferrer streams the payload into the mounted tree.
type Transferrer interface {
	Transfer(ctx context.Context, payload string, set *mount.Set) (transfer.Stats, error)
}

// Configurator runs the in-target configuration sub-steps.
type Configurator interface {
	Configure(ctx context.Context, vp *plan.ValidatedPlan, parts partitioner.Map, set *mount.Set) error
}

// Result is the terminal outcome of an installation run.
type Result struct {
	Plan       *plan.ValidatedPlan
	Partitions partitioner.Map
	Mounts     *mount.Set
	Transfer   transfer.Stats
}

// Pipeline owns the installation components and the run sequencing.
type Pipeline struct {
	logger  *zap.Logger
	journal *report.Journal

	inventory    Inventory
	partitioner  Partitioner
	formatter    Formatter
	mounts       MountBuilder
	transferrer  Transferrer
	configurator Configurator

	prefix          string
	lockDir         string
	transferRetries int
	keepMounted     bool
	skipPreflight   bool
}

// Option configures the Pipeline.
type Option func(*Pipeline)

// WithPrefix overrides the target tree assembly path.
func WithPrefix(prefix string) Option {
	return func(p *Pipeline) { p.prefix = prefix }
}

// WithLockDir overrides the device lock file directory.
func WithLockDir(dir string) Option {
	return func(p *Pipeline) { p.lockDir = dir }
}

// WithTransferRetries makes an interrupted payload transfer resume in place
// up to n times before the failure is surfaced.
func WithTransferRetries(n int) Option {
	return func(p *Pipeline) { p.transferRetries = n }
}

// WithoutPreflight disables the pre-run unmount/swapoff hygiene commands,
// for callers that manage the host state themselves.
func WithoutPreflight() Option {
	return func(p *Pipeline) { p.skipPreflight = true }
}

// WithKeepMounted leaves the target tree mounted after a successful run.
func WithKeepMounted(keep bool) Option {
	return func(p *Pipeline) { p.keepMounted = keep }
}

// WithInventory overrides the device inventory.
func WithInventory(inv Inventory) Option {
	return func(p *Pipeline) { p.inventory = inv }
}

// WithPartitioner overrides the partitioner.
func WithPartitioner(pr Partitioner) Option {
	return func(p *Pipeline) { p.partitioner = pr }
}

// WithFormatter overrides the formatter.
func WithFormatter(f Formatter) Option {
	return func(p *Pipeline) { p.formatter = f }
}

// WithMountBuilder overrides the mount tree builder.
func WithMountBuilder(mb MountBuilder) Option {
	return func(p *Pipeline) { p.mounts = mb }
}

// WithTransferrer overrides the payload transferrer.
func WithTransferrer(t Transferrer) Option {
	return func(p *Pipeline) { p.transferrer = t }
}

// WithConfigurator overrides the chroot configurator.
func WithConfigurator(c Configurator) Option {
	return func(p *Pipeline) { p.configurator = c }
}

// New creates a Pipeline with production components; options override any of
// them.
func New(logger *zap.Logger, journal *report.Journal, setters ...Option) *Pipeline {
	p := &Pipeline{
		logger:       logger,
		journal:      journal,
		inventory:    inventory.New(logger),
		partitioner:  partitioner.New(logger, journal),
		formatter:    formatter.New(logger, journal),
		mounts:       mount.NewBuilder(logger, journal),
		transferrer:  transfer.New(logger, journal),
		configurator: chroot.New(logger, journal),
		prefix:       DefaultPrefix,
		lockDir:      DefaultLockDir,
	}

	for _, s := range setters {
		s(p)
	}

	return p
}

// Run executes the full installation sequence for the plan.
//
// On a transfer failure the target tree is deliberately left mounted so the
// caller can resume or abort; every other failure tears the tree down before
// returning. The returned Result is valid (possibly partial) in both cases.
//
//nolint:gocyclo
func (p *Pipeline) Run(ctx context.Context, installPlan *plan.InstallationPlan) (*Result, error) {
	result := &Result{}

	// validate

	vp, err := p.validate(ctx, installPlan)
	if err != nil {
		return result, err
	}

	result.Plan = vp

	// lock devices for the whole run

	unlock, err := p.lockDevices(vp.Devices)
	if err != nil {
		return result, err
	}

	defer unlock()

	p.preflight()

	// partition

	if err = stepBoundary(ctx); err != nil {
		return result, err
	}

	result.Partitions, err = p.partitioner.Apply(ctx, vp)
	if err != nil {
		return result, p.finish(err)
	}

	// format

	if err = stepBoundary(ctx); err != nil {
		return result, p.finish(err)
	}

	if err = p.formatter.FormatAll(ctx, result.Partitions); err != nil {
		return result, p.finish(err)
	}

	// mount

	if err = stepBoundary(ctx); err != nil {
		return result, p.finish(err)
	}

	result.Mounts, err = p.mounts.Build(ctx, vp, result.Partitions, p.prefix)
	if err != nil {
		return result, p.finish(p.teardown(result.Mounts, err))
	}

	// transfer

	if err = stepBoundary(ctx); err != nil {
		return result, p.finish(p.teardown(result.Mounts, err))
	}

	result.Transfer, err = p.transferPayload(ctx, vp, result.Mounts)
	if err != nil {
		// resume-or-abort is the caller's call: the tree stays mounted
		return result, p.finish(err)
	}

	// configure

	if err = stepBoundary(ctx); err != nil {
		return result, p.finish(p.teardown(result.Mounts, err))
	}

	if err = p.mounts.BindAPI(result.Mounts); err != nil {
		return result, p.finish(p.teardown(result.Mounts, err))
	}

	err = p.configurator.Configure(ctx, vp, result.Partitions, result.Mounts)

	if !p.keepMounted || err != nil {
		err = p.teardown(result.Mounts, err)
	}

	return result, p.finish(err)
}

// ResumeTransfer re-runs the payload transfer and the remaining steps of an
// installation whose transfer was interrupted, reusing the still-mounted
// target tree of the previous Run.
func (p *Pipeline) ResumeTransfer(ctx context.Context, result *Result) error {
	if result.Plan == nil || result.Mounts == nil {
		return fmt.Errorf("result is not resumable")
	}

	var err error

	result.Transfer, err = p.transferrer.Transfer(ctx, result.Plan.Options.Payload, result.Mounts)
	if err != nil {
		return p.finish(err)
	}

	if err = p.mounts.BindAPI(result.Mounts); err != nil {
		return p.finish(p.teardown(result.Mounts, err))
	}

	err = p.configurator.Configure(ctx, result.Plan, result.Partitions, result.Mounts)

	if !p.keepMounted || err != nil {
		err = p.teardown(result.Mounts, err)
	}

	return p.finish(err)
}

// Abort tears down the mounted tree of a failed run.
func (p *Pipeline) Abort(result *Result) error {
	if result == nil || result.Mounts == nil {
		return nil
	}

	return result.Mounts.Teardown()
}

func (p *Pipeline) validate(ctx context.Context, installPlan *plan.InstallationPlan) (*plan.ValidatedPlan, error) {
	const step = "validate"

	if err := p.journal.Append(report.Entry{Step: step, Status: report.StatusPending}); err != nil {
		return nil, err
	}

	snapshot := plan.Snapshot{}

	for _, spec := range installPlan.Specs {
		if _, ok := snapshot[spec.Device]; ok {
			continue
		}

		snap, err := p.inventory.Refresh(ctx, spec.Device)
		if err != nil {
			p.record(step, spec.Device, err)

			return nil, err
		}

		snapshot[spec.Device] = snap
	}

	vp, err := plan.Validate(installPlan, snapshot)

	p.record(step, "", err)

	if err != nil {
		return nil, err
	}

	p.logger.Info("plan validated",
		zap.Strings("devices", vp.Devices),
		zap.Int("partitions", len(vp.Resolved)))

	return vp, nil
}

// transferPayload runs the transfer, resuming in place up to the configured
// number of retries when the interruption was not a cancellation.
func (p *Pipeline) transferPayload(ctx context.Context, vp *plan.ValidatedPlan, set *mount.Set) (transfer.Stats, error) {
	stats, err := p.transferrer.Transfer(ctx, vp.Options.Payload, set)

	for attempt := 0; err != nil && attempt < p.transferRetries; attempt++ {
		if ctx.Err() != nil || !xerrors.TagIs[failure.TransferIncomplete](err) {
			break
		}

		p.logger.Warn("resuming interrupted transfer", zap.Int("attempt", attempt+1), zap.Error(err))

		stats, err = p.transferrer.Transfer(ctx, vp.Options.Payload, set)
	}

	return stats, err
}

// preflight clears stale state under the target prefix left behind by a
// previous crashed run. Failures are ignored, a clean host reports errors
// for both commands.
func (p *Pipeline) preflight() {
	if p.skipPreflight {
		return
	}

	if _, err := cmd.Run("umount", "-R", p.prefix); err != nil {
		p.logger.Debug("preflight umount", zap.Error(err))
	}

	if _, err := cmd.Run("swapoff", "-a"); err != nil {
		p.logger.Debug("preflight swapoff", zap.Error(err))
	}
}

// lockDevices takes an exclusive flock-backed lock file per target device so
// concurrent installer processes cannot write to the same disk.
func (p *Pipeline) lockDevices(devices []string) (func(), error) {
	if err := os.MkdirAll(p.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	locks := make([]*filemutex.FileMutex, 0, len(devices))

	unlock := func() {
		for _, m := range locks {
			m.Close() //nolint:errcheck
		}
	}

	for _, device := range devices {
		name := strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "-") + ".lock"

		m, err := filemutex.New(filepath.Join(p.lockDir, name))
		if err != nil {
			unlock()

			return nil, fmt.Errorf("failed to create lock for %s: %w", device, err)
		}

		if err = m.Lock(); err != nil {
			unlock()

			return nil, fmt.Errorf("failed to lock %s: %w", device, err)
		}

		locks = append(locks, m)
	}

	return unlock, nil
}

// teardown unmounts the tree, folding a teardown failure into the step error.
func (p *Pipeline) teardown(set *mount.Set, err error) error {
	if set == nil {
		return err
	}

	if teardownErr := set.Teardown(); teardownErr != nil {
		p.logger.Error("teardown failed", zap.Error(teardownErr))

		if err == nil {
			return teardownErr
		}

		return fmt.Errorf("%w (teardown: %s)", err, teardownErr)
	}

	return err
}

// finish writes the terminal journal entry for the run.
func (p *Pipeline) finish(err error) error {
	p.record("install", "", err)

	return err
}

func (p *Pipeline) record(step, target string, err error) {
	entry := report.Entry{Step: step, Target: target, Status: report.StatusSucceeded}

	if err != nil {
		entry.Status = report.StatusFailed
		entry.Error = err.Error()
	}

	if appendErr := p.journal.Append(entry); appendErr != nil {
		p.logger.Error("failed to append journal entry", zap.Error(appendErr))
	}
}

func stepBoundary(ctx context.Context) error {
	return ctx.Err()
}
