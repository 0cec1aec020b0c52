// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

// apiFilesystems are bind-mounted from the host into the target tree for
// the chroot configuration steps.
var apiFilesystems = []string{"/dev", "/proc", "/sys"}

// Builder assembles the target mount tree in dependency rank order.
type Builder struct {
	logger  *zap.Logger
	journal *report.Journal
}

// NewBuilder creates a Builder.
func NewBuilder(logger *zap.Logger, journal *report.Journal) *Builder {
	return &Builder{
		logger:  logger,
		journal: journal,
	}
}

// Build mounts the root partition at prefix, creates the required
// directories inside it, and mounts the subordinate points on top.
//
// On failure the partially built set is returned along with the error so the
// caller can tear it down; teardown of a partial set is a no-op for the
// points that never mounted.
func (b *Builder) Build(ctx context.Context, vp *plan.ValidatedPlan, parts partitioner.Map, prefix string) (*Set, error) {
	set := NewSet(prefix)

	points, err := b.points(vp, parts)
	if err != nil {
		return set, err
	}

	for _, point := range points {
		// cancellation is honored between mounts, never mid-operation
		select {
		case <-ctx.Done():
			return set, ctx.Err()
		default:
		}

		if err = b.mountPoint(set, point); err != nil {
			return set, err
		}
	}

	return set, nil
}

// BindAPI adds the host API filesystem bind mounts used by the chroot
// configurator as the highest-rank points of the set.
func (b *Builder) BindAPI(set *Set) error {
	for _, dir := range apiFilesystems {
		point := NewPoint(dir, dir, "", unix.MS_BIND|unix.MS_REC, "", RankBind, "")

		if err := b.mountPoint(set, point); err != nil {
			return err
		}

		// keep host mount events from propagating back
		target := filepath.Join(set.Prefix(), dir)

		if err := mountFn("", target, "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("error making %s a slave mount: %w", target, err)
		}
	}

	return nil
}

func (b *Builder) mountPoint(set *Set, point *Point) error {
	step := "mount" + point.Target()
	if point.Target() == "/" {
		step = "mount/root"
	}

	// subordinate targets live on the freshly formatted root, their parent
	// directories don't exist yet
	if point.Rank() != RankRoot {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(set.Prefix(), point.Target())), 0o755); err != nil {
			return fmt.Errorf("error creating parent directory for %s: %w", point.Target(), err)
		}
	}

	if err := b.journal.Append(report.Entry{Step: step, Target: point.Source(), Status: report.StatusPending}); err != nil {
		return err
	}

	b.logger.Info("mounting",
		zap.String("source", point.Source()),
		zap.String("target", filepath.Join(set.Prefix(), point.Target())),
		zap.String("fstype", point.Fstype()))

	err := set.Mount(point)

	entry := report.Entry{Step: step, Target: point.Source(), Status: report.StatusSucceeded}

	if err != nil {
		entry.Status = report.StatusFailed
		entry.Error = err.Error()
	}

	if appendErr := b.journal.Append(entry); appendErr != nil {
		b.logger.Error("failed to append journal entry", zap.Error(appendErr))
	}

	return err
}

// points resolves the mountable partitions of the plan into an ordered list:
// root first, then subordinate mounts sorted by path depth so that /boot
// mounts before /boot/efi.
func (b *Builder) points(vp *plan.ValidatedPlan, parts partitioner.Map) ([]*Point, error) {
	byPath := map[string]partitioner.Partition{}

	for _, deviceParts := range parts {
		for _, part := range deviceParts {
			byPath[part.Path] = part
		}
	}

	rootResolved := vp.RolePartition(plan.RoleRoot)
	if rootResolved == nil {
		return nil, fmt.Errorf("validated plan has no root partition")
	}

	root, ok := byPath[rootResolved.Path]
	if !ok {
		return nil, fmt.Errorf("root partition %s was not created", rootResolved.Path)
	}

	points := []*Point{
		NewPoint(root.Path, "/", string(root.FS), 0, "", RankRoot, plan.RoleRoot),
	}

	var subordinate []*Point

	for _, role := range []plan.Role{plan.RoleBoot, plan.RoleESP, plan.RoleHome, plan.RoleData} {
		for _, resolved := range vp.Roles[role] {
			part, ok := byPath[resolved.Path]
			if !ok {
				return nil, fmt.Errorf("partition %s (%s) was not created", resolved.Path, role)
			}

			if part.FS == plan.FilesystemTypeNone {
				// raw partitions (BIOS boot) are not mountable
				continue
			}

			target := TargetForRole(role, part.Label)

			subordinate = append(subordinate, NewPoint(part.Path, target, string(part.FS), 0, "", RankSystem, role))
		}
	}

	sort.SliceStable(subordinate, func(i, j int) bool {
		return strings.Count(subordinate[i].Target(), "/") < strings.Count(subordinate[j].Target(), "/")
	})

	return append(points, subordinate...), nil
}

// TargetForRole maps a partition role to its mount point inside the tree.
func TargetForRole(role plan.Role, label string) string {
	switch role {
	case plan.RoleBoot:
		return "/boot"
	case plan.RoleESP:
		return "/boot/efi"
	case plan.RoleHome:
		return "/home"
	default:
		return "/" + strings.ToLower(label)
	}
}
