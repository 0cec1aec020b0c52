// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chroot

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/siderolabs/go-blockdevice/v2/blkid"

	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/plan"
)

// probeSource resolves the fstab source spec for a partition, preferring the
// filesystem UUID over the device path. Replaceable for tests.
var probeSource = func(path string) string {
	info, err := blkid.ProbePath(path)
	if err != nil || info.UUID == nil {
		// the device path still mounts, it is just not stable across
		// enumeration order changes
		return path
	}

	return "UUID=" + info.UUID.String()
}

// fstab writes /etc/fstab for every formatted partition of the plan: the
// root first with fsck pass 1, subordinate mounts with pass 2, swap last.
func (c *Configurator) fstab(_ context.Context, vp *plan.ValidatedPlan, parts partitioner.Map, set *mount.Set) error {
	byPath := map[string]partitioner.Partition{}

	for _, deviceParts := range parts {
		for _, part := range deviceParts {
			byPath[part.Path] = part
		}
	}

	var sb strings.Builder

	sb.WriteString("# generated by anvil-installer\n")
	sb.WriteString("# <source> <target> <fstype> <options> <dump> <pass>\n")

	rootResolved := vp.RolePartition(plan.RoleRoot)
	if rootResolved == nil {
		return fmt.Errorf("no root partition in the validated plan")
	}

	root, ok := byPath[rootResolved.Path]
	if !ok {
		return fmt.Errorf("root partition %s was not created", rootResolved.Path)
	}

	fmt.Fprintf(&sb, "%s / %s defaults 0 1\n", probeSource(root.Path), root.FS)

	for _, role := range []plan.Role{plan.RoleBoot, plan.RoleESP, plan.RoleHome, plan.RoleData} {
		for _, resolved := range vp.Roles[role] {
			part, ok := byPath[resolved.Path]
			if !ok || part.FS == plan.FilesystemTypeNone {
				continue
			}

			fmt.Fprintf(&sb, "%s %s %s defaults 0 2\n",
				probeSource(part.Path), mount.TargetForRole(role, part.Label), part.FS)
		}
	}

	for _, resolved := range vp.Roles[plan.RoleSwap] {
		part, ok := byPath[resolved.Path]
		if !ok {
			continue
		}

		fmt.Fprintf(&sb, "%s none swap defaults 0 0\n", probeSource(part.Path))
	}

	return os.WriteFile(chrootPath(set, "etc", "fstab"), []byte(sb.String()), 0o644)
}
