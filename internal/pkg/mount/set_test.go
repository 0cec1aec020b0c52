// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
)

// fakeSyscalls replaces the mount/umount syscalls for the duration of a test
// and records the calls.
type fakeSyscalls struct {
	mounts   []string
	unmounts []string
}

func (f *fakeSyscalls) install(t *testing.T) {
	t.Helper()

	origMount, origUnmount := mountFn, unmountFn

	mountFn = func(source, target, fstype string, flags uintptr, data string) error {
		f.mounts = append(f.mounts, target)

		return nil
	}

	unmountFn = func(target string, flags int) error {
		f.unmounts = append(f.unmounts, target)

		return nil
	}

	t.Cleanup(func() {
		mountFn, unmountFn = origMount, origUnmount
	})
}

func TestSetMountOrder(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	prefix := t.TempDir()
	set := NewSet(prefix)

	require.NoError(t, set.Mount(NewPoint("/dev/vda2", "/", "ext4", 0, "", RankRoot, plan.RoleRoot)))

	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "boot"), 0o755))
	require.NoError(t, set.Mount(NewPoint("/dev/vda1", "/boot/efi", "vfat", 0, "", RankSystem, plan.RoleESP)))

	require.Len(t, set.Points(), 2)
	assert.Equal(t, []string{prefix, prefix + "/boot/efi"}, fake.mounts)
}

func TestSetMountFirstNotRoot(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	set := NewSet(t.TempDir())

	err := set.Mount(NewPoint("/dev/vda1", "/boot", "ext4", 0, "", RankSystem, plan.RoleBoot))
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.MountOrderViolation](err))
	assert.Empty(t, fake.mounts)
}

func TestSetMountRankRegression(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	set := NewSet(t.TempDir())

	require.NoError(t, set.Mount(NewPoint("/dev/vda2", "/", "ext4", 0, "", RankRoot, plan.RoleRoot)))
	require.NoError(t, set.Mount(NewPoint("/dev", "/dev", "", 0, "", RankBind, "")))

	err := set.Mount(NewPoint("/dev/vda1", "/boot", "ext4", 0, "", RankSystem, plan.RoleBoot))
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.MountOrderViolation](err))
}

func TestSetMountMissingParent(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	set := NewSet(t.TempDir())

	require.NoError(t, set.Mount(NewPoint("/dev/vda2", "/", "ext4", 0, "", RankRoot, plan.RoleRoot)))

	// /boot was never created inside the root
	err := set.Mount(NewPoint("/dev/vda1", "/boot/efi", "vfat", 0, "", RankSystem, plan.RoleESP))
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.MountOrderViolation](err))
}

func TestSetTeardownReverseAndIdempotent(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	prefix := t.TempDir()
	set := NewSet(prefix)

	require.NoError(t, set.Mount(NewPoint("/dev/vda2", "/", "ext4", 0, "", RankRoot, plan.RoleRoot)))
	require.NoError(t, set.Mount(NewPoint("/dev/vda3", "/home", "xfs", 0, "", RankSystem, plan.RoleHome)))
	require.NoError(t, set.Mount(NewPoint("/dev", "/dev", "", 0, "", RankBind, "")))

	require.NoError(t, set.Teardown())

	// strict reverse order
	assert.Equal(t, []string{prefix + "/dev", prefix + "/home", prefix}, fake.unmounts)

	// second teardown is a no-op
	require.NoError(t, set.Teardown())
	assert.Len(t, fake.unmounts, 3)
}

func TestSetTeardownPartial(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	set := NewSet(t.TempDir())

	// empty set: nothing mounted, teardown still succeeds
	require.NoError(t, set.Teardown())
	assert.Empty(t, fake.unmounts)
}
