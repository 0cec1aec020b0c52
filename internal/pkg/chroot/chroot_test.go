// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chroot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

// scriptRecorder fakes chroot execution, recording every script and failing
// the ones matching failOn.
type scriptRecorder struct {
	scripts []string
	failOn  string
}

func (r *scriptRecorder) run(_ context.Context, _, script string) (string, error) {
	r.scripts = append(r.scripts, script)

	if r.failOn != "" && strings.Contains(script, r.failOn) {
		return "tool output", fmt.Errorf("exit status 1")
	}

	return "", nil
}

func testFixture(t *testing.T, opts plan.Options) (*plan.ValidatedPlan, partitioner.Map, *mount.Set) {
	t.Helper()

	specs := []plan.PartitionSpec{
		{Device: "/dev/vda", Size: 512 * 1024 * 1024, FS: plan.FilesystemTypeVFAT, Role: plan.RoleESP},
		{Device: "/dev/vda", Size: 2 * 1024 * 1024 * 1024, FS: plan.FilesystemTypeSwap, Role: plan.RoleSwap},
		{Device: "/dev/vda", Size: 0, FS: plan.FilesystemTypeExt4, Role: plan.RoleRoot},
	}

	if opts.Payload == "" {
		opts.Payload = "/srv/payload"
	}

	vp, err := plan.Validate(&plan.InstallationPlan{Specs: specs, Options: opts},
		plan.Snapshot{"/dev/vda": {Path: "/dev/vda", Size: 20 * 1024 * 1024 * 1024, SectorSize: 512}})
	require.NoError(t, err)

	parts := partitioner.Map{}

	for _, rp := range vp.Resolved {
		parts[rp.Device] = append(parts[rp.Device], partitioner.Partition{
			Path:  rp.Path,
			Index: rp.Index,
			Label: rp.Spec.LabelFor(),
			Role:  rp.Spec.Role,
			FS:    rp.Spec.FS,
			Size:  rp.Size,
		})
	}

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))

	return vp, parts, mount.NewSet(root)
}

func newConfigurator(t *testing.T, recorder *scriptRecorder) *Configurator {
	t.Helper()

	journal, err := report.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)

	t.Cleanup(func() { journal.Close() }) //nolint:errcheck

	return NewWithRunner(zaptest.NewLogger(t), journal, recorder.run)
}

func withFakeProbe(t *testing.T) {
	t.Helper()

	orig := probeSource

	probeSource = func(path string) string {
		return "UUID=fake-" + filepath.Base(path)
	}

	t.Cleanup(func() { probeSource = orig })
}

func TestConfigureUEFI(t *testing.T) {
	withFakeProbe(t)

	recorder := &scriptRecorder{}
	c := newConfigurator(t, recorder)

	vp, parts, set := testFixture(t, plan.Options{
		Bootloader: plan.FirmwareUEFI,
		Hostname:   "forge",
		Locale:     "en_US.UTF-8",
	})

	require.NoError(t, c.Configure(context.Background(), vp, parts, set))

	// fstab: root pass 1, esp pass 2, swap pass 0
	data, err := os.ReadFile(filepath.Join(set.RootTarget(), "etc/fstab"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "UUID=fake-vda3 / ext4 defaults 0 1", lines[2])
	assert.Equal(t, "UUID=fake-vda1 /boot/efi vfat defaults 0 2", lines[3])
	assert.Equal(t, "UUID=fake-vda2 none swap defaults 0 0", lines[4])

	// hostname written directly into the tree
	hostname, err := os.ReadFile(filepath.Join(set.RootTarget(), "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "forge\n", string(hostname))

	joined := strings.Join(recorder.scripts, "\n")
	assert.Contains(t, joined, "locale-gen")
	assert.Contains(t, joined, "grub-install --target=x86_64-efi --efi-directory=/boot/efi")
	assert.Contains(t, joined, "grub-mkconfig -o /boot/grub/grub.cfg")
	// no digest in the plan: root password falls back to the default
	assert.Contains(t, joined, "echo 'root:root' | chpasswd")
}

func TestConfigureBIOSBootDevice(t *testing.T) {
	withFakeProbe(t)

	recorder := &scriptRecorder{}
	c := newConfigurator(t, recorder)

	vp, parts, set := testFixture(t, plan.Options{Bootloader: plan.FirmwareBIOS})

	require.NoError(t, c.Configure(context.Background(), vp, parts, set))

	joined := strings.Join(recorder.scripts, "\n")
	// BIOS grub targets the disk holding the root partition
	assert.Contains(t, joined, "grub-install --target=i386-pc --recheck '/dev/vda'")
}

func TestConfigureUsers(t *testing.T) {
	withFakeProbe(t)

	recorder := &scriptRecorder{}
	c := newConfigurator(t, recorder)

	vp, parts, set := testFixture(t, plan.Options{
		Bootloader:         plan.FirmwareUEFI,
		RootPasswordDigest: "$6$salt$digest",
		User: &plan.UserSpec{
			Name:           "admin",
			PasswordDigest: "$6$salt$userdigest",
			Sudo:           true,
		},
	})

	require.NoError(t, c.Configure(context.Background(), vp, parts, set))

	joined := strings.Join(recorder.scripts, "\n")
	assert.Contains(t, joined, "echo 'root:$6$salt$digest' | chpasswd -e")
	assert.Contains(t, joined, "useradd -m -s '/bin/bash' -G wheel 'admin'")
	assert.Contains(t, joined, "echo 'admin:$6$salt$userdigest' | chpasswd -e")
	assert.Contains(t, joined, "%wheel ALL=(ALL:ALL) ALL")
}

func TestConfigureBootloaderFailureIsFatal(t *testing.T) {
	withFakeProbe(t)

	recorder := &scriptRecorder{failOn: "grub-install"}
	c := newConfigurator(t, recorder)

	vp, parts, set := testFixture(t, plan.Options{Bootloader: plan.FirmwareUEFI})

	err := c.Configure(context.Background(), vp, parts, set)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.InstallationUnbootable](err))
	// the raw tool output travels with the error
	assert.Contains(t, err.Error(), "tool output")
}

func TestConfigureCollectsSiblingFailures(t *testing.T) {
	withFakeProbe(t)

	recorder := &scriptRecorder{failOn: "locale-gen"}
	c := newConfigurator(t, recorder)

	vp, parts, set := testFixture(t, plan.Options{
		Bootloader: plan.FirmwareUEFI,
		Locale:     "en_US.UTF-8",
	})

	err := c.Configure(context.Background(), vp, parts, set)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.ConfigurationStepFailed](err))
	assert.False(t, xerrors.TagIs[failure.InstallationUnbootable](err))

	// the bootloader still ran after the locale failure
	assert.Contains(t, strings.Join(recorder.scripts, "\n"), "grub-install")
}

func TestConfigurePostInstall(t *testing.T) {
	withFakeProbe(t)

	recorder := &scriptRecorder{}
	c := newConfigurator(t, recorder)

	vp, parts, set := testFixture(t, plan.Options{
		Bootloader:     plan.FirmwareUEFI,
		PostInstallCmd: "systemctl enable NetworkManager",
	})

	require.NoError(t, c.Configure(context.Background(), vp, parts, set))

	assert.Equal(t, "systemctl enable NetworkManager", recorder.scripts[len(recorder.scripts)-1])
}

func TestChrootToolContextSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	toolCtx, stop := toolContext(ctx, time.Minute)
	defer stop()

	// an in-flight chrooted tool keeps running after a pipeline abort
	assert.NoError(t, toolCtx.Err())

	deadline, ok := toolCtx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}
