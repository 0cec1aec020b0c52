// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anvil-os/anvil/internal/pkg/partitioner"
	"github.com/anvil-os/anvil/pkg/plan"
	"github.com/anvil-os/anvil/pkg/report"
)

func testPlan(t *testing.T) *plan.ValidatedPlan {
	t.Helper()

	vp, err := plan.Validate(&plan.InstallationPlan{
		Specs: []plan.PartitionSpec{
			{Device: "/dev/vda", Size: 512 * 1024 * 1024, FS: plan.FilesystemTypeVFAT, Role: plan.RoleESP},
			{Device: "/dev/vda", Size: 0, FS: plan.FilesystemTypeExt4, Role: plan.RoleRoot},
		},
		Options: plan.Options{
			Bootloader: plan.FirmwareUEFI,
			Payload:    "/srv/payload",
		},
	}, plan.Snapshot{"/dev/vda": {Path: "/dev/vda", Size: 10 * 1024 * 1024 * 1024, SectorSize: 512}})
	require.NoError(t, err)

	return vp
}

func testPartitions(vp *plan.ValidatedPlan) partitioner.Map {
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

	return parts
}

func TestBuilderBuild(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	journal, err := report.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)

	t.Cleanup(func() { journal.Close() }) //nolint:errcheck

	vp := testPlan(t)
	prefix := t.TempDir()

	builder := NewBuilder(zaptest.NewLogger(t), journal)

	set, err := builder.Build(t.Context(), vp, testPartitions(vp), prefix)
	require.NoError(t, err)

	// root first, the ESP nested under it
	require.Len(t, set.Points(), 2)
	assert.Equal(t, "/", set.Points()[0].Target())
	assert.Equal(t, "/boot/efi", set.Points()[1].Target())
	assert.Equal(t, []string{prefix, filepath.Join(prefix, "boot/efi")}, fake.mounts)

	// every mount journaled pending then succeeded
	var steps []string

	for _, entry := range journal.Entries() {
		steps = append(steps, entry.Step+"/"+string(entry.Status))
	}

	assert.Equal(t, []string{
		"mount/root/pending",
		"mount/root/succeeded",
		"mount/boot/efi/pending",
		"mount/boot/efi/succeeded",
	}, steps)
}

func TestBuilderMissingPartition(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	journal, err := report.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)

	t.Cleanup(func() { journal.Close() }) //nolint:errcheck

	vp := testPlan(t)

	// the partitioner produced nothing for this plan
	builder := NewBuilder(zaptest.NewLogger(t), journal)

	_, err = builder.Build(t.Context(), vp, partitioner.Map{}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "was not created")
}

func TestBuilderBindAPI(t *testing.T) {
	var fake fakeSyscalls

	fake.install(t)

	journal, err := report.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)

	t.Cleanup(func() { journal.Close() }) //nolint:errcheck

	vp := testPlan(t)
	prefix := t.TempDir()

	builder := NewBuilder(zaptest.NewLogger(t), journal)

	set, err := builder.Build(t.Context(), vp, testPartitions(vp), prefix)
	require.NoError(t, err)

	require.NoError(t, builder.BindAPI(set))

	require.Len(t, set.Points(), 5)
	assert.Equal(t, "/dev", set.Points()[2].Target())
	assert.Equal(t, "/proc", set.Points()[3].Target())
	assert.Equal(t, "/sys", set.Points()[4].Target())

	// binds tear down before the filesystems under them
	require.NoError(t, set.Teardown())
	assert.Equal(t, filepath.Join(prefix, "sys"), fake.unmounts[0])
	assert.Equal(t, prefix, fake.unmounts[4])
}
