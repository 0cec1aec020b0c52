// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package inventory

import (
	"context"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anvil-os/anvil/pkg/failure"
)

func TestPartitionPath(t *testing.T) {
	assert.Equal(t, "/dev/vda1", PartitionPath("/dev/vda", 1))
	assert.Equal(t, "/dev/sdb3", PartitionPath("/dev/sdb", 3))
	assert.Equal(t, "/dev/nvme0n1p2", PartitionPath("/dev/nvme0n1", 2))
	assert.Equal(t, "/dev/loop0p1", PartitionPath("/dev/loop0", 1))
}

func TestSkipDeviceName(t *testing.T) {
	for name, skip := range map[string]bool{
		"sda":     false,
		"vdb":     false,
		"nvme0n1": false,
		"loop0":   false,
		// software RAID arrays are legitimate whole-disk targets
		"md0":   false,
		"md127": false,
		"ram0":  true,
		"zram0": true,
		"dm-0":  true,
		"fd0":   true,
	} {
		assert.Equal(t, skip, skipDeviceName(name), "device %q", name)
	}
}

func TestRefreshMissingDevice(t *testing.T) {
	inv := New(zaptest.NewLogger(t))

	_, err := inv.Refresh(context.Background(), "/dev/does-not-exist")
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.DeviceUnavailable](err))
}
