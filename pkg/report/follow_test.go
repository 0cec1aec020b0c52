// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package report_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvil-os/anvil/pkg/report"
)

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.journal")

	j, err := report.Open(path)
	require.NoError(t, err)

	t.Cleanup(func() { j.Close() }) //nolint:errcheck

	require.NoError(t, j.Append(report.Entry{Step: "validate", Status: report.StatusSucceeded}))
	require.NoError(t, j.Append(report.Entry{Step: "partition/ESP", Target: "/dev/vda", Status: report.StatusPending}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := report.Follow(ctx, path)
	require.NoError(t, err)

	// replay of what is already on disk
	first := <-entries
	assert.Equal(t, "validate", first.Step)

	second := <-entries
	assert.Equal(t, "partition/ESP", second.Step)

	// a live append from the writer process
	require.NoError(t, j.Append(report.Entry{Step: "partition/ESP", Target: "/dev/vda1", Status: report.StatusSucceeded}))

	third := <-entries
	assert.Equal(t, report.StatusSucceeded, third.Status)
	assert.Equal(t, "/dev/vda1", third.Target)

	// cancellation ends the stream
	cancel()

	for range entries { //nolint:revive
	}
}

func TestFollowMissingFile(t *testing.T) {
	_, err := report.Follow(context.Background(), filepath.Join(t.TempDir(), "nope.journal"))
	require.Error(t, err)
}
