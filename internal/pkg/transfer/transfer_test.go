// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/internal/pkg/transfer"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/report"
)

func newTransferrer(t *testing.T) (*transfer.Transferrer, *report.Journal) {
	t.Helper()

	journal, err := report.Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)

	t.Cleanup(func() { journal.Close() }) //nolint:errcheck

	// tests run unprivileged
	tr := transfer.New(zaptest.NewLogger(t), journal,
		transfer.WithPreserveOwnership(false),
		transfer.WithPreserveXattrs(false),
	)

	return tr, journal
}

func buildPayloadTree(t *testing.T) string {
	t.Helper()

	src := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc/certs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "usr/bin"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(src, "etc/hostname"), []byte("localhost\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc/certs/ca.crt"), []byte("-- CA PEM CERT --"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "usr/bin/cp"), bytes.Repeat([]byte("ELF"), 4096), 0o755))
	require.NoError(t, os.Symlink("cp", filepath.Join(src, "usr/bin/mv")))

	// stable mtimes so the resume signature is deterministic
	past := time.Now().Add(-time.Hour).Truncate(time.Second)

	for _, p := range []string{"etc/hostname", "etc/certs/ca.crt", "usr/bin/cp"} {
		require.NoError(t, os.Chtimes(filepath.Join(src, p), past, past))
	}

	return src
}

func TestTransferDirectory(t *testing.T) {
	tr, _ := newTransferrer(t)

	src := buildPayloadTree(t)
	dst := t.TempDir()

	stats, err := tr.Transfer(context.Background(), src, mount.NewSet(dst))
	require.NoError(t, err)

	assert.Equal(t, 8, stats.Entries)
	assert.Equal(t, 0, stats.Skipped)

	data, err := os.ReadFile(filepath.Join(dst, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "localhost\n", string(data))

	target, err := os.Readlink(filepath.Join(dst, "usr/bin/mv"))
	require.NoError(t, err)
	assert.Equal(t, "cp", target)

	st, err := os.Stat(filepath.Join(dst, "etc/certs/ca.crt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestTransferDirectoryResume(t *testing.T) {
	tr, _ := newTransferrer(t)

	src := buildPayloadTree(t)
	dst := t.TempDir()
	set := mount.NewSet(dst)

	_, err := tr.Transfer(context.Background(), src, set)
	require.NoError(t, err)

	// simulate an interrupted transfer: one file goes missing, one is
	// half-written with a stale signature
	require.NoError(t, os.Remove(filepath.Join(dst, "etc/hostname")))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "usr/bin/cp"), []byte("PART"), 0o755))

	stats, err := tr.Transfer(context.Background(), src, set)
	require.NoError(t, err)

	// the intact file and the matching symlink are skipped by signature,
	// the damaged files are re-copied
	assert.Equal(t, 2, stats.Skipped)

	// end state is byte-identical to an uninterrupted transfer
	data, err := os.ReadFile(filepath.Join(dst, "usr/bin/cp"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("ELF"), 4096), data)

	data, err = os.ReadFile(filepath.Join(dst, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "localhost\n", string(data))
}

func TestTransferDirectoryCancel(t *testing.T) {
	tr, _ := newTransferrer(t)

	src := buildPayloadTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Transfer(ctx, src, mount.NewSet(t.TempDir()))
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.TransferIncomplete](err))
	assert.Contains(t, err.Error(), "entries remaining")
}

func buildPayloadArchive(t *testing.T) string {
	t.Helper()

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	modTime := time.Now().Add(-time.Hour).Truncate(time.Second)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "etc/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "etc/hostname", Typeflag: tar.TypeReg, Mode: 0o644, Size: 10, ModTime: modTime,
	}))
	_, err := tw.Write([]byte("localhost\n"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime,
	}))
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/sh", Typeflag: tar.TypeReg, Mode: 0o755, Size: 4, ModTime: modTime,
	}))
	_, err = tw.Write([]byte("#!sh"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "bin/bash", Typeflag: tar.TypeSymlink, Linkname: "sh", Mode: 0o777, ModTime: modTime,
	}))

	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "payload.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	return path
}

func TestTransferArchive(t *testing.T) {
	tr, journal := newTransferrer(t)

	payload := buildPayloadArchive(t)
	dst := t.TempDir()

	stats, err := tr.Transfer(context.Background(), payload, mount.NewSet(dst))
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Entries)
	assert.EqualValues(t, 14, stats.Bytes)

	data, err := os.ReadFile(filepath.Join(dst, "etc/hostname"))
	require.NoError(t, err)
	assert.Equal(t, "localhost\n", string(data))

	target, err := os.Readlink(filepath.Join(dst, "bin/bash"))
	require.NoError(t, err)
	assert.Equal(t, "sh", target)

	entries := journal.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "transfer", entries[0].Step)
	assert.Equal(t, report.StatusSucceeded, entries[1].Status)
}

func TestTransferArchiveResume(t *testing.T) {
	tr, _ := newTransferrer(t)

	payload := buildPayloadArchive(t)
	dst := t.TempDir()
	set := mount.NewSet(dst)

	_, err := tr.Transfer(context.Background(), payload, set)
	require.NoError(t, err)

	stats, err := tr.Transfer(context.Background(), payload, set)
	require.NoError(t, err)

	// both regular files and the symlink skipped by signature, nothing
	// re-written
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.Bytes)
}

func TestTransferUnsupportedPayload(t *testing.T) {
	tr, _ := newTransferrer(t)

	payload := filepath.Join(t.TempDir(), "payload.squashfs")
	require.NoError(t, os.WriteFile(payload, []byte("hsqs"), 0o644))

	_, err := tr.Transfer(context.Background(), payload, mount.NewSet(t.TempDir()))
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[failure.TransferIncomplete](err))
	assert.Contains(t, err.Error(), "unsupported payload format")
}
