// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package transfer copies the base system payload into the mounted target
// tree.
//
// The payload is either a directory tree or a tar archive (optionally gz, xz
// or zstd compressed). Transfers are restartable: an entry whose destination
// already matches the source size and modification time is skipped, so a
// resumed run copies only what an interrupted one left behind.
package transfer

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/xattr"
	"github.com/siderolabs/gen/xerrors"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/anvil-os/anvil/internal/pkg/mount"
	"github.com/anvil-os/anvil/pkg/failure"
	"github.com/anvil-os/anvil/pkg/report"
)

// progressEvery controls how often the transfer logs a progress line.
const progressEvery = 2500

// Stats summarizes a finished (or interrupted) transfer.
type Stats struct {
	// Entries is the number of payload entries seen.
	Entries int
	// Copied is the number of entries written in this run.
	Copied int
	// Skipped is the number of entries already present with a matching
	// size+mtime signature.
	Skipped int
	// Bytes is the number of payload bytes written in this run.
	Bytes uint64
}

// Option configures the transfer.
type Option func(*options)

type options struct {
	preserveOwnership bool
	preserveXattrs    bool
}

// WithPreserveOwnership toggles chown of transferred entries. Disabled in
// unprivileged tests, enabled everywhere else.
func WithPreserveOwnership(enable bool) Option {
	return func(o *options) {
		o.preserveOwnership = enable
	}
}

// WithPreserveXattrs toggles extended attribute transfer.
func WithPreserveXattrs(enable bool) Option {
	return func(o *options) {
		o.preserveXattrs = enable
	}
}

// Transferrer streams the payload into the target tree.
type Transferrer struct {
	logger  *zap.Logger
	journal *report.Journal
	opts    options
}

// New creates a Transferrer.
func New(logger *zap.Logger, journal *report.Journal, setters ...Option) *Transferrer {
	opts := options{
		preserveOwnership: true,
		preserveXattrs:    true,
	}

	for _, s := range setters {
		s(&opts)
	}

	return &Transferrer{
		logger:  logger,
		journal: journal,
		opts:    opts,
	}
}

// Transfer copies the payload into the root of the mount set.
//
// Any interruption is reported as TransferIncomplete with the count of
// remaining entries; re-running the transfer resumes where it left off.
func (t *Transferrer) Transfer(ctx context.Context, payload string, set *mount.Set) (Stats, error) {
	const step = "transfer"

	if err := t.journal.Append(report.Entry{Step: step, Target: payload, Status: report.StatusPending}); err != nil {
		return Stats{}, err
	}

	t.logger.Info("transferring payload", zap.String("payload", payload), zap.String("target", set.RootTarget()))

	stats, err := t.transfer(ctx, payload, set.RootTarget())
	if err != nil && !xerrors.TagIs[failure.TransferIncomplete](err) {
		err = failure.TransferIncompletef("payload transfer failed: %w", err)
	}

	entry := report.Entry{Step: step, Target: payload, Status: report.StatusSucceeded}

	if err != nil {
		entry.Status = report.StatusFailed
		entry.Error = err.Error()
	}

	if appendErr := t.journal.Append(entry); appendErr != nil {
		t.logger.Error("failed to append journal entry", zap.Error(appendErr))
	}

	if err == nil {
		t.logger.Info("payload transferred",
			zap.Int("entries", stats.Entries),
			zap.Int("copied", stats.Copied),
			zap.Int("skipped", stats.Skipped),
			zap.Uint64("bytes", stats.Bytes))
	}

	return stats, err
}

func (t *Transferrer) transfer(ctx context.Context, payload, dst string) (Stats, error) {
	st, err := os.Stat(payload)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to stat payload: %w", err)
	}

	if st.IsDir() {
		return t.copyTree(ctx, payload, dst)
	}

	f, err := os.Open(payload)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open payload: %w", err)
	}

	defer f.Close() //nolint:errcheck

	r, err := decompressor(payload, f)
	if err != nil {
		return Stats{}, err
	}

	return t.untar(ctx, r, dst)
}

// decompressor wraps the payload stream based on the archive suffix.
func decompressor(payload string, f io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(payload, ".tar"):
		return f, nil
	case strings.HasSuffix(payload, ".tar.gz"), strings.HasSuffix(payload, ".tgz"):
		return gzip.NewReader(f)
	case strings.HasSuffix(payload, ".tar.xz"), strings.HasSuffix(payload, ".txz"):
		return xz.NewReader(f)
	case strings.HasSuffix(payload, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}

		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported payload format: %q", payload)
	}
}

// upToDate compares the size+mtime signature of an existing destination entry
// against the source. Modification times are compared at second granularity,
// the resolution tar archives are guaranteed to carry.
func upToDate(dstPath string, size int64, modTime time.Time) bool {
	st, err := os.Lstat(dstPath)
	if err != nil {
		return false
	}

	if !st.Mode().IsRegular() || st.Size() != size {
		return false
	}

	return st.ModTime().Truncate(time.Second).Equal(modTime.Truncate(time.Second))
}

// applyMeta sets ownership, permissions, times and extended attributes on a
// transferred entry. Symlink permissions are not portable and are skipped.
func (t *Transferrer) applyMeta(path string, mode os.FileMode, uid, gid int, modTime time.Time, xattrs map[string][]byte, symlink bool) error {
	if t.opts.preserveOwnership {
		if err := os.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", path, err)
		}
	}

	if !symlink {
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", path, err)
		}

		if err := os.Chtimes(path, modTime, modTime); err != nil {
			return fmt.Errorf("failed to set times on %s: %w", path, err)
		}
	}

	if t.opts.preserveXattrs {
		for name, value := range xattrs {
			if err := xattr.LSet(path, name, value); err != nil {
				return fmt.Errorf("failed to set xattr %s on %s: %w", name, path, err)
			}
		}
	}

	return nil
}

// copyFile writes a regular file, then stamps its metadata. A crash mid-file
// leaves a signature mismatch, so the resumed run re-copies it.
func copyFile(dstPath string, src io.Reader, mode os.FileMode) (int64, error) {
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, src)
	if err != nil {
		f.Close() //nolint:errcheck

		return n, err
	}

	return n, f.Close()
}
