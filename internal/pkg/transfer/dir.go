// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/xattr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/anvil-os/anvil/pkg/failure"
)

type treeEntry struct {
	rel  string
	info fs.FileInfo
}

// copyTree transfers a directory payload entry by entry.
//
// The tree is walked up front so that an interruption can report the exact
// number of remaining entries.
func (t *Transferrer) copyTree(ctx context.Context, src, dst string) (Stats, error) {
	var entries []treeEntry

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path == src {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		entries = append(entries, treeEntry{rel: rel, info: info})

		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to walk payload tree: %w", err)
	}

	stats := Stats{Entries: len(entries)}

	for i, entry := range entries {
		select {
		case <-ctx.Done():
			return stats, failure.TransferIncompletef("payload transfer interrupted, %d entries remaining: %w", len(entries)-i, ctx.Err())
		default:
		}

		if err = t.copyEntry(src, dst, entry, &stats); err != nil {
			return stats, failure.TransferIncompletef("payload transfer interrupted, %d entries remaining: %w", len(entries)-i, err)
		}

		if (i+1)%progressEvery == 0 {
			t.logger.Info("transfer progress", zap.Int("done", i+1), zap.Int("total", len(entries)))
		}
	}

	return stats, nil
}

//nolint:gocyclo
func (t *Transferrer) copyEntry(src, dst string, entry treeEntry, stats *Stats) error {
	srcPath := filepath.Join(src, entry.rel)
	dstPath := filepath.Join(dst, entry.rel)
	info := entry.info

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("unexpected stat type for %s", srcPath)
	}

	uid, gid := int(st.Uid), int(st.Gid)

	var xattrs map[string][]byte

	if t.opts.preserveXattrs {
		var err error

		if xattrs, err = readXattrs(srcPath); err != nil {
			return err
		}
	}

	switch {
	case info.IsDir():
		if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dstPath, err)
		}
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(srcPath)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", srcPath, err)
		}

		if existing, err := os.Readlink(dstPath); err == nil && existing == target {
			stats.Skipped++

			return t.applyMeta(dstPath, 0, uid, gid, info.ModTime(), xattrs, true)
		}

		if err = os.RemoveAll(dstPath); err != nil {
			return err
		}

		if err = os.Symlink(target, dstPath); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", dstPath, err)
		}
	case info.Mode().IsRegular():
		if upToDate(dstPath, info.Size(), info.ModTime()) {
			stats.Skipped++

			return nil
		}

		f, err := os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", srcPath, err)
		}

		n, err := copyFile(dstPath, f, info.Mode().Perm())

		f.Close() //nolint:errcheck

		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", srcPath, err)
		}

		stats.Bytes += uint64(n)
	case info.Mode()&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		if err := os.RemoveAll(dstPath); err != nil {
			return err
		}

		if err := unix.Mknod(dstPath, uint32(st.Mode), int(st.Rdev)); err != nil {
			return fmt.Errorf("failed to create node %s: %w", dstPath, err)
		}
	default:
		return fmt.Errorf("unsupported entry type %s: %s", info.Mode(), srcPath)
	}

	stats.Copied++

	return t.applyMeta(dstPath, info.Mode().Perm(), uid, gid, info.ModTime(), xattrs, info.Mode()&os.ModeSymlink != 0)
}

func readXattrs(path string) (map[string][]byte, error) {
	names, err := xattr.LList(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list xattrs of %s: %w", path, err)
	}

	if len(names) == 0 {
		return nil, nil
	}

	xattrs := make(map[string][]byte, len(names))

	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read xattr %s of %s: %w", name, path, err)
		}

		xattrs[name] = value
	}

	return xattrs, nil
}
