// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transfer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/anvil-os/anvil/pkg/failure"
)

const paxXattrPrefix = "SCHILY.xattr."

// untar extracts a tar payload into dst.
//
// Regular files already present with a matching size+mtime signature are
// skipped (the archive body is skipped for free by the tar reader). On
// interruption the remaining headers are drained to report an exact count of
// entries left behind.
func (t *Transferrer) untar(ctx context.Context, r io.Reader, dst string) (Stats, error) {
	tr := tar.NewReader(r)

	var stats Stats

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}

		if err != nil {
			return stats, fmt.Errorf("failed to read archive header: %w", err)
		}

		stats.Entries++

		select {
		case <-ctx.Done():
			return stats, failure.TransferIncompletef("payload transfer interrupted, %d entries remaining: %w", 1+drain(tr), ctx.Err())
		default:
		}

		if err = t.extractEntry(tr, hdr, dst, &stats); err != nil {
			return stats, failure.TransferIncompletef("payload transfer interrupted, %d entries remaining: %w", 1+drain(tr), err)
		}

		if stats.Entries%progressEvery == 0 {
			t.logger.Info("transfer progress", zap.Int("done", stats.Entries))
		}
	}
}

//nolint:gocyclo
func (t *Transferrer) extractEntry(tr *tar.Reader, hdr *tar.Header, dst string, stats *Stats) error {
	dstPath, err := safeJoin(dst, hdr.Name)
	if err != nil {
		return err
	}

	var xattrs map[string][]byte

	if t.opts.preserveXattrs {
		for key, value := range hdr.PAXRecords {
			if name, ok := strings.CutPrefix(key, paxXattrPrefix); ok {
				if xattrs == nil {
					xattrs = map[string][]byte{}
				}

				xattrs[name] = []byte(value)
			}
		}
	}

	mode := hdr.FileInfo().Mode()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err = os.MkdirAll(dstPath, mode.Perm()); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dstPath, err)
		}
	case tar.TypeReg:
		if upToDate(dstPath, hdr.Size, hdr.ModTime) {
			stats.Skipped++

			return nil
		}

		n, err := copyFile(dstPath, tr, mode.Perm())
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", dstPath, err)
		}

		stats.Bytes += uint64(n)
	case tar.TypeSymlink:
		if existing, err := os.Readlink(dstPath); err == nil && existing == hdr.Linkname {
			stats.Skipped++

			return t.applyMeta(dstPath, 0, hdr.Uid, hdr.Gid, hdr.ModTime, xattrs, true)
		}

		if err = os.RemoveAll(dstPath); err != nil {
			return err
		}

		if err = os.Symlink(hdr.Linkname, dstPath); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", dstPath, err)
		}
	case tar.TypeLink:
		linkTarget, err := safeJoin(dst, hdr.Linkname)
		if err != nil {
			return err
		}

		if err = os.RemoveAll(dstPath); err != nil {
			return err
		}

		if err = os.Link(linkTarget, dstPath); err != nil {
			return fmt.Errorf("failed to create hard link %s: %w", dstPath, err)
		}

		// hard links share the target's metadata
		stats.Copied++

		return nil
	case tar.TypeChar, tar.TypeBlock:
		nodeMode := uint32(mode.Perm())

		if hdr.Typeflag == tar.TypeChar {
			nodeMode |= unix.S_IFCHR
		} else {
			nodeMode |= unix.S_IFBLK
		}

		if err = os.RemoveAll(dstPath); err != nil {
			return err
		}

		if err = unix.Mknod(dstPath, nodeMode, int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)))); err != nil {
			return fmt.Errorf("failed to create node %s: %w", dstPath, err)
		}
	case tar.TypeFifo:
		if err = os.RemoveAll(dstPath); err != nil {
			return err
		}

		if err = unix.Mkfifo(dstPath, uint32(mode.Perm())); err != nil {
			return fmt.Errorf("failed to create fifo %s: %w", dstPath, err)
		}
	default:
		// GNU sparse, extended headers etc. are not expected in system payloads
		return fmt.Errorf("unsupported archive entry type %c: %s", hdr.Typeflag, hdr.Name)
	}

	stats.Copied++

	return t.applyMeta(dstPath, mode.Perm(), hdr.Uid, hdr.Gid, hdr.ModTime, xattrs, hdr.Typeflag == tar.TypeSymlink)
}

// safeJoin joins an archive member path to the extraction root, rejecting
// entries that escape it.
func safeJoin(dst, name string) (string, error) {
	path := filepath.Join(dst, name)

	if path != dst && !strings.HasPrefix(path, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes the target tree: %q", name)
	}

	return path, nil
}

// drain consumes the remaining archive headers to count entries that were
// not transferred.
func drain(tr *tar.Reader) int {
	var n int

	for {
		if _, err := tr.Next(); err != nil {
			return n
		}

		n++
	}
}
