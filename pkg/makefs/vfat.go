// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// FilesystemTypeVFAT is the filesystem type for VFAT.
const FilesystemTypeVFAT = "vfat"

// VFAT creates a VFAT filesystem on the specified partition.
func VFAT(ctx context.Context, partname string, setters ...Option) error {
	if partname == "" {
		return errors.New("missing path to disk")
	}

	opts := NewDefaultOptions(setters...)

	args := []string{"-F", "32"}

	if opts.Label != "" {
		args = append(args, "-n", opts.Label)
	}

	args = append(args, partname)

	_, err := cmd.RunContext(ctx, "mkfs.vfat", args...)

	return err
}
