// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// FilesystemTypeEXT4 is the filesystem type for EXT4.
const FilesystemTypeEXT4 = "ext4"

// Ext4 creates a ext4 filesystem on the specified partition.
func Ext4(ctx context.Context, partname string, setters ...Option) error {
	if partname == "" {
		return errors.New("missing path to disk")
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}

	if opts.Force {
		args = append(args, "-F")
	}

	args = append(args, partname)

	_, err := cmd.RunContext(ctx, "mkfs.ext4", args...)

	return err
}
