// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount assembles and tears down the target mount tree.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/anvil-os/anvil/pkg/plan"
)

// Rank orders mount points by dependency: the root filesystem mounts first,
// subordinate system mounts next, API bind mounts for the chroot last.
// Teardown happens in strict reverse rank order.
type Rank int

// Dependency ranks.
const (
	RankRoot Rank = iota
	RankSystem
	RankBind
)

// syscall indirection for tests
var (
	mountFn   = unix.Mount
	unmountFn = unix.Unmount
)

// Point is a single mount point in the target tree.
type Point struct {
	source string
	target string // path relative to the tree prefix, "/" for the root
	fstype string
	flags  uintptr
	data   string
	rank   Rank
	role   plan.Role

	mounted bool
}

// NewPoint creates a mount point.
func NewPoint(source, target, fstype string, flags uintptr, data string, rank Rank, role plan.Role) *Point {
	return &Point{
		source: source,
		target: target,
		fstype: fstype,
		flags:  flags,
		data:   data,
		rank:   rank,
		role:   role,
	}
}

// Source returns the mount source device or path.
func (p *Point) Source() string { return p.source }

// Target returns the target path relative to the tree prefix.
func (p *Point) Target() string { return p.target }

// Fstype returns the filesystem type.
func (p *Point) Fstype() string { return p.fstype }

// Data returns the mount data (options string).
func (p *Point) Data() string { return p.data }

// Rank returns the dependency rank.
func (p *Point) Rank() Rank { return p.rank }

// Role returns the partition role behind the mount, if any.
func (p *Point) Role() plan.Role { return p.role }

// Mounted returns true while the point is mounted.
func (p *Point) Mounted() bool { return p.mounted }

// mount attaches the point under the given prefix, retrying on EBUSY every
// 100 milliseconds over the course of 5 seconds.
func (p *Point) mount(prefix string) error {
	target := filepath.Join(prefix, p.target)

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("error creating mount point directory %s: %w", target, err)
	}

	if err := retryOnBusy(func() error {
		return mountFn(p.source, target, p.fstype, p.flags, p.data)
	}); err != nil {
		return fmt.Errorf("error mounting %s on %s: %w", p.source, target, err)
	}

	p.mounted = true

	return nil
}

// unmount detaches the point. Unmounting a point that is not mounted is a
// no-op, which keeps teardown idempotent.
func (p *Point) unmount(prefix string) error {
	if !p.mounted {
		return nil
	}

	target := filepath.Join(prefix, p.target)

	err := retryOnBusy(func() error {
		return unmountFn(target, 0)
	})

	switch {
	case err == nil:
	case err == unix.EINVAL, err == unix.ENOENT:
		// not mounted anymore, or the tree is already gone
	default:
		return fmt.Errorf("error unmounting %s: %w", target, err)
	}

	p.mounted = false

	return nil
}

func retryOnBusy(op func() error) (err error) {
	for range 50 {
		if err = op(); err != unix.EBUSY {
			return err
		}

		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("mount timeout: %w", err)
}
