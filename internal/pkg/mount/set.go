// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/anvil-os/anvil/pkg/failure"
)

// Set is the collection of active mount points of one installation run.
//
// Points are mounted in rank order and torn down in strict reverse order on
// both the success and the failure path.
type Set struct {
	prefix string
	points []*Point
}

// NewSet creates an empty mount set rooted at prefix.
func NewSet(prefix string) *Set {
	return &Set{prefix: prefix}
}

// Prefix returns the host path the tree is assembled under.
func (s *Set) Prefix() string { return s.prefix }

// Points returns the mount points in mount order.
func (s *Set) Points() []*Point { return s.points }

// RootTarget returns the absolute path of the mounted root tree.
func (s *Set) RootTarget() string { return s.prefix }

// Mount attaches a point to the tree and records it for teardown.
//
// Points must arrive in non-descending rank order, and a subordinate point
// requires its parent directory to exist inside the already-mounted tree;
// violating either is a MountOrderViolation, a programming error rather than
// a runtime condition to tolerate.
func (s *Set) Mount(point *Point) error {
	if len(s.points) == 0 {
		if point.rank != RankRoot {
			return failure.MountOrderViolationf("first mount must be the root, got %s (rank %d)", point.target, point.rank)
		}
	} else {
		last := s.points[len(s.points)-1]

		if point.rank < last.rank {
			return failure.MountOrderViolationf("mount %s (rank %d) arrived after rank %d", point.target, point.rank, last.rank)
		}

		parent := filepath.Dir(filepath.Join(s.prefix, point.target))

		if _, err := os.Stat(parent); err != nil {
			return failure.MountOrderViolationf("parent directory %s for mount %s does not exist", parent, point.target)
		}
	}

	if err := point.mount(s.prefix); err != nil {
		return err
	}

	s.points = append(s.points, point)

	return nil
}

// Teardown unmounts every point in exact reverse order.
//
// It is idempotent: calling it twice, or on a partially built set, never
// fails on already-unmounted points. It is the cleanup path for downstream
// failures and user-initiated aborts as well as for success.
func (s *Set) Teardown() error {
	var errs error

	for i := len(s.points) - 1; i >= 0; i-- {
		errs = errors.Join(errs, s.points[i].unmount(s.prefix))
	}

	return errs
}
