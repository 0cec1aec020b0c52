// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package plan

// PartitionTableKind is the partition table format found on a device.
type PartitionTableKind string

// Partition table kinds.
const (
	TableKindNone   PartitionTableKind = ""
	TableKindGPT    PartitionTableKind = "gpt"
	TableKindLegacy PartitionTableKind = "dos"
)

// PartitionSnapshot is the observed state of an existing partition.
type PartitionSnapshot struct {
	// Index is the 1-based partition index within the table.
	Index uint
	// Offset and Size are byte ranges on the parent device.
	Offset uint64
	Size   uint64

	Label      string
	TypeUUID   string
	Filesystem string
	// FilesystemUUID is the probed filesystem UUID, if any.
	FilesystemUUID string
}

// DeviceSnapshot is the observed state of a block device at inventory time.
//
// Snapshots are read-only: mutation happens only through partitioner actions
// applied to the device identity.
type DeviceSnapshot struct {
	// Path is the stable device node path.
	Path string
	// Size is the device capacity in bytes.
	Size uint64
	// SectorSize is the logical sector size in bytes.
	SectorSize uint
	// Table is the current partition table kind.
	Table PartitionTableKind

	Partitions []PartitionSnapshot
}

// Snapshot is an inventory snapshot keyed by device path.
type Snapshot map[string]DeviceSnapshot
