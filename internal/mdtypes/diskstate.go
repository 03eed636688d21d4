package mdtypes

import "strings"

// DiskState is the state bitmask carried per-entry in a superblock's disks
// table (mdp_super_t.disks[i].state in md_p.h).
type DiskState uint32

const (
	DiskFaulty  DiskState = 1 << 0
	DiskActive  DiskState = 1 << 1
	DiskSync    DiskState = 1 << 2
	DiskRemoved DiskState = 1 << 3
)

// ActiveSync is the state Create/Build assign to a disk slotted into the
// array from the start: active and in sync. Named here instead of the bare
// integer 6 the original C uses, per spec section 9's note on untagged
// magic integers.
const ActiveSync = DiskActive | DiskSync

func (s DiskState) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	if s&DiskFaulty != 0 {
		parts = append(parts, "faulty")
	}
	if s&DiskActive != 0 {
		parts = append(parts, "active")
	}
	if s&DiskSync != 0 {
		parts = append(parts, "sync")
	}
	if s&DiskRemoved != 0 {
		parts = append(parts, "removed")
	}
	return strings.Join(parts, "|")
}

// ChangeFlags records which kind of superblock rewrite a geometry
// reconciliation pass performed, per spec section 4.4.
type ChangeFlags uint32

const (
	ChangeDeviceNumbers ChangeFlags = 1 << 0
	ChangeClearedFaulty ChangeFlags = 1 << 1
)

// RunStop selects Assemble's starting policy.
type RunStop int

const (
	RunStopForceRun           RunStop = 1
	RunStopAuto               RunStop = 0
	RunStopForceAssembleNoRun RunStop = -1
)
