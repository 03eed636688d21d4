// Package superblock implements the fixed-layout on-disk metadata record
// ("superblock") that identifies a member of an md array, grounded on
// original_source/util.c's load_super/compare_super/uuid_from_super and the
// field list those functions touch (md_magic, major/minor/patch_version,
// set_uuid0..3, ctime, level, size, raid_disks, state, active/working/
// failed/spare_disks, sb_csum, events_hi/lo). The record is read and
// written as a flat byte buffer at fixed word offsets, the same style a
// wire-protocol codec would use, rather than an unsafe.Pointer struct
// overlay: nothing here crosses the syscall boundary, so there is no ABI
// struct to match bit-for-bit.
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/neilbrown/mdctl-go/internal/mderrors"
)

var (
	errBadMagic          = errors.New("bad magic number")
	errWrongMajorVersion = errors.New("unsupported major version")
	errSeek              = errors.New("seek failed")
)

const (
	// Magic is the fixed constant that must open every valid record.
	Magic uint32 = 0xa92b4efc

	// MajorVersion0 is the only on-disk major format version this codec
	// understands.
	MajorVersion0 uint32 = 0

	// ReservedSectors is the size, in 512-byte sectors, of the area
	// reserved for metadata at the tail of a member device (64 KiB).
	ReservedSectors int64 = 128

	// Disks is the fixed length of the per-member disks table.
	Disks = 27

	// sizeBytes is the total on-disk size of one record.
	sizeBytes = 4096
)

// Word offsets into the flat record, named after the C fields they replace.
const (
	offMagic          = 4 * 0
	offMajorVersion   = 4 * 1
	offMinorVersion   = 4 * 2
	offPatchVersion   = 4 * 3
	offGvalidWords    = 4 * 4
	offSetUUID0       = 4 * 5
	offCtime          = 4 * 6
	offLevel          = 4 * 7
	offSize           = 4 * 8
	offNrDisks        = 4 * 9
	offRaidDisks      = 4 * 10
	offMdMinor        = 4 * 11
	offNotPersistent  = 4 * 12
	offSetUUID1       = 4 * 13
	offSetUUID2       = 4 * 14
	offSetUUID3       = 4 * 15
	genericConstWords = 24

	offUtime        = 4 * genericConstWords
	offState        = offUtime + 4
	offActiveDisks  = offState + 4
	offWorkingDisks = offActiveDisks + 4
	offFailedDisks  = offWorkingDisks + 4
	offSpareDisks   = offFailedDisks + 4
	offChecksum     = offSpareDisks + 4
	offEventsHi     = offChecksum + 4
	offEventsLo     = offEventsHi + 4
	genericStateWords = 20

	offLayout     = genericConstWords*4 + genericStateWords*4
	offChunkSize  = offLayout + 4
	personalityWords = 12

	offDisks          = (genericConstWords + genericStateWords + personalityWords) * 4
	descriptorWords   = 8
	diskEntryBytes    = descriptorWords * 4
	offThisDisk       = offDisks + Disks*diskEntryBytes + (1024-genericConstWords-genericStateWords-personalityWords-Disks*descriptorWords-descriptorWords)*4
)

// State flags for the superblock-level "state" word.
const (
	StateClean  uint32 = 1 << 0
	StateErrors uint32 = 1 << 1
)

// DiskDescriptor is one entry in the disks table, or the this_disk entry.
// State holds mdtypes.DiskState bits.
type DiskDescriptor struct {
	Number   uint32
	Major    uint32
	Minor    uint32
	RaidDisk uint32
	State    uint32
}

func (d DiskDescriptor) put(buf []byte, off int) {
	binary.LittleEndian.PutUint32(buf[off+0:], d.Number)
	binary.LittleEndian.PutUint32(buf[off+4:], d.Major)
	binary.LittleEndian.PutUint32(buf[off+8:], d.Minor)
	binary.LittleEndian.PutUint32(buf[off+12:], d.RaidDisk)
	binary.LittleEndian.PutUint32(buf[off+16:], d.State)
}

func getDisk(buf []byte, off int) DiskDescriptor {
	return DiskDescriptor{
		Number:   binary.LittleEndian.Uint32(buf[off+0:]),
		Major:    binary.LittleEndian.Uint32(buf[off+4:]),
		Minor:    binary.LittleEndian.Uint32(buf[off+8:]),
		RaidDisk: binary.LittleEndian.Uint32(buf[off+12:]),
		State:    binary.LittleEndian.Uint32(buf[off+16:]),
	}
}

// Superblock is the decoded form of the fixed-layout on-disk record.
type Superblock struct {
	MajorVersion uint32
	MinorVersion uint32
	PatchVersion uint32

	SetUUID0 uint32
	SetUUID1 uint32
	SetUUID2 uint32
	SetUUID3 uint32

	Ctime uint32
	Level int32
	Size  uint32

	NrDisks       uint32
	RaidDisks     uint32
	MdMinor       uint32
	NotPersistent uint32

	Utime        uint32
	State        uint32
	ActiveDisks  uint32
	WorkingDisks uint32
	FailedDisks  uint32
	SpareDisks   uint32
	EventsHi     uint32
	EventsLo     uint32

	Layout    int32
	ChunkSize uint32

	DiskTable [Disks]DiskDescriptor
	ThisDisk  DiskDescriptor
}

// Events returns the 64-bit event counter.
func (sb *Superblock) Events() uint64 {
	return uint64(sb.EventsHi)<<32 | uint64(sb.EventsLo)
}

// SetEvents sets the 64-bit event counter.
func (sb *Superblock) SetEvents(v uint64) {
	sb.EventsHi = uint32(v >> 32)
	sb.EventsLo = uint32(v)
}

// UUID returns the set-UUID, per uuid_from_super: on legacy records
// (minor version < 90) only the first half is meaningful.
func (sb *Superblock) UUID() uuid.UUID {
	var u1, u2, u3 uint32
	if sb.MinorVersion >= 90 {
		u1, u2, u3 = sb.SetUUID1, sb.SetUUID2, sb.SetUUID3
	}
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], sb.SetUUID0)
	binary.BigEndian.PutUint32(b[4:8], u1)
	binary.BigEndian.PutUint32(b[8:12], u2)
	binary.BigEndian.PutUint32(b[12:16], u3)
	id, _ := uuid.FromBytes(b[:])
	return id
}

// Marshal encodes sb into its fixed-size on-disk form with checksum zeroed
// and then recomputed.
func (sb *Superblock) Marshal() []byte {
	buf := make([]byte, sizeBytes)
	le := binary.LittleEndian

	le.PutUint32(buf[offMagic:], Magic)
	le.PutUint32(buf[offMajorVersion:], sb.MajorVersion)
	le.PutUint32(buf[offMinorVersion:], sb.MinorVersion)
	le.PutUint32(buf[offPatchVersion:], sb.PatchVersion)
	le.PutUint32(buf[offGvalidWords:], 0)
	le.PutUint32(buf[offSetUUID0:], sb.SetUUID0)
	le.PutUint32(buf[offCtime:], sb.Ctime)
	le.PutUint32(buf[offLevel:], uint32(sb.Level))
	le.PutUint32(buf[offSize:], sb.Size)
	le.PutUint32(buf[offNrDisks:], sb.NrDisks)
	le.PutUint32(buf[offRaidDisks:], sb.RaidDisks)
	le.PutUint32(buf[offMdMinor:], sb.MdMinor)
	le.PutUint32(buf[offNotPersistent:], sb.NotPersistent)
	le.PutUint32(buf[offSetUUID1:], sb.SetUUID1)
	le.PutUint32(buf[offSetUUID2:], sb.SetUUID2)
	le.PutUint32(buf[offSetUUID3:], sb.SetUUID3)

	le.PutUint32(buf[offUtime:], sb.Utime)
	le.PutUint32(buf[offState:], sb.State)
	le.PutUint32(buf[offActiveDisks:], sb.ActiveDisks)
	le.PutUint32(buf[offWorkingDisks:], sb.WorkingDisks)
	le.PutUint32(buf[offFailedDisks:], sb.FailedDisks)
	le.PutUint32(buf[offSpareDisks:], sb.SpareDisks)
	le.PutUint32(buf[offChecksum:], 0)
	le.PutUint32(buf[offEventsHi:], sb.EventsHi)
	le.PutUint32(buf[offEventsLo:], sb.EventsLo)

	le.PutUint32(buf[offLayout:], uint32(sb.Layout))
	le.PutUint32(buf[offChunkSize:], sb.ChunkSize)

	for i, d := range sb.DiskTable {
		d.put(buf, offDisks+i*diskEntryBytes)
	}
	sb.ThisDisk.put(buf, offThisDisk)

	csum := Checksum(buf)
	le.PutUint32(buf[offChecksum:], csum)
	return buf
}

// Unmarshal decodes a fixed-size on-disk record into sb, then rejects a
// record whose magic is wrong (errBadMagic) or whose major version is not
// MajorVersion0 (errWrongMajorVersion). It does not verify the checksum.
func Unmarshal(buf []byte, sb *Superblock) error {
	if len(buf) < sizeBytes {
		return fmt.Errorf("superblock buffer too short: %d bytes", len(buf))
	}
	le := binary.LittleEndian

	sb.MajorVersion = le.Uint32(buf[offMajorVersion:])
	sb.MinorVersion = le.Uint32(buf[offMinorVersion:])
	sb.PatchVersion = le.Uint32(buf[offPatchVersion:])
	sb.SetUUID0 = le.Uint32(buf[offSetUUID0:])
	sb.Ctime = le.Uint32(buf[offCtime:])
	sb.Level = int32(le.Uint32(buf[offLevel:]))
	sb.Size = le.Uint32(buf[offSize:])
	sb.NrDisks = le.Uint32(buf[offNrDisks:])
	sb.RaidDisks = le.Uint32(buf[offRaidDisks:])
	sb.MdMinor = le.Uint32(buf[offMdMinor:])
	sb.NotPersistent = le.Uint32(buf[offNotPersistent:])
	sb.SetUUID1 = le.Uint32(buf[offSetUUID1:])
	sb.SetUUID2 = le.Uint32(buf[offSetUUID2:])
	sb.SetUUID3 = le.Uint32(buf[offSetUUID3:])

	sb.Utime = le.Uint32(buf[offUtime:])
	sb.State = le.Uint32(buf[offState:])
	sb.ActiveDisks = le.Uint32(buf[offActiveDisks:])
	sb.WorkingDisks = le.Uint32(buf[offWorkingDisks:])
	sb.FailedDisks = le.Uint32(buf[offFailedDisks:])
	sb.SpareDisks = le.Uint32(buf[offSpareDisks:])
	sb.EventsHi = le.Uint32(buf[offEventsHi:])
	sb.EventsLo = le.Uint32(buf[offEventsLo:])

	sb.Layout = int32(le.Uint32(buf[offLayout:]))
	sb.ChunkSize = le.Uint32(buf[offChunkSize:])

	for i := range sb.DiskTable {
		sb.DiskTable[i] = getDisk(buf, offDisks+i*diskEntryBytes)
	}
	sb.ThisDisk = getDisk(buf, offThisDisk)

	magic := le.Uint32(buf[offMagic:])
	if magic != Magic {
		return errBadMagic
	}
	if sb.MajorVersion != MajorVersion0 {
		return errWrongMajorVersion
	}
	return nil
}

// BlockSizeSectors returns a block device's size in 512-byte sectors via
// BLKGETSIZE64, the same probe Create uses to size a new array.
func BlockSizeSectors(f *os.File) (int64, error) {
	return blockSize(f)
}

// blockSize and seekAndRead are package variables so Load can be
// exercised without a real block device; the tests replace blockSize.
var blockSize = func(f *os.File) (int64, error) {
	var bytes uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&bytes)))
	if errno != 0 {
		return 0, errno
	}
	return int64(bytes) / 512, nil
}

var seekAndRead = func(f *os.File, offset int64, n int) ([]byte, error) {
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", errSeek, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Offset returns the byte offset of the superblock on a device of the
// given size in 512-byte sectors: the device is rounded down to an
// integral number of ReservedSectors blocks, and the record sits at the
// start of the last such block.
func Offset(sizeSectors int64) int64 {
	blocks := sizeSectors / ReservedSectors
	return (blocks - 1) * ReservedSectors * 512
}

// Load reads and decodes the superblock from an open device file, per
// util.c's load_super: BLKGETSIZE, minimum-size check, seek to the
// version-0 offset, fixed-size read, magic and major-version check.
func Load(device string, f *os.File) (*Superblock, error) {
	sectors, err := blockSize(f)
	if err != nil {
		return nil, &mderrors.SuperblockLoadError{Device: device, Kind: mderrors.NoBlockSize}
	}
	if sectors < ReservedSectors*2 {
		return nil, &mderrors.SuperblockLoadError{Device: device, Kind: mderrors.TooSmall}
	}

	offset := Offset(sectors)
	buf, err := seekAndRead(f, offset, sizeBytes)
	if err != nil {
		if errors.Is(err, errSeek) {
			return nil, &mderrors.SuperblockLoadError{Device: device, Kind: mderrors.SeekFailed}
		}
		return nil, &mderrors.SuperblockLoadError{Device: device, Kind: mderrors.ShortRead}
	}

	var sb Superblock
	if err := Unmarshal(buf, &sb); err != nil {
		if errors.Is(err, errWrongMajorVersion) {
			return nil, &mderrors.SuperblockLoadError{Device: device, Kind: mderrors.WrongMajorVersion}
		}
		return nil, &mderrors.SuperblockLoadError{Device: device, Kind: mderrors.BadMagic}
	}
	return &sb, nil
}

// Store writes sb back to device f at its version-0 offset. Fails with a
// SuperblockLoadError-shaped classification is not attempted here: write
// failures are reported as mderrors.ErrSuperblockWrite, matching the
// coarser failure the force-promotion loop and geometry rewrite treat
// identically (see spec section 4.4).
func Store(f *os.File, sb *Superblock) error {
	sectors, err := blockSize(f)
	if err != nil {
		return fmt.Errorf("%w: %v", mderrors.ErrSuperblockWrite, err)
	}
	offset := Offset(sectors)
	if _, err := f.Seek(offset, 0); err != nil {
		return fmt.Errorf("%w: %v", mderrors.ErrSuperblockWrite, err)
	}
	buf := sb.Marshal()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", mderrors.ErrSuperblockWrite, err)
	}
	return nil
}

// Checksum computes the 32-bit two's-complement sum of buf as a sequence
// of little-endian 32-bit words, with the checksum field treated as zero
// regardless of its actual content.
func Checksum(buf []byte) uint32 {
	var sum uint32
	le := binary.LittleEndian
	for off := 0; off+4 <= len(buf); off += 4 {
		if off == offChecksum {
			continue
		}
		sum += le.Uint32(buf[off:])
	}
	return sum
}

// CompareResult classifies the outcome of comparing two superblocks.
type CompareResult int

const (
	Same CompareResult = iota
	WrongMagic
	WrongUUID
	WrongGeometry
)

// Compare mirrors util.c's compare_super: it reports whether two records
// describe the same array generation. When first hasn't been loaded yet,
// Compare adopts second into *first (a copy, not an alias) and reports
// Same, so the caller's reference record is populated by the first
// candidate it sees rather than needing its own adoption step.
func Compare(first, second *Superblock, firstLoaded bool) CompareResult {
	if !firstLoaded {
		*first = *second
		return Same
	}
	u1, u2 := first.UUID(), second.UUID()
	if u1 != u2 {
		return WrongUUID
	}
	if first.MajorVersion != second.MajorVersion ||
		first.MinorVersion != second.MinorVersion ||
		first.PatchVersion != second.PatchVersion ||
		first.Ctime != second.Ctime ||
		first.Level != second.Level ||
		first.Size != second.Size ||
		first.RaidDisks != second.RaidDisks {
		return WrongGeometry
	}
	return Same
}
