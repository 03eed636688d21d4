package superblock

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilbrown/mdctl-go/internal/mderrors"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	var sb Superblock
	sb.MajorVersion = MajorVersion0
	sb.MinorVersion = 90
	sb.SetUUID0 = 0x11223344
	sb.SetUUID1 = 0x55667788
	sb.Level = int32(1)
	sb.Size = 1024
	sb.RaidDisks = 2
	sb.SetEvents(42)
	sb.DiskTable[0] = DiskDescriptor{Number: 0, Major: 8, Minor: 1, RaidDisk: 0, State: 6}

	buf := sb.Marshal()
	require.Len(t, buf, sizeBytes)

	var decoded Superblock
	require.NoError(t, Unmarshal(buf, &decoded))
	assert.Equal(t, sb.SetUUID0, decoded.SetUUID0)
	assert.Equal(t, sb.RaidDisks, decoded.RaidDisks)
	assert.Equal(t, uint64(42), decoded.Events())
	assert.Equal(t, sb.DiskTable[0], decoded.DiskTable[0])
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	buf := make([]byte, sizeBytes)
	var sb Superblock
	err := Unmarshal(buf, &sb)
	assert.ErrorIs(t, err, errBadMagic)
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	var sb Superblock
	err := Unmarshal(make([]byte, 10), &sb)
	assert.Error(t, err)
}

func TestChecksumIgnoresChecksumField(t *testing.T) {
	var sb Superblock
	buf := sb.Marshal()
	sum1 := Checksum(buf)
	buf[offChecksum] ^= 0xff
	sum2 := Checksum(buf)
	assert.Equal(t, sum1, sum2)
}

func TestUUIDLegacyRecordUsesOnlyFirstWord(t *testing.T) {
	sb := Superblock{MinorVersion: 89, SetUUID0: 0xdeadbeef, SetUUID1: 0x11111111}
	id := sb.UUID()
	assert.NotEqual(t, uuid.Nil, id)

	sb2 := Superblock{MinorVersion: 89, SetUUID0: 0xdeadbeef, SetUUID1: 0x22222222}
	assert.Equal(t, id, sb2.UUID(), "legacy UUID must ignore words 1-3")
}

func TestCompareAdoptsFirstWhenNotLoaded(t *testing.T) {
	var first, second Superblock
	second.SetUUID0 = 7
	second.RaidDisks = 3
	assert.Equal(t, Same, Compare(&first, &second, false))
	assert.Equal(t, second, first, "Compare must copy second into first when first hasn't been loaded")
}

func TestCompareDetectsWrongUUID(t *testing.T) {
	first := Superblock{MinorVersion: 90, SetUUID0: 1, SetUUID1: 1}
	second := Superblock{MinorVersion: 90, SetUUID0: 2, SetUUID1: 2}
	assert.Equal(t, WrongUUID, Compare(&first, &second, true))
}

func TestCompareDetectsWrongGeometry(t *testing.T) {
	first := Superblock{MinorVersion: 90, RaidDisks: 2}
	second := Superblock{MinorVersion: 90, RaidDisks: 3}
	assert.Equal(t, WrongGeometry, Compare(&first, &second, true))
}

func TestCompareSameWhenIdentical(t *testing.T) {
	sb := Superblock{MinorVersion: 90, RaidDisks: 2, Level: 1, Size: 100}
	other := sb
	assert.Equal(t, Same, Compare(&sb, &other, true))
}

func TestOffsetRoundsDownToReservedBlock(t *testing.T) {
	off := Offset(ReservedSectors * 3)
	assert.Equal(t, (3-1)*ReservedSectors*512, off)
}

func withBlockSize(t *testing.T, sectors int64, err error) {
	t.Helper()
	orig := blockSize
	blockSize = func(f *os.File) (int64, error) { return sectors, err }
	t.Cleanup(func() { blockSize = orig })
}

func TestLoadRejectsTooSmallDevice(t *testing.T) {
	withBlockSize(t, ReservedSectors, nil)

	f, err := os.CreateTemp(t.TempDir(), "sb")
	require.NoError(t, err)
	defer f.Close()

	_, err = Load(f.Name(), f)
	var loadErr *mderrors.SuperblockLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, mderrors.TooSmall, loadErr.Kind)
}

func TestLoadRejectsBadMagicOnShortDevice(t *testing.T) {
	withBlockSize(t, ReservedSectors*4, nil)

	f, err := os.CreateTemp(t.TempDir(), "sb")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(ReservedSectors*4*512))

	_, err = Load(f.Name(), f)
	var loadErr *mderrors.SuperblockLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, mderrors.BadMagic, loadErr.Kind)
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	withBlockSize(t, ReservedSectors*4, nil)

	f, err := os.CreateTemp(t.TempDir(), "sb")
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(int64(sizeBytes)*4))

	sb := &Superblock{MajorVersion: MajorVersion0, MinorVersion: 90, RaidDisks: 3}
	sb.SetEvents(7)
	require.NoError(t, Store(f, sb))

	loaded, err := Load(f.Name(), f)
	require.NoError(t, err)
	assert.Equal(t, sb.RaidDisks, loaded.RaidDisks)
	assert.Equal(t, uint64(7), loaded.Events())
}
