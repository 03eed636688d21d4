package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/neilbrown/mdctl-go/internal/mdtypes"
	"github.com/neilbrown/mdctl-go/internal/superblock"
)

func TestMatchesPathNoPatternsMatchesEverything(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1}
	assert.True(t, MatchesPath(id, "/dev/sda1"))
}

func TestMatchesPathExactBasename(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1, DeviceNamePatterns: []string{"sda1"}}
	assert.True(t, MatchesPath(id, "/dev/sda1"))
	assert.False(t, MatchesPath(id, "/dev/sdb1"))
}

func TestMatchesPathWildcard(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1, DeviceNamePatterns: []string{"sd*"}}
	assert.True(t, MatchesPath(id, "/dev/sdb1"))
	assert.False(t, MatchesPath(id, "/dev/nvme0n1"))
}

func TestMatchesPathFullPathPattern(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1, DeviceNamePatterns: []string{"/dev/sd*"}}
	assert.True(t, MatchesPath(id, "/dev/sdc1"))
}

func TestMatchesSuperblockUUIDMismatch(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1, UUID: uuid.New(), UUIDSet: true}
	sb := &superblock.Superblock{MinorVersion: 90, SetUUID0: 1, SetUUID1: 1}
	assert.False(t, MatchesSuperblock(id, sb))
}

func TestMatchesSuperblockPreferredMinorMismatch(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: 3}
	sb := &superblock.Superblock{MinorVersion: 90, MdMinor: 4}
	assert.False(t, MatchesSuperblock(id, sb))
}

func TestMatchesSuperblockLevelMismatch(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1, Level: mdtypes.LevelRaid1, LevelSet: true}
	sb := &superblock.Superblock{MinorVersion: 90, Level: int32(mdtypes.LevelRaid5)}
	assert.False(t, MatchesSuperblock(id, sb))
}

func TestMatchesSuperblockRaidDisksMismatch(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1, RaidDisks: 4, RaidDisksSet: true}
	sb := &superblock.Superblock{MinorVersion: 90, RaidDisks: 3}
	assert.False(t, MatchesSuperblock(id, sb))
}

func TestMatchesSuperblockAllDiscriminatorsSatisfied(t *testing.T) {
	id := mdtypes.ArrayIdentity{
		PreferredMinor: 2,
		Level:          mdtypes.LevelRaid1,
		LevelSet:       true,
		RaidDisks:      2,
		RaidDisksSet:   true,
	}
	sb := &superblock.Superblock{MinorVersion: 90, MdMinor: 2, Level: int32(mdtypes.LevelRaid1), RaidDisks: 2}
	assert.True(t, MatchesSuperblock(id, sb))
}

func TestMatchesSuperblockNoDiscriminatorsAlwaysTrue(t *testing.T) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1}
	sb := &superblock.Superblock{MinorVersion: 90}
	assert.True(t, MatchesSuperblock(id, sb))
}
