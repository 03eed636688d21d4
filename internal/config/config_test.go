package config

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neilbrown/mdctl-go/internal/mdtypes"
)

func TestSplitWordsHandlesQuoting(t *testing.T) {
	got := splitWords(`device="/dev/sda1" 'spare-group=east' plain`)
	assert.Equal(t, []string{"device=/dev/sda1", "spare-group=east", "plain"}, got)
}

func TestParseDeviceAndArrayLines(t *testing.T) {
	input := `
DEVICE /dev/sd*1
# a comment
ARRAY /dev/md0 uuid=12345678-1234-1234-1234-123456789abc level=raid1 num-devices=2 spare-group=east
`
	cfg, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, cfg.DeviceGlobs, 1)
	assert.Equal(t, "/dev/sd*1", cfg.DeviceGlobs[0])

	require.Len(t, cfg.Arrays, 1)
	a := cfg.Arrays[0]
	assert.Equal(t, "/dev/md0", a.Device)
	assert.True(t, a.Identity.UUIDSet)
	assert.Equal(t, uuid.MustParse("12345678-1234-1234-1234-123456789abc"), a.Identity.UUID)
	assert.True(t, a.Identity.LevelSet)
	assert.Equal(t, 2, a.Identity.RaidDisks)
	assert.Equal(t, "east", a.SpareGroup)
}

func TestParseSkipsMalformedArrayLineButKeepsRest(t *testing.T) {
	input := `
ARRAY no-device-here uuid=bad-uuid
ARRAY /dev/md1 super-minor=1
`
	cfg, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, cfg.Arrays, 1)
	assert.Equal(t, "/dev/md1", cfg.Arrays[0].Device)
	assert.Equal(t, 1, cfg.Arrays[0].Identity.PreferredMinor)
}

func TestParseArrayLineAcceptsColonGroupedUUID(t *testing.T) {
	entry, err := parseArrayLine([]string{"/dev/md0", "uuid=12345678:90abcdef:12345678:90abcdef"})
	require.NoError(t, err)
	assert.True(t, entry.Identity.UUIDSet)
	assert.Equal(t, uuid.MustParse("12345678-90ab-cdef-1234-567890abcdef"), entry.Identity.UUID)
}

func TestParseArrayLineRejectsMultipleDevices(t *testing.T) {
	_, err := parseArrayLine([]string{"/dev/md0", "/dev/md1", "uuid=12345678-1234-1234-1234-123456789abc"})
	assert.Error(t, err)
}

func TestParseArrayLineRequiresDiscriminator(t *testing.T) {
	_, err := parseArrayLine([]string{"/dev/md0"})
	assert.Error(t, err)
}

func TestParseArrayLineDevicesKeyword(t *testing.T) {
	entry, err := parseArrayLine([]string{"/dev/md0", "devices=sda1,sdb1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sda1", "sdb1"}, entry.Identity.DeviceNamePatterns)
}

func TestMatchesDeviceGlobsEmptyAllowsEverything(t *testing.T) {
	cfg := &Config{}
	assert.True(t, cfg.MatchesDeviceGlobs("/dev/anything"))
}

func TestMatchesDeviceGlobsRestricts(t *testing.T) {
	cfg := &Config{DeviceGlobs: []string{"/dev/sd*"}}
	assert.True(t, cfg.MatchesDeviceGlobs("/dev/sda1"))
	assert.False(t, cfg.MatchesDeviceGlobs("/dev/nvme0n1"))
}

func TestLookupByUUID(t *testing.T) {
	id := uuid.New()
	cfg := &Config{Arrays: []ArrayEntry{
		{Device: "/dev/md0", Identity: mdtypes.ArrayIdentity{UUID: id, UUIDSet: true, PreferredMinor: -1}},
	}}
	entry, ok := cfg.LookupByUUID(id)
	assert.True(t, ok)
	assert.Equal(t, "/dev/md0", entry.Device)

	_, ok = cfg.LookupByUUID(uuid.New())
	assert.False(t, ok)
}
