package mdtypes

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ArrayIdentity is the set of discriminators Assemble uses to recognize an
// array's members, per spec section 3. Every field is individually
// optional, but at least one must be set.
type ArrayIdentity struct {
	UUID           uuid.UUID
	UUIDSet        bool
	PreferredMinor int // -1 when unset
	Level          Level
	LevelSet       bool
	RaidDisks      int
	RaidDisksSet   bool
	// DeviceNamePatterns holds exact names or shell-style globs; a
	// candidate device matches if its basename matches any entry.
	DeviceNamePatterns []string
}

// HasDiscriminator reports whether at least one identity field is set, per
// spec section 3's "no-identity-given" invariant.
func (id ArrayIdentity) HasDiscriminator() bool {
	return id.UUIDSet || id.PreferredMinor >= 0 || len(id.DeviceNamePatterns) > 0 ||
		id.LevelSet || id.RaidDisksSet
}

// ParseUUID accepts both canonical dashed UUIDs and mdadm's own
// colon-grouped superblock UUID form ("12345678:90abcdef:12345678:90abcdef",
// the rendering Detail/Examine print and ARRAY uuid= lines carry), plus
// any mix of ':', '.', '-' and space as separators between the 32 hex
// digits. Separators are stripped and canonical dashes reinserted before
// handing the digits to uuid.Parse.
func ParseUUID(s string) (uuid.UUID, error) {
	hex := strings.Map(func(r rune) rune {
		switch r {
		case ':', '.', '-', ' ':
			return -1
		default:
			return r
		}
	}, s)
	if len(hex) != 32 {
		return uuid.UUID{}, fmt.Errorf("invalid UUID %q: want 32 hex digits, got %d", s, len(hex))
	}
	canonical := fmt.Sprintf("%s-%s-%s-%s-%s", hex[0:8], hex[8:12], hex[12:16], hex[16:20], hex[20:32])
	return uuid.Parse(canonical)
}

// CandidateDevice is the transient record built while scanning a device
// during Assemble, per spec section 3.
type CandidateDevice struct {
	Path     string
	Major    int
	Minor    int
	Events   uint64
	Utime    uint32
	RaidDisk int
	UpToDate bool
}
