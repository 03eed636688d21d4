// Package identity decides whether a candidate device, once its
// superblock has been read, belongs to the array an ArrayIdentity
// describes, per spec section 3's discriminator rules.
package identity

import (
	"path/filepath"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/neilbrown/mdctl-go/internal/mdtypes"
	"github.com/neilbrown/mdctl-go/internal/superblock"
)

// MatchesPath reports whether path's basename satisfies the identity's
// device-name predicate. An identity with no patterns matches everything
// (the predicate is optional).
func MatchesPath(id mdtypes.ArrayIdentity, path string) bool {
	if len(id.DeviceNamePatterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range id.DeviceNamePatterns {
		if pattern == path || pattern == base {
			return true
		}
		if wildcard.Match(pattern, path) || wildcard.Match(filepath.Base(pattern), base) {
			return true
		}
	}
	return false
}

// MatchesSuperblock reports whether a loaded superblock satisfies every
// discriminator the identity sets (UUID, preferred minor, level,
// raid-disks count). Unset discriminators impose no constraint.
func MatchesSuperblock(id mdtypes.ArrayIdentity, sb *superblock.Superblock) bool {
	if id.UUIDSet && sb.UUID() != id.UUID {
		return false
	}
	if id.PreferredMinor >= 0 && int(sb.MdMinor) != id.PreferredMinor {
		return false
	}
	if id.LevelSet && mdtypes.Level(sb.Level) != id.Level {
		return false
	}
	if id.RaidDisksSet && int(sb.RaidDisks) != id.RaidDisks {
		return false
	}
	return true
}
