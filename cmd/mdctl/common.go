package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/neilbrown/mdctl-go/internal/driver"
	"github.com/neilbrown/mdctl-go/internal/mderrors"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
)

// openArrayDevice opens the md device both for ioctl control (O_RDWR) and
// for the raw *os.File driver.Version needs, matching the shape every
// Assemble/Create/Build/Manage caller requires.
func openArrayDevice(path string) (*driver.Handle, *os.File, error) {
	handle, err := driver.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		handle.Close()
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return handle, f, nil
}

func parseLevelFlag(s string) (mdtypes.Level, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	switch s {
	case "linear":
		return mdtypes.LevelLinear, true, nil
	case "0", "raid0", "stripe":
		return mdtypes.LevelRaid0, true, nil
	case "1", "raid1", "mirror":
		return mdtypes.LevelRaid1, true, nil
	case "4", "raid4":
		return mdtypes.LevelRaid4, true, nil
	case "5", "raid5":
		return mdtypes.LevelRaid5, true, nil
	default:
		return 0, false, fmt.Errorf("%w: unknown level %q", mderrors.ErrUsage, s)
	}
}

func parseIdentity(uuidStr string, minor int, levelStr string, raidDisks int, namePatterns []string) (mdtypes.ArrayIdentity, error) {
	id := mdtypes.ArrayIdentity{PreferredMinor: -1}
	if uuidStr != "" {
		u, err := mdtypes.ParseUUID(uuidStr)
		if err != nil {
			return id, fmt.Errorf("%w: bad --uuid: %v", mderrors.ErrUsage, err)
		}
		id.UUID = u
		id.UUIDSet = true
	}
	if minor >= 0 {
		id.PreferredMinor = minor
	}
	if levelStr != "" {
		lvl, ok, err := parseLevelFlag(levelStr)
		if err != nil {
			return id, err
		}
		id.Level = lvl
		id.LevelSet = ok
	}
	if raidDisks > 0 {
		id.RaidDisks = raidDisks
		id.RaidDisksSet = true
	}
	id.DeviceNamePatterns = namePatterns
	return id, nil
}

// diagnose prints the operator-facing one-liner mdctl has always printed
// on error, and logs the same failure as a structured event, per the
// ambient logging design's "every error path prints one line" rule.
func diagnose(component string, err error) {
	fmt.Fprintf(os.Stderr, "mdctl: %v\n", err)
	log.Error().Str("component", component).Err(err).Msg("operation failed")
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, mderrors.ErrUsage):
		return 2
	default:
		return 1
	}
}
