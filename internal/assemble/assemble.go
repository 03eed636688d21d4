// Package assemble implements the reconciliation engine that turns a set
// of candidate block devices into a running (or at-least-identified) md
// array, ported from original_source/Assemble.c's scanning loop, slot
// election, force-promotion loop, geometry reconciliation and kernel
// handoff. Fallible per-device work uses the package-level function-var
// injection idiom exercised by internal/mdadm/mdadm_test.go's
// with*(t, fn) helpers, so the loop can be driven in tests without real
// block devices.
package assemble

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/neilbrown/mdctl-go/internal/devnum"
	"github.com/neilbrown/mdctl-go/internal/driver"
	"github.com/neilbrown/mdctl-go/internal/identity"
	"github.com/neilbrown/mdctl-go/internal/mderrors"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
	"github.com/neilbrown/mdctl-go/internal/superblock"
)

// Options configures one Assemble call.
type Options struct {
	MDDevicePath   string
	Identity       mdtypes.ArrayIdentity
	CandidatePaths []string
	ReadOnly       bool
	RunStop        mdtypes.RunStop
	Force          bool
}

// Result summarizes a completed Assemble call.
type Result struct {
	Started      bool
	ActiveCount  int
	SpareCount   int
	ChosenDevice string
}

// Injectable collaborators, overridden in tests.
var (
	openReadOnly  = func(path string) (*os.File, error) { return os.OpenFile(path, os.O_RDONLY, 0) }
	openReadWrite = func(path string) (*os.File, error) { return os.OpenFile(path, os.O_RDWR, 0) }
	statDevice    = os.Stat
	loadSuper     = superblock.Load
	storeSuper    = superblock.Store
	driverVersion = driver.Version
)

func resultName(r superblock.CompareResult) string {
	switch r {
	case superblock.WrongMagic:
		return "wrong_magic"
	case superblock.WrongUUID:
		return "wrong_uuid"
	case superblock.WrongGeometry:
		return "wrong_geometry"
	default:
		return "same"
	}
}

type member struct {
	path     string
	major    int
	minor    int
	events   uint64
	utime    uint32
	raidDisk int
	upToDate bool
}

// Assemble executes one assembly attempt against an already-opened array
// device handle, scanning opts.CandidatePaths for members of opts.Identity.
// The scan honors ctx cancellation between devices: a SIGINT mid-scan on a
// config with hundreds of globbed candidates should not leave the caller
// waiting on straggler devices.
func Assemble(ctx context.Context, opts Options, handle *driver.Handle, mdFile *os.File) (*Result, error) {
	if !opts.Identity.HasDiscriminator() {
		return nil, mderrors.ErrNoIdentity
	}

	major, minor, patch, err := driverVersion(mdFile)
	if err != nil || !driver.SufficientVersion(major, minor, patch) {
		return nil, mderrors.ErrDriverTooOld
	}
	legacy := major == 0 && minor < 90

	if _, err := handle.QueryArray(); err == nil {
		return nil, mderrors.ErrAlreadyActive
	}
	_ = handle.StopArray()

	members := make([]member, 0, len(opts.CandidatePaths))
	best := make([]int, superblock.Disks)
	for i := range best {
		best[i] = -1
	}
	var reference superblock.Superblock
	referenceLoaded := false

	for _, path := range opts.CandidatePaths {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if !identity.MatchesPath(opts.Identity, path) {
			log.Debug().Str("component", "assemble").Str("device", path).Msg("skipping candidate: name does not match identity")
			continue
		}

		f, err := openReadOnly(path)
		if err != nil {
			log.Debug().Str("component", "assemble").Str("device", path).Err(err).Msg("skipping candidate: cannot open")
			continue
		}
		info, statErr := statDevice(path)
		if statErr != nil || info.Mode()&os.ModeDevice == 0 {
			f.Close()
			log.Debug().Str("component", "assemble").Str("device", path).Msg("skipping candidate: not a block device")
			continue
		}

		sb, loadErr := loadSuper(path, f)
		f.Close()
		if loadErr != nil {
			log.Debug().Str("component", "assemble").Str("device", path).Err(loadErr).Msg("skipping candidate: no readable superblock")
			continue
		}

		if opts.Identity.UUIDSet || opts.Identity.PreferredMinor >= 0 ||
			opts.Identity.LevelSet || opts.Identity.RaidDisksSet {
			if !identity.MatchesSuperblock(opts.Identity, sb) {
				log.Debug().Str("component", "assemble").Str("device", path).Msg("skipping candidate: superblock does not match identity")
				continue
			}
		}

		// Committed: any further failure from here aborts the whole
		// assembly (spec section 4.4, step 5).
		cmp := superblock.Compare(&reference, sb, referenceLoaded)
		if !referenceLoaded {
			referenceLoaded = true
		} else if cmp != superblock.Same {
			log.Error().Str("component", "assemble").Str("device", path).Str("result", resultName(cmp)).
				Msg("aborting: superblock does not match the reference record")
			return nil, mderrors.ErrSuperblockMismatch
		}

		if len(members) >= superblock.Disks {
			continue
		}

		sys := info.Sys().(*unix.Stat_t)
		idx := len(members)
		members = append(members, member{
			path:     path,
			major:    devnum.Major(uint64(sys.Rdev)),
			minor:    devnum.Minor(uint64(sys.Rdev)),
			events:   sb.Events(),
			utime:    sb.Utime,
			raidDisk: int(sb.ThisDisk.RaidDisk),
		})

		rd := members[idx].raidDisk
		if rd >= 0 && rd < superblock.Disks {
			if best[rd] == -1 || members[best[rd]].events < members[idx].events {
				best[rd] = idx
			}
		}
	}

	if len(members) == 0 {
		log.Warn().Str("component", "assemble").Str("device", opts.MDDevicePath).Msg("no candidate devices matched this identity")
		return nil, mderrors.ErrNoCandidates
	}

	okcnt, sparecnt := electSlots(members, best, int(reference.RaidDisks))

	if opts.Force {
		before := okcnt
		forcePromote(members, best, mdtypes.Level(reference.Level), int(reference.RaidDisks), &okcnt)
		if okcnt > before {
			log.Info().Str("component", "assemble").Str("device", opts.MDDevicePath).
				Int("promoted", okcnt-before).Msg("force: promoted stale members to make the array sufficient")
		}
	}

	chosenIdx := -1
	for i := 0; i < superblock.Disks; i++ {
		j := best[i]
		if j < 0 || !members[j].upToDate {
			continue
		}
		chosenIdx = j
		break
	}
	if chosenIdx < 0 {
		log.Warn().Str("component", "assemble").Str("device", opts.MDDevicePath).
			Int("active", okcnt).Int("raid_disks", int(reference.RaidDisks)).Msg("not enough up-to-date drives to assemble")
		return nil, mderrors.ErrNotEnoughDrives
	}

	chosenFile, err := openReadOnly(members[chosenIdx].path)
	if err != nil {
		return nil, &mderrors.IOError{Path: members[chosenIdx].path, Err: err}
	}
	chosen, err := loadSuper(members[chosenIdx].path, chosenFile)
	chosenFile.Close()
	if err != nil {
		return nil, mderrors.ErrSuperblockMismatch
	}

	change := reconcileGeometry(members, best, chosen, opts.Force)

	if (opts.Force && change&mdtypes.ChangeClearedFaulty != 0) || (legacy && change&mdtypes.ChangeDeviceNumbers != 0) {
		f, err := openReadWrite(members[chosenIdx].path)
		if err != nil {
			return nil, mderrors.ErrSuperblockWrite
		}
		err = storeSuper(f, chosen)
		f.Close()
		if err != nil {
			return nil, mderrors.ErrSuperblockWrite
		}
	}

	result := &Result{ActiveCount: okcnt, SpareCount: sparecnt, ChosenDevice: members[chosenIdx].path}

	if legacy {
		dev := devnum.Make(members[chosenIdx].major, members[chosenIdx].minor)
		if err := handle.StartArray(dev); err != nil {
			return nil, err
		}
		result.Started = true
		if opts.ReadOnly {
			if err := handle.StopArrayReadOnly(); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	if err := handle.SetArrayInfo(nil); err != nil {
		return nil, err
	}
	for i := 0; i <= superblock.Disks; i++ {
		var j int
		if i < superblock.Disks {
			j = best[i]
			if j == chosenIdx {
				continue
			}
		} else {
			j = chosenIdx
		}
		if j < 0 || !members[j].upToDate {
			continue
		}
		err := handle.AddNewDisk(driver.DiskInfo{Major: int32(members[j].major), Minor: int32(members[j].minor)})
		if err != nil {
			log.Warn().Str("component", "assemble").Str("device", members[j].path).Err(err).Msg("ADD_NEW_DISK failed")
			if i < int(reference.RaidDisks) {
				okcnt--
			} else {
				sparecnt--
			}
		}
	}
	result.ActiveCount = okcnt
	result.SpareCount = sparecnt

	switch {
	case opts.RunStop == mdtypes.RunStopForceRun,
		opts.RunStop == mdtypes.RunStopAuto && mdtypes.Enough(mdtypes.Level(reference.Level), int(reference.RaidDisks), okcnt):
		if err := handle.RunArray(); err != nil {
			return nil, err
		}
		result.Started = true
		if opts.ReadOnly {
			if err := handle.StopArrayReadOnly(); err != nil {
				return nil, err
			}
		}
	case opts.RunStop == mdtypes.RunStopForceAssembleNoRun:
		// Assembled but intentionally left stopped.
	default:
		return nil, mderrors.ErrNotEnoughDrives
	}

	return result, nil
}

// electSlots marks up-to-date members per the up-to-date rule
// (events+1 >= most_recent's events) and counts active vs spare slots.
func electSlots(members []member, best []int, raidDisks int) (okcnt, sparecnt int) {
	mostRecent := uint64(0)
	for _, m := range members {
		if m.events > mostRecent {
			mostRecent = m.events
		}
	}
	for i := 0; i < superblock.Disks; i++ {
		j := best[i]
		if j < 0 {
			continue
		}
		if members[j].events+1 >= mostRecent {
			members[j].upToDate = true
			if i < raidDisks {
				okcnt++
			} else {
				sparecnt++
			}
		}
	}
	return okcnt, sparecnt
}

// forcePromote implements the force-promotion loop: while not enough,
// pick the highest-event non-up-to-date slot candidate and rewrite its
// superblock's event count up to most_recent.
func forcePromote(members []member, best []int, level mdtypes.Level, raidDisks int, okcnt *int) {
	mostRecent := uint64(0)
	for _, m := range members {
		if m.events > mostRecent {
			mostRecent = m.events
		}
	}
	for !mdtypes.Enough(level, raidDisks, *okcnt) {
		chosen := -1
		for i := 0; i < raidDisks; i++ {
			j := best[i]
			if j < 0 || members[j].upToDate || members[j].events == 0 {
				continue
			}
			if chosen < 0 || members[j].events > members[chosen].events {
				chosen = j
			}
		}
		if chosen < 0 {
			return
		}

		f, err := openReadWrite(members[chosen].path)
		if err != nil {
			members[chosen].events = 0
			continue
		}
		sb, err := loadSuper(members[chosen].path, f)
		if err != nil {
			f.Close()
			members[chosen].events = 0
			continue
		}
		sb.SetEvents(mostRecent)
		err = storeSuper(f, sb)
		f.Close()
		if err != nil {
			members[chosen].events = 0
			continue
		}
		members[chosen].events = mostRecent
		members[chosen].upToDate = true
		*okcnt++
	}
}

// reconcileGeometry compares the chosen superblock's disks table against
// the scanned device numbers, per spec's three geometry rules: update
// entries whose device numbers moved, clear (or warn about) a stale
// FAULTY flag on a member that is in fact up-to-date, and warn when a
// slot's best candidate is stale but its disk-table entry doesn't already
// say so.
func reconcileGeometry(members []member, best []int, chosen *superblock.Superblock, force bool) mdtypes.ChangeFlags {
	var change mdtypes.ChangeFlags
	for i := 0; i < superblock.Disks; i++ {
		j := best[i]
		entry := &chosen.DiskTable[i]
		faulty := mdtypes.DiskState(entry.State)&mdtypes.DiskFaulty != 0

		if j < 0 || !members[j].upToDate {
			if j >= 0 && !faulty {
				log.Warn().Str("component", "assemble").Int("slot", i).Str("device", members[j].path).
					Msg("candidate superblock is stale and disk table does not mark it faulty")
			}
			continue
		}

		if int(entry.Major) != members[j].major || int(entry.Minor) != members[j].minor {
			entry.Major = uint32(members[j].major)
			entry.Minor = uint32(members[j].minor)
			change |= mdtypes.ChangeDeviceNumbers
			log.Debug().Str("component", "assemble").Int("slot", i).Str("device", members[j].path).
				Msg("device number changed, updating disk table")
		}

		if faulty {
			if force {
				entry.State &^= uint32(mdtypes.DiskFaulty)
				change |= mdtypes.ChangeClearedFaulty
				log.Warn().Str("component", "assemble").Int("slot", i).Str("device", members[j].path).
					Msg("force: cleared stale faulty flag on up-to-date member")
			} else {
				log.Warn().Str("component", "assemble").Int("slot", i).Str("device", members[j].path).
					Msg("member is up-to-date but disk table marks it faulty; rerun with force to clear")
			}
		}
	}
	return change
}
