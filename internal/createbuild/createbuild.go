// Package createbuild implements the two array-initialization flows that
// share Assemble's kernel-handoff protocol but skip its reconciliation
// logic: Create (a fresh array with superblocks, ported from
// original_source/Create.c) and Build (a superblock-less linear/raid0
// array, on modern drivers or through the pre-0.90 legacy calls, ported
// from original_source/Build.c).
package createbuild

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/neilbrown/mdctl-go/internal/devnum"
	"github.com/neilbrown/mdctl-go/internal/driver"
	"github.com/neilbrown/mdctl-go/internal/mderrors"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
	"github.com/neilbrown/mdctl-go/internal/superblock"
)

// defaultChunkKiB is Create/Build's fallback chunk size when none is given.
const defaultChunkKiB = 64

// CreateOptions configures a new superblock-bearing array.
type CreateOptions struct {
	Level      mdtypes.Level
	LevelSet   bool
	Layout     int
	LayoutSet  bool
	ChunkKiB   int
	SizeKiB    int
	RaidDisks  int
	SpareDisks int
	Devices    []string
	RunStop    mdtypes.RunStop
}

// BuildOptions configures a superblock-less linear/raid0 array.
type BuildOptions struct {
	Level     mdtypes.Level
	ChunkKiB  int
	RaidDisks int
	Devices   []string
}

var (
	statDevice    = os.Stat
	blockSizeKiB  = blockSizeKiBOf
	driverVersion = driver.Version
)

func blockSizeKiBOf(path string) (int, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sectors, err := superblock.BlockSizeSectors(f)
	if err != nil {
		return 0, err
	}
	return int(sectors / 2), nil
}

// leftSymmetric is raid5's default parity layout (Create.c: "layout =
// LEVEL_5 ? ALGORITHM_LEFT_SYMMETRIC : 0").
const leftSymmetric = 2

// defaultLayout is the layout Create applies when the caller doesn't set
// one explicitly: left-symmetric for raid5, 0 (no parity rotation) for
// every other level.
func defaultLayout(level mdtypes.Level) int {
	if level == mdtypes.LevelRaid5 {
		return leftSymmetric
	}
	return 0
}

// parityExtra reports whether level needs one extra slot reserved for the
// missing-parity-disk bookkeeping raid4/5 does during Create (Create.c:
// "nr_disks = raiddisks+sparedisks+(level==4||level==5)").
func parityExtra(level mdtypes.Level) int {
	if level == mdtypes.LevelRaid4 || level == mdtypes.LevelRaid5 {
		return 1
	}
	return 0
}

// Create validates parameters, probes each member device's size, and hands
// the array off to the kernel via SET_ARRAY_INFO/ADD_NEW_DISK/RUN_ARRAY.
func Create(ctx context.Context, handle *driver.Handle, mdFile *os.File, opts CreateOptions) error {
	major, minor, patch, err := driverVersion(mdFile)
	if err != nil || !driver.SufficientVersion(major, minor, patch) {
		return mderrors.ErrDriverTooOld
	}
	if !opts.LevelSet {
		return fmt.Errorf("%w: a RAID level is required to create an array", mderrors.ErrUsage)
	}
	if opts.RaidDisks < 1 {
		return fmt.Errorf("%w: --raid-disks is required to create an array", mderrors.ErrUsage)
	}
	const maxDisks = 27
	if opts.RaidDisks+opts.SpareDisks > maxDisks {
		return fmt.Errorf("%w: too many discs requested: %d+%d > %d",
			mderrors.ErrUsage, opts.RaidDisks, opts.SpareDisks, maxDisks)
	}
	if len(opts.Devices) > opts.RaidDisks+opts.SpareDisks {
		return fmt.Errorf("%w: listed more devices (%d) than are in the array (%d)",
			mderrors.ErrUsage, len(opts.Devices), opts.RaidDisks+opts.SpareDisks)
	}

	layout := opts.Layout
	if !opts.LayoutSet {
		layout = defaultLayout(opts.Level)
	}
	chunk := opts.ChunkKiB
	if chunk == 0 {
		chunk = defaultChunkKiB
	}

	minSizeKiB := -1
	for _, dev := range opts.Devices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		info, err := statDevice(dev)
		if err != nil {
			return &mderrors.IOError{Path: dev, Err: err}
		}
		if info.Mode()&os.ModeDevice == 0 {
			return fmt.Errorf("%w: %s is not a block device", mderrors.ErrUsage, dev)
		}
		size, err := blockSizeKiB(dev)
		if err != nil {
			return &mderrors.IOError{Path: dev, Err: err}
		}
		if minSizeKiB < 0 || size < minSizeKiB {
			minSizeKiB = size
		}
	}

	size := opts.SizeKiB
	if size == 0 {
		if minSizeKiB < 0 {
			return fmt.Errorf("%w: no size and no drives given", mderrors.ErrUsage)
		}
		size = minSizeKiB
	}

	mdMinor := 0
	if stat, err := os.Stat(mdFile.Name()); err == nil {
		if sys, ok := stat.Sys().(*unix.Stat_t); ok {
			mdMinor = devnum.Minor(uint64(sys.Rdev))
		}
	}

	hasParityExtra := parityExtra(opts.Level)
	array := driver.ArrayInfo{
		Level:        int32(opts.Level),
		Size:         int32(size),
		NrDisks:      int32(opts.RaidDisks + opts.SpareDisks + hasParityExtra),
		RaidDisks:    int32(opts.RaidDisks),
		MdMinor:      int32(mdMinor),
		NotPersist:   0,
		ActiveDisks:  int32(opts.RaidDisks - hasParityExtra),
		WorkingDisks: int32(opts.RaidDisks + opts.SpareDisks),
		SpareDisks:   int32(opts.SpareDisks + hasParityExtra),
		Layout:       int32(layout),
		ChunkSize:    int32(chunk * 1024),
	}
	if hasParityExtra != 0 {
		array.State = 1 // clean, but one drive intentionally missing
	}

	if err := handle.SetArrayInfo(&array); err != nil {
		return err
	}

	for i, dev := range opts.Devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err != nil {
			return &mderrors.IOError{Path: dev, Err: err}
		}
		stat, statErr := f.Stat()
		f.Close()
		if statErr != nil {
			return &mderrors.IOError{Path: dev, Err: statErr}
		}
		sys, ok := stat.Sys().(*unix.Stat_t)
		if !ok {
			return &mderrors.IOError{Path: dev, Err: fmt.Errorf("no device number available")}
		}

		number := i
		if hasParityExtra != 0 && number >= opts.RaidDisks-1 {
			number++
		}
		disk := driver.DiskInfo{
			Number:   int32(number),
			RaidDisk: int32(number),
			Major:    int32(devnum.Major(uint64(sys.Rdev))),
			Minor:    int32(devnum.Minor(uint64(sys.Rdev))),
		}
		if int(disk.RaidDisk) < opts.RaidDisks {
			disk.State = int32(mdtypes.ActiveSync)
		}
		if err := handle.AddNewDisk(disk); err != nil {
			return fmt.Errorf("add disk %s: %w", dev, err)
		}
	}

	if opts.RunStop == mdtypes.RunStopForceRun || len(opts.Devices) >= opts.RaidDisks {
		return handle.RunArray()
	}
	return nil
}

// Build hands a superblock-less linear/raid0 array to the kernel. It checks
// only the level, that the device count equals RaidDisks, and that each
// device is a device node; it does not probe sizes, cap the disk count or
// require a 0.90+ driver as Create does.
func Build(ctx context.Context, handle *driver.Handle, mdFile *os.File, opts BuildOptions) error {
	if opts.Level != mdtypes.LevelLinear && opts.Level != mdtypes.LevelRaid0 {
		return fmt.Errorf("%w: Build only supports linear and raid0", mderrors.ErrUsage)
	}
	if len(opts.Devices) != opts.RaidDisks {
		return fmt.Errorf("%w: requested %d devices in array but listed %d",
			mderrors.ErrUsage, opts.RaidDisks, len(opts.Devices))
	}
	for _, dev := range opts.Devices {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		info, err := statDevice(dev)
		if err != nil {
			return &mderrors.IOError{Path: dev, Err: err}
		}
		if info.Mode()&os.ModeDevice == 0 {
			return fmt.Errorf("%w: %s is not a block device", mderrors.ErrUsage, dev)
		}
	}

	major, minor, _, err := driverVersion(mdFile)
	if err != nil {
		return &mderrors.IOError{Path: mdFile.Name(), Err: err}
	}
	modern := major > 0 || minor >= 90

	chunk := opts.ChunkKiB
	if chunk == 0 {
		chunk = defaultChunkKiB
	}

	if modern {
		mdMinor := 0
		if stat, err := os.Stat(mdFile.Name()); err == nil {
			if sys, ok := stat.Sys().(*unix.Stat_t); ok {
				mdMinor = devnum.Minor(uint64(sys.Rdev))
			}
		}
		array := &driver.ArrayInfo{
			Level:        int32(opts.Level),
			NrDisks:      int32(opts.RaidDisks),
			RaidDisks:    int32(opts.RaidDisks),
			MdMinor:      int32(mdMinor),
			NotPersist:   1,
			ActiveDisks:  int32(opts.RaidDisks),
			WorkingDisks: int32(opts.RaidDisks),
			ChunkSize:    int32(chunk * 1024),
		}
		if err := handle.SetArrayInfo(array); err != nil {
			return err
		}
	}

	for i, dev := range opts.Devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err != nil {
			abort(handle, modern)
			return &mderrors.IOError{Path: dev, Err: err}
		}
		stat, statErr := f.Stat()
		f.Close()
		if statErr != nil {
			abort(handle, modern)
			return &mderrors.IOError{Path: dev, Err: statErr}
		}
		sys, ok := stat.Sys().(*unix.Stat_t)
		if !ok {
			abort(handle, modern)
			return &mderrors.IOError{Path: dev, Err: fmt.Errorf("no device number available")}
		}

		if modern {
			disk := driver.DiskInfo{
				Number:   int32(i),
				RaidDisk: int32(i),
				State:    int32(mdtypes.ActiveSync),
				Major:    int32(devnum.Major(uint64(sys.Rdev))),
				Minor:    int32(devnum.Minor(uint64(sys.Rdev))),
			}
			if err := handle.AddNewDisk(disk); err != nil {
				abort(handle, modern)
				return fmt.Errorf("add disk %s: %w", dev, err)
			}
		} else if err := handle.RegisterDev(sys.Rdev); err != nil {
			abort(handle, modern)
			return fmt.Errorf("register disk %s: %w", dev, err)
		}
	}

	if modern {
		if err := handle.RunArray(); err != nil {
			abort(handle, modern)
			return err
		}
		return nil
	}

	shift := uint64(0)
	chunkBytes := chunk * 1024
	for chunkBytes > 4096 {
		shift++
		chunkBytes >>= 1
	}
	geometry := shift
	if opts.Level == mdtypes.LevelRaid0 {
		geometry |= 0x20000
	} else {
		geometry |= 0x10000
	}
	if err := handle.StartMD(geometry); err != nil {
		abort(handle, modern)
		return err
	}
	return nil
}

func abort(handle *driver.Handle, modern bool) {
	if modern {
		_ = handle.StopArray()
	} else {
		_ = handle.StopMD()
	}
}
