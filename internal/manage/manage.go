// Package manage implements the three stateless array-administration
// operations (read-only toggle, run/stop, per-subdevice add/remove/fault),
// ported from original_source/Manage.c's Manage_ro, Manage_runstop and
// Manage_subdevs.
package manage

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/neilbrown/mdctl-go/internal/devnum"
	"github.com/neilbrown/mdctl-go/internal/driver"
	"github.com/neilbrown/mdctl-go/internal/mderrors"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
)

// SubdevOp is the action Manage performs on one member device.
type SubdevOp int

const (
	SubdevAdd SubdevOp = iota
	SubdevRemove
	SubdevFault
)

func (op SubdevOp) String() string {
	switch op {
	case SubdevAdd:
		return "add"
	case SubdevRemove:
		return "remove"
	case SubdevFault:
		return "fault"
	default:
		return "unknown"
	}
}

// SubdevRequest names one member device and the operation to perform on it.
type SubdevRequest struct {
	Path string
	Op   SubdevOp
}

// Injectable collaborators, overridden in tests.
var (
	statDevice    = os.Stat
	driverVersion = driver.Version
)

// SetReadOnly toggles an already-running array between read-only and
// read-write. readonly > 0 requests read-only, readonly < 0 requests
// read-write; readonly == 0 changes nothing once the driver-version and
// array-active checks have passed.
func SetReadOnly(ctx context.Context, handle *driver.Handle, mdFile *os.File, readonly int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	major, minor, patch, err := driverVersion(mdFile)
	if err != nil || !driver.SufficientVersion(major, minor, patch) {
		return mderrors.ErrDriverTooOld
	}
	if _, err := handle.QueryArray(); err != nil {
		return mderrors.ErrNotActive
	}

	switch {
	case readonly > 0:
		if err := handle.StopArrayReadOnly(); err != nil {
			return fmt.Errorf("set readonly: %w", err)
		}
	case readonly < 0:
		if err := handle.RestartReadWrite(); err != nil {
			return fmt.Errorf("set writable: %w", err)
		}
	}
	return nil
}

// RunStop starts or stops an already-configured array. runstop > 0 runs
// it, runstop < 0 stops it; runstop == 0 is a no-op.
func RunStop(ctx context.Context, handle *driver.Handle, mdFile *os.File, runstop int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	major, minor, patch, err := driverVersion(mdFile)
	legacy := err != nil || !driver.SufficientVersion(major, minor, patch)

	if legacy && runstop < 0 {
		// Manage_runstop stops a legacy array opportunistically before
		// reporting the version requirement below — the pre-0.90 driver
		// has no RUN_ARRAY/STOP_ARRAY, but STOP_MD still works.
		if err := handle.StopMD(); err != nil {
			return fmt.Errorf("stop legacy array: %w", err)
		}
	}
	if legacy {
		return mderrors.ErrDriverTooOld
	}

	switch {
	case runstop > 0:
		if err := handle.RunArray(); err != nil {
			return fmt.Errorf("run array: %w", err)
		}
	case runstop < 0:
		if err := handle.StopArray(); err != nil {
			return fmt.Errorf("stop array: %w", err)
		}
	}
	return nil
}

// Subdevs applies a sequence of per-member operations against a running
// array, stopping at the first failure (Manage_subdevs returns on first
// error rather than continuing through the list).
func Subdevs(ctx context.Context, handle *driver.Handle, requests []SubdevRequest) error {
	if _, err := handle.QueryArray(); err != nil {
		return fmt.Errorf("cannot get array info: %w", mderrors.ErrNotActive)
	}

	for _, req := range requests {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		info, err := statDevice(req.Path)
		if err != nil {
			return &mderrors.IOError{Path: req.Path, Err: err}
		}
		if info.Mode()&os.ModeDevice == 0 {
			return fmt.Errorf("%w: %s is not a block device", mderrors.ErrUsage, req.Path)
		}
		sys, ok := info.Sys().(*unix.Stat_t)
		if !ok {
			return &mderrors.IOError{Path: req.Path, Err: fmt.Errorf("no device number available")}
		}
		dev := uint64(sys.Rdev)
		major := devnum.Major(dev)
		minor := devnum.Minor(dev)

		switch req.Op {
		case SubdevAdd:
			if err := addSubdev(handle, dev, major, minor); err != nil {
				return fmt.Errorf("add %s: %w", req.Path, err)
			}
		case SubdevRemove:
			if err := handle.HotRemoveDisk(dev); err != nil {
				return fmt.Errorf("hot remove %s: %w", req.Path, err)
			}
		case SubdevFault:
			if err := handle.SetDiskFaulty(dev); err != nil {
				return fmt.Errorf("set faulty %s: %w", req.Path, err)
			}
		default:
			return fmt.Errorf("%w: unknown subdev op %v", mderrors.ErrUsage, req.Op)
		}
	}
	return nil
}

// addSubdev tries HOT_ADD_DISK first; on failure it falls back to
// ADD_NEW_DISK, choosing the first slot that is either unused (major and
// minor both zero) or marked REMOVED, matching Manage_subdevs's scan of
// query_disk(j) for j in [0, nr_disks).
func addSubdev(handle *driver.Handle, dev uint64, major, minor int) error {
	if err := handle.HotAddDisk(dev); err == nil {
		return nil
	}

	info, err := handle.QueryArray()
	if err != nil {
		return err
	}

	slot := -1
	for j := 0; j < int(info.NrDisks); j++ {
		disk, err := handle.QueryDisk(j)
		if err != nil {
			break
		}
		if disk.Major == 0 && disk.Minor == 0 {
			slot = j
			break
		}
		if mdtypes.DiskState(disk.State)&mdtypes.DiskRemoved != 0 {
			slot = j
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("no free slot for new disk")
	}

	return handle.AddNewDisk(driver.DiskInfo{
		Number:   int32(slot),
		RaidDisk: int32(slot),
		State:    0,
		Major:    int32(major),
		Minor:    int32(minor),
	})
}
