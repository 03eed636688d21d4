// Package driver talks to the in-kernel md RAID driver through its ioctl
// interface, grounded on the ioctl-encoding and unsafe.Pointer struct
// overlay idiom of the device-mapper control path (dm_linux.go: a
// swappable ioctlSyscall func var wrapping unix.Syscall(unix.SYS_IOCTL,
// ...), fixed-layout request structs cast from a byte buffer) and on the
// call sequence documented in original_source/Assemble.c, Build.c,
// Create.c, Detail.c and Manage.c.
package driver

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl encoding constants (see <asm-generic/ioctl.h>), matching the dm
// control path's ioc()/iowr() helpers.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func ior(typ, nr, size uintptr) uintptr  { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr  { return ioc(iocWrite, typ, nr, size) }
func ioZero(typ, nr uintptr) uintptr     { return ioc(iocNone, typ, nr, 0) }

// mdType is the ioctl "type" byte the kernel's md driver reuses its major
// device number for (see <linux/major.h>: MD_MAJOR == 9).
const mdType uintptr = 9

// MDMajor is the legacy block-device major number for md devices.
const MDMajor = 9

var (
	versionReq       = ior(mdType, 0x10, unsafe.Sizeof(version{}))
	getArrayInfoReq  = ior(mdType, 0x11, unsafe.Sizeof(ArrayInfo{}))
	getDiskInfoReq   = ior(mdType, 0x12, unsafe.Sizeof(DiskInfo{}))
	addNewDiskReq    = iow(mdType, 0x21, unsafe.Sizeof(DiskInfo{}))
	hotRemoveDiskReq = ioZero(mdType, 0x22)
	setArrayInfoReq  = iow(mdType, 0x23, unsafe.Sizeof(ArrayInfo{}))
	hotAddDiskReq    = ioZero(mdType, 0x28)
	setDiskFaultyReq = ioZero(mdType, 0x29)
	runArrayReq      = iow(mdType, 0x30, unsafe.Sizeof(param{}))
	startArrayReq    = ioZero(mdType, 0x31)
	stopArrayReq     = ioZero(mdType, 0x32)
	stopArrayROReq   = ioZero(mdType, 0x33)
	restartRWReq     = ioZero(mdType, 0x34)

	registerDevReq = ioZero(mdType, 1)
	startMDReq     = ioZero(mdType, 2)
	stopMDReq      = ioZero(mdType, 3)
)

type version struct {
	Major, Minor, Patch int32
}

// ArrayInfo mirrors mdu_array_info_t.
type ArrayInfo struct {
	MajorVersion int32
	MinorVersion int32
	PatchVersion int32
	Ctime        int32
	Level        int32
	Size         int32
	NrDisks      int32
	RaidDisks    int32
	MdMinor      int32
	NotPersist   int32

	Utime        int32
	State        int32
	ActiveDisks  int32
	WorkingDisks int32
	FailedDisks  int32
	SpareDisks   int32

	Layout    int32
	ChunkSize int32
}

// DiskInfo mirrors mdu_disk_info_t.
type DiskInfo struct {
	Number   int32
	Major    int32
	Minor    int32
	RaidDisk int32
	State    int32
}

type param struct {
	Personality int32
	ChunkSize   int32
	MaxFault    int32
}

// ioctlSyscall is overridden in tests, matching the swappable-func-var
// pattern used for the device-mapper control path.
var ioctlSyscall = func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
}

// Handle is an open md array device.
type Handle struct {
	f *os.File
}

// Open opens an md array device node for ioctl control.
func Open(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// OpenReadOnly opens an md array device node for query-only ioctls
// (GET_ARRAY_INFO, GET_DISK_INFO), matching Monitor.c's read-only fd —
// Monitor's polling only queries state; its spare migration opens a
// separate handle with Open for HOT_REMOVE_DISK/HOT_ADD_DISK.
func OpenReadOnly(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f}, nil
}

// Close releases the handle.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	return h.f.Close()
}

// Fd returns the underlying file descriptor, for callers (e.g. superblock
// loading) that need raw device access alongside ioctl control.
func (h *Handle) Fd() uintptr { return h.f.Fd() }

func (h *Handle) call(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := ioctlSyscall(h.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// callArg issues an ioctl whose argument is a raw value (a dev_t or an
// encoded geometry word) rather than a pointer to a struct.
func (h *Handle) callArg(req uintptr, arg uintptr) error {
	_, _, errno := ioctlSyscall(h.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Version returns the driver's (major, minor, patch) version.
func Version(f *os.File) (major, minor, patch int, err error) {
	var v version
	_, _, errno := ioctlSyscall(f.Fd(), versionReq, uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return 0, 0, 0, errno
	}
	return int(v.Major), int(v.Minor), int(v.Patch), nil
}

// SufficientVersion reports whether the driver is at least 0.90.0, the
// minimum for metadata-aware operations.
func SufficientVersion(major, minor, patch int) bool {
	if major != 0 {
		return major > 0
	}
	return minor >= 90
}

// QueryArray issues GET_ARRAY_INFO.
func (h *Handle) QueryArray() (*ArrayInfo, error) {
	var info ArrayInfo
	if err := h.call(getArrayInfoReq, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("GET_ARRAY_INFO: %w", err)
	}
	return &info, nil
}

// QueryDisk issues GET_DISK_INFO for the disk occupying the given number.
func (h *Handle) QueryDisk(number int) (*DiskInfo, error) {
	info := DiskInfo{Number: int32(number)}
	if err := h.call(getDiskInfoReq, unsafe.Pointer(&info)); err != nil {
		return nil, fmt.Errorf("GET_DISK_INFO: %w", err)
	}
	return &info, nil
}

// SetArrayInfo issues SET_ARRAY_INFO. A nil info signals "use the
// on-disk superblocks", matching Assemble's modern handoff.
func (h *Handle) SetArrayInfo(info *ArrayInfo) error {
	var p unsafe.Pointer
	if info != nil {
		p = unsafe.Pointer(info)
	}
	if err := h.call(setArrayInfoReq, p); err != nil {
		return fmt.Errorf("SET_ARRAY_INFO: %w", err)
	}
	return nil
}

// AddNewDisk issues ADD_NEW_DISK with a fully described slot.
func (h *Handle) AddNewDisk(info DiskInfo) error {
	if err := h.call(addNewDiskReq, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("ADD_NEW_DISK: %w", err)
	}
	return nil
}

// HotAddDisk issues HOT_ADD_DISK, passing the device's raw dev_t as the
// ioctl argument (not a pointer), matching Manage.c's
// ioctl(fd, HOT_ADD_DISK, stb.st_rdev).
func (h *Handle) HotAddDisk(dev uint64) error {
	if err := h.callArg(hotAddDiskReq, uintptr(dev)); err != nil {
		return fmt.Errorf("HOT_ADD_DISK: %w", err)
	}
	return nil
}

// HotRemoveDisk issues HOT_REMOVE_DISK.
func (h *Handle) HotRemoveDisk(dev uint64) error {
	if err := h.callArg(hotRemoveDiskReq, uintptr(dev)); err != nil {
		return fmt.Errorf("HOT_REMOVE_DISK: %w", err)
	}
	return nil
}

// SetDiskFaulty issues SET_DISK_FAULTY.
func (h *Handle) SetDiskFaulty(dev uint64) error {
	if err := h.callArg(setDiskFaultyReq, uintptr(dev)); err != nil {
		return fmt.Errorf("SET_DISK_FAULTY: %w", err)
	}
	return nil
}

// RunArray issues RUN_ARRAY.
func (h *Handle) RunArray() error {
	var p param
	if err := h.call(runArrayReq, unsafe.Pointer(&p)); err != nil {
		return fmt.Errorf("RUN_ARRAY: %w", err)
	}
	return nil
}

// StartArray issues the legacy-kernel START_ARRAY ioctl, passing the
// chosen member's encoded dev_t as the ioctl argument: the driver walks
// the in-superblock disks table itself rather than being told each
// member via ADD_NEW_DISK.
func (h *Handle) StartArray(dev uint64) error {
	if err := h.callArg(startArrayReq, uintptr(dev)); err != nil {
		return fmt.Errorf("START_ARRAY: %w", err)
	}
	return nil
}

// StopArray issues STOP_ARRAY.
func (h *Handle) StopArray() error {
	if err := h.call(stopArrayReq, nil); err != nil {
		return fmt.Errorf("STOP_ARRAY: %w", err)
	}
	return nil
}

// StopArrayReadOnly issues STOP_ARRAY_RO.
func (h *Handle) StopArrayReadOnly() error {
	if err := h.call(stopArrayROReq, nil); err != nil {
		return fmt.Errorf("STOP_ARRAY_RO: %w", err)
	}
	return nil
}

// RestartReadWrite issues RESTART_ARRAY_RW.
func (h *Handle) RestartReadWrite() error {
	if err := h.call(restartRWReq, nil); err != nil {
		return fmt.Errorf("RESTART_ARRAY_RW: %w", err)
	}
	return nil
}

// RegisterDev issues the legacy REGISTER_DEV ioctl, passing a device's
// raw dev_t.
func (h *Handle) RegisterDev(dev uint64) error {
	if err := h.callArg(registerDevReq, uintptr(dev)); err != nil {
		return fmt.Errorf("REGISTER_DEV: %w", err)
	}
	return nil
}

// StartMD issues the legacy START_MD ioctl with an encoded geometry word:
// personality bits (0x10000 linear, 0x20000 raid0) ORed with a chunk-size
// shift count, per Build.c.
func (h *Handle) StartMD(geometry uint64) error {
	if err := h.callArg(startMDReq, uintptr(geometry)); err != nil {
		return fmt.Errorf("START_MD: %w", err)
	}
	return nil
}

// StopMD issues the legacy STOP_MD ioctl.
func (h *Handle) StopMD() error {
	if err := h.call(stopMDReq, nil); err != nil {
		return fmt.Errorf("STOP_MD: %w", err)
	}
	return nil
}
