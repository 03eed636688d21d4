package driver

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIocEncodesDirTypeNrSize(t *testing.T) {
	req := ior(mdType, 0x10, unsafe.Sizeof(version{}))
	assert.Equal(t, uintptr(iocRead), (req>>iocDirShift)&0x3)
	assert.Equal(t, mdType, (req>>iocTypeShift)&0xff)
	assert.Equal(t, uintptr(0x10), (req>>iocNRShift)&0xff)
}

func TestIoZeroCarriesNoSize(t *testing.T) {
	req := ioZero(mdType, 0x22)
	assert.Equal(t, uintptr(0), (req>>iocSizeShift)&0x3fff)
	assert.Equal(t, uintptr(iocNone), (req>>iocDirShift)&0x3)
}

func TestSufficientVersion(t *testing.T) {
	assert.True(t, SufficientVersion(1, 0, 0))
	assert.True(t, SufficientVersion(0, 90, 0))
	assert.False(t, SufficientVersion(0, 89, 9))
}

func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "md")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return &Handle{f: f}
}

func withIoctl(t *testing.T, fn func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno)) {
	t.Helper()
	orig := ioctlSyscall
	ioctlSyscall = fn
	t.Cleanup(func() { ioctlSyscall = orig })
}

func TestQueryArraySuccess(t *testing.T) {
	h := openTestHandle(t)
	withIoctl(t, func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
		assert.Equal(t, getArrayInfoReq, req)
		info := (*ArrayInfo)(unsafe.Pointer(arg))
		info.RaidDisks = 3
		return 0, 0, 0
	})

	info, err := h.QueryArray()
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.RaidDisks)
}

func TestQueryArrayPropagatesErrno(t *testing.T) {
	h := openTestHandle(t)
	withIoctl(t, func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
		return 0, 0, unix.EBUSY
	})

	_, err := h.QueryArray()
	assert.ErrorIs(t, err, unix.EBUSY)
}

func TestHotAddDiskPassesRawDevT(t *testing.T) {
	h := openTestHandle(t)
	var gotReq, gotArg uintptr
	withIoctl(t, func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
		gotReq, gotArg = req, arg
		return 0, 0, 0
	})

	require.NoError(t, h.HotAddDisk(0x0801))
	assert.Equal(t, hotAddDiskReq, gotReq)
	assert.Equal(t, uintptr(0x0801), gotArg)
}

func TestSetArrayInfoNilSignalsOnDiskSuperblocks(t *testing.T) {
	h := openTestHandle(t)
	var gotArg uintptr
	withIoctl(t, func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
		gotArg = arg
		return 0, 0, 0
	})

	require.NoError(t, h.SetArrayInfo(nil))
	assert.Equal(t, uintptr(0), gotArg)
}

func TestRunArraySuccess(t *testing.T) {
	h := openTestHandle(t)
	withIoctl(t, func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
		assert.Equal(t, runArrayReq, req)
		return 0, 0, 0
	})
	assert.NoError(t, h.RunArray())
}

func TestStopArrayReadOnlyAndRestart(t *testing.T) {
	h := openTestHandle(t)
	var seen []uintptr
	withIoctl(t, func(fd, req, arg uintptr) (uintptr, uintptr, unix.Errno) {
		seen = append(seen, req)
		return 0, 0, 0
	})

	require.NoError(t, h.StopArrayReadOnly())
	require.NoError(t, h.RestartReadWrite())
	assert.Equal(t, []uintptr{stopArrayROReq, restartRWReq}, seen)
}

func TestCloseOnNilHandleIsNoop(t *testing.T) {
	var h *Handle
	assert.NoError(t, h.Close())
}
