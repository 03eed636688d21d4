// Package devnum provides the major/minor device-number helpers the
// original C code gets for free from <linux/kdev_t.h>, plus map_dev, the
// external helper Monitor.c calls to turn a (major, minor) pair back into
// a /dev path for alert messages (original_source/Monitor.c: "char *dv =
// map_dev(disc.major, disc.minor)"). Supplemented per SPEC_FULL section 6:
// the original treats map_dev as an opaque collaborator; this is a
// concrete, conservative implementation.
package devnum

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Major extracts the major number from a Linux dev_t.
func Major(dev uint64) int {
	return int((dev >> 8) & 0xfff)
}

// Minor extracts the minor number from a Linux dev_t.
func Minor(dev uint64) int {
	return int((dev & 0xff) | ((dev >> 12) & 0xfff00))
}

// Make builds a Linux dev_t from major/minor, the inverse of Major/Minor.
func Make(major, minor int) uint64 {
	return uint64((major&0xfff)<<8) | uint64(minor&0xff) | uint64((minor&0xfff00)<<12)
}

var (
	devCacheMu sync.Mutex
	devCache   map[uint64]string
)

// statFn is overridden in tests.
var statFn = os.Stat

// readDirFn is overridden in tests.
var readDirFn = os.ReadDir

// MapDev resolves a (major, minor) pair to a block-device path under /dev,
// memoizing the scan. Returns "" if no matching entry is found.
func MapDev(major, minor int) string {
	want := Make(major, minor)

	devCacheMu.Lock()
	defer devCacheMu.Unlock()
	if devCache == nil {
		devCache = make(map[uint64]string)
	}
	if path, ok := devCache[want]; ok {
		return path
	}

	entries, err := readDirFn("/dev")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join("/dev", entry.Name())
		info, err := statFn(path)
		if err != nil {
			continue
		}
		sys, ok := info.Sys().(*unix.Stat_t)
		if !ok {
			continue
		}
		if sys.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		dev := uint64(sys.Rdev)
		devCache[dev] = path
	}

	if path, ok := devCache[want]; ok {
		return path
	}
	return ""
}
