// Package scanner expands the glob patterns device-discovery is based on
// into a concrete, deduplicated, stably ordered device list, per spec
// section 4.3's devices() operation. original_source/config.c hands this
// job to glob(3) (conf_get_devs); filepath.Glob is its Go analogue.
package scanner

import (
	"os"
	"path/filepath"
	"sort"
)

// statFn is overridden in tests.
var statFn = os.Stat

// Expand resolves a set of glob patterns (exact paths or shell-style
// globs) into the list of existing paths they match, deduplicated and
// sorted for a stable order. A pattern with no filesystem match is
// dropped silently, matching glob(3)'s GLOB_NOCHECK-less default.
func Expand(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsBlockDevice reports whether path names a block-special file (a device
// node that is not a character device). Expand does not apply it; callers
// that need the check call it themselves.
func IsBlockDevice(path string) bool {
	info, err := statFn(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0
}
