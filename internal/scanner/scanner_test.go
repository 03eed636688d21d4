package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandDeduplicatesAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"sdb1", "sda1", "sdc1"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	patterns := []string{
		filepath.Join(dir, "sd*1"),
		filepath.Join(dir, "sda1"), // overlaps with the glob above
	}
	got, err := Expand(patterns)
	require.NoError(t, err)

	want := []string{
		filepath.Join(dir, "sda1"),
		filepath.Join(dir, "sdb1"),
		filepath.Join(dir, "sdc1"),
	}
	assert.Equal(t, want, got)
}

func TestExpandDropsPatternsWithNoMatch(t *testing.T) {
	dir := t.TempDir()
	got, err := Expand([]string{filepath.Join(dir, "nothing-here*")})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpandRejectsBadPattern(t *testing.T) {
	_, err := Expand([]string{"["})
	assert.Error(t, err)
}

type fakeFileInfo struct {
	mode os.FileMode
}

func (f fakeFileInfo) Name() string       { return "fake" }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeFileInfo) Sys() interface{}   { return nil }

func withStat(t *testing.T, fn func(string) (os.FileInfo, error)) {
	t.Helper()
	orig := statFn
	statFn = fn
	t.Cleanup(func() { statFn = orig })
}

func TestIsBlockDeviceTrueForDeviceMode(t *testing.T) {
	withStat(t, func(string) (os.FileInfo, error) {
		return fakeFileInfo{mode: os.ModeDevice}, nil
	})
	assert.True(t, IsBlockDevice("/dev/sda1"))
}

func TestIsBlockDeviceFalseForCharDevice(t *testing.T) {
	withStat(t, func(string) (os.FileInfo, error) {
		return fakeFileInfo{mode: os.ModeDevice | os.ModeCharDevice}, nil
	})
	assert.False(t, IsBlockDevice("/dev/tty0"))
}

func TestIsBlockDeviceFalseForRegularFile(t *testing.T) {
	withStat(t, func(string) (os.FileInfo, error) {
		return fakeFileInfo{mode: 0}, nil
	})
	assert.False(t, IsBlockDevice("/tmp/not-a-device"))
}

func TestIsBlockDeviceFalseWhenStatFails(t *testing.T) {
	withStat(t, func(string) (os.FileInfo, error) {
		return nil, os.ErrNotExist
	})
	assert.False(t, IsBlockDevice("/dev/missing"))
}
