package assemble

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/neilbrown/mdctl-go/internal/driver"
	"github.com/neilbrown/mdctl-go/internal/mderrors"
	"github.com/neilbrown/mdctl-go/internal/mdtypes"
	"github.com/neilbrown/mdctl-go/internal/superblock"
)

func withOpenReadWrite(t *testing.T, fn func(path string) (*os.File, error)) {
	t.Helper()
	orig := openReadWrite
	openReadWrite = fn
	t.Cleanup(func() { openReadWrite = orig })
}

func withLoadSuper(t *testing.T, fn func(device string, f *os.File) (*superblock.Superblock, error)) {
	t.Helper()
	orig := loadSuper
	loadSuper = fn
	t.Cleanup(func() { loadSuper = orig })
}

func withDriverVersion(t *testing.T, fn func(f *os.File) (int, int, int, error)) {
	t.Helper()
	orig := driverVersion
	driverVersion = fn
	t.Cleanup(func() { driverVersion = orig })
}

func TestElectSlotsMarksUpToDateWithinOneEvent(t *testing.T) {
	members := []member{
		{path: "/dev/sda1", events: 100, raidDisk: 0},
		{path: "/dev/sdb1", events: 99, raidDisk: 1},
		{path: "/dev/sdc1", events: 50, raidDisk: 2},
	}
	best := []int{0, 1, 2}
	for i := 3; i < superblock.Disks; i++ {
		best = append(best, -1)
	}

	okcnt, sparecnt := electSlots(members, best, 3)

	if okcnt != 2 {
		t.Fatalf("expected 2 up-to-date active slots, got %d", okcnt)
	}
	if sparecnt != 0 {
		t.Fatalf("expected 0 spares, got %d", sparecnt)
	}
	if members[2].upToDate {
		t.Fatal("stale member should not be marked up-to-date")
	}
}

func TestForcePromoteRewritesStaleSuperblock(t *testing.T) {
	members := []member{
		{path: "/dev/sda1", events: 100, raidDisk: 0, upToDate: true},
		{path: "/dev/sdb1", events: 95, raidDisk: 1},
	}
	best := []int{0, 1}
	for i := 2; i < superblock.Disks; i++ {
		best = append(best, -1)
	}
	okcnt := 1

	withOpenReadWrite(t, func(path string) (*os.File, error) {
		return nil, nil
	})
	withLoadSuper(t, func(device string, f *os.File) (*superblock.Superblock, error) {
		sb := &superblock.Superblock{}
		return sb, nil
	})
	orig := storeSuper
	storeSuper = func(f *os.File, sb *superblock.Superblock) error { return nil }
	t.Cleanup(func() { storeSuper = orig })

	forcePromote(members, best, mdtypes.LevelRaid0, 2, &okcnt)

	if !members[1].upToDate {
		t.Fatal("expected promoted member to become up-to-date")
	}
	if members[1].events != 100 {
		t.Fatalf("expected promoted member's events to be rewritten to 100, got %d", members[1].events)
	}
	if okcnt != 2 {
		t.Fatalf("expected okcnt to rise to 2, got %d", okcnt)
	}
}

func TestForcePromoteGivesUpWhenNoCandidateHasEvents(t *testing.T) {
	members := []member{
		{path: "/dev/sda1", events: 100, raidDisk: 0, upToDate: true},
		{path: "/dev/sdb1", events: 0, raidDisk: 1},
	}
	best := []int{0, 1}
	for i := 2; i < superblock.Disks; i++ {
		best = append(best, -1)
	}
	okcnt := 1

	forcePromote(members, best, mdtypes.LevelRaid0, 2, &okcnt)

	if members[1].upToDate {
		t.Fatal("member with zero events should never be promoted")
	}
	if okcnt != 1 {
		t.Fatalf("expected okcnt unchanged at 1, got %d", okcnt)
	}
}

func TestReconcileGeometryRecordsMovedDeviceNumbers(t *testing.T) {
	members := []member{
		{path: "/dev/sda1", major: 8, minor: 33, raidDisk: 0, upToDate: true},
	}
	best := []int{0}
	for i := 1; i < superblock.Disks; i++ {
		best = append(best, -1)
	}
	chosen := &superblock.Superblock{}
	chosen.DiskTable[0] = superblock.DiskDescriptor{Major: 8, Minor: 1}

	change := reconcileGeometry(members, best, chosen, false)

	if change&mdtypes.ChangeDeviceNumbers == 0 {
		t.Fatal("expected ChangeDeviceNumbers to be set")
	}
	if chosen.DiskTable[0].Minor != 33 {
		t.Fatalf("expected disk table entry rewritten to minor 33, got %d", chosen.DiskTable[0].Minor)
	}
}

func TestReconcileGeometryClearsFaultyOnlyWhenForced(t *testing.T) {
	members := []member{
		{path: "/dev/sda1", major: 8, minor: 1, raidDisk: 0, upToDate: true},
	}
	best := []int{0}
	for i := 1; i < superblock.Disks; i++ {
		best = append(best, -1)
	}
	chosen := &superblock.Superblock{}
	chosen.DiskTable[0] = superblock.DiskDescriptor{Major: 8, Minor: 1, State: uint32(mdtypes.DiskFaulty)}

	change := reconcileGeometry(members, best, chosen, false)
	if change&mdtypes.ChangeClearedFaulty != 0 {
		t.Fatal("should not clear FAULTY without force")
	}

	chosen.DiskTable[0].State = uint32(mdtypes.DiskFaulty)
	change = reconcileGeometry(members, best, chosen, true)
	if change&mdtypes.ChangeClearedFaulty == 0 {
		t.Fatal("expected FAULTY to be cleared under force")
	}
}

func TestReconcileGeometrySkipsStaleCandidateWithoutChange(t *testing.T) {
	members := []member{
		{path: "/dev/sda1", major: 8, minor: 1, raidDisk: 0, upToDate: false},
	}
	best := []int{0}
	for i := 1; i < superblock.Disks; i++ {
		best = append(best, -1)
	}
	chosen := &superblock.Superblock{}
	chosen.DiskTable[0] = superblock.DiskDescriptor{Major: 8, Minor: 1}

	change := reconcileGeometry(members, best, chosen, false)
	if change != 0 {
		t.Fatalf("a stale, unpromoted candidate should not produce any change, got %v", change)
	}
}

func TestAssembleFailsWhenDriverTooOld(t *testing.T) {
	withDriverVersion(t, func(f *os.File) (int, int, int, error) {
		return 0, 50, 0, nil
	})

	handle := &driver.Handle{}

	_, err := Assemble(context.Background(), Options{Identity: mdtypes.ArrayIdentity{UUIDSet: true}}, handle, &os.File{})
	if err == nil {
		t.Fatal("expected driver-too-old error")
	}
}

func TestAssembleFailsWithoutIdentity(t *testing.T) {
	withDriverVersion(t, func(f *os.File) (int, int, int, error) {
		return 0, 90, 0, nil
	})

	handle := &driver.Handle{}

	_, err := Assemble(context.Background(), Options{Identity: mdtypes.ArrayIdentity{PreferredMinor: -1}}, handle, &os.File{})
	if !errors.Is(err, mderrors.ErrNoIdentity) {
		t.Fatalf("expected no-identity error, got %v", err)
	}
}
