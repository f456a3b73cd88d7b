package lvm

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"chroot-tool/log"
)

func TestSelectRootCandidateNameMatch(t *testing.T) {
	lvs := []LogicalVolume{
		{Name: "swap_lv", Group: "vg0", Path: "/dev/vg0/swap_lv", SizeBytes: 8 << 30},
		{Name: "ubuntu-lv", Group: "vg0", Path: "/dev/vg0/ubuntu-lv", SizeBytes: 100 << 30},
	}
	got, err := SelectRootCandidate(lvs, []string{"vg0"}, "")
	if err != nil {
		t.Fatalf("SelectRootCandidate() failed: %v", err)
	}
	if got != "/dev/vg0/ubuntu-lv" {
		t.Errorf("SelectRootCandidate() = %q, want /dev/vg0/ubuntu-lv", got)
	}
}

func TestSelectRootCandidateLargestWhenNoNameMatches(t *testing.T) {
	lvs := []LogicalVolume{
		{Name: "swap_lv", Group: "vg0", Path: "/dev/vg0/swap_lv", SizeBytes: 8 << 30},
		{Name: "data_lv", Group: "vg0", Path: "/dev/vg0/data_lv", SizeBytes: 500 << 30},
	}
	got, err := SelectRootCandidate(lvs, []string{"vg0"}, "")
	if err != nil {
		t.Fatalf("SelectRootCandidate() failed: %v", err)
	}
	if got != "/dev/vg0/data_lv" {
		t.Errorf("SelectRootCandidate() = %q, want the largest LV /dev/vg0/data_lv", got)
	}
}

func TestSelectRootCandidateEqualSizeTiebreak(t *testing.T) {
	lvs := []LogicalVolume{
		{Name: "vol_b", Group: "vg_late", Path: "/dev/vg_late/vol_b", SizeBytes: 50 << 30},
		{Name: "vol_a", Group: "vg_early", Path: "/dev/vg_early/vol_a", SizeBytes: 50 << 30},
	}
	// vg_early was activated first; equal sizes must resolve to it
	// regardless of lvs listing order.
	got, err := SelectRootCandidate(lvs, []string{"vg_early", "vg_late"}, "")
	if err != nil {
		t.Fatalf("SelectRootCandidate() failed: %v", err)
	}
	if got != "/dev/vg_early/vol_a" {
		t.Errorf("SelectRootCandidate() = %q, want /dev/vg_early/vol_a", got)
	}

	// Same inputs, same answer: the heuristic is a pure function.
	again, _ := SelectRootCandidate(lvs, []string{"vg_early", "vg_late"}, "")
	if again != got {
		t.Errorf("SelectRootCandidate() not deterministic: %q then %q", got, again)
	}
}

func TestSelectRootCandidateFallbackPartition(t *testing.T) {
	got, err := SelectRootCandidate(nil, nil, "/dev/sda3")
	if err != nil {
		t.Fatalf("SelectRootCandidate() failed: %v", err)
	}
	if got != "/dev/sda3" {
		t.Errorf("SelectRootCandidate() = %q, want fallback /dev/sda3", got)
	}
}

func TestSelectRootCandidateNothingQualifies(t *testing.T) {
	_, err := SelectRootCandidate(nil, nil, "")
	var nrc *NoRootCandidateError
	if !errors.As(err, &nrc) {
		t.Fatalf("SelectRootCandidate() error = %v, want NoRootCandidateError", err)
	}
}

func TestScanAndActivateSkipsFailedGroups(t *testing.T) {
	run := func(name string, args ...string) (string, error) {
		switch name {
		case "pvscan", "vgscan":
			return "", nil
		case "vgs":
			return "  vg_good\n  vg_bad\n", nil
		case "vgchange":
			if args[len(args)-1] == "vg_bad" {
				return "device busy", fmt.Errorf("exit status 5")
			}
			return "", nil
		}
		return "", fmt.Errorf("unexpected command %s", name)
	}

	a := NewActivatorWithRunner(run, log.NoOpLogger{})
	groups, err := a.ScanAndActivate()
	if err != nil {
		t.Fatalf("ScanAndActivate() failed: %v", err)
	}
	if len(groups) != 1 || groups[0] != "vg_good" {
		t.Errorf("ScanAndActivate() = %v, want [vg_good]", groups)
	}
}

func TestListLogicalVolumesParsesLvsOutput(t *testing.T) {
	run := func(name string, args ...string) (string, error) {
		if name != "lvs" {
			return "", fmt.Errorf("unexpected command %s", name)
		}
		if !strings.Contains(strings.Join(args, " "), "vg0") {
			t.Errorf("lvs not invoked with group name: %v", args)
		}
		return "  root|vg0|/dev/vg0/root|53687091200\n  swap|vg0|/dev/vg0/swap|8589934592\n", nil
	}

	a := NewActivatorWithRunner(run, log.NoOpLogger{})
	lvs, err := a.ListLogicalVolumes([]string{"vg0"})
	if err != nil {
		t.Fatalf("ListLogicalVolumes() failed: %v", err)
	}
	if len(lvs) != 2 {
		t.Fatalf("got %d logical volumes, want 2", len(lvs))
	}
	if lvs[0].Name != "root" || lvs[0].Path != "/dev/vg0/root" || lvs[0].SizeBytes != 53687091200 {
		t.Errorf("unexpected first LV: %+v", lvs[0])
	}
}

func TestListLogicalVolumesEmptyGroups(t *testing.T) {
	a := NewActivatorWithRunner(func(string, ...string) (string, error) {
		t.Fatal("runner must not be called for an empty group list")
		return "", nil
	}, log.NoOpLogger{})

	lvs, err := a.ListLogicalVolumes(nil)
	if err != nil || lvs != nil {
		t.Errorf("ListLogicalVolumes(nil) = %v, %v; want nil, nil", lvs, err)
	}
}
