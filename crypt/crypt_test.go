package crypt

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"chroot-tool/log"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
}

func TestListEncryptedFiltersLUKS(t *testing.T) {
	run := func(name string, args ...string) (string, error) {
		if name != "lsblk" {
			return "", fmt.Errorf("unexpected command %s", name)
		}
		return `/dev/nbd0
/dev/nbd0p1 vfat
/dev/nbd0p2 crypto_LUKS
/dev/nbd0p3 ext4
`, nil
	}

	l := NewLayerWithRunners(run, nil, log.NoOpLogger{})
	parts, err := l.ListEncrypted("/dev/nbd0")
	if err != nil {
		t.Fatalf("ListEncrypted() failed: %v", err)
	}
	if len(parts) != 1 || parts[0] != "/dev/nbd0p2" {
		t.Errorf("ListEncrypted() = %v, want [/dev/nbd0p2]", parts)
	}
}

func TestNextMapperNameUnique(t *testing.T) {
	l := NewLayerWithRunners(nil, nil, log.NoOpLogger{})
	l.now = fixedClock

	first := l.NextMapperName()
	second := l.NextMapperName()

	if first != "chroot_20240315103000_0" {
		t.Errorf("first mapper name = %q", first)
	}
	if second == first {
		t.Error("mapper names not unique within a session")
	}
	if second != "chroot_20240315103000_1" {
		t.Errorf("second mapper name = %q", second)
	}
}

func TestOpenPassesPassphraseOnStdin(t *testing.T) {
	var gotInput string
	var gotArgs []string
	runInput := func(input string, name string, args ...string) (string, error) {
		gotInput = input
		gotArgs = append([]string{name}, args...)
		return "", nil
	}

	l := NewLayerWithRunners(nil, runInput, log.NoOpLogger{})
	l.now = fixedClock

	mapper, err := l.Open("/dev/nbd0p2", "hunter2")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if mapper != "chroot_20240315103000_0" {
		t.Errorf("mapper = %q", mapper)
	}
	if gotInput != "hunter2" {
		t.Errorf("passphrase not passed on stdin: %q", gotInput)
	}

	want := []string{"cryptsetup", "open", "/dev/nbd0p2", mapper, "--key-file=-"}
	if len(gotArgs) != len(want) {
		t.Fatalf("command = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, gotArgs[i], want[i])
		}
	}
}

func TestOpenWrapsFailure(t *testing.T) {
	runInput := func(string, string, ...string) (string, error) {
		return "No key available with this passphrase.", fmt.Errorf("exit status 2")
	}

	l := NewLayerWithRunners(nil, runInput, log.NoOpLogger{})
	_, err := l.Open("/dev/sda2", "wrong")
	var ue *UnlockError
	if !errors.As(err, &ue) {
		t.Fatalf("Open() error = %v, want UnlockError", err)
	}
	if ue.Device != "/dev/sda2" {
		t.Errorf("UnlockError.Device = %q", ue.Device)
	}
}

func TestMapperPath(t *testing.T) {
	if got := MapperPath("chroot_x_0"); got != "/dev/mapper/chroot_x_0" {
		t.Errorf("MapperPath() = %q", got)
	}
}
