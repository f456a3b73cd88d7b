package mount

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"chroot-tool/device"
	"chroot-tool/log"
	"chroot-tool/resource"
)

// mountCall records one invocation of the injected mount function.
type mountCall struct {
	source, target, fstype, data string
	flags                        uintptr
}

type recorder struct {
	calls    []mountCall
	unmounts []struct {
		target string
		flags  int
	}
	mountErr  func(call int) error
	umountErr func(target string, flags int) error
}

func (r *recorder) mount(source, target, fstype string, flags uintptr, data string) error {
	r.calls = append(r.calls, mountCall{source, target, fstype, data, flags})
	if r.mountErr != nil {
		return r.mountErr(len(r.calls))
	}
	return nil
}

func (r *recorder) unmount(target string, flags int) error {
	r.unmounts = append(r.unmounts, struct {
		target string
		flags  int
	}{target, flags})
	if r.umountErr != nil {
		return r.umountErr(target, flags)
	}
	return nil
}

func newTestManager(rec *recorder) (*Manager, *resource.Stack) {
	stack := resource.NewStack()
	m := NewManagerWithFuncs(stack, log.NoOpLogger{}, rec.mount, rec.unmount,
		func(string, ...string) (string, error) { return "", nil }, 0)
	return m, stack
}

func TestVirtualSpecsFixedSet(t *testing.T) {
	specs := VirtualSpecs("/mnt/chroot")
	if len(specs) != 6 {
		t.Fatalf("got %d virtual specs, want 6", len(specs))
	}

	wantTargets := []string{
		"/mnt/chroot/proc",
		"/mnt/chroot/sys",
		"/mnt/chroot/dev",
		"/mnt/chroot/dev/pts",
		"/mnt/chroot/run",
		"/mnt/chroot/tmp",
	}
	for i, spec := range specs {
		if spec.Target != wantTargets[i] {
			t.Errorf("specs[%d].Target = %q, want %q", i, spec.Target, wantTargets[i])
		}
		if spec.Class != resource.MountVirtual {
			t.Errorf("specs[%d] (%s) not classed virtual", i, spec.Target)
		}
		if !spec.Required {
			t.Errorf("specs[%d] (%s) not required", i, spec.Target)
		}
	}

	// devpts must carry the terminal permission options.
	devpts := specs[3]
	if devpts.Options != "mode=0620,ptmxmode=0666,gid=5" {
		t.Errorf("devpts options = %q", devpts.Options)
	}
}

func TestParseOptions(t *testing.T) {
	flags, data := parseOptions("ro,noexec,subvol=@")
	if flags&unix.MS_RDONLY == 0 || flags&unix.MS_NOEXEC == 0 {
		t.Errorf("flags = %#x, want MS_RDONLY|MS_NOEXEC set", flags)
	}
	if data != "subvol=@" {
		t.Errorf("data = %q, want subvol=@", data)
	}

	flags, data = parseOptions("")
	if flags != 0 || data != "" {
		t.Errorf("parseOptions(\"\") = %#x, %q; want 0, \"\"", flags, data)
	}
}

func TestMountRetriesThenSucceeds(t *testing.T) {
	rec := &recorder{mountErr: func(call int) error {
		if call < 3 {
			return unix.ENOENT // device node not published yet
		}
		return nil
	}}
	m, stack := newTestManager(rec)

	target := filepath.Join(t.TempDir(), "mnt")
	err := m.Mount(Spec{Source: "/dev/sdb1", Target: target, FSType: "ext4",
		Required: true, Class: resource.MountPhysical})
	if err != nil {
		t.Fatalf("Mount() failed: %v", err)
	}
	if len(rec.calls) != 3 {
		t.Errorf("got %d mount attempts, want 3", len(rec.calls))
	}
	if stack.Len() != 1 {
		t.Errorf("stack length = %d, want 1", stack.Len())
	}
}

func TestMountRequiredFailureSurfaces(t *testing.T) {
	rec := &recorder{mountErr: func(int) error { return unix.EINVAL }}
	m, stack := newTestManager(rec)

	err := m.Mount(Spec{Source: "/dev/sdb1", Target: filepath.Join(t.TempDir(), "mnt"),
		FSType: "xfs", Required: true, Class: resource.MountPhysical})
	var me *MountError
	if !errors.As(err, &me) {
		t.Fatalf("Mount() error = %v, want MountError", err)
	}
	if me.Reason != ReasonWrongFSType {
		t.Errorf("Reason = %v, want ReasonWrongFSType", me.Reason)
	}
	if !strings.Contains(me.Error(), "wrong filesystem type") {
		t.Errorf("error text carries no hint: %v", me)
	}
	if stack.Len() != 0 {
		t.Errorf("failed mount left a stack entry")
	}
}

func TestMountOptionalFailureIsWarning(t *testing.T) {
	rec := &recorder{mountErr: func(int) error { return unix.ENOENT }}
	m, stack := newTestManager(rec)

	err := m.Mount(Spec{Source: "/dev/sdb9", Target: filepath.Join(t.TempDir(), "boot"),
		FSType: "ext4", Required: false, Class: resource.MountPhysical})
	if err != nil {
		t.Fatalf("optional mount failure must not surface, got %v", err)
	}
	if stack.Len() != 0 {
		t.Errorf("failed optional mount left a stack entry")
	}
}

func TestMountBindTranslation(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(rec)

	target := filepath.Join(t.TempDir(), "dev")
	if err := m.Mount(Spec{Source: "/dev", Target: target, FSType: "bind",
		Required: true, Class: resource.MountVirtual}); err != nil {
		t.Fatalf("Mount() failed: %v", err)
	}

	call := rec.calls[0]
	if call.fstype != "" {
		t.Errorf("bind mount passed fstype %q to the kernel, want empty", call.fstype)
	}
	if call.flags&unix.MS_BIND == 0 {
		t.Errorf("bind mount flags = %#x, MS_BIND not set", call.flags)
	}
}

func TestUnmountNotMountedIsDone(t *testing.T) {
	rec := &recorder{umountErr: func(string, int) error { return unix.EINVAL }}
	m, _ := newTestManager(rec)

	if err := m.Unmount("/mnt/gone"); err != nil {
		t.Fatalf("Unmount() of a non-mounted target failed: %v", err)
	}
	if len(rec.unmounts) != 1 {
		t.Errorf("got %d unmount attempts, want 1 (no retries for EINVAL)", len(rec.unmounts))
	}
}

func TestUnmountLazyFallback(t *testing.T) {
	rec := &recorder{umountErr: func(target string, flags int) error {
		if flags&unix.MNT_DETACH != 0 {
			return nil
		}
		return unix.EBUSY
	}}
	m, _ := newTestManager(rec)

	if err := m.Unmount("/mnt/busy"); err != nil {
		t.Fatalf("Unmount() with lazy fallback failed: %v", err)
	}
	last := rec.unmounts[len(rec.unmounts)-1]
	if last.flags&unix.MNT_DETACH == 0 {
		t.Errorf("final unmount attempt not lazy: flags = %#x", last.flags)
	}
}

func TestValidRootLayout(t *testing.T) {
	root := t.TempDir()
	if validRootLayout(root) {
		t.Error("empty directory accepted as root layout")
	}

	os.MkdirAll(filepath.Join(root, "etc"), 0755)
	if validRootLayout(root) {
		t.Error("layout with /etc but no binary directory accepted")
	}

	os.MkdirAll(filepath.Join(root, "usr", "bin"), 0755)
	if !validRootLayout(root) {
		t.Error("layout with /etc and /usr/bin rejected")
	}

	root2 := t.TempDir()
	os.MkdirAll(filepath.Join(root2, "etc"), 0755)
	os.MkdirAll(filepath.Join(root2, "bin"), 0755)
	if !validRootLayout(root2) {
		t.Error("layout with /etc and /bin rejected")
	}
}

func TestMountRootValidLayout(t *testing.T) {
	rec := &recorder{}
	m, stack := newTestManager(rec)

	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "etc"), 0755)
	os.MkdirAll(filepath.Join(root, "bin"), 0755)

	if err := m.MountRoot("/dev/sdb2", device.Ext4, root); err != nil {
		t.Fatalf("MountRoot() failed: %v", err)
	}
	if stack.Len() != 1 {
		t.Errorf("stack length = %d, want 1", stack.Len())
	}
	if rec.calls[0].fstype != "ext4" {
		t.Errorf("fstype = %q, want ext4", rec.calls[0].fstype)
	}
}

func TestMountRootRejectsInvalidLayout(t *testing.T) {
	rec := &recorder{}
	m, stack := newTestManager(rec)

	// Mount succeeds but the tree stays empty: wrong partition.
	err := m.MountRoot("/dev/sdb3", device.Ext4, t.TempDir())
	var me *MountError
	if !errors.As(err, &me) {
		t.Fatalf("MountRoot() error = %v, want MountError", err)
	}
	if me.Reason != ReasonInvalidLayout {
		t.Errorf("Reason = %v, want ReasonInvalidLayout", me.Reason)
	}
	if stack.Len() != 0 {
		t.Errorf("rejected root mount left a stack entry")
	}
	if len(rec.unmounts) == 0 {
		t.Error("rejected root mount was not unmounted")
	}
}

func TestMountRootRejectedUnmountFailureKeepsHandle(t *testing.T) {
	rec := &recorder{
		// Fails the lazy fallback too, so the target stays mounted.
		umountErr: func(target string, flags int) error { return unix.EBUSY },
	}
	m, stack := newTestManager(rec)

	root := t.TempDir()
	err := m.MountRoot("/dev/sdb3", device.Ext4, root)
	var me *MountError
	if !errors.As(err, &me) {
		t.Fatalf("MountRoot() error = %v, want MountError", err)
	}
	if me.Reason != ReasonInvalidLayout {
		t.Errorf("Reason = %v, want ReasonInvalidLayout", me.Reason)
	}

	// The target is still mounted, so teardown must still see it.
	handles := stack.Handles()
	if len(handles) != 1 {
		t.Fatalf("stack length = %d, want 1 (unreleased mount stays tracked)", len(handles))
	}
	if handles[0].MountTarget != root {
		t.Errorf("tracked target = %q, want %q", handles[0].MountTarget, root)
	}
}

func TestMountRootUnknownFallsBackToExt4(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(rec)

	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "etc"), 0755)
	os.MkdirAll(filepath.Join(root, "bin"), 0755)

	if err := m.MountRoot("/dev/sdb2", device.Unknown, root); err != nil {
		t.Fatalf("MountRoot() failed: %v", err)
	}
	if rec.calls[0].fstype != "ext4" {
		t.Errorf("unknown filesystem mounted as %q, want ext4 fallback", rec.calls[0].fstype)
	}
}

func TestOrderSubvolumes(t *testing.T) {
	got := orderSubvolumes([]string{"home", "@", "data"})
	want := []string{"@", "home", "data"}
	if len(got) != len(want) {
		t.Fatalf("orderSubvolumes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("orderSubvolumes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// No preferred names: discovery order preserved.
	got = orderSubvolumes([]string{"b", "a"})
	if got[0] != "b" || got[1] != "a" {
		t.Errorf("orderSubvolumes() reordered non-preferred names: %v", got)
	}
}

func TestMountExtraDefaultsToBind(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(rec)

	root := t.TempDir()
	err := m.MountExtra(root, []Spec{
		{Source: "/srv/data", Target: "/data", Required: true, Class: resource.MountPhysical},
	})
	if err != nil {
		t.Fatalf("MountExtra() failed: %v", err)
	}

	call := rec.calls[0]
	if call.target != filepath.Join(root, "data") {
		t.Errorf("target = %q, want inside root", call.target)
	}
	if call.flags&unix.MS_BIND == 0 {
		t.Errorf("extra mount not a bind mount: flags = %#x", call.flags)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{unix.EINVAL, ReasonWrongFSType},
		{unix.EBUSY, ReasonBusy},
		{unix.EPERM, ReasonPermission},
		{unix.EACCES, ReasonPermission},
		{unix.EIO, ReasonUnknown},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
