// Package mount implements the mount stack manager: root filesystem
// mounting (with btrfs subvolume probing), companion boot/EFI mounts,
// the fixed virtual filesystem set, and user-declared extra mounts.
// Every successful mount is pushed onto the session's resource stack so
// a single reverse-order walk tears everything down uniformly.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"chroot-tool/device"
	"chroot-tool/log"
	"chroot-tool/resource"
	"chroot-tool/util"
)

// Reason classifies a mount failure so the error message can carry a
// common-cause hint.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonWrongFSType
	ReasonBusy
	ReasonPermission
	ReasonInvalidLayout
)

func (r Reason) hint() string {
	switch r {
	case ReasonWrongFSType:
		return "wrong filesystem type for this device, or missing kernel support"
	case ReasonBusy:
		return "target is busy; a process may be holding it open"
	case ReasonPermission:
		return "permission denied; the tool must run as root"
	case ReasonInvalidLayout:
		return "mounted tree does not look like a Linux root filesystem"
	default:
		return ""
	}
}

// MountError reports a mount or unmount failure with a cause hint.
type MountError struct {
	Op     string // "mount" | "unmount"
	Target string
	Source string
	FSType string
	Reason Reason
	Err    error
}

func (e *MountError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Op, e.Target)
	if e.Source != "" {
		msg += fmt.Sprintf(" (source=%s, type=%s)", e.Source, e.FSType)
	}
	msg += fmt.Sprintf(": %v", e.Err)
	if hint := e.Reason.hint(); hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// Spec describes one mount. FSType "bind" requests a bind mount.
// Required=false mounts may fail without aborting the sequence.
type Spec struct {
	Source   string
	Target   string
	FSType   string
	Options  string
	Required bool
	Class    resource.MountClass
}

// MountFunc and UnmountFunc mirror unix.Mount/unix.Unmount so tests can
// record calls instead of touching the kernel.
type MountFunc func(source, target, fstype string, flags uintptr, data string) error
type UnmountFunc func(target string, flags int) error

// Manager performs mounts, records them on the stack, and unwinds them.
type Manager struct {
	stack   *resource.Stack
	logger  log.LibraryLogger
	run     util.Runner
	mountFn MountFunc
	umountF UnmountFunc

	// Mount failures here are device-readiness races bounded by kernel
	// event timing, so retries use a small fixed count and delay, not
	// exponential backoff.
	retries int
	delay   time.Duration
}

// NewManager creates a manager using the real mount syscalls.
func NewManager(stack *resource.Stack, logger log.LibraryLogger) *Manager {
	return &Manager{
		stack:   stack,
		logger:  logger,
		run:     util.ExecRunner,
		mountFn: unix.Mount,
		umountF: unix.Unmount,
		retries: 3,
		delay:   500 * time.Millisecond,
	}
}

// NewManagerWithFuncs creates a manager with injected syscall shims and
// command runner for tests. A zero delay disables the retry sleep.
func NewManagerWithFuncs(stack *resource.Stack, logger log.LibraryLogger,
	mountFn MountFunc, umountFn UnmountFunc, run util.Runner, delay time.Duration) *Manager {
	return &Manager{
		stack:   stack,
		logger:  logger,
		run:     run,
		mountFn: mountFn,
		umountF: umountFn,
		retries: 3,
		delay:   delay,
	}
}

// parseOptions splits a mount option string into syscall flags and the
// remaining filesystem-specific data string.
func parseOptions(options string) (uintptr, string) {
	var flags uintptr
	var data []string

	for _, opt := range strings.Split(options, ",") {
		switch strings.TrimSpace(opt) {
		case "":
		case "ro":
			flags |= unix.MS_RDONLY
		case "rw":
			// default
		case "bind":
			flags |= unix.MS_BIND
		case "nosuid":
			flags |= unix.MS_NOSUID
		case "nodev":
			flags |= unix.MS_NODEV
		case "noexec":
			flags |= unix.MS_NOEXEC
		default:
			data = append(data, strings.TrimSpace(opt))
		}
	}

	return flags, strings.Join(data, ",")
}

func classify(err error) Reason {
	switch {
	case err == unix.EINVAL || strings.Contains(err.Error(), "wrong fs type"):
		return ReasonWrongFSType
	case err == unix.EBUSY || strings.Contains(err.Error(), "busy"):
		return ReasonBusy
	case err == unix.EACCES || err == unix.EPERM ||
		strings.Contains(err.Error(), "permission denied"):
		return ReasonPermission
	default:
		return ReasonUnknown
	}
}

// Mount performs one mount per spec and records it on the stack.
// Required=false failures are downgraded to a warning and return nil.
func (m *Manager) Mount(spec Spec) error {
	// File bind mounts (e.g. resolv.conf) already have their target in
	// place; only create directories for targets that do not exist yet.
	if _, err := os.Stat(spec.Target); err != nil {
		if err := os.MkdirAll(spec.Target, 0755); err != nil {
			mkErr := &MountError{Op: "mount", Target: spec.Target,
				Reason: classify(err), Err: fmt.Errorf("cannot create mount point: %w", err)}
			if !spec.Required {
				m.logger.Warn("%v", mkErr)
				return nil
			}
			return mkErr
		}
	}

	fstype := spec.FSType
	flags, data := parseOptions(spec.Options)
	if fstype == "bind" {
		fstype = ""
		flags |= unix.MS_BIND
	}

	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		lastErr = m.mountFn(spec.Source, spec.Target, fstype, flags, data)
		if lastErr == nil {
			m.stack.Push(resource.Mount(spec.Target, spec.Source, spec.FSType, spec.Class))
			m.logger.Debug("mounted %s on %s (type=%s opts=%q)",
				spec.Source, spec.Target, spec.FSType, spec.Options)
			return nil
		}
		if attempt < m.retries-1 && m.delay > 0 {
			time.Sleep(m.delay)
		}
	}

	mErr := &MountError{
		Op:     "mount",
		Target: spec.Target,
		Source: spec.Source,
		FSType: spec.FSType,
		Reason: classify(lastErr),
		Err:    lastErr,
	}
	if !spec.Required {
		m.logger.Warn("optional mount skipped: %v", mErr)
		return nil
	}
	return mErr
}

// Unmount detaches target, retrying a few times and falling back to a
// lazy unmount when a normal one stays blocked.
func (m *Manager) Unmount(target string) error {
	var lastErr error
	for attempt := 0; attempt < m.retries; attempt++ {
		lastErr = m.umountF(target, 0)
		if lastErr == nil {
			return nil
		}
		if lastErr == unix.EINVAL || lastErr == unix.ENOENT {
			// Not mounted (anymore); treat as done.
			return nil
		}
		if attempt < m.retries-1 && m.delay > 0 {
			time.Sleep(m.delay)
		}
	}

	m.logger.Warn("normal unmount of %s failed (%v), trying lazy unmount", target, lastErr)
	if err := m.umountF(target, unix.MNT_DETACH); err != nil {
		return &MountError{Op: "unmount", Target: target,
			Reason: classify(err), Err: err}
	}
	return nil
}

// validRootLayout checks that a mounted tree contains an /etc directory
// and at least one conventional binary directory. This guards against
// mounting the wrong partition: the OS-level mount call "succeeding"
// does not mean we mounted a root filesystem.
func validRootLayout(root string) bool {
	if !util.DirExists(filepath.Join(root, "etc")) {
		return false
	}
	return util.DirExists(filepath.Join(root, "bin")) ||
		util.DirExists(filepath.Join(root, "usr", "bin"))
}

// btrfs subvolume candidates tried in priority order before falling back
// to any discovered subvolume.
var preferredSubvolumes = []string{"@", "root", "@root"}

// MountRoot mounts the root filesystem at target. Btrfs devices get a
// read-only probe mount first to enumerate subvolumes; the best
// candidate subvolume that exposes a valid root layout wins, otherwise
// the partition is mounted as a monolithic filesystem.
func (m *Manager) MountRoot(devicePath string, kind device.Kind, target string) error {
	if kind == device.Btrfs {
		if err := m.mountBtrfsRoot(devicePath, target); err != nil {
			return err
		}
	} else {
		fstype := kind.String()
		if kind == device.Unknown {
			// Caller already applied its unknown-filesystem policy;
			// let the kernel try the common default.
			fstype = "ext4"
		}
		if err := m.Mount(Spec{
			Source:   devicePath,
			Target:   target,
			FSType:   fstype,
			Required: true,
			Class:    resource.MountPhysical,
		}); err != nil {
			return err
		}
	}

	if !validRootLayout(target) {
		// Unwind the root mount we just made before reporting.
		m.popAndUnmount(target)
		return &MountError{
			Op:     "mount",
			Target: target,
			Source: devicePath,
			Reason: ReasonInvalidLayout,
			Err:    fmt.Errorf("no /etc and no /bin or /usr/bin inside mounted tree"),
		}
	}

	m.logger.Info("Mounted root filesystem %s at %s", devicePath, target)
	return nil
}

func (m *Manager) mountBtrfsRoot(devicePath, target string) error {
	scratch, err := os.MkdirTemp("", "chroot-tool-btrfs-probe-")
	if err != nil {
		return fmt.Errorf("cannot create btrfs probe directory: %w", err)
	}
	defer os.Remove(scratch)

	// Read-only probe mount, not recorded on the stack: it never
	// outlives this function.
	if err := m.mountFn(devicePath, scratch, "btrfs", unix.MS_RDONLY, ""); err != nil {
		return &MountError{Op: "mount", Target: scratch, Source: devicePath,
			FSType: "btrfs", Reason: classify(err), Err: err}
	}

	subvols := m.listSubvolumes(scratch)
	if err := m.umountF(scratch, 0); err != nil {
		m.umountF(scratch, unix.MNT_DETACH)
	}

	for _, sv := range orderSubvolumes(subvols) {
		err := m.Mount(Spec{
			Source:   devicePath,
			Target:   target,
			FSType:   "btrfs",
			Options:  "subvol=" + sv,
			Required: true,
			Class:    resource.MountPhysical,
		})
		if err != nil {
			m.logger.Debug("subvolume %s did not mount: %v", sv, err)
			continue
		}
		if validRootLayout(target) {
			m.logger.Debug("using btrfs subvolume %s", sv)
			return nil
		}
		m.popAndUnmount(target)
	}

	// No subvolume produced a usable layout; mount the whole filesystem.
	return m.Mount(Spec{
		Source:   devicePath,
		Target:   target,
		FSType:   "btrfs",
		Required: true,
		Class:    resource.MountPhysical,
	})
}

// listSubvolumes enumerates btrfs subvolumes below a mounted probe point.
func (m *Manager) listSubvolumes(mounted string) []string {
	output, err := m.run("btrfs", "subvolume", "list", "-o", mounted)
	if err != nil {
		m.logger.Debug("btrfs subvolume list failed: %v", err)
		return nil
	}

	var subvols []string
	for _, line := range strings.Split(output, "\n") {
		// Format: ID 256 gen 12 top level 5 path @
		if idx := strings.Index(line, " path "); idx >= 0 {
			subvols = append(subvols, strings.TrimSpace(line[idx+6:]))
		}
	}
	return subvols
}

// orderSubvolumes puts the conventional root names first, then the rest
// in discovery order, deduplicated.
func orderSubvolumes(found []string) []string {
	var ordered []string
	seen := make(map[string]bool)

	for _, pref := range preferredSubvolumes {
		if util.Contains(found, pref) {
			ordered = append(ordered, pref)
			seen[pref] = true
		}
	}
	for _, sv := range found {
		if !seen[sv] {
			ordered = append(ordered, sv)
			seen[sv] = true
		}
	}
	return ordered
}

// popAndUnmount removes the most recent stack entry for target and
// unmounts it. Used when a just-made root mount turns out to be wrong.
// When the unmount itself fails the handle stays on the stack so the
// still-mounted target is released by the regular teardown pass.
func (m *Manager) popAndUnmount(target string) {
	handles := m.stack.Drain()
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if h.Kind == resource.KindMount && h.MountTarget == target {
			if err := m.Unmount(target); err != nil {
				m.logger.Warn("could not unmount rejected root %s: %v", target, err)
				m.stack.Push(h)
			}
			continue
		}
		m.stack.Push(h)
	}
}

// MountCompanions mounts the boot and EFI partitions, when present, at
// their conventional nested paths. Failures here are warnings: the
// chroot remains usable without them.
func (m *Manager) MountCompanions(root, bootPart, bootFSType, efiPart string) {
	if bootPart != "" && bootFSType != "" {
		m.Mount(Spec{
			Source:   bootPart,
			Target:   filepath.Join(root, "boot"),
			FSType:   bootFSType,
			Required: false,
			Class:    resource.MountPhysical,
		})
	}
	if efiPart != "" {
		m.Mount(Spec{
			Source:   efiPart,
			Target:   filepath.Join(root, "boot", "efi"),
			FSType:   "vfat",
			Required: false,
			Class:    resource.MountPhysical,
		})
	}
}

// VirtualSpecs returns the fixed ordered list of virtual filesystem
// mounts a usable chroot needs. All are required: a chroot without
// /proc or /dev is broken in confusing ways.
func VirtualSpecs(root string) []Spec {
	return []Spec{
		{Source: "proc", Target: filepath.Join(root, "proc"), FSType: "proc", Required: true, Class: resource.MountVirtual},
		{Source: "sysfs", Target: filepath.Join(root, "sys"), FSType: "sysfs", Required: true, Class: resource.MountVirtual},
		{Source: "/dev", Target: filepath.Join(root, "dev"), FSType: "bind", Required: true, Class: resource.MountVirtual},
		{Source: "devpts", Target: filepath.Join(root, "dev", "pts"), FSType: "devpts", Options: "mode=0620,ptmxmode=0666,gid=5", Required: true, Class: resource.MountVirtual},
		{Source: "/run", Target: filepath.Join(root, "run"), FSType: "bind", Required: true, Class: resource.MountVirtual},
		{Source: "tmpfs", Target: filepath.Join(root, "tmp"), FSType: "tmpfs", Options: "mode=1777", Required: true, Class: resource.MountVirtual},
	}
}

// MountVirtualSet mounts the fixed virtual filesystem list in order.
func (m *Manager) MountVirtualSet(root string) error {
	for _, spec := range VirtualSpecs(root) {
		if err := m.Mount(spec); err != nil {
			return err
		}
	}
	return nil
}

// MountExtra mounts user-declared source:target[:options] bind mounts.
// Targets are interpreted relative to the chroot root.
func (m *Manager) MountExtra(root string, extras []Spec) error {
	for _, spec := range extras {
		spec.Target = filepath.Join(root, spec.Target)
		if spec.FSType == "" {
			spec.FSType = "bind"
		}
		if err := m.Mount(spec); err != nil {
			return err
		}
	}
	return nil
}

// MountResolvConf bind-mounts the host resolv.conf over the target's
// copy when the target's one is absent or a dangling symlink, so name
// resolution works inside the chroot. Best-effort.
func (m *Manager) MountResolvConf(root string) {
	target := filepath.Join(root, "etc", "resolv.conf")

	if _, err := os.Stat(target); err == nil {
		// Target resolves to a real file; leave it alone.
		return
	}

	// A dangling symlink (systemd-resolved layout) cannot be bind-mounted
	// over; replace it with an empty file first.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		os.Remove(target)
	}
	if f, err := os.Create(target); err == nil {
		f.Close()
	} else {
		m.logger.Warn("cannot prepare %s for resolv.conf: %v", target, err)
		return
	}

	m.Mount(Spec{
		Source:   "/etc/resolv.conf",
		Target:   target,
		FSType:   "bind",
		Options:  "ro",
		Required: false,
		Class:    resource.MountVirtual,
	})
}
