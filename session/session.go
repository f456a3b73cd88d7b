// Package session owns one chroot session from acquisition to teardown.
//
// A session acquires a chain of dependent kernel resources (backing
// store, encryption mappings, volume groups, mounts), records each on a
// LIFO resource stack, hands control to an interactive shell, and then
// unwinds the stack in exact reverse order - on normal exit, on error,
// and on signals alike.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chroot-tool/backing"
	"chroot-tool/config"
	"chroot-tool/crypt"
	"chroot-tool/device"
	"chroot-tool/log"
	"chroot-tool/lvm"
	"chroot-tool/mount"
	"chroot-tool/resource"
	"chroot-tool/sessiondb"
	"chroot-tool/util"
)

// Session coordinates acquisition, launch and teardown of one chroot.
type Session struct {
	cfg    *config.Config
	logger log.LibraryLogger
	id     string

	stack     *resource.Stack
	resolver  *device.Resolver
	connector *backing.Connector
	crypt     *crypt.Layer
	lvm       *lvm.Activator
	mounts    *mount.Manager
	evictor   *Evictor
	db        *sessiondb.DB // optional; nil disables history

	// promptPass asks the user for a passphrase for one partition.
	promptPass func(partition string) (string, error)
	// confirm asks a yes/no question in interactive mode.
	confirm func(question string, defaultYes bool) bool
	// runCmd executes the final interactive chroot process.
	runCmd CommandRunner

	run util.Runner

	teardownMu  sync.Mutex
	cleanupDone bool
	guiCookie   string
	guiXhost    bool
	startTime   time.Time
	record      *sessiondb.Record
}

// New creates a session wired to the real system tools.
func New(cfg *config.Config, logger log.LibraryLogger, db *sessiondb.DB) *Session {
	stack := resource.NewStack()
	s := &Session{
		cfg:       cfg,
		logger:    logger,
		id:        uuid.New().String(),
		stack:     stack,
		resolver:  device.NewResolver(logger),
		connector: backing.NewConnector(logger),
		crypt:     crypt.NewLayer(logger),
		lvm:       lvm.NewActivator(logger),
		mounts:    mount.NewManager(stack, logger),
		evictor:   NewEvictor(logger),
		db:        db,
		run:       util.ExecRunner,
		runCmd:    execCommandRunner,
		promptPass: func(partition string) (string, error) {
			return util.ReadPassphrase(fmt.Sprintf("Passphrase for %s", partition))
		},
		confirm: util.AskYN,
	}
	return s
}

// ID returns the session UUID.
func (s *Session) ID() string {
	return s.id
}

// SetConfirm replaces the yes/no prompt used for interactive
// decisions, such as mounting a partition with no recognized
// filesystem. The CLI installs the full-screen modal here when the
// session already runs a terminal UI.
func (s *Session) SetConfirm(fn func(question string, defaultYes bool) bool) {
	s.confirm = fn
}

// Stack exposes the resource stack (read-only use: status display, tests).
func (s *Session) Stack() *resource.Stack {
	return s.stack
}

// requiredTools are the external programs the pipeline shells out to.
// qemu-nbd and the LVM/crypt tools are checked lazily because plain
// partition sessions never need them.
var requiredTools = []string{"lsblk", "blkid", "chroot"}

// CheckTools verifies the baseline system tools are installed.
func (s *Session) CheckTools() error {
	var missing []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not installed: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Acquire runs the acquisition pipeline: attach backing store (image
// sources only), unlock encryption, activate volumes, mount the stack.
// On error the caller must still run Teardown to release what was
// already acquired.
func (s *Session) Acquire() error {
	s.startTime = time.Now()

	source := s.cfg.RootDevice
	if source == "" {
		return fmt.Errorf("no root device selected")
	}

	s.writePIDFile()
	s.recordStart(source)

	// Backing store: only when the source is a disk-image file.
	workDevice := source
	if util.IsRegularFile(source) {
		node, err := s.connector.Attach(source)
		if err != nil {
			return err
		}
		s.stack.Push(resource.BackingStore(source, node, backing.DetectFormat(source)))
		workDevice = node
	} else if !util.IsBlockDevice(source) {
		return &device.NotFoundError{Path: source}
	}

	// Encryption layer: unlock whatever LUKS partitions the device
	// carries. A partition that will not open is skipped; the session
	// may still be viable if the root lives elsewhere.
	if err := s.unlockEncrypted(workDevice); err != nil {
		return err
	}

	// Volume activation and root selection.
	rootDev, err := s.selectRoot(workDevice)
	if err != nil {
		return err
	}

	kind := s.resolver.DetectFilesystem(rootDev)
	if kind == device.Unknown {
		if s.cfg.Quiet {
			s.logger.Warn("filesystem on %s is unknown; proceeding anyway", rootDev)
		} else if !s.confirm(fmt.Sprintf("Filesystem on %s could not be identified. Mount anyway?", rootDev), false) {
			return fmt.Errorf("aborted: unknown filesystem on %s", rootDev)
		}
	}

	root := s.cfg.RootMount
	if err := s.mounts.MountRoot(rootDev, kind, root); err != nil {
		return err
	}

	s.mountCompanions(workDevice, root)

	if err := s.mounts.MountVirtualSet(root); err != nil {
		return err
	}

	s.mounts.MountResolvConf(root)

	var extras []mount.Spec
	for _, e := range s.cfg.AdditionalMounts {
		extras = append(extras, mount.Spec{
			Source:   e.Source,
			Target:   e.Target,
			FSType:   "bind",
			Options:  e.Options,
			Required: true,
			Class:    resource.MountPhysical,
		})
	}
	if err := s.mounts.MountExtra(root, extras); err != nil {
		return err
	}

	s.logger.Info("Acquired %d resources for session %s", s.stack.Len(), shortID(s.id))
	return nil
}

// unlockEncrypted opens every LUKS partition found on the device.
func (s *Session) unlockEncrypted(workDevice string) error {
	encrypted, err := s.crypt.ListEncrypted(workDevice)
	if err != nil {
		s.logger.Warn("could not scan for encrypted partitions: %v", err)
		return nil
	}

	for _, part := range encrypted {
		if s.cfg.Quiet {
			s.logger.Warn("skipping encrypted partition %s (quiet mode cannot prompt for a passphrase)", part)
			continue
		}
		pass, err := s.promptPass(part)
		if err != nil {
			s.logger.Warn("skipping encrypted partition %s: %v", part, err)
			continue
		}
		mapper, err := s.crypt.Open(part, pass)
		if err != nil {
			s.logger.Warn("%v (partition skipped)", err)
			continue
		}
		s.stack.Push(resource.EncryptedVolume(part, mapper))
	}
	return nil
}

// selectRoot activates volume groups when LVM members are present and
// applies the root-candidate heuristic; without LVM it takes the source
// partition (or the first Linux-native partition on the device).
func (s *Session) selectRoot(workDevice string) (string, error) {
	parts, err := s.resolver.ListPartitions(workDevice)
	if err != nil {
		s.logger.Debug("partition listing failed for %s: %v", workDevice, err)
	}

	hasLVM := false
	for _, p := range parts {
		if p.Filesystem == device.LVMMember {
			hasLVM = true
		}
	}
	// Decrypted mappers may expose LVM members too.
	for _, h := range s.stack.Handles() {
		if h.Kind == resource.KindEncryptedVolume {
			if s.resolver.DetectFilesystem(crypt.MapperPath(h.MapperName)) == device.LVMMember {
				hasLVM = true
			}
		}
	}

	fallback := firstLinuxNative(parts)

	if !hasLVM {
		// Plain partition path: prefer the source itself when it holds a
		// filesystem directly, then a decrypted mapper, then the first
		// Linux-native partition.
		if s.resolver.DetectFilesystem(workDevice).LinuxNative() {
			return workDevice, nil
		}
		for _, h := range s.stack.Handles() {
			if h.Kind == resource.KindEncryptedVolume {
				mapper := crypt.MapperPath(h.MapperName)
				if s.resolver.DetectFilesystem(mapper).LinuxNative() {
					return mapper, nil
				}
			}
		}
		if fallback != "" {
			return fallback, nil
		}
		if s.resolver.DetectFilesystem(workDevice) != device.Unknown || util.IsBlockDevice(workDevice) {
			// Last resort: let the unknown-filesystem policy decide.
			return workDevice, nil
		}
		return "", &lvm.NoRootCandidateError{}
	}

	groups, err := s.lvm.ScanAndActivate()
	if err != nil {
		return "", err
	}
	for _, vg := range groups {
		s.stack.Push(resource.VolumeGroup(vg))
	}

	lvs, err := s.lvm.ListLogicalVolumes(groups)
	if err != nil {
		s.logger.Warn("could not list logical volumes: %v", err)
	}

	return lvm.SelectRootCandidate(lvs, groups, fallback)
}

func firstLinuxNative(parts []device.Info) string {
	for _, p := range parts {
		if p.Type == "part" && p.Filesystem.LinuxNative() {
			return p.Path
		}
	}
	return ""
}

// mountCompanions locates and mounts the boot and EFI partitions.
func (s *Session) mountCompanions(workDevice, root string) {
	parts, _ := s.resolver.ListPartitions(workDevice)

	bootPart := s.cfg.BootPart
	bootType := ""
	if bootPart != "" {
		bootType = s.resolver.DetectFilesystem(bootPart).String()
	}

	efiPart := s.cfg.EFIPart
	if efiPart == "" {
		efiPart = s.resolver.DetectEFIPartition(parts)
	}

	s.mounts.MountCompanions(root, bootPart, bootType, efiPart)
}

// PIDFilePath is the advisory record of a live session.
func PIDFilePath() string {
	return filepath.Join(os.TempDir(), "chroot-tool.pid")
}

func (s *Session) writePIDFile() {
	content := fmt.Sprintf("%d %s %s\n", os.Getpid(), s.id, s.cfg.RootMount)
	if err := os.WriteFile(PIDFilePath(), []byte(content), 0644); err != nil {
		s.logger.Warn("cannot write pid file: %v", err)
	}
}

func (s *Session) removePIDFile() {
	os.Remove(PIDFilePath())
}

func (s *Session) recordStart(source string) {
	if s.db == nil {
		return
	}
	s.record = &sessiondb.Record{
		ID:         s.id,
		Device:     source,
		MountPoint: s.cfg.RootMount,
		StartTime:  s.startTime,
		Status:     sessiondb.StatusRunning,
	}
	if err := s.db.Put(s.record); err != nil {
		s.logger.Warn("cannot record session start: %v", err)
	}
}

func (s *Session) recordEnd(status string, warnings []string) {
	if s.db == nil || s.record == nil {
		return
	}
	s.record.EndTime = time.Now()
	s.record.Status = status
	s.record.Warnings = warnings
	if err := s.db.Put(s.record); err != nil {
		s.logger.Warn("cannot record session end: %v", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
