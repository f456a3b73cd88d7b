package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"chroot-tool/log"
	"chroot-tool/util"
)

// ProcessRef identifies one process holding a mount point.
type ProcessRef struct {
	PID     int32
	Command string
}

// Evictor finds and terminates processes that would keep a mount busy.
// Enumeration merges two mechanisms (process inspection and fuser) so
// either one failing or missing does not blind the teardown.
type Evictor struct {
	logger log.LibraryLogger
	run    util.Runner

	// injectable for tests
	holders func(path string) []ProcessRef
	kill    func(pid int32, sig syscall.Signal) error
	alive   func(pid int32) bool
	sleep   func(d time.Duration)
	grace   time.Duration

	procRoot string
}

func NewEvictor(logger log.LibraryLogger) *Evictor {
	e := &Evictor{
		logger: logger,
		run:    util.ExecRunner,
		kill: func(pid int32, sig syscall.Signal) error {
			return syscall.Kill(int(pid), sig)
		},
		alive: func(pid int32) bool {
			return syscall.Kill(int(pid), 0) == nil
		},
		sleep:    time.Sleep,
		grace:    2 * time.Second,
		procRoot: "/proc",
	}
	e.holders = e.findHolders
	return e
}

// findHolders enumerates processes using anything under path, merging
// gopsutil inspection with fuser output.
func (e *Evictor) findHolders(path string) []ProcessRef {
	refs := e.holdersFromProcs(path)
	refs = mergeRefs(refs, e.holdersFromFuser(path))
	sort.Slice(refs, func(i, j int) bool { return refs[i].PID < refs[j].PID })
	return refs
}

func (e *Evictor) holdersFromProcs(path string) []ProcessRef {
	procs, err := process.Processes()
	if err != nil {
		e.logger.Debug("process enumeration failed: %v", err)
		return nil
	}

	self := int32(os.Getpid())
	prefix := strings.TrimSuffix(path, "/") + "/"
	var refs []ProcessRef
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		uses := false
		if cwd, err := p.Cwd(); err == nil && pathWithin(cwd, path, prefix) {
			uses = true
		}
		if !uses {
			if exe, err := p.Exe(); err == nil && pathWithin(exe, path, prefix) {
				uses = true
			}
		}
		if !uses {
			if files, err := p.OpenFiles(); err == nil {
				for _, f := range files {
					if pathWithin(f.Path, path, prefix) {
						uses = true
						break
					}
				}
			}
		}
		if !uses {
			continue
		}
		name, _ := p.Name()
		refs = append(refs, ProcessRef{PID: p.Pid, Command: name})
	}
	return refs
}

func pathWithin(candidate, path, prefix string) bool {
	return candidate == path || strings.HasPrefix(candidate, prefix)
}

// holdersFromFuser parses `fuser -m PATH`. Output lands on stdout and
// stderr mixed; the PIDs are whitespace-separated with access-mode
// suffix letters (c, e, f, F, r, m).
func (e *Evictor) holdersFromFuser(path string) []ProcessRef {
	out, err := e.run("fuser", "-m", path)
	if err != nil && out == "" {
		// fuser exits nonzero when nothing uses the path; only log when
		// there was no output at all.
		e.logger.Debug("fuser -m %s: %v", path, err)
		return nil
	}

	self := int32(os.Getpid())
	var refs []ProcessRef
	for _, field := range strings.Fields(out) {
		token := strings.TrimRightFunc(field, func(r rune) bool {
			return r < '0' || r > '9'
		})
		pid, err := strconv.ParseInt(token, 10, 32)
		if err != nil || pid <= 0 || int32(pid) == self {
			continue
		}
		ref := ProcessRef{PID: int32(pid)}
		if p, err := process.NewProcess(ref.PID); err == nil {
			ref.Command, _ = p.Name()
		}
		refs = append(refs, ref)
	}
	return refs
}

func mergeRefs(a, b []ProcessRef) []ProcessRef {
	seen := make(map[int32]bool, len(a))
	merged := make([]ProcessRef, 0, len(a)+len(b))
	for _, set := range [][]ProcessRef{a, b} {
		for _, ref := range set {
			if seen[ref.PID] {
				continue
			}
			seen[ref.PID] = true
			merged = append(merged, ref)
		}
	}
	return merged
}

// FindChrooted scans /proc/*/root symlinks for processes whose root is
// at or below rootPath. These never show up as open-file holders but
// still pin every mount under the chroot.
func (e *Evictor) FindChrooted(rootPath string) []ProcessRef {
	entries, err := os.ReadDir(e.procRoot)
	if err != nil {
		e.logger.Debug("cannot read %s: %v", e.procRoot, err)
		return nil
	}

	self := int32(os.Getpid())
	prefix := strings.TrimSuffix(rootPath, "/") + "/"
	var refs []ProcessRef
	for _, entry := range entries {
		pid, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil || int32(pid) == self {
			continue
		}
		link, err := os.Readlink(filepath.Join(e.procRoot, entry.Name(), "root"))
		if err != nil {
			continue
		}
		if !pathWithin(link, strings.TrimSuffix(rootPath, "/"), prefix) {
			continue
		}
		ref := ProcessRef{PID: int32(pid)}
		if comm, err := os.ReadFile(filepath.Join(e.procRoot, entry.Name(), "comm")); err == nil {
			ref.Command = strings.TrimSpace(string(comm))
		}
		refs = append(refs, ref)
	}
	return refs
}

// EvictUsers terminates every process holding mountPoint: SIGTERM, a
// grace period, then SIGKILL for survivors.
func (e *Evictor) EvictUsers(mountPoint string) error {
	return e.evict(e.holders(mountPoint), mountPoint)
}

// EvictChrooted terminates processes chrooted into rootPath.
func (e *Evictor) EvictChrooted(rootPath string) error {
	return e.evict(e.FindChrooted(rootPath), rootPath)
}

func (e *Evictor) evict(refs []ProcessRef, path string) error {
	if len(refs) == 0 {
		return nil
	}

	for _, ref := range refs {
		e.logger.Info("Terminating process %d (%s) using %s", ref.PID, ref.Command, path)
		if err := e.kill(ref.PID, syscall.SIGTERM); err != nil {
			e.logger.Debug("SIGTERM to %d: %v", ref.PID, err)
		}
	}

	e.sleep(e.grace)

	var stubborn []ProcessRef
	for _, ref := range refs {
		if e.alive(ref.PID) {
			stubborn = append(stubborn, ref)
		}
	}
	if len(stubborn) == 0 {
		return nil
	}

	for _, ref := range stubborn {
		e.logger.Warn("process %d (%s) ignored SIGTERM, killing", ref.PID, ref.Command)
		if err := e.kill(ref.PID, syscall.SIGKILL); err != nil {
			e.logger.Debug("SIGKILL to %d: %v", ref.PID, err)
		}
	}

	e.sleep(500 * time.Millisecond)

	for _, ref := range stubborn {
		if e.alive(ref.PID) {
			return fmt.Errorf("process %d (%s) survived SIGKILL on %s", ref.PID, ref.Command, path)
		}
	}
	return nil
}
