package session

import (
	"fmt"
	"strings"

	"chroot-tool/resource"
	"chroot-tool/sessiondb"
)

// TeardownPartialFailure reports the resources that could not be
// released. The rest of the stack was still unwound; exit code 2.
type TeardownPartialFailure struct {
	Failures []string
}

func (e *TeardownPartialFailure) Error() string {
	return fmt.Sprintf("teardown incomplete, %d resource(s) not released:\n  %s",
		len(e.Failures), strings.Join(e.Failures, "\n  "))
}

// Teardown unwinds the resource stack in reverse acquisition order.
// Every step is attempted even when earlier steps fail. A second call
// is a no-op: the first drain already emptied the stack. The signal
// handler runs Teardown on its own goroutine, so the whole unwind is
// serialized under teardownMu.
func (s *Session) Teardown() error {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()
	if s.cleanupDone {
		return nil
	}
	s.cleanupDone = true

	s.revertGUI()

	var failures []string
	for _, h := range s.stack.Drain() {
		if err := s.release(h); err != nil {
			s.logger.Error("teardown: %s: %v", h.Label(), err)
			failures = append(failures, fmt.Sprintf("%s: %v", h.Label(), err))
		} else {
			s.logger.Debug("released %s", h.Label())
		}
	}

	s.removePIDFile()

	if len(failures) > 0 {
		s.recordEnd(sessiondb.StatusPartialTeardown, failures)
		return &TeardownPartialFailure{Failures: failures}
	}
	if s.record == nil || s.record.Status == sessiondb.StatusRunning {
		// A failed acquisition with a clean unwind keeps its "failed"
		// status from MarkFailed.
		s.recordEnd(sessiondb.StatusCompleted, nil)
	}
	return nil
}

// release frees one resource. Physical mounts get process eviction
// first; the virtual set never does, because its holders are host
// processes using the bind sources.
func (s *Session) release(h resource.Handle) error {
	switch h.Kind {
	case resource.KindMount:
		if h.MountClass == resource.MountPhysical {
			if err := s.evictor.EvictUsers(h.MountTarget); err != nil {
				s.logger.Warn("eviction on %s: %v", h.MountTarget, err)
			}
			if h.MountTarget == s.cfg.RootMount {
				if err := s.evictor.EvictChrooted(h.MountTarget); err != nil {
					s.logger.Warn("chrooted-process eviction on %s: %v", h.MountTarget, err)
				}
			}
		}
		return s.mounts.Unmount(h.MountTarget)
	case resource.KindVolumeGroup:
		return s.lvm.Deactivate(h.GroupName)
	case resource.KindEncryptedVolume:
		return s.crypt.Close(h.MapperName)
	case resource.KindBackingStore:
		return s.connector.Detach(h.DeviceNode)
	default:
		return fmt.Errorf("unknown resource kind %d", h.Kind)
	}
}

// MarkFailed records an acquisition failure in the session history.
func (s *Session) MarkFailed(reason error) {
	if s.record != nil && s.record.Status == sessiondb.StatusRunning {
		s.recordEnd(sessiondb.StatusFailed, []string{reason.Error()})
	}
}
