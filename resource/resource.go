// Package resource tracks every kernel resource a chroot session acquires.
//
// Each successful acquisition (backing-store attach, LUKS open, volume
// group activation, mount) pushes one Handle onto the session's Stack.
// Teardown walks the stack in strict reverse order, so release order is
// always the exact inverse of acquisition order.
package resource

import (
	"fmt"
	"sync"
)

// Kind discriminates the Handle union.
type Kind int

const (
	// KindBackingStore is a disk image attached as a kernel block device.
	KindBackingStore Kind = iota
	// KindEncryptedVolume is an open dm-crypt mapping.
	KindEncryptedVolume
	// KindVolumeGroup is an activated LVM volume group.
	KindVolumeGroup
	// KindMount is a mounted filesystem or bind mount.
	KindMount
)

func (k Kind) String() string {
	switch k {
	case KindBackingStore:
		return "backing-store"
	case KindEncryptedVolume:
		return "encrypted-volume"
	case KindVolumeGroup:
		return "volume-group"
	case KindMount:
		return "mount"
	default:
		return "unknown"
	}
}

// MountClass distinguishes disk-backed mounts from the fixed set of
// virtual/bind mounts (proc, sys, dev, devpts, run, tmp). The teardown
// engine evicts processes only for physical mounts; killing host
// processes that happen to use /proc would be destructive and wrong.
type MountClass int

const (
	MountPhysical MountClass = iota
	MountVirtual
)

// Handle is a tagged union over the four acquirable resource types.
// Only the fields of the active Kind are meaningful.
type Handle struct {
	Kind Kind

	// KindBackingStore
	ImagePath  string
	DeviceNode string
	Format     string

	// KindEncryptedVolume
	SourcePartition string
	MapperName      string

	// KindVolumeGroup
	GroupName string

	// KindMount
	MountTarget string
	MountSource string
	MountFSType string
	MountClass  MountClass
}

// Label returns a short human-readable identity for log lines.
func (h Handle) Label() string {
	switch h.Kind {
	case KindBackingStore:
		return fmt.Sprintf("backing-store %s (%s)", h.DeviceNode, h.ImagePath)
	case KindEncryptedVolume:
		return fmt.Sprintf("mapper %s (%s)", h.MapperName, h.SourcePartition)
	case KindVolumeGroup:
		return fmt.Sprintf("volume group %s", h.GroupName)
	case KindMount:
		return fmt.Sprintf("mount %s", h.MountTarget)
	default:
		return "unknown resource"
	}
}

// BackingStore builds a backing-store handle.
func BackingStore(imagePath, deviceNode, format string) Handle {
	return Handle{
		Kind:       KindBackingStore,
		ImagePath:  imagePath,
		DeviceNode: deviceNode,
		Format:     format,
	}
}

// EncryptedVolume builds an encrypted-volume handle.
func EncryptedVolume(sourcePartition, mapperName string) Handle {
	return Handle{
		Kind:            KindEncryptedVolume,
		SourcePartition: sourcePartition,
		MapperName:      mapperName,
	}
}

// VolumeGroup builds a volume-group handle.
func VolumeGroup(name string) Handle {
	return Handle{
		Kind:      KindVolumeGroup,
		GroupName: name,
	}
}

// Mount builds a mount handle.
func Mount(target, source, fstype string, class MountClass) Handle {
	return Handle{
		Kind:        KindMount,
		MountTarget: target,
		MountSource: source,
		MountFSType: fstype,
		MountClass:  class,
	}
}

// Stack is the ordered record of acquired resources. It is append-only
// during acquisition and drained LIFO during teardown. A Handle is
// pushed the moment its acquisition call succeeds, before any follow-on
// work depends on it, so a later failure can never strand it.
//
// Teardown can start from a signal handler while acquisition is still
// pushing, so every access holds the mutex.
type Stack struct {
	mu      sync.Mutex
	handles []Handle
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push appends a handle in acquisition order.
func (s *Stack) Push(h Handle) {
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
}

// Len returns the number of live handles.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Handles returns a copy of the handles in acquisition order.
func (s *Stack) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, len(s.handles))
	copy(out, s.handles)
	return out
}

// Drain removes and returns all handles in release (reverse) order.
// After Drain the stack is empty, which makes a second teardown pass a
// natural no-op.
func (s *Stack) Drain() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for i := len(s.handles) - 1; i >= 0; i-- {
		out = append(out, s.handles[i])
	}
	s.handles = nil
	return out
}
