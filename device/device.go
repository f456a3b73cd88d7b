// Package device enumerates candidate block devices and classifies
// filesystem types.
//
// Detection is layered: a structured blkid query runs first; if it
// returns nothing, a generic lsblk attribute scan runs; if that is also
// empty, the device contents are sniffed for known magic bytes. Each
// layer only runs when the previous one came back empty. An Unknown
// result is never fatal on its own - the caller decides whether to
// proceed.
package device

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"chroot-tool/log"
	"chroot-tool/util"
)

// Kind is the closed set of filesystem types the orchestrator cares
// about. Dispatch on Kind, never on raw type strings.
type Kind int

const (
	Unknown Kind = iota
	Ext2
	Ext3
	Ext4
	XFS
	Btrfs
	Vfat
	NTFS
	Swap
	LUKS
	LVMMember
)

func (k Kind) String() string {
	switch k {
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	case XFS:
		return "xfs"
	case Btrfs:
		return "btrfs"
	case Vfat:
		return "vfat"
	case NTFS:
		return "ntfs"
	case Swap:
		return "swap"
	case LUKS:
		return "crypto_LUKS"
	case LVMMember:
		return "LVM2_member"
	default:
		return "unknown"
	}
}

// ParseKind maps a blkid/lsblk TYPE string onto the closed Kind set.
func ParseKind(s string) Kind {
	switch strings.TrimSpace(s) {
	case "ext2":
		return Ext2
	case "ext3":
		return Ext3
	case "ext4":
		return Ext4
	case "xfs":
		return XFS
	case "btrfs":
		return Btrfs
	case "vfat", "fat32", "fat16", "msdos":
		return Vfat
	case "ntfs":
		return NTFS
	case "swap":
		return Swap
	case "crypto_LUKS":
		return LUKS
	case "LVM2_member":
		return LVMMember
	default:
		return Unknown
	}
}

// LinuxNative reports whether the filesystem can plausibly hold a Linux
// root (used by the root-candidate fallback rule).
func (k Kind) LinuxNative() bool {
	switch k {
	case Ext2, Ext3, Ext4, XFS, Btrfs:
		return true
	default:
		return false
	}
}

// Info describes one candidate block device or partition.
type Info struct {
	Name       string // kernel name, e.g. sdb2
	Path       string // /dev path
	Size       string // human-readable size from lsblk
	SizeBytes  int64
	Type       string // disk | part | lvm | crypt
	Filesystem Kind
	MountPoint string // empty when not mounted
}

// NotFoundError is returned when a requested device does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("block device not found: %s", e.Path)
}

// Resolver enumerates and classifies devices.
type Resolver struct {
	run    util.Runner
	logger log.LibraryLogger
}

// NewResolver creates a resolver using real system tools.
func NewResolver(logger log.LibraryLogger) *Resolver {
	return &Resolver{run: util.ExecRunner, logger: logger}
}

// NewResolverWithRunner creates a resolver with an injected command
// runner (for tests).
func NewResolverWithRunner(run util.Runner, logger log.LibraryLogger) *Resolver {
	return &Resolver{run: run, logger: logger}
}

// lsblk --json output shape (only the columns we request). SIZE is a
// json number with --bytes on current lsblk, a string on older ones;
// json.Number accepts both.
type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       json.Number   `json:"size"`
	Type       string        `json:"type"`
	FSType     string        `json:"fstype"`
	MountPoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// ListCandidates enumerates block devices and their partitions.
func (r *Resolver) ListCandidates() ([]Info, error) {
	output, err := r.run("lsblk", "--json", "--bytes",
		"-o", "NAME,PATH,SIZE,TYPE,FSTYPE,MOUNTPOINT")
	if err != nil {
		return nil, fmt.Errorf("lsblk failed: %w", err)
	}
	return parseLsblk(output)
}

// ListPartitions enumerates the partitions of one device node, including
// the node itself if it carries a filesystem directly.
func (r *Resolver) ListPartitions(deviceNode string) ([]Info, error) {
	output, err := r.run("lsblk", "--json", "--bytes",
		"-o", "NAME,PATH,SIZE,TYPE,FSTYPE,MOUNTPOINT", deviceNode)
	if err != nil {
		return nil, &NotFoundError{Path: deviceNode}
	}
	return parseLsblk(output)
}

func parseLsblk(output string) ([]Info, error) {
	var parsed lsblkOutput
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return nil, fmt.Errorf("cannot parse lsblk output: %w", err)
	}

	var infos []Info
	var walk func(devs []lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for _, d := range devs {
			info := Info{
				Name:       d.Name,
				Path:       d.Path,
				Type:       d.Type,
				Filesystem: ParseKind(d.FSType),
				MountPoint: d.MountPoint,
			}
			if n, err := d.Size.Int64(); err == nil {
				info.SizeBytes = n
				info.Size = util.FormatBytes(n)
			} else {
				info.Size = d.Size.String()
			}
			infos = append(infos, info)
			walk(d.Children)
		}
	}
	walk(parsed.BlockDevices)

	return infos, nil
}

// DetectFilesystem classifies the filesystem on path. It never returns
// an error: unresolvable devices yield Unknown and the caller applies
// its own policy (prompt in interactive mode, warn in quiet mode).
func (r *Resolver) DetectFilesystem(path string) Kind {
	// Layer 1: structured blkid query
	if out, err := r.run("blkid", "-o", "value", "-s", "TYPE", path); err == nil {
		if kind := ParseKind(out); kind != Unknown {
			return kind
		}
	}

	// Layer 2: generic lsblk attribute scan
	if out, err := r.run("lsblk", "-no", "FSTYPE", path); err == nil {
		if kind := ParseKind(out); kind != Unknown {
			return kind
		}
	}

	// Layer 3: content-signature sniffing
	kind := sniffFilesystem(path)
	if kind == Unknown {
		r.logger.Debug("filesystem on %s could not be classified", path)
	}
	return kind
}

// sniffFilesystem reads the first 128 KiB of the device and looks for
// well-known superblock magic values.
func sniffFilesystem(path string) Kind {
	f, err := os.Open(path)
	if err != nil {
		return Unknown
	}
	defer f.Close()

	buf := make([]byte, 128*1024)
	n, err := f.Read(buf)
	if err != nil || n == 0 {
		return Unknown
	}
	buf = buf[:n]

	return sniffBuffer(buf)
}

func sniffBuffer(buf []byte) Kind {
	has := func(off int, magic string) bool {
		return len(buf) >= off+len(magic) && string(buf[off:off+len(magic)]) == magic
	}

	switch {
	case has(0, "LUKS\xba\xbe"):
		return LUKS
	case has(0x218, "LVM2 001") || has(0x18, "LVM2 001"):
		return LVMMember
	case has(0x10040, "_BHRfS_M"):
		return Btrfs
	case has(0, "XFSB"):
		return XFS
	case has(3, "NTFS    "):
		return NTFS
	case has(0x438, "\x53\xef"):
		// ext2/3/4 share the superblock magic; feature flags at
		// offset 0x45c distinguish them well enough for our purposes.
		return sniffExtFlavor(buf)
	case has(0x36, "FAT") || has(0x52, "FAT32"):
		return Vfat
	case has(4086, "SWAPSPACE2") || has(4086, "SWAP-SPACE"):
		return Swap
	default:
		return Unknown
	}
}

// sniffExtFlavor inspects ext feature flags: journal support means at
// least ext3, extents mean ext4.
func sniffExtFlavor(buf []byte) Kind {
	const sb = 0x400
	if len(buf) < sb+0x68 {
		return Ext2
	}
	compat := uint32(buf[sb+0x5c]) | uint32(buf[sb+0x5d])<<8 |
		uint32(buf[sb+0x5e])<<16 | uint32(buf[sb+0x5f])<<24
	incompat := uint32(buf[sb+0x60]) | uint32(buf[sb+0x61])<<8 |
		uint32(buf[sb+0x62])<<16 | uint32(buf[sb+0x63])<<24

	const hasJournal = 0x0004  // COMPAT_HAS_JOURNAL
	const usesExtents = 0x0040 // INCOMPAT_EXTENTS

	switch {
	case incompat&usesExtents != 0:
		return Ext4
	case compat&hasJournal != 0:
		return Ext3
	default:
		return Ext2
	}
}

// DetectEFIPartition applies the historical heuristic: the smallest
// vfat-formatted partition under 1 GiB. When several small vfat volumes
// exist this can pick the wrong one; a warning is logged so the operator
// can override via config.
func (r *Resolver) DetectEFIPartition(parts []Info) string {
	const sizeLimit = 1 << 30

	var best *Info
	candidates := 0
	for i := range parts {
		p := &parts[i]
		if p.Filesystem != Vfat || p.SizeBytes <= 0 || p.SizeBytes >= sizeLimit {
			continue
		}
		candidates++
		if best == nil || p.SizeBytes < best.SizeBytes {
			best = p
		}
	}

	if best == nil {
		return ""
	}
	if candidates > 1 {
		r.logger.Warn("multiple small vfat partitions found; guessing %s is the EFI partition (set EFI_PART to override)", best.Path)
	}
	return best.Path
}
