// Package backing attaches disk-image files as kernel block devices via
// the network block device (NBD) facility, so standard partition and
// filesystem tools can operate on them.
package backing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chroot-tool/log"
	"chroot-tool/util"
)

// Image container formats understood by qemu-nbd, in the priority order
// the extension heuristic tries them. Raw is the universal fallback.
const (
	FormatQcow2 = "qcow2"
	FormatVMDK  = "vmdk"
	FormatVPC   = "vpc" // .vhd
	FormatVHDX  = "vhdx"
	FormatVDI   = "vdi"
	FormatRaw   = "raw"
)

// StoreError reports an attach or detach failure.
type StoreError struct {
	Op    string // "attach" | "detach"
	Image string
	Node  string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Image != "" {
		return fmt.Sprintf("backing store %s failed for %s on %s: %v",
			e.Op, e.Image, e.Node, e.Err)
	}
	return fmt.Sprintf("backing store %s failed for %s: %v", e.Op, e.Node, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Connector manages NBD slot selection and image attachment.
type Connector struct {
	run      util.Runner
	logger   log.LibraryLogger
	maxSlots int
	settle   time.Duration
	sysBlock string // /sys/block, overridable in tests
}

// NewConnector creates a connector backed by the real system tools.
func NewConnector(logger log.LibraryLogger) *Connector {
	return &Connector{
		run:      util.ExecRunner,
		logger:   logger,
		maxSlots: 16,
		settle:   time.Second,
		sysBlock: "/sys/block",
	}
}

// NewConnectorWithRunner creates a connector with an injected command
// runner for tests. The settle sleep is skipped when settle is zero.
func NewConnectorWithRunner(run util.Runner, logger log.LibraryLogger, settle time.Duration) *Connector {
	return &Connector{
		run:      run,
		logger:   logger,
		maxSlots: 16,
		settle:   settle,
		sysBlock: "/sys/block",
	}
}

// DetectFormat guesses the image container format from the filename
// extension, then lets content magic override the guess: a mislabeled
// file attaches with its real format instead of failing outright.
func DetectFormat(imagePath string) string {
	format := formatFromExtension(imagePath)
	if magic := formatFromMagic(imagePath); magic != "" {
		format = magic
	}
	return format
}

func formatFromExtension(imagePath string) string {
	switch strings.ToLower(filepath.Ext(imagePath)) {
	case ".qcow2", ".qcow":
		return FormatQcow2
	case ".vmdk":
		return FormatVMDK
	case ".vhd":
		return FormatVPC
	case ".vhdx":
		return FormatVHDX
	case ".vdi":
		return FormatVDI
	default:
		return FormatRaw
	}
}

// formatFromMagic reads the leading bytes of the image and matches the
// container signatures. Returns "" when no signature matches.
func formatFromMagic(imagePath string) string {
	f, err := os.Open(imagePath)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 64)
	n, err := f.Read(buf)
	if err != nil || n < 8 {
		return ""
	}
	buf = buf[:n]

	switch {
	case strings.HasPrefix(string(buf), "QFI\xfb"):
		return FormatQcow2
	case strings.HasPrefix(string(buf), "KDMV"):
		return FormatVMDK
	case strings.HasPrefix(string(buf), "conectix"):
		return FormatVPC
	case strings.HasPrefix(string(buf), "vhdxfile"):
		return FormatVHDX
	case strings.HasPrefix(string(buf), "<<< "):
		return FormatVDI
	default:
		return ""
	}
}

// Attach exposes imagePath as a block device and returns the device
// node. The format guess gets exactly one raw fallback retry; a failure
// after that surfaces as a StoreError.
func (c *Connector) Attach(imagePath string) (string, error) {
	if !util.IsRegularFile(imagePath) {
		return "", &StoreError{Op: "attach", Image: imagePath,
			Err: fmt.Errorf("image file does not exist")}
	}

	if err := c.ensureModule(); err != nil {
		return "", &StoreError{Op: "attach", Image: imagePath, Err: err}
	}

	node, err := c.findFreeSlot()
	if err != nil {
		return "", &StoreError{Op: "attach", Image: imagePath, Err: err}
	}

	format := DetectFormat(imagePath)
	c.logger.Debug("attaching %s to %s as %s", imagePath, node, format)

	if out, err := c.run("qemu-nbd", "-c", node, "-f", format, imagePath); err != nil {
		if format == FormatRaw {
			return "", &StoreError{Op: "attach", Image: imagePath, Node: node,
				Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(out))}
		}
		// One retry as raw: the extension/magic guess was wrong.
		c.logger.Warn("attach as %s failed, retrying as raw image", format)
		format = FormatRaw
		if out, err := c.run("qemu-nbd", "-c", node, "-f", FormatRaw, imagePath); err != nil {
			return "", &StoreError{Op: "attach", Image: imagePath, Node: node,
				Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(out))}
		}
	}

	// Ask the kernel to publish partition nodes, then give it a bounded
	// moment; polling for "partition nodes exist" is unreliable across
	// filesystem types.
	if _, err := c.run("partprobe", node); err != nil {
		c.logger.Debug("partprobe %s failed (continuing): %v", node, err)
	}
	if c.settle > 0 {
		time.Sleep(c.settle)
	}

	c.logger.Info("Attached %s as %s (%s)", imagePath, node, format)
	return node, nil
}

// Detach disconnects a previously attached device node. Failures are
// returned so teardown can report them, but they are not fatal to the
// rest of the teardown sequence.
func (c *Connector) Detach(deviceNode string) error {
	if out, err := c.run("qemu-nbd", "-d", deviceNode); err != nil {
		return &StoreError{Op: "detach", Node: deviceNode,
			Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(out))}
	}
	return nil
}

// ensureModule loads the nbd kernel module with enough slots and
// per-device partition minors.
func (c *Connector) ensureModule() error {
	if out, err := c.run("modprobe", "nbd",
		fmt.Sprintf("nbds_max=%d", c.maxSlots), "max_part=16"); err != nil {
		return fmt.Errorf("cannot load nbd module: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// findFreeSlot scans /dev/nbd0..N for a slot without a live backing
// file. A slot with a connected server has a pid file under /sys/block;
// probing such a slot with a disconnect both confirms it was in use and
// frees it for us.
func (c *Connector) findFreeSlot() (string, error) {
	for i := 0; i < c.maxSlots; i++ {
		node := fmt.Sprintf("/dev/nbd%d", i)
		pidFile := filepath.Join(c.sysBlock, fmt.Sprintf("nbd%d", i), "pid")

		if !util.FileExists(pidFile) {
			// No active association.
			return node, nil
		}

		// Slot looks busy; a successful disconnect means it was a stale
		// association and the slot is now free.
		if _, err := c.run("qemu-nbd", "-d", node); err == nil {
			c.logger.Debug("reclaimed stale nbd slot %s", node)
			return node, nil
		}
	}
	return "", fmt.Errorf("no free nbd slot in /dev/nbd0..%d", c.maxSlots-1)
}
