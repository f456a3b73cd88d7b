package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chroot-tool/mount"
	"chroot-tool/session"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Tear down leftovers from a crashed session",
	Long: `Scan /proc/mounts for mounts under the configured root mount point,
unmount them in reverse order, and remove the stale pid file. Run this
when a previous session died without unwinding its stack.`,
	Run: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	cfg, logger := loadSetup()
	defer logger.Close()

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "chroot-tool must run as root")
		os.Exit(1)
	}

	fmt.Printf("Cleaning up stale mounts under %s...\n", cfg.RootMount)

	targets, err := staleMounts(cfg.RootMount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(targets) == 0 {
		fmt.Println("No stale mounts found")
	}

	mgr := mount.NewManager(nil, logger)
	failed := 0
	// Deepest paths first so nested mounts come off before their parents.
	for i := len(targets) - 1; i >= 0; i-- {
		if err := mgr.Unmount(targets[i]); err != nil {
			fmt.Fprintf(os.Stderr, "  failed to unmount %s: %v\n", targets[i], err)
			failed++
			continue
		}
		fmt.Printf("  unmounted %s\n", targets[i])
	}

	if err := os.Remove(session.PIDFilePath()); err == nil {
		fmt.Println("  removed stale pid file")
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "Cleanup incomplete: %d mount(s) still busy\n", failed)
		os.Exit(2)
	}
	fmt.Println("Cleanup complete")
}

// staleMounts lists mount points at or below root, sorted by the order
// they appear in /proc/mounts (mount order, so parents come first).
func staleMounts(root string) ([]string, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("cannot read mount table: %w", err)
	}

	prefix := strings.TrimSuffix(root, "/") + "/"
	var targets []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		target := unescapeMountPath(fields[1])
		if target == root || strings.HasPrefix(target, prefix) {
			targets = append(targets, target)
		}
	}
	return targets, nil
}

// unescapeMountPath decodes the octal escapes /proc/mounts uses for
// spaces and tabs in mount paths.
func unescapeMountPath(path string) string {
	replacer := strings.NewReplacer(
		`\040`, " ",
		`\011`, "\t",
		`\012`, "\n",
		`\134`, `\`,
	)
	return replacer.Replace(path)
}
