package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chroot-tool/device"
	"chroot-tool/util"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List candidate block devices",
	Run:   runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) {
	_, logger := loadSetup()
	defer logger.Close()

	resolver := device.NewResolver(logger)
	candidates, err := resolver.ListCandidates()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(candidates) == 0 {
		fmt.Println("No block devices found")
		return
	}

	fmt.Printf("%-20s %-10s %-12s %s\n", "PATH", "SIZE", "FILESYSTEM", "MOUNTPOINT")
	for _, d := range candidates {
		size := d.Size
		if size == "" && d.SizeBytes > 0 {
			size = util.FormatBytes(d.SizeBytes)
		}
		fmt.Printf("%-20s %-10s %-12s %s\n", d.Path, size, d.Filesystem, d.MountPoint)
	}
}
