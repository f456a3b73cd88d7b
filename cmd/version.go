package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chroot-tool version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chroot-tool version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
