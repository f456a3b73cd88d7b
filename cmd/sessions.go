package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chroot-tool/sessiondb"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Show recent session history",
	Run:   runSessions,
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum number of sessions to show")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) {
	cfg, logger := loadSetup()
	defer logger.Close()

	db, err := sessiondb.OpenDB(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session database: %v\n", err)
		fmt.Println("No session history available.")
		return
	}
	defer db.Close()

	records, err := db.List(sessionsLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No sessions recorded yet")
		return
	}

	fmt.Println("=== Session History ===")
	for _, rec := range records {
		fmt.Printf("\n%s:\n", rec.ID[:8])
		fmt.Printf("  Device:      %s\n", rec.Device)
		fmt.Printf("  Mount point: %s\n", rec.MountPoint)
		fmt.Printf("  Status:      %s\n", rec.Status)
		fmt.Printf("  Started:     %s\n", rec.StartTime.Format("2006-01-02 15:04:05"))
		if !rec.EndTime.IsZero() {
			fmt.Printf("  Ended:       %s\n", rec.EndTime.Format("2006-01-02 15:04:05"))
			fmt.Printf("  Duration:    %s\n", rec.EndTime.Sub(rec.StartTime).Round(time.Second))
		}
		for _, w := range rec.Warnings {
			fmt.Printf("  Warning:     %s\n", w)
		}
	}
}
