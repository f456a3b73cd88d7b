// Package cmd implements the chroot-tool command-line interface.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chroot-tool/config"
	"chroot-tool/device"
	"chroot-tool/log"
	"chroot-tool/picker"
	"chroot-tool/session"
	"chroot-tool/sessiondb"
)

var Version = "dev"

var (
	flagConfig string
	flagQuiet  bool
	flagDebug  bool
	flagShell  string
	flagUser   string
	flagGUI    bool
)

var rootCmd = &cobra.Command{
	Use:   "chroot-tool [flags] [device-or-image]",
	Short: "Mount a system disk or disk image and chroot into it",
	Long: `chroot-tool prepares a full chroot environment from a block device or
a virtual disk image: it attaches the backing store, unlocks LUKS
partitions, activates LVM volume groups, mounts the root filesystem
with its boot/EFI companions and the virtual filesystem set, and drops
you into a shell inside the target system. On exit everything is torn
down in reverse order, evicting leftover processes first.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runSession,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default "+config.DefaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Non-interactive mode, no prompts")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Debug verbosity")
	rootCmd.Flags().StringVarP(&flagShell, "shell", "s", "", "Shell to run inside the chroot")
	rootCmd.Flags().StringVarP(&flagUser, "user", "u", "", "User to become inside the chroot")
	rootCmd.Flags().BoolVarP(&flagGUI, "gui", "g", false, "Enable X11 passthrough for graphical programs")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSetup loads configuration and builds the logger. Shared by every
// subcommand.
func loadSetup() (*config.Config, *log.Logger) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if flagQuiet {
		cfg.Quiet = true
	}
	if flagDebug {
		cfg.Debug = true
	}

	logger, err := log.NewLogger(cfg.Debug, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger
}

func openHistory(cfg *config.Config, logger *log.Logger) *sessiondb.DB {
	db, err := sessiondb.OpenDB(cfg.DatabasePath)
	if err != nil {
		logger.Warn("session history disabled: %v", err)
		return nil
	}
	return db
}

func runSession(cmd *cobra.Command, args []string) {
	cfg, logger := loadSetup()
	defer logger.Close()

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "chroot-tool must run as root")
		os.Exit(1)
	}

	if len(args) > 0 {
		cfg.RootDevice = args[0]
	}
	if flagShell != "" {
		cfg.CustomShell = flagShell
	}
	if flagUser != "" {
		cfg.ChrootUser = flagUser
	}
	if flagGUI {
		cfg.EnableGUI = true
	}

	db := openHistory(cfg, logger)
	if db != nil {
		defer db.Close()
	}

	sess := session.New(cfg, logger, db)

	if err := sess.CheckTools(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// No device configured: offer the interactive picker.
	if cfg.RootDevice == "" {
		if cfg.Quiet {
			fmt.Fprintln(os.Stderr, "Error: no root device configured and quiet mode cannot prompt")
			os.Exit(1)
		}
		selected, err := pickDevice(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if selected == "" {
			fmt.Println("No device selected")
			os.Exit(0)
		}
		cfg.RootDevice = selected
		// The picker already took over the terminal, so later yes/no
		// questions use the same full-screen dialog.
		sess.SetConfirm(func(question string, defaultYes bool) bool {
			ok, err := picker.Confirm(question, defaultYes)
			if err != nil {
				return defaultYes
			}
			return ok
		})
	}

	// Signal handler: tear down the stack before dying. A second
	// signal during teardown is ignored; the drain is already running.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived signal %v, cleaning up...\n", sig)
		if err := sess.Teardown(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		os.Exit(1)
	}()

	if err := sess.Acquire(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		sess.MarkFailed(err)
		if terr := sess.Teardown(); terr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", terr)
			os.Exit(2)
		}
		os.Exit(1)
	}

	code, err := sess.Launch()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		sess.MarkFailed(err)
		if terr := sess.Teardown(); terr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", terr)
			os.Exit(2)
		}
		os.Exit(1)
	}
	if code != 0 {
		logger.Debug("shell exit status %d (not treated as failure)", code)
	}

	if err := sess.Teardown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

func pickDevice(logger *log.Logger) (string, error) {
	resolver := device.NewResolver(logger)
	candidates, err := resolver.ListCandidates()
	if err != nil {
		return "", err
	}
	return picker.NewDevicePicker().Pick(candidates)
}
