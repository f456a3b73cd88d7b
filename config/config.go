// Package config loads the chroot-tool session configuration.
//
// The config file is an ini-style key/value file. All keys live in the
// default (unnamed) section so the file stays compatible with the
// shell-sourced format the tool historically used:
//
//	ROOT_DEVICE = /dev/sdb2
//	ROOT_MOUNT = /mnt/chroot
//	ADDITIONAL_MOUNTS = /srv/data:/data:ro, /home/me:/mnt/home
//	ENABLE_GUI_SUPPORT = yes
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// MountEntry is one user-declared extra mount: device:target[:options].
type MountEntry struct {
	Source  string
	Target  string
	Options string
}

// Config holds one session's configuration. It is created once from the
// config file plus CLI overrides and is immutable for the session lifetime.
type Config struct {
	// Source selection
	RootDevice string // block device or disk-image path
	RootMount  string // where the root filesystem gets mounted
	EFIPart    string // explicit EFI partition (empty: heuristic)
	BootPart   string // explicit boot partition (empty: none)

	AdditionalMounts []MountEntry

	CustomShell string // preferred shell inside the chroot
	EnableGUI   bool   // experimental X11 passthrough
	ChrootUser  string // non-root user to switch to inside the chroot

	Quiet bool // no prompts, config values only
	Debug bool // verbose logging

	DatabasePath string // session history database
}

// DefaultConfigPath is consulted when --config is not given.
const DefaultConfigPath = "/etc/chroot-tool.conf"

// LoadConfig loads configuration from file. A missing file is not an
// error when path is the default location; the zero-value defaults apply
// and the caller relies on interactive selection.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		RootMount:    "/mnt/chroot",
		DatabasePath: "/var/lib/chroot-tool/sessions.db",
	}

	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	sec := iniFile.Section("")
	cfg.loadFromSection(sec)

	return cfg, nil
}

// loadFromSection loads config values from an INI section
func (cfg *Config) loadFromSection(sec *ini.Section) {
	if sec == nil {
		return
	}

	if key := sec.Key("ROOT_DEVICE"); key.String() != "" {
		cfg.RootDevice = key.String()
	}
	if key := sec.Key("ROOT_MOUNT"); key.String() != "" {
		cfg.RootMount = key.String()
	}
	if key := sec.Key("EFI_PART"); key.String() != "" {
		cfg.EFIPart = key.String()
	}
	if key := sec.Key("BOOT_PART"); key.String() != "" {
		cfg.BootPart = key.String()
	}
	if key := sec.Key("CUSTOM_SHELL"); key.String() != "" {
		cfg.CustomShell = key.String()
	}
	if key := sec.Key("CHROOT_USER"); key.String() != "" {
		cfg.ChrootUser = key.String()
	}
	if key := sec.Key("ENABLE_GUI_SUPPORT"); key.String() != "" {
		cfg.EnableGUI = parseBool(key.String())
	}
	if key := sec.Key("DATABASE_PATH"); key.String() != "" {
		cfg.DatabasePath = key.String()
	}
	if key := sec.Key("ADDITIONAL_MOUNTS"); key.String() != "" {
		mounts, err := ParseMountList(key.String())
		if err == nil {
			cfg.AdditionalMounts = mounts
		}
	}
}

// ParseMountList parses a comma- or whitespace-separated list of
// device:target[:options] triples.
func ParseMountList(s string) ([]MountEntry, error) {
	var entries []MountEntry

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})

	for _, field := range fields {
		entry, err := ParseMountEntry(field)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// ParseMountEntry parses a single device:target[:options] triple.
func ParseMountEntry(s string) (MountEntry, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return MountEntry{}, fmt.Errorf("invalid mount entry %q (want source:target[:options])", s)
	}

	entry := MountEntry{
		Source: parts[0],
		Target: parts[1],
	}
	if len(parts) == 3 {
		entry.Options = parts[2]
	}

	return entry, nil
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	// Handle yes/no and on/off
	s = strings.ToLower(s)
	return s == "yes" || s == "on" || s == "1"
}
