// Package crypt detects and unlocks LUKS/dm-crypt volumes, tracking the
// mapper names it creates so teardown can close them.
package crypt

import (
	"fmt"
	"strings"
	"time"

	"chroot-tool/log"
	"chroot-tool/util"
)

// UnlockError reports a failure to open an encrypted partition.
type UnlockError struct {
	Device string
	Err    error
}

func (e *UnlockError) Error() string {
	return fmt.Sprintf("cannot unlock encrypted partition %s: %v", e.Device, e.Err)
}

func (e *UnlockError) Unwrap() error {
	return e.Err
}

// Layer opens and closes dm-crypt mappings.
type Layer struct {
	run      util.Runner
	runInput util.InputRunner
	logger   log.LibraryLogger
	ordinal  int
	now      func() time.Time
}

// NewLayer creates a layer backed by cryptsetup.
func NewLayer(logger log.LibraryLogger) *Layer {
	return &Layer{
		run:      util.ExecRunner,
		runInput: util.ExecInputRunner,
		logger:   logger,
		now:      time.Now,
	}
}

// NewLayerWithRunners creates a layer with injected runners for tests.
func NewLayerWithRunners(run util.Runner, runInput util.InputRunner, logger log.LibraryLogger) *Layer {
	return &Layer{
		run:      run,
		runInput: runInput,
		logger:   logger,
		now:      time.Now,
	}
}

// ListEncrypted returns the paths of LUKS-formatted partitions found on
// the given device node (or anywhere, when deviceNode is empty).
func (l *Layer) ListEncrypted(deviceNode string) ([]string, error) {
	args := []string{"-nro", "PATH,FSTYPE"}
	if deviceNode != "" {
		args = append(args, deviceNode)
	}
	output, err := l.run("lsblk", args...)
	if err != nil {
		return nil, fmt.Errorf("lsblk failed while scanning for encrypted partitions: %w", err)
	}

	var parts []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "crypto_LUKS" {
			parts = append(parts, fields[0])
		}
	}
	return parts, nil
}

// NextMapperName generates a unique mapper name from a timestamp and a
// per-session ordinal, so repeated runs never collide on stale mappings.
func (l *Layer) NextMapperName() string {
	name := fmt.Sprintf("chroot_%s_%d", l.now().Format("20060102150405"), l.ordinal)
	l.ordinal++
	return name
}

// Open unlocks partition with the given passphrase and returns the
// mapper name. The decrypted content appears as /dev/mapper/<name>.
func (l *Layer) Open(partition, passphrase string) (string, error) {
	mapper := l.NextMapperName()

	out, err := l.runInput(passphrase, "cryptsetup", "open", partition, mapper, "--key-file=-")
	if err != nil {
		return "", &UnlockError{Device: partition,
			Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(out))}
	}

	l.logger.Info("Unlocked %s as /dev/mapper/%s", partition, mapper)
	return mapper, nil
}

// Close removes an open mapping.
func (l *Layer) Close(mapperName string) error {
	out, err := l.run("cryptsetup", "close", mapperName)
	if err != nil {
		return fmt.Errorf("cryptsetup close %s failed: %w: %s",
			mapperName, err, strings.TrimSpace(out))
	}
	return nil
}

// MapperPath returns the device path for a mapper name.
func MapperPath(mapperName string) string {
	return "/dev/mapper/" + mapperName
}
