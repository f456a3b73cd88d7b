// Package lvm scans and activates LVM volume groups and picks the
// root-volume candidate.
package lvm

import (
	"fmt"
	"strconv"
	"strings"

	"chroot-tool/log"
	"chroot-tool/util"
)

// NoRootCandidateError means no logical volume or partition qualified as
// a root filesystem. Fatal for the pipeline.
type NoRootCandidateError struct {
	Scanned int // logical volumes considered
}

func (e *NoRootCandidateError) Error() string {
	return fmt.Sprintf("no root filesystem candidate found (%d logical volumes scanned)", e.Scanned)
}

// LogicalVolume describes one LV as reported by lvs.
type LogicalVolume struct {
	Name      string
	Group     string
	Path      string
	SizeBytes int64
}

// Activator wraps the LVM userspace tools.
type Activator struct {
	run    util.Runner
	logger log.LibraryLogger
}

// NewActivator creates an activator backed by the real LVM tools.
func NewActivator(logger log.LibraryLogger) *Activator {
	return &Activator{run: util.ExecRunner, logger: logger}
}

// NewActivatorWithRunner creates an activator with an injected runner.
func NewActivatorWithRunner(run util.Runner, logger log.LibraryLogger) *Activator {
	return &Activator{run: run, logger: logger}
}

// ScanAndActivate re-scans physical volumes, lists volume groups and
// activates each one found. Individual activation failures are logged
// and skipped - some groups may be irrelevant or damaged, and the root
// may still live in another one. Returns the activated group names in
// scan order.
func (a *Activator) ScanAndActivate() ([]string, error) {
	if out, err := a.run("pvscan", "--cache"); err != nil {
		a.logger.Debug("pvscan failed (continuing): %v: %s", err, strings.TrimSpace(out))
	}
	if out, err := a.run("vgscan"); err != nil {
		a.logger.Debug("vgscan failed (continuing): %v: %s", err, strings.TrimSpace(out))
	}

	output, err := a.run("vgs", "--noheadings", "-o", "vg_name")
	if err != nil {
		return nil, fmt.Errorf("cannot list volume groups: %w", err)
	}

	var activated []string
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if out, err := a.run("vgchange", "-ay", name); err != nil {
			a.logger.Warn("could not activate volume group %s: %v: %s",
				name, err, strings.TrimSpace(out))
			continue
		}
		a.logger.Info("Activated volume group %s", name)
		activated = append(activated, name)
	}

	return activated, nil
}

// Deactivate deactivates one volume group.
func (a *Activator) Deactivate(groupName string) error {
	out, err := a.run("vgchange", "-an", groupName)
	if err != nil {
		return fmt.Errorf("vgchange -an %s failed: %w: %s",
			groupName, err, strings.TrimSpace(out))
	}
	return nil
}

// ListLogicalVolumes lists the LVs of the given groups in lvs order.
func (a *Activator) ListLogicalVolumes(groups []string) ([]LogicalVolume, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	args := []string{"--noheadings", "--units", "b", "--nosuffix",
		"--separator", "|", "-o", "lv_name,vg_name,lv_path,lv_size"}
	args = append(args, groups...)

	output, err := a.run("lvs", args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list logical volumes: %w", err)
	}

	var lvs []LogicalVolume
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) != 4 || fields[0] == "" {
			continue
		}
		lv := LogicalVolume{
			Name:  fields[0],
			Group: fields[1],
			Path:  fields[2],
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64); err == nil {
			lv.SizeBytes = n
		}
		lvs = append(lvs, lv)
	}

	return lvs, nil
}

// rootNamePatterns are substrings that mark a root-like LV name.
// LVM installs almost always keep the real root on an LV even when a
// same-disk plain partition exists (a /boot or recovery partition), so
// a named or largest LV beats any plain partition.
var rootNamePatterns = []string{"root", "ubuntu", "system"}

// SelectRootCandidate picks the device path to mount as the root
// filesystem. Pure function of its inputs:
//
//  1. an LV whose name matches a root-like pattern
//  2. the largest LV in any activated group; equal sizes fall back to
//     the first-activated group by scan order (groupOrder)
//  3. fallbackPartition, when no LV qualifies
func SelectRootCandidate(lvs []LogicalVolume, groupOrder []string, fallbackPartition string) (string, error) {
	for _, lv := range lvs {
		name := strings.ToLower(lv.Name)
		for _, pattern := range rootNamePatterns {
			if strings.Contains(name, pattern) {
				return lv.Path, nil
			}
		}
	}

	groupRank := make(map[string]int, len(groupOrder))
	for i, g := range groupOrder {
		groupRank[g] = i
	}
	rank := func(group string) int {
		if r, ok := groupRank[group]; ok {
			return r
		}
		return len(groupOrder)
	}

	var best *LogicalVolume
	for i := range lvs {
		lv := &lvs[i]
		if best == nil ||
			lv.SizeBytes > best.SizeBytes ||
			(lv.SizeBytes == best.SizeBytes && rank(lv.Group) < rank(best.Group)) {
			best = lv
		}
	}
	if best != nil {
		return best.Path, nil
	}

	if fallbackPartition != "" {
		return fallbackPartition, nil
	}

	return "", &NoRootCandidateError{Scanned: len(lvs)}
}
