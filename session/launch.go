package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"chroot-tool/util"
)

// ShellNotFoundError means no usable shell exists inside the mounted root.
type ShellNotFoundError struct {
	Root  string
	Tried []string
}

func (e *ShellNotFoundError) Error() string {
	return fmt.Sprintf("no usable shell found under %s (tried %s)",
		e.Root, strings.Join(e.Tried, ", "))
}

// UserNotFoundError means the configured chroot user cannot be used.
type UserNotFoundError struct {
	User   string
	Root   string
	Reason string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %q in %s: %s", e.User, e.Root, e.Reason)
}

// shellCandidates is the probe order when no shell is configured.
var shellCandidates = []string{
	"/bin/bash",
	"/usr/bin/bash",
	"/bin/zsh",
	"/usr/bin/zsh",
	"/bin/sh",
	"/usr/bin/sh",
}

// ResolveShell picks the shell to exec inside the chroot. The returned
// path is chroot-relative. Candidates are validated against the mounted
// tree, following symlinks relative to rootPath so a /bin/sh -> dash
// link resolves inside the guest, not on the host.
func ResolveShell(rootPath, preferred string) (string, error) {
	var candidates []string
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	candidates = append(candidates, shellCandidates...)

	for _, c := range candidates {
		if resolvesToExecutable(rootPath, c) {
			return c, nil
		}
	}
	return "", &ShellNotFoundError{Root: rootPath, Tried: candidates}
}

// resolvesToExecutable follows symlinks within rootPath until it lands
// on a regular executable file. Link targets are reinterpreted relative
// to the chroot; absolute targets restart from the chroot root.
func resolvesToExecutable(rootPath, path string) bool {
	const maxDepth = 40

	cur := path
	for depth := 0; depth < maxDepth; depth++ {
		hostPath := filepath.Join(rootPath, cur)
		info, err := os.Lstat(hostPath)
		if err != nil {
			return false
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(hostPath)
			if err != nil {
				return false
			}
			if filepath.IsAbs(target) {
				cur = target
			} else {
				cur = filepath.Join(filepath.Dir(cur), target)
			}
			continue
		}
		return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
	}
	return false
}

// validateUser checks the configured user against the guest's passwd
// database and verifies the home directory exists in the mounted tree.
func validateUser(rootPath, user string) error {
	home, err := lookupUserHome(rootPath, user)
	if err != nil {
		return err
	}
	if !util.DirExists(filepath.Join(rootPath, home)) {
		return &UserNotFoundError{User: user, Root: rootPath,
			Reason: fmt.Sprintf("home directory %s does not exist", home)}
	}
	return nil
}

// lookupUserHome parses rootPath/etc/passwd for the user's home field.
func lookupUserHome(rootPath, user string) (string, error) {
	data, err := os.ReadFile(filepath.Join(rootPath, "etc", "passwd"))
	if err != nil {
		return "", &UserNotFoundError{User: user, Root: rootPath,
			Reason: fmt.Sprintf("cannot read passwd database: %v", err)}
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 6 || fields[0] != user {
			continue
		}
		if fields[5] == "" {
			return "", &UserNotFoundError{User: user, Root: rootPath,
				Reason: "no home directory in passwd entry"}
		}
		return fields[5], nil
	}
	return "", &UserNotFoundError{User: user, Root: rootPath, Reason: "no passwd entry"}
}

// CommandRunner executes a fully-prepared command and returns its exit
// code. Tests substitute a recorder.
type CommandRunner func(cmd *exec.Cmd) (int, error)

func execCommandRunner(cmd *exec.Cmd) (int, error) {
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Launch runs the interactive shell inside the chroot and blocks until
// it exits. The shell's own exit status is reported but never treated
// as a session failure.
func (s *Session) Launch() (int, error) {
	root := s.cfg.RootMount

	shell, err := ResolveShell(root, s.cfg.CustomShell)
	if err != nil {
		return -1, err
	}

	user := s.cfg.ChrootUser
	if user != "" {
		if err := validateUser(root, user); err != nil {
			return -1, err
		}
	}

	if s.cfg.EnableGUI {
		s.setupGUI(user)
	}

	var cmd *exec.Cmd
	if user != "" {
		cmd = exec.Command("chroot", root, "su", "-", user, "-s", shell)
	} else {
		cmd = exec.Command("chroot", root, shell)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = s.launchEnv()

	s.logger.Info("Entering chroot at %s (shell %s)", root, shell)
	code, err := s.runCmd(cmd)
	if err != nil {
		return -1, fmt.Errorf("cannot launch chroot shell: %w", err)
	}
	s.logger.Info("Chroot shell exited with status %d", code)
	return code, nil
}

func (s *Session) launchEnv() []string {
	env := os.Environ()
	if s.cfg.EnableGUI {
		if display := os.Getenv("DISPLAY"); display != "" {
			env = append(env, "DISPLAY="+display)
		}
	}
	return env
}
