package session

import (
	"os"
	"path/filepath"

	"chroot-tool/util"
)

// setupGUI copies the X authority cookie into the guest user's home and
// opens local X access so graphical programs started in the chroot can
// reach the host display. Every step is best-effort: a broken GUI setup
// must not block the shell.
func (s *Session) setupGUI(user string) {
	cookie := os.Getenv("XAUTHORITY")
	if cookie == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cookie = filepath.Join(home, ".Xauthority")
		}
	}
	if cookie == "" || !util.FileExists(cookie) {
		s.logger.Warn("GUI support requested but no X authority cookie found")
		return
	}

	guestHome := "/root"
	if user != "" {
		if home, err := lookupUserHome(s.cfg.RootMount, user); err == nil {
			guestHome = home
		}
	}

	dest := filepath.Join(s.cfg.RootMount, guestHome, ".Xauthority")
	if err := copyFile(cookie, dest, 0600); err != nil {
		s.logger.Warn("cannot copy X authority cookie: %v", err)
	} else {
		s.guiCookie = dest
	}

	if _, err := s.run("xhost", "+local:"); err != nil {
		s.logger.Warn("xhost +local: failed: %v", err)
	} else {
		s.guiXhost = true
	}
}

// revertGUI undoes setupGUI before the mount stack comes down.
func (s *Session) revertGUI() {
	if s.guiCookie != "" {
		if err := os.Remove(s.guiCookie); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("cannot remove copied X authority cookie: %v", err)
		}
		s.guiCookie = ""
	}
	if s.guiXhost {
		if _, err := s.run("xhost", "-local:"); err != nil {
			s.logger.Warn("xhost -local: failed: %v", err)
		}
		s.guiXhost = false
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}
