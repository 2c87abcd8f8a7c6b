package firstboot

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

// TrustDesktopFiles marks every launcher on the user's desktop as trusted so
// GNOME does not flag them as untrusted on first use. It runs on every login,
// not only on first boot, because launchers can appear later (the installer
// shortcut of a freshly provisioned account, for one).
func TrustDesktopFiles(runner osexec.Runner, home string) error {
	launchers, err := filepath.Glob(filepath.Join(home, "Desktop", "*.desktop"))
	if err != nil {
		return err
	}
	for _, f := range launchers {
		if _, err := runner.Run("gio", "set", f, "metadata::trusted", "true"); err != nil {
			logrus.Warnf("trusting %s: %v", f, err)
			continue
		}
		if err := os.Chmod(f, 0o755); err != nil {
			logrus.Warnf("making %s executable: %v", f, err)
		}
	}
	return nil
}
