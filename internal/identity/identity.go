// Package identity clears machine identity from the image so every flashed
// system regenerates unique values on first boot. Shipping shared identities
// would break network identification and SSH trust for every device flashed
// from the same image.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ScrubMachineID removes the machine-id and its D-Bus alias. An empty
// /etc/machine-id is recreated: that is the canonical "generate me on boot"
// signal for systemd.
func ScrubMachineID(root string) error {
	dbusID := filepath.Join(root, "var/lib/dbus/machine-id")
	if err := os.Remove(dbusID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", dbusID, err)
	}

	machineID := filepath.Join(root, "etc/machine-id")
	if err := os.Remove(machineID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", machineID, err)
	}
	if err := os.WriteFile(machineID, nil, 0o444); err != nil {
		return fmt.Errorf("recreating empty %s: %w", machineID, err)
	}
	return nil
}

// ScrubSSHHostKeys deletes all SSH host keys; sshd or the openssh postinst
// regenerates them per device.
func ScrubSSHHostKeys(root string) error {
	keys, err := filepath.Glob(filepath.Join(root, "etc/ssh/ssh_host_*_key*"))
	if err != nil {
		return err
	}
	for _, key := range keys {
		logrus.Debugf("removing host key %s", key)
		if err := os.Remove(key); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", key, err)
		}
	}
	return nil
}
