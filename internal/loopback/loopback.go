// Package loopback creates the sparse backing file of a disk image, writes
// the GPT label into it and exposes it as a loop block device with partition
// sub-devices. Teardown is idempotent so the cleanup path can always call it.
package loopback

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Sky1-Linux/sky1-live-build/internal/disk"
	"github.com/Sky1-Linux/sky1-live-build/internal/osexec"
)

// ErrPartitionsTimeout is returned when the kernel does not surface the loop
// partition sub-devices within the bounded wait.
var ErrPartitionsTimeout = errors.New("loop partition devices did not appear in time")

// minFreeBytes is the headroom required in the work directory. The backing
// file is sparse, but the filesystem still needs room for metadata and for
// the blocks written during population.
const minFreeBytes = 1 << 30

// Device is an attached loop device and its two partition nodes.
type Device struct {
	Path string
	// PartPaths holds the ESP and root partition device paths, in
	// partition-number order.
	PartPaths [2]string

	runner osexec.Runner
}

// CreateBackingFile allocates a sparse file of the requested logical size.
// An existing file at the same path is replaced.
func CreateBackingFile(path string, sizeGB uint64) error {
	var st unix.Statfs_t
	dir := path[:strings.LastIndex(path, "/")+1]
	if dir == "" {
		dir = "."
	}
	if err := unix.Statfs(dir, &st); err == nil {
		if free := st.Bavail * uint64(st.Bsize); free < minFreeBytes {
			return fmt.Errorf("not enough free space in %s: %d bytes available", dir, free)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating backing file: %w", err)
	}
	if err := f.Truncate(int64(sizeGB) * 1 << 30); err != nil {
		f.Close()
		return fmt.Errorf("sizing backing file to %d GB: %w", sizeGB, err)
	}
	return f.Close()
}

// Partition writes the GPT label described by the plan into the backing
// file. This happens before the file is attached; the kernel picks the
// partitions up during attach via partition scanning.
func Partition(runner osexec.Runner, file string, plan disk.Plan) error {
	args := append(plan.SgdiskArgs(), file)
	if _, err := runner.Run("sgdisk", args...); err != nil {
		return fmt.Errorf("partitioning %s: %w", file, err)
	}
	return nil
}

// Attach binds the backing file as a loop device with partition scanning and
// waits for both partition sub-devices to materialize.
func Attach(runner osexec.Runner, file string) (*Device, error) {
	out, err := runner.Run("losetup", "--find", "--show", "--partscan", file)
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", file, err)
	}
	loopPath := strings.TrimSpace(string(out))
	if !strings.HasPrefix(loopPath, "/dev/loop") {
		return nil, fmt.Errorf("unexpected losetup output %q", loopPath)
	}

	dev := &Device{
		Path:      loopPath,
		PartPaths: [2]string{loopPath + "p1", loopPath + "p2"},
		runner:    runner,
	}

	if err := dev.waitForPartitions(); err != nil {
		// don't leak the loop device on a failed attach
		if derr := dev.Detach(); derr != nil {
			logrus.Warnf("detaching %s after failed partition scan: %v", loopPath, derr)
		}
		return nil, err
	}

	logrus.Infof("attached %s as %s", file, loopPath)
	return dev, nil
}

// Polling window for partition sub-devices: 100 tries, 100ms apart.
var (
	partitionPollInterval = 100 * time.Millisecond
	partitionPollRetries  uint64 = 100
)

// waitForPartitions polls for the partition device nodes. The kernel creates
// them asynchronously after LOOP_SET_STATUS, usually within milliseconds,
// but a loaded build host can take noticeably longer.
func (d *Device) waitForPartitions() error {
	policy := backoff.NewConstantBackOff(partitionPollInterval)

	check := func() error {
		for _, p := range d.PartPaths {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
		}
		return nil
	}

	err := backoff.Retry(check, backoff.WithMaxRetries(policy, partitionPollRetries))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPartitionsTimeout, err)
	}
	return nil
}

// Detach releases the loop device. It is idempotent: detaching a device that
// is already gone is not an error.
func (d *Device) Detach() error {
	if _, err := os.Stat(d.Path); os.IsNotExist(err) {
		return nil
	}
	if _, err := d.runner.Run("losetup", "--detach", d.Path); err != nil {
		// losetup reports ENXIO when the device has no backing file
		// anymore, i.e. someone already detached it
		if strings.Contains(err.Error(), "No such device") {
			return nil
		}
		return fmt.Errorf("detaching %s: %w", d.Path, err)
	}
	logrus.Infof("detached %s", d.Path)
	return nil
}
