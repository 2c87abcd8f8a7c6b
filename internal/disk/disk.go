// Package disk models the fixed partition layout of a Sky1 disk image: a GPT
// label with an EFI System Partition followed by a root partition that takes
// the remaining space. The plan is pure data; writing it to a device happens
// in the loopback package.
package disk

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GPT partition type GUIDs.
const (
	EFISystemPartitionGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	FilesystemDataGUID     = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
)

const (
	ESPLabel  = "SKY1EFI"
	RootLabel = "sky1-root"
)

type Partition struct {
	Number int
	Label  string
	// TypeGUID is the GPT partition type.
	TypeGUID string
	// SizeMiB is the partition size; 0 means "rest of the disk".
	SizeMiB uint64
	// Bootable marks the partition with the ESP attribute.
	Bootable bool
}

// Plan is the full two-partition layout plus the filesystem identities that
// are decided up front so fstab and the bootloader config can reference them
// before anything is formatted.
type Plan struct {
	ESP  Partition
	Root Partition

	// RootUUID is passed to mkfs.ext4 and referenced by fstab and the
	// kernel command line.
	RootUUID uuid.UUID
	// ESPSerial is the FAT32 volume ID as eight upper-case hex digits.
	ESPSerial string
}

// NewPlan creates the layout. The ESP is always partition 1 so that boot
// firmware enumerates it first; the root partition directly follows it.
func NewPlan(espSizeMiB uint64, rootUUID uuid.UUID, espSerial string) (Plan, error) {
	if espSizeMiB == 0 {
		return Plan{}, fmt.Errorf("ESP size must not be zero")
	}
	espSerial = strings.ToUpper(espSerial)
	if len(espSerial) != 8 || strings.Trim(espSerial, "0123456789ABCDEF") != "" {
		return Plan{}, fmt.Errorf("invalid FAT volume ID %q: need 8 hex digits", espSerial)
	}

	return Plan{
		ESP: Partition{
			Number:   1,
			Label:    ESPLabel,
			TypeGUID: EFISystemPartitionGUID,
			SizeMiB:  espSizeMiB,
			Bootable: true,
		},
		Root: Partition{
			Number:   2,
			Label:    RootLabel,
			TypeGUID: FilesystemDataGUID,
			SizeMiB:  0,
		},
		RootUUID:  rootUUID,
		ESPSerial: espSerial,
	}, nil
}

// SgdiskArgs returns the arguments that write this plan as a fresh GPT label.
// The partition order in the argument list is significant: the ESP must be
// partition 1.
func (p Plan) SgdiskArgs() []string {
	return []string{
		"--zap-all",
		fmt.Sprintf("--new=1:0:+%dM", p.ESP.SizeMiB),
		fmt.Sprintf("--typecode=1:%s", p.ESP.TypeGUID),
		fmt.Sprintf("--change-name=1:%s", p.ESP.Label),
		"--new=2:0:0",
		fmt.Sprintf("--typecode=2:%s", p.Root.TypeGUID),
		fmt.Sprintf("--change-name=2:%s", p.Root.Label),
	}
}

// ESPFsUUID returns the filesystem UUID form of the FAT volume ID, as it
// appears in blkid output and fstab ("XXXX-XXXX").
func (p Plan) ESPFsUUID() string {
	return p.ESPSerial[:4] + "-" + p.ESPSerial[4:]
}

// Fstab renders the mount table for the installed system. Both entries are
// keyed by filesystem UUID because device paths are not stable across boards
// and boots.
func (p Plan) Fstab() string {
	var b strings.Builder
	b.WriteString("# /etc/fstab: static file system information.\n")
	b.WriteString("#\n# <file system> <mount point> <type> <options> <dump> <pass>\n")
	fmt.Fprintf(&b, "UUID=%s / ext4 defaults,errors=remount-ro 0 1\n", p.RootUUID)
	fmt.Fprintf(&b, "UUID=%s /boot/efi vfat umask=0077 0 2\n", p.ESPFsUUID())
	return b.String()
}
