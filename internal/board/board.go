// Package board enumerates the supported CIX Sky1 hardware variants. Images
// are built with one boot entry per variant because the target hardware is
// unknown until first boot; the first-boot provisioner prunes the menu after
// detecting the real board.
package board

import "strings"

type Board struct {
	// Name is the variant identifier used in menu titles and logs.
	Name string
	// DTB is the device-tree blob path relative to the per-kernel dtbs
	// directory.
	DTB string
	// Compatible is the substring matched against the device tree
	// "compatible" value at runtime.
	Compatible string
}

// All returns the supported variants in menu order.
func All() []Board {
	return []Board{
		{Name: "orion-o6", DTB: "cix/sky1-orion-o6.dtb", Compatible: "orion-o6"},
		{Name: "sky1-evb", DTB: "cix/sky1-evb.dtb", Compatible: "sky1-evb"},
		{Name: "cd8180-crb", DTB: "cix/sky1-cd8180-crb.dtb", Compatible: "cd8180-crb"},
	}
}

// Detect classifies a device-tree compatible value (possibly several
// NUL-separated strings) into a supported variant.
func Detect(compatible string) (Board, bool) {
	for _, b := range All() {
		for _, entry := range strings.Split(compatible, "\x00") {
			if strings.Contains(entry, b.Compatible) {
				return b, true
			}
		}
	}
	return Board{}, false
}
