// Package sysfs provides utilities for interacting with the /sys filesystem.
package sysfs

import (
	"os"
	"path/filepath"
)

// DefaultRoot is where sysfs is mounted.
const DefaultRoot = "/sys"

// eventSourceDevices lists PMU names exposing hardware cycle events; hybrid CPUs split the
// core PMU in two.
var eventSourceDevices = []string{"cpu", "cpu_core", "armv8_pmuv3_0", "armv8_pmuv3"}

// HardwarePerfEvents reports whether a hardware PMU is registered under root. Virtual
// machines often lack one, in which case sampling has to use the cpu-clock software event.
func HardwarePerfEvents(root string) bool {
	if root == "" {
		root = DefaultRoot
	}
	for _, dev := range eventSourceDevices {
		if _, err := os.Stat(filepath.Join(root, "bus", "event_source", "devices", dev, "type")); err == nil {
			return true
		}
	}
	return false
}
