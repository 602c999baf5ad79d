// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux
// +build linux

package luks

import (
	"fmt"
	"os/exec"
	"time"
)

// MakeFilesystem creates a filesystem on an unlocked mapping's decrypted
// block device using the host's mkfs tools. Filesystem construction itself
// is out of scope for this package; this is a thin wrapper so callers don't
// have to juggle the mapped device path themselves.
func MakeFilesystem(name, fstype, label string) error {
	var ready bool
	for i := 0; i < 50; i++ {
		if MappingExists(name) {
			ready = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !ready {
		return newErr(KindNotFound, "MakeFilesystem", fmt.Errorf("mapping %q not found", name))
	}

	devicePath, err := MappedDevicePath(name)
	if err != nil {
		return err
	}

	return runMkfs(devicePath, fstype, label)
}

func runMkfs(devicePath, fstype, label string) error {
	args := []string{devicePath}
	if label != "" {
		args = append([]string{"-L", label}, args...)
	}

	cmd := exec.Command("mkfs."+fstype, args...) // #nosec G204 -- fstype is caller-controlled, not user input from the device
	output, err := cmd.CombinedOutput()
	if err != nil {
		return newErr(KindIo, "MakeFilesystem", fmt.Errorf("mkfs.%s: %w: %s", fstype, err, output))
	}
	return nil
}
