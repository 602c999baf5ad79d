// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package luks

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SetupLoopDevice attaches file to a free loop device, for formatting and
// unlocking LUKS1 volumes stored in ordinary files rather than block
// devices.
func SetupLoopDevice(file string) (string, error) {
	backingFile, err := os.OpenFile(file, os.O_RDWR, 0) // #nosec G304 -- caller-supplied disk image path
	if err != nil {
		return "", newErr(KindIo, "SetupLoopDevice", err)
	}
	defer func() { _ = backingFile.Close() }()

	loopControl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", newErr(KindIo, "SetupLoopDevice", err)
	}
	defer func() { _ = loopControl.Close() }()

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, loopControl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return "", newErr(KindIo, "SetupLoopDevice", fmt.Errorf("LOOP_CTL_GET_FREE: %v", errno))
	}

	loopDevice := fmt.Sprintf("/dev/loop%d", devNum)

	loopFile, err := os.OpenFile(loopDevice, os.O_RDWR, 0) // #nosec G304 -- path constructed from kernel-assigned device number
	if err != nil {
		return "", newErr(KindIo, "SetupLoopDevice", err)
	}
	defer func() { _ = loopFile.Close() }()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_SET_FD, backingFile.Fd()); errno != 0 {
		return "", newErr(KindIo, "SetupLoopDevice", fmt.Errorf("LOOP_SET_FD: %v", errno))
	}

	return loopDevice, nil
}

// DetachLoopDevice detaches device from its backing file.
func DetachLoopDevice(device string) error {
	loopFile, err := os.OpenFile(device, os.O_RDWR, 0) // #nosec G304 -- loop device path from SetupLoopDevice
	if err != nil {
		return newErr(KindIo, "DetachLoopDevice", err)
	}
	defer func() { _ = loopFile.Close() }()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_CLR_FD, 0); errno != 0 {
		return newErr(KindIo, "DetachLoopDevice", fmt.Errorf("LOOP_CLR_FD: %v", errno))
	}
	return nil
}

// FindLoopDevice locates the loop device currently backed by file, by
// scanning /sys/block for a matching backing_file.
func FindLoopDevice(file string) (string, error) {
	absFile, err := filepath.Abs(file)
	if err != nil {
		return "", newErr(KindIo, "FindLoopDevice", err)
	}

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", newErr(KindIo, "FindLoopDevice", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if len(name) < 4 || name[:4] != "loop" {
			continue
		}

		data, err := os.ReadFile("/sys/block/" + name + "/loop/backing_file") // #nosec G304 -- sysfs path constructed from a fixed prefix
		if err != nil {
			continue
		}
		backingFile := string(data)
		if len(backingFile) > 0 && backingFile[len(backingFile)-1] == '\n' {
			backingFile = backingFile[:len(backingFile)-1]
		}

		absBackingFile, err := filepath.Abs(backingFile)
		if err != nil {
			continue
		}
		if absFile == absBackingFile {
			return "/dev/" + name, nil
		}
	}

	return "", newErr(KindNotFound, "FindLoopDevice", fmt.Errorf("no loop device found for %s", file))
}
