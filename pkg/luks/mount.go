// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux
// +build linux

package luks

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// MountOptions controls Mount.
type MountOptions struct {
	Name       string // device-mapper mapping name
	MountPoint string
	FSType     string
	Flags      uintptr
	Data       string
}

// Mount mounts an unlocked mapping's decrypted block device. Filesystem
// mounting itself is an external collaborator, not something this package
// implements; this wraps the mount(2) syscall around MappedDevicePath so
// callers don't need to resolve /dev/mapper vs /dev/dm-N themselves.
func Mount(opts MountOptions) error {
	devicePath, err := MappedDevicePath(opts.Name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(opts.MountPoint); os.IsNotExist(err) {
		return newErr(KindNotFound, "Mount", fmt.Errorf("mount point %s does not exist", opts.MountPoint))
	}
	if err := unix.Mount(devicePath, opts.MountPoint, opts.FSType, opts.Flags, opts.Data); err != nil {
		return newErr(KindIo, "Mount", err)
	}
	return nil
}

// Unmount unmounts mountPoint.
func Unmount(mountPoint string, flags int) error {
	if err := unix.Unmount(mountPoint, flags); err != nil {
		return newErr(KindIo, "Unmount", err)
	}
	return nil
}

// IsMounted reports whether mountPoint appears in /proc/mounts.
func IsMounted(mountPoint string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, newErr(KindIo, "IsMounted", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, newErr(KindIo, "IsMounted", err)
	}
	return false, nil
}
