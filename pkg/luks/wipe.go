// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"crypto/rand"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// blkDiscard is the BLKDISCARD ioctl number for TRIM/discard on block devices.
const blkDiscard = 0x1277

// WipeOptions controls Wipe.
type WipeOptions struct {
	Device     string
	Passes     int  // number of overwrite passes (default 1)
	Random     bool // overwrite with random data instead of zeros
	HeaderOnly bool // wipe only the 1024-byte header, not the payload
	Trim       bool // issue BLKDISCARD after overwriting (SSDs)
}

// Wipe destructively overwrites a LUKS1 device: every enabled keyslot's
// material and the payload become unrecoverable once this returns, since
// the header carrying the digests needed to re-derive the master key is
// gone too. Per-slot destruction that keeps the rest of the volume intact
// is DestroyKeyslot, not this.
func Wipe(opts WipeOptions) error {
	if err := ValidateDevicePath(opts.Device); err != nil {
		return err
	}
	if opts.Passes <= 0 {
		opts.Passes = 1
	}

	lock, err := AcquireFileLock(opts.Device)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	f, err := os.OpenFile(opts.Device, os.O_RDWR, 0600) // #nosec G304 -- device path validated above
	if err != nil {
		return newErr(KindIo, "Wipe", err)
	}
	defer func() { _ = f.Close() }()

	if opts.HeaderOnly {
		return wipeHeader(f)
	}

	size, err := getBlockDeviceSize(opts.Device)
	if err != nil {
		return err
	}
	if size <= 0 {
		return newErr(KindInvalidArgument, "Wipe", fmt.Errorf("invalid device size: %d", size))
	}

	for pass := 0; pass < opts.Passes; pass++ {
		if err := wipePass(f, size, opts.Random); err != nil {
			return newErr(KindIo, "Wipe", fmt.Errorf("pass %d: %w", pass+1, err))
		}
	}
	if err := f.Sync(); err != nil {
		return newErr(KindIo, "Wipe", err)
	}

	if opts.Trim {
		_ = issueDiscard(f, size) // best-effort; absence of TRIM support is not an error
	}

	return nil
}

func wipeHeader(f *os.File) error {
	zeros := make([]byte, HeaderSize)
	if _, err := f.WriteAt(zeros, 0); err != nil {
		return newErr(KindIo, "wipeHeader", err)
	}
	return newErr0(f.Sync())
}

func wipePass(f *os.File, size int64, random bool) error {
	const bufferSize = 1 << 20

	buffer := make([]byte, bufferSize)
	defer clearBytes(buffer)

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	remaining := size
	for remaining > 0 {
		writeSize := bufferSize
		if remaining < int64(bufferSize) {
			writeSize = int(remaining)
		}

		if random {
			if _, err := rand.Read(buffer[:writeSize]); err != nil {
				return err
			}
		} else {
			for i := range buffer[:writeSize] {
				buffer[i] = 0
			}
		}

		n, err := f.Write(buffer[:writeSize])
		if err != nil {
			return err
		}
		remaining -= int64(n)
	}

	return nil
}

// issueDiscard tells the block layer that the whole device's blocks are
// free. TRIM on an encrypted volume can itself leak which blocks were in
// use, but that leak only matters before a wipe; after overwriting, TRIM
// is one more pass of erasure with no remaining information to leak.
func issueDiscard(f *os.File, size int64) error {
	if size <= 0 {
		return fmt.Errorf("invalid discard size: %d", size)
	}
	discardRange := [2]uint64{0, uint64(size)} // #nosec G115 - size validated positive above

	// #nosec G103 -- unsafe.Pointer required for the ioctl syscall ABI
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(blkDiscard), uintptr(unsafe.Pointer(&discardRange[0])))
	if errno != 0 {
		return fmt.Errorf("BLKDISCARD ioctl failed: %w", errno)
	}
	return nil
}
