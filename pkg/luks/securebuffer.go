// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SecureBuffer is a scoped byte allocation that is guaranteed to be zeroed on
// every release path. It exists so key-bearing slices cannot accidentally be
// handed to ordinary garbage-collected memory or a non-wiping free path.
//
// Usage is always paired:
//
//	buf := NewSecureBuffer(32)
//	defer buf.Release()
type SecureBuffer struct {
	b      []byte
	locked bool
}

// debugWipeHook, when non-nil, is invoked with the buffer contents
// immediately before Release zeroes them. It exists only so tests can verify
// the wipe-on-drop property without adding a test-only export to the public
// surface.
var debugWipeHook func([]byte)

// NewSecureBuffer allocates an N-byte SecureBuffer. It attempts to lock the
// backing memory out of swap with mlock; failure to lock is not fatal and is
// reported once through onLockFailure if set, per the "best-effort page
// locking" requirement.
func NewSecureBuffer(n int) *SecureBuffer {
	sb := &SecureBuffer{b: make([]byte, n)}
	if n > 0 {
		if err := unix.Mlock(sb.b); err == nil {
			sb.locked = true
		} else if onLockFailure != nil {
			onLockFailure(fmt.Errorf("mlock failed for %d-byte secure buffer: %w", n, err))
		}
	}
	return sb
}

// onLockFailure is the debug-level reporting hook for mlock failures. Nil by
// default; package code or tests that want to surface it set it.
var onLockFailure func(error)

// Bytes returns the underlying slice. Callers must not retain it past
// Release.
func (sb *SecureBuffer) Bytes() []byte {
	return sb.b
}

// Len reports the buffer length.
func (sb *SecureBuffer) Len() int {
	return len(sb.b)
}

// Release zeroes the buffer and releases any page lock. It is safe to call
// more than once and must be called on every exit path, including panics
// (callers should defer it immediately after allocation).
func (sb *SecureBuffer) Release() {
	if sb.b == nil {
		return
	}
	if debugWipeHook != nil {
		debugWipeHook(sb.b)
	}
	clearBytes(sb.b)
	if sb.locked {
		_ = unix.Munlock(sb.b)
		sb.locked = false
	}
	sb.b = nil
}
