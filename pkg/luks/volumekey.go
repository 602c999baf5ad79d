// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import "fmt"

// validVolumeKeyLengths enumerates the master-key sizes this package
// supports, per the data model.
var validVolumeKeyLengths = map[int]bool{16: true, 24: true, 32: true, 48: true, 64: true}

// VolumeKey is a typed owning container for a master key. It wraps a
// SecureBuffer so callers never hold key bytes in ordinary, non-wiping
// memory.
type VolumeKey struct {
	buf *SecureBuffer
}

// AllocateVolumeKey creates a VolumeKey of the given length, copying source
// if non-nil, else zero-filled. len(source), if given, must equal length.
func AllocateVolumeKey(length int, source []byte) (*VolumeKey, error) {
	if !validVolumeKeyLengths[length] {
		return nil, fmt.Errorf("%w: unsupported volume key length %d", ErrInvalidSize, length)
	}
	if source != nil && len(source) != length {
		return nil, fmt.Errorf("%w: source length %d does not match %d", ErrInvalidSize, len(source), length)
	}
	vk := &VolumeKey{buf: NewSecureBuffer(length)}
	if source != nil {
		copy(vk.buf.Bytes(), source)
	}
	return vk, nil
}

// GenerateVolumeKey creates a VolumeKey filled with key-quality randomness.
func GenerateVolumeKey(length int, prim Primitives) (*VolumeKey, error) {
	vk, err := AllocateVolumeKey(length, nil)
	if err != nil {
		return nil, err
	}
	if err := prim.Random(vk.buf.Bytes(), RandomKey); err != nil {
		vk.Free()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	return vk, nil
}

// Bytes returns the key material. Callers must not retain the slice past
// Free.
func (vk *VolumeKey) Bytes() []byte {
	if vk.buf == nil {
		return nil
	}
	return vk.buf.Bytes()
}

// Len reports the key length in bytes.
func (vk *VolumeKey) Len() int {
	if vk.buf == nil {
		return 0
	}
	return vk.buf.Len()
}

// Free zeroes and releases the key material. Safe to call more than once.
func (vk *VolumeKey) Free() {
	if vk.buf != nil {
		vk.buf.Release()
		vk.buf = nil
	}
}

// Clone returns an independent copy of the key, backed by its own
// SecureBuffer. Volume keys are never copied implicitly; callers opt in by
// calling Clone.
func (vk *VolumeKey) Clone() (*VolumeKey, error) {
	return AllocateVolumeKey(vk.Len(), vk.Bytes())
}
