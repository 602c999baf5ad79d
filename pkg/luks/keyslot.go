// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"fmt"
	"os"
)

// AnySlot requests that AddKeyslot pick the lowest-numbered inactive slot.
const AnySlot = -1

// NoSlotHint requests that OpenKeyslot try every enabled slot in order with
// no preferred starting point.
const NoSlotHint = -1

// AddKeyslot implements the keyslot engine's Add operation: it derives a
// slot key from passphrase, AF-splits the master key, encrypts the split
// material under the slot key, and writes both the material region and the
// updated header, in that order, per the write ordering invariant (material
// then header, each fsynced).
func AddKeyslot(device string, h *Header, mk *VolumeKey, passphrase []byte, slot int, iterTimeMS int, prim Primitives) (int, error) {
	slotIndex, err := pickSlot(h, slot)
	if err != nil {
		return -1, err
	}

	var salt [saltLen]byte
	if err := prim.Random(salt[:], RandomNormal); err != nil {
		return -1, err
	}

	slotIter, _ := BenchmarkPBKDF2(prim, h.HashSpec, iterTimeMS)

	slotKeyBuf := NewSecureBuffer(int(h.KeyBytes))
	defer slotKeyBuf.Release()
	slotKey, err := prim.PBKDF2(h.HashSpec, passphrase, salt[:], slotIter, int(h.KeyBytes))
	if err != nil {
		return -1, err
	}
	copy(slotKeyBuf.Bytes(), slotKey)
	clearBytes(slotKey)

	material, err := AFSplit(mk.Bytes(), KeyslotStripes, h.HashSpec)
	if err != nil {
		return -1, err
	}
	defer clearBytes(material)

	ciphertext, err := prim.CipherEncrypt(h.CipherName, h.CipherMode, slotKeyBuf.Bytes(), material)
	if err != nil {
		return -1, err
	}
	defer clearBytes(ciphertext)

	materialOffset := nextMaterialOffset(h, h.KeyBytes)
	if err := writeMaterial(device, materialOffset, ciphertext); err != nil {
		return -1, err
	}

	h.Keyslots[slotIndex] = KeyslotEntry{
		State:          SlotStateEnabled,
		Iterations:     uint32(slotIter), // #nosec G115 - bounded by calibration loop
		Salt:           salt,
		MaterialOffset: materialOffset,
		Stripes:        KeyslotStripes,
	}

	if err := WriteHeader(device, h); err != nil {
		return -1, err
	}

	return slotIndex, nil
}

func pickSlot(h *Header, slot int) (int, error) {
	if slot == AnySlot {
		for i, ks := range h.Keyslots {
			if ks.State != SlotStateEnabled {
				return i, nil
			}
		}
		return -1, newErr(KindNoSlotAvailable, "AddKeyslot", ErrNoSlotAvailable)
	}
	if slot < 0 || slot >= NumKeyslots {
		return -1, newErr(KindInvalidArgument, "AddKeyslot", fmt.Errorf("%w: slot %d", ErrInvalidKeyslot, slot))
	}
	if h.Keyslots[slot].State == SlotStateEnabled {
		return -1, newErr(KindNoSlotAvailable, "AddKeyslot", fmt.Errorf("slot %d already active", slot))
	}
	return slot, nil
}

// OpenKeyslot implements the keyslot engine's Open operation: it tries
// candidate slots (hint first, then every enabled slot in index order),
// deriving each slot's key, decrypting and AF-merging the candidate master
// key, and checking it against the header digest in constant time. It never
// short-circuits the digest compare itself, and it evaluates every candidate
// fully, even after one has matched, returning the first match in candidate
// order, so that the time taken does not reveal which slot matched.
func OpenKeyslot(device string, h *Header, passphrase []byte, hint int, prim Primitives) (int, *VolumeKey, error) {
	order := candidateOrder(h, hint)
	if len(order) == 0 {
		return -1, nil, newErr(KindSlotInactive, "OpenKeyslot", ErrSlotInactive)
	}

	found := -1
	var foundVK *VolumeKey
	for _, idx := range order {
		ks := h.Keyslots[idx]

		slotKeyBuf := NewSecureBuffer(int(h.KeyBytes))
		slotKey, err := prim.PBKDF2(h.HashSpec, passphrase, ks.Salt[:], int(ks.Iterations), int(h.KeyBytes))
		if err != nil {
			slotKeyBuf.Release()
			continue
		}
		copy(slotKeyBuf.Bytes(), slotKey)
		clearBytes(slotKey)

		ciphertext, err := readMaterial(device, ks.MaterialOffset, materialSizeSectors(h.KeyBytes, ks.Stripes)*SectorSize)
		if err != nil {
			slotKeyBuf.Release()
			continue
		}

		material, err := prim.CipherDecrypt(h.CipherName, h.CipherMode, slotKeyBuf.Bytes(), ciphertext)
		clearBytes(ciphertext)
		slotKeyBuf.Release()
		if err != nil {
			continue
		}

		afSize := int(h.KeyBytes) * int(ks.Stripes)
		candidate, err := AFMerge(material[:afSize], int(ks.Stripes), int(h.KeyBytes), h.HashSpec)
		clearBytes(material)
		if err != nil {
			continue
		}

		match, err := CheckMKDigest(prim, h, candidate)
		if err != nil {
			clearBytes(candidate)
			continue
		}
		if match && found < 0 {
			vk, err := AllocateVolumeKey(int(h.KeyBytes), candidate)
			clearBytes(candidate)
			if err != nil {
				return -1, nil, err
			}
			found, foundVK = idx, vk
			continue
		}
		clearBytes(candidate)
	}

	if found >= 0 {
		return found, foundVK, nil
	}
	return -1, nil, newErr(KindWrongPassphrase, "OpenKeyslot", ErrWrongPassphrase)
}

func candidateOrder(h *Header, hint int) []int {
	var order []int
	if hint >= 0 && hint < NumKeyslots && h.Keyslots[hint].State == SlotStateEnabled {
		order = append(order, hint)
	}
	for i := 0; i < NumKeyslots; i++ {
		if i == hint {
			continue
		}
		if h.Keyslots[i].State == SlotStateEnabled {
			order = append(order, i)
		}
	}
	return order
}

// DestroyKeyslotOptions configures DestroyKeyslot's wipe behavior.
type DestroyKeyslotOptions struct {
	RandomPasses int // default 1
	ZeroPasses   int // default 1
}

// DestroyKeyslot implements the keyslot engine's Destroy operation. It
// requires the slot to be Active or ActiveLast (the caller is responsible
// for any "are you sure" confirmation when destroying the last active
// slot — the engine only surfaces the ActiveLast status, it does not
// itself prompt). The material region is overwritten with random data and
// then zeros before the slot entry is marked disabled and the header is
// rewritten.
func DestroyKeyslot(device string, h *Header, slot int, opts DestroyKeyslotOptions, prim Primitives) error {
	if slot < 0 || slot >= NumKeyslots {
		return newErr(KindInvalidArgument, "DestroyKeyslot", fmt.Errorf("%w: slot %d", ErrInvalidKeyslot, slot))
	}
	status := h.SlotStatus(slot)
	if status != SlotActive && status != SlotActiveLast {
		return newErr(KindSlotInactive, "DestroyKeyslot", ErrSlotInactive)
	}

	ks := h.Keyslots[slot]
	sizeBytes := materialSizeSectors(h.KeyBytes, ks.Stripes) * SectorSize

	randomPasses := opts.RandomPasses
	if randomPasses <= 0 {
		randomPasses = 1
	}
	zeroPasses := opts.ZeroPasses
	if zeroPasses <= 0 {
		zeroPasses = 1
	}

	for i := 0; i < randomPasses; i++ {
		buf := make([]byte, sizeBytes)
		if err := prim.Random(buf, RandomNormal); err != nil {
			return err
		}
		if err := writeMaterial(device, ks.MaterialOffset, buf); err != nil {
			return err
		}
	}
	zeros := make([]byte, sizeBytes)
	for i := 0; i < zeroPasses; i++ {
		if err := writeMaterial(device, ks.MaterialOffset, zeros); err != nil {
			return err
		}
	}

	h.Keyslots[slot] = KeyslotEntry{State: SlotStateDisabled}

	return WriteHeader(device, h)
}

// writeMaterial writes data at the given sector offset, fsyncing before
// returning (the material-then-header ordering invariant depends on this
// fsync happening before the header rewrite).
func writeMaterial(device string, sectorOffset uint32, data []byte) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0600) // #nosec G304 -- device path validated by caller
	if err != nil {
		return newErr(KindIo, "writeMaterial", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteAt(data, int64(sectorOffset)*SectorSize); err != nil {
		return newErr(KindIo, "writeMaterial", err)
	}
	return newErr0(f.Sync())
}

func readMaterial(device string, sectorOffset uint32, size uint32) ([]byte, error) {
	f, err := os.Open(device) // #nosec G304 -- device path validated by caller
	if err != nil {
		return nil, newErr(KindIo, "readMaterial", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(sectorOffset)*SectorSize); err != nil {
		return nil, newErr(KindIo, "readMaterial", err)
	}
	return buf, nil
}

// newErr0 wraps err as an Io-kind LuksError if non-nil, else returns nil.
func newErr0(err error) error {
	if err == nil {
		return nil
	}
	return newErr(KindIo, "sync", err)
}
