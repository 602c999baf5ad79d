// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// ReadHeader reads and validates the LUKS1 header at offset 0 of device. It
// does not open the returned slots; callers use the Keyslot Engine for that.
func ReadHeader(device string) (*Header, error) {
	f, err := os.Open(device) // #nosec G304 -- device path is caller-supplied and validated by ValidateDevicePath
	if err != nil {
		return nil, newErr(KindIo, "ReadHeader", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, newErr(KindIo, "ReadHeader", err)
	}

	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	size, sizeErr := getBlockDeviceSize(device)
	if sizeErr == nil {
		if err := validateHeader(h, size); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// IsLUKS reports whether device begins with a recognizable LUKS1 magic.
func IsLUKS(device string) bool {
	f, err := os.Open(device) // #nosec G304 -- device path is caller-supplied
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, len(HeaderMagic))
	if _, err := f.ReadAt(magic, 0); err != nil {
		return false
	}
	return string(magic) == HeaderMagic
}

// WriteHeader assembles and writes h to device, fsyncing before returning.
func WriteHeader(device string, h *Header) error {
	buf := encodeHeader(h)

	f, err := os.OpenFile(device, os.O_RDWR, 0600) // #nosec G304 -- device path is caller-supplied
	if err != nil {
		return newErr(KindIo, "WriteHeader", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteAt(buf, 0); err != nil {
		return newErr(KindIo, "WriteHeader", err)
	}
	if err := f.Sync(); err != nil {
		return newErr(KindIo, "WriteHeader", err)
	}
	return nil
}

// decodeHeader parses a HeaderSize-byte buffer into a Header, validating
// magic and version but not device-relative invariants (see validateHeader).
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, newErr(KindCorrupt, "decodeHeader", fmt.Errorf("short header: %d bytes", len(buf)))
	}

	off := 0
	magic := buf[off : off+6]
	off += 6
	if string(magic) != HeaderMagic {
		return nil, newErr(KindNotLUKS, "decodeHeader", ErrNotLUKS)
	}

	version := binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	if version != HeaderVersion {
		return nil, newErr(KindUnsupported, "decodeHeader", fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version))
	}

	h := &Header{}
	h.CipherName = zeroTerminatedString(buf[off : off+cipherNameLen])
	off += cipherNameLen
	h.CipherMode = zeroTerminatedString(buf[off : off+cipherModeLen])
	off += cipherModeLen
	h.HashSpec = zeroTerminatedString(buf[off : off+hashSpecLen])
	off += hashSpecLen

	h.PayloadOffset = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	h.KeyBytes = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	copy(h.MKDigest[:], buf[off:off+MKDigestSize])
	off += MKDigestSize
	copy(h.MKDigestSalt[:], buf[off:off+saltLen])
	off += saltLen
	h.MKDigestIter = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	h.UUID = zeroTerminatedString(buf[off : off+uuidLen])
	off += uuidLen

	for i := 0; i < NumKeyslots; i++ {
		ks := &h.Keyslots[i]
		ks.State = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		ks.Iterations = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		copy(ks.Salt[:], buf[off:off+saltLen])
		off += saltLen
		ks.MaterialOffset = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		ks.Stripes = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}

	return h, nil
}

// encodeHeader assembles h into a zeroed HeaderSize-byte big-endian buffer.
func encodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)

	off := 0
	copy(buf[off:off+6], HeaderMagic)
	off += 6
	binary.BigEndian.PutUint16(buf[off:off+2], HeaderVersion)
	off += 2

	putZeroTerminated(buf[off:off+cipherNameLen], h.CipherName)
	off += cipherNameLen
	putZeroTerminated(buf[off:off+cipherModeLen], h.CipherMode)
	off += cipherModeLen
	putZeroTerminated(buf[off:off+hashSpecLen], h.HashSpec)
	off += hashSpecLen

	binary.BigEndian.PutUint32(buf[off:off+4], h.PayloadOffset)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], h.KeyBytes)
	off += 4

	copy(buf[off:off+MKDigestSize], h.MKDigest[:])
	off += MKDigestSize
	copy(buf[off:off+saltLen], h.MKDigestSalt[:])
	off += saltLen
	binary.BigEndian.PutUint32(buf[off:off+4], h.MKDigestIter)
	off += 4

	putZeroTerminated(buf[off:off+uuidLen], h.UUID)
	off += uuidLen

	for i := 0; i < NumKeyslots; i++ {
		ks := &h.Keyslots[i]
		binary.BigEndian.PutUint32(buf[off:off+4], ks.State)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], ks.Iterations)
		off += 4
		copy(buf[off:off+saltLen], ks.Salt[:])
		off += saltLen
		binary.BigEndian.PutUint32(buf[off:off+4], ks.MaterialOffset)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], ks.Stripes)
		off += 4
	}

	return buf
}

func zeroTerminatedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putZeroTerminated(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// validateHeader checks the device-relative invariants from the data model:
// every enabled keyslot lies within the device and before payload-offset,
// and keyslot regions do not overlap each other or the header.
func validateHeader(h *Header, deviceSectorBytes int64) error {
	deviceSectors := deviceSectorBytes / SectorSize

	type region struct {
		start, end uint32 // sectors, end exclusive
	}
	regions := []region{{0, uint32(HeaderSize / SectorSize)}} // #nosec G115 - HeaderSize is a small constant

	for i, ks := range h.Keyslots {
		if ks.State != SlotStateEnabled {
			continue
		}
		materialSectors := materialSizeSectors(h.KeyBytes, ks.Stripes)
		end := ks.MaterialOffset + materialSectors
		if end > h.PayloadOffset {
			return newErr(KindCorrupt, "validateHeader", fmt.Errorf("keyslot %d material extends past payload offset", i))
		}
		if deviceSectors > 0 && uint64(end) > uint64(deviceSectors) {
			return newErr(KindCorrupt, "validateHeader", fmt.Errorf("keyslot %d material extends past end of device", i))
		}
		for _, r := range regions {
			if ks.MaterialOffset < r.end && end > r.start {
				return newErr(KindCorrupt, "validateHeader", fmt.Errorf("keyslot %d material overlaps another region", i))
			}
		}
		regions = append(regions, region{ks.MaterialOffset, end})
	}

	return nil
}

// materialSizeSectors returns the number of 512-byte sectors needed to hold
// keyBytes*stripes bytes of AF-split material.
func materialSizeSectors(keyBytes, stripes uint32) uint32 {
	total := uint64(keyBytes) * uint64(stripes)
	sectors := (total + SectorSize - 1) / SectorSize
	return uint32(sectors) // #nosec G115 - bounded by realistic key sizes and fixed stripe count
}

// nextMaterialOffset finds the next free, non-overlapping sector offset for
// a new keyslot's material region, placed immediately after the header and
// after any existing enabled keyslot's material.
func nextMaterialOffset(h *Header, keyBytes uint32) uint32 {
	offset := uint32(HeaderSize / SectorSize)
	for _, ks := range h.Keyslots {
		if ks.State != SlotStateEnabled {
			continue
		}
		end := ks.MaterialOffset + materialSizeSectors(keyBytes, ks.Stripes)
		if end > offset {
			offset = end
		}
	}
	return offset
}

// computeMKDigest derives the truncated PBKDF2 digest stored in the header
// for master-key verification.
func computeMKDigest(prim Primitives, hashSpec string, mk []byte, salt [saltLen]byte, iterations uint32) ([MKDigestSize]byte, error) {
	var out [MKDigestSize]byte
	digest, err := prim.PBKDF2(hashSpec, mk, salt[:], int(iterations), MKDigestSize)
	if err != nil {
		return out, err
	}
	copy(out[:], digest)
	return out, nil
}

// CheckMKDigest verifies candidate against the header's stored digest in
// constant time, never short-circuiting on the first mismatching byte.
func CheckMKDigest(prim Primitives, h *Header, candidate []byte) (bool, error) {
	digest, err := computeMKDigest(prim, h.HashSpec, candidate, h.MKDigestSalt, h.MKDigestIter)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(digest[:], h.MKDigest[:]) == 1, nil
}

// FormatOptions controls Format.
type FormatOptions struct {
	Cipher           string // e.g. "aes"
	CipherMode       string // e.g. "xts-plain64"
	HashSpec         string // e.g. "sha256"
	KeyBytes         int
	UUID             string // generated (v4) if empty
	DataAlignment    uint32 // sectors; payload-offset rounds up to this
	IterationTimeMS  int    // PBKDF2 calibration target for the MK digest
	MasterKey        []byte // externally supplied; generated if nil
}

const defaultDataAlignmentSectors = 2048 // 1 MiB at 512-byte sectors

// Format creates a brand-new LUKS1 header on device (overwriting any
// existing header) with a freshly generated master key, or opts.MasterKey
// when that is set, and no enabled keyslots, returning the header and the
// master key for the caller to immediately use with AddKeyslot.
func Format(device string, opts FormatOptions, prim Primitives) (*Header, *VolumeKey, error) {
	if opts.Cipher == "" || opts.CipherMode == "" || opts.HashSpec == "" {
		return nil, nil, newErr(KindInvalidArgument, "Format", fmt.Errorf("cipher, cipher mode, and hash spec are required"))
	}
	if !validVolumeKeyLengths[opts.KeyBytes] {
		return nil, nil, newErr(KindInvalidArgument, "Format", fmt.Errorf("%w: key bytes %d", ErrInvalidSize, opts.KeyBytes))
	}

	var mk *VolumeKey
	var err error
	if opts.MasterKey != nil {
		mk, err = AllocateVolumeKey(opts.KeyBytes, opts.MasterKey)
	} else {
		mk, err = GenerateVolumeKey(opts.KeyBytes, prim)
	}
	if err != nil {
		return nil, nil, err
	}

	id := opts.UUID
	if id == "" {
		id = uuid.New().String()
	}

	alignment := opts.DataAlignment
	if alignment == 0 {
		alignment = defaultDataAlignmentSectors
	}
	if !isPowerOf2(int(alignment)) {
		mk.Free()
		return nil, nil, newErr(KindInvalidArgument, "Format", fmt.Errorf("data alignment %d is not a power of 2", alignment))
	}

	h := &Header{
		CipherName:    opts.Cipher,
		CipherMode:    opts.CipherMode,
		HashSpec:      opts.HashSpec,
		KeyBytes:      uint32(opts.KeyBytes), // #nosec G115 - validated against validVolumeKeyLengths
		UUID:          id,
		PayloadOffset: alignUint32(uint32(HeaderSize/SectorSize), alignment),
	}

	if err := prim.Random(h.MKDigestSalt[:], RandomNormal); err != nil {
		mk.Free()
		return nil, nil, err
	}

	iterTarget := opts.IterationTimeMS
	if iterTarget <= 0 {
		iterTarget = 1
	}
	iter, _ := BenchmarkPBKDF2(prim, h.HashSpec, iterTarget)
	h.MKDigestIter = uint32(iter) // #nosec G115 - bounded by calibration loop

	digest, err := computeMKDigest(prim, h.HashSpec, mk.Bytes(), h.MKDigestSalt, h.MKDigestIter)
	if err != nil {
		mk.Free()
		return nil, nil, err
	}
	h.MKDigest = digest

	for i := range h.Keyslots {
		h.Keyslots[i].State = SlotStateDisabled
	}

	if err := WriteHeader(device, h); err != nil {
		mk.Free()
		return nil, nil, err
	}

	return h, mk, nil
}

// BackupHeader copies device's entire metadata area — the 1024-byte header
// plus every keyslot's material region, up to the payload offset — to
// backupPath. Backing up only the fixed-size header struct would lose the
// keyslot material it points into, leaving a restored header with digests
// that no passphrase decrypts to; copying the whole metadata area keeps
// backup/restore a format-preserving round trip.
func BackupHeader(device, backupPath string) error {
	h, err := ReadHeader(device)
	if err != nil {
		return err
	}

	size := int64(h.PayloadOffset) * SectorSize
	src, err := os.Open(device) // #nosec G304 -- device path is caller-supplied
	if err != nil {
		return newErr(KindIo, "BackupHeader", err)
	}
	defer func() { _ = src.Close() }()

	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return newErr(KindIo, "BackupHeader", err)
	}

	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 -- backup path is caller-supplied
	if err != nil {
		return newErr(KindIo, "BackupHeader", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := dst.Write(buf); err != nil {
		return newErr(KindIo, "BackupHeader", err)
	}
	return newErr0(dst.Sync())
}

// RestoreHeader writes a metadata area previously saved by BackupHeader back
// onto device, after confirming it decodes as a well-formed LUKS1 header.
// Restoring overwrites every keyslot currently on device, active or not, so
// callers must be certain the backup matches the passphrases they intend to
// keep working.
func RestoreHeader(backupPath, device string) error {
	buf, err := os.ReadFile(backupPath) // #nosec G304 -- backup path is caller-supplied
	if err != nil {
		return newErr(KindIo, "RestoreHeader", err)
	}
	if len(buf) < HeaderSize {
		return newErr(KindCorrupt, "RestoreHeader", fmt.Errorf("backup file too short: %d bytes", len(buf)))
	}
	if _, err := decodeHeader(buf[:HeaderSize]); err != nil {
		return err
	}

	dst, err := os.OpenFile(device, os.O_RDWR, 0600) // #nosec G304 -- device path is caller-supplied
	if err != nil {
		return newErr(KindIo, "RestoreHeader", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := dst.WriteAt(buf, 0); err != nil {
		return newErr(KindIo, "RestoreHeader", err)
	}
	return newErr0(dst.Sync())
}

func alignUint32(value, alignment uint32) uint32 {
	if alignment == 0 || value%alignment == 0 {
		return value
	}
	return (value/alignment + 1) * alignment
}
