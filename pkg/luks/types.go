// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

const (
	// HeaderMagic is the fixed 6-byte LUKS1 magic.
	HeaderMagic = "LUKS\xBA\xBE"

	// HeaderVersion is the only version this codec understands.
	HeaderVersion uint16 = 1

	// HeaderSize is the minimum on-disk size of a LUKS1 header.
	HeaderSize = 1024

	// NumKeyslots is the fixed number of keyslot records in a LUKS1 header.
	NumKeyslots = 8

	// KeyslotStripes is the fixed AF stripe count for LUKS1 keyslots.
	KeyslotStripes = 4000

	// SectorSize is the on-disk sector size LUKS1 offsets are expressed in.
	SectorSize = 512

	// MKDigestSize is the truncated PBKDF2 digest length stored per header.
	MKDigestSize = 20
)

// Keyslot on-disk state values.
const (
	SlotStateDisabled uint32 = 0x0000DEAD
	SlotStateEnabled  uint32 = 0x00AC71F3
)

// Field widths, in bytes, of the fixed-size string fields.
const (
	cipherNameLen = 32
	cipherModeLen = 32
	hashSpecLen   = 32
	uuidLen       = 40
	saltLen       = 32
)

// KeyslotEntry is one of the eight 48-byte on-disk keyslot records.
type KeyslotEntry struct {
	State          uint32
	Iterations     uint32
	Salt           [saltLen]byte
	MaterialOffset uint32 // sectors from device start
	Stripes        uint32
}

// Header is the decoded, in-memory form of a LUKS1 header.
type Header struct {
	CipherName    string
	CipherMode    string
	HashSpec      string
	PayloadOffset uint32 // sectors
	KeyBytes      uint32
	MKDigest      [MKDigestSize]byte
	MKDigestSalt  [saltLen]byte
	MKDigestIter  uint32
	UUID          string
	Keyslots      [NumKeyslots]KeyslotEntry
}

// SlotStatus is the logical state of a keyslot as surfaced to callers.
type SlotStatus int

const (
	// SlotInvalid means the slot index was out of range.
	SlotInvalid SlotStatus = iota
	// SlotInactive means state == DISABLED.
	SlotInactive
	// SlotActive means state == ENABLED and at least one other slot is too.
	SlotActive
	// SlotActiveLast means state == ENABLED and no other slot is.
	SlotActiveLast
)

func (s SlotStatus) String() string {
	switch s {
	case SlotInvalid:
		return "Invalid"
	case SlotInactive:
		return "Inactive"
	case SlotActive:
		return "Active"
	case SlotActiveLast:
		return "ActiveLast"
	default:
		return "Unknown"
	}
}

// SlotStatus reports the logical state of keyslot index per the header's
// current contents.
func (h *Header) SlotStatus(index int) SlotStatus {
	if index < 0 || index >= NumKeyslots {
		return SlotInvalid
	}
	if h.Keyslots[index].State != SlotStateEnabled {
		return SlotInactive
	}
	enabledCount := 0
	for _, ks := range h.Keyslots {
		if ks.State == SlotStateEnabled {
			enabledCount++
		}
	}
	if enabledCount <= 1 {
		return SlotActiveLast
	}
	return SlotActive
}

// DeviceStatus is the Mapping Controller's view of a named mapping.
type DeviceStatus int

const (
	DeviceInvalid DeviceStatus = iota
	DeviceInactive
	DeviceActive
	DeviceBusy
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceInvalid:
		return "Invalid"
	case DeviceInactive:
		return "Inactive"
	case DeviceActive:
		return "Active"
	case DeviceBusy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// ActivationFlags are bit flags accepted by CreateMapping through
// MappingOptions.Flags. FlagReadOnly is wired into CreateMapping via
// devmapper.CryptReadOnly. FlagShared and FlagAllowDiscards are accepted
// here but not yet consulted by cryptTable: both are dm-crypt table-line
// options rather than generic dm creation flags, and nothing in the
// grounding corpus names a devmapper.go field or flag for either.
type ActivationFlags uint32

const (
	FlagReadOnly      ActivationFlags = 1 << 0
	FlagShared        ActivationFlags = 1 << 1
	FlagAllowDiscards ActivationFlags = 1 << 2
)

