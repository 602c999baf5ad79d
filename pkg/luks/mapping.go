// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/anatol/devmapper.go"
	"golang.org/x/sys/unix"
)

// MappingOptions controls CreateMapping and ReloadMapping.
type MappingOptions struct {
	Flags    ActivationFlags
	IVOffset uint64
}

// Capabilities describes the device-mapper crypt target features this host's
// running kernel supports. WipeKeySupported and ReloadSupported are consulted
// by WipeMappingKey/ReinstateMappingKey and ReloadMapping before they touch
// the kernel at all, so a missing capability fails fast with KindUnsupported
// instead of spending a round trip on an ioctl that was never going to work.
type Capabilities struct {
	WipeKeySupported bool
	ReloadSupported  bool
}

var (
	capsOnce  sync.Once
	capsCache Capabilities
)

// minWipeKeyKernel is the release at which the dm-crypt target gained the
// "key wipe"/"key set" messages WipeMappingKey and ReinstateMappingKey send.
var minWipeKeyKernel = [2]int{3, 15}

// ProbeCapabilities enumerates this host's running kernel version via uname
// and reports which dm-crypt target features it is expected to support.
// Reload has been a basic device-mapper feature since LUKS1's era and is
// always reported supported; key wipe/reinstate is gated on the kernel
// release that introduced the messages. The probe is a fast-fail heuristic,
// not a guarantee: a distribution can backport or omit features independent
// of its release number, so every gated call still treats the kernel's own
// ErrUnsupported as authoritative over a false-positive probe result.
func ProbeCapabilities() Capabilities {
	caps := Capabilities{ReloadSupported: true}

	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return caps
	}
	n := bytes.IndexByte(uname.Release[:], 0)
	if n < 0 {
		n = len(uname.Release)
	}
	major, minor, ok := parseKernelRelease(string(uname.Release[:n]))
	if !ok {
		return caps
	}
	caps.WipeKeySupported = major > minWipeKeyKernel[0] ||
		(major == minWipeKeyKernel[0] && minor >= minWipeKeyKernel[1])
	return caps
}

// probeCapabilitiesCached memoizes ProbeCapabilities for the process
// lifetime; the running kernel cannot change underneath a live process.
func probeCapabilitiesCached() Capabilities {
	capsOnce.Do(func() { capsCache = ProbeCapabilities() })
	return capsCache
}

// parseKernelRelease extracts the leading "major.minor" from a uname release
// string such as "6.8.0-generic" or "5.4.0-1106-aws".
func parseKernelRelease(release string) (major, minor int, ok bool) {
	fields := strings.SplitN(release, "-", 2)
	parts := strings.Split(fields[0], ".")
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, errMaj := strconv.Atoi(parts[0])
	minor, errMin := strconv.Atoi(parts[1])
	if errMaj != nil || errMin != nil {
		return 0, 0, false
	}
	return major, minor, true
}


// mappingUUID composes the device-mapper UUID LUKS1 mappings are tagged
// with: CRYPT-LUKS1-<uuid without dashes>-<name>. A name that would make
// the composed UUID exceed the kernel's DM_UUID_LEN is a hard error, not a
// silent truncation.
const dmUUIDMax = 129

func mappingUUID(headerUUID, name string) (string, error) {
	stripped := strings.ReplaceAll(headerUUID, "-", "")
	id := fmt.Sprintf("CRYPT-LUKS1-%s-%s", stripped, name)
	if len(id) >= dmUUIDMax {
		return "", newErr(KindInvalidArgument, "mappingUUID", fmt.Errorf("mapping name %q makes dm UUID too long", name))
	}
	return id, nil
}

func cryptSpec(h *Header) string {
	return fmt.Sprintf("%s-%s", h.CipherName, h.CipherMode)
}

// cryptTable builds the device-mapper crypt table for an unlocked volume.
func cryptTable(device string, h *Header, mk *VolumeKey, opts MappingOptions) (devmapper.CryptTable, error) {
	size, err := getBlockDeviceSize(device)
	if err != nil {
		return devmapper.CryptTable{}, err
	}
	payloadOffsetBytes := int64(h.PayloadOffset) * SectorSize
	length := size - payloadOffsetBytes
	if length <= 0 {
		return devmapper.CryptTable{}, newErr(KindCorrupt, "cryptTable", fmt.Errorf("payload offset exceeds device size"))
	}

	table := devmapper.CryptTable{
		Start:         0,
		Length:        uint64(length), // #nosec G115 - length validated positive above
		BackendDevice: device,
		BackendOffset: uint64(payloadOffsetBytes), // #nosec G115 - derived from uint32 sector offset
		Encryption:    cryptSpec(h),
		Key:           mk.Bytes(),
		IVTweak:       opts.IVOffset,
		SectorSize:    SectorSize,
	}
	return table, nil
}

// CreateMapping implements the Mapping Controller's create operation: it
// builds a crypt table from the unlocked header and master key and loads it
// into the kernel under name.
func CreateMapping(device string, h *Header, mk *VolumeKey, name string, opts MappingOptions) error {
	if MappingExists(name) {
		return newErr(KindBusy, "CreateMapping", fmt.Errorf("mapping %q already exists", name))
	}

	table, err := cryptTable(device, h, mk, opts)
	if err != nil {
		return err
	}

	id, err := mappingUUID(h.UUID, name)
	if err != nil {
		return err
	}

	var flags uint32
	if opts.Flags&FlagReadOnly != 0 {
		flags |= devmapper.CryptReadOnly
	}

	if err := devmapper.CreateAndLoad(name, id, flags, table); err != nil {
		return newErr(KindIo, "CreateMapping", err)
	}

	_ = ensureDeviceNode(name)

	return nil
}

// ReloadMapping implements the Mapping Controller's reload operation,
// swapping in a new crypt table (for example a new key or IV offset) without
// tearing the mapping down: the table is loaded with a reload and made live
// with a resume.
func ReloadMapping(device string, h *Header, mk *VolumeKey, name string, opts MappingOptions) error {
	if !probeCapabilitiesCached().ReloadSupported {
		return newErr(KindUnsupported, "ReloadMapping", ErrUnsupported)
	}

	table, err := cryptTable(device, h, mk, opts)
	if err != nil {
		return err
	}
	if err := devmapper.Reload(name, table); err != nil {
		return newErr(KindUnsupported, "ReloadMapping", fmt.Errorf("%w: %v", ErrUnsupported, err))
	}
	if err := devmapper.Resume(name); err != nil {
		return newErr(KindIo, "ReloadMapping", err)
	}
	return nil
}

// ResizeMapping implements the Mapping Controller's resize operation,
// changing an active mapping's logical length to newSectors. A newSectors
// of 0 means resize to fill the underlying device, matching cryptTable's
// own default when no explicit length is requested.
func ResizeMapping(device string, h *Header, mk *VolumeKey, name string, opts MappingOptions, newSectors uint64) error {
	if !probeCapabilitiesCached().ReloadSupported {
		return newErr(KindUnsupported, "ResizeMapping", ErrUnsupported)
	}

	table, err := cryptTable(device, h, mk, opts)
	if err != nil {
		return err
	}
	if newSectors > 0 {
		table.Length = newSectors * SectorSize
	}

	if err := devmapper.Reload(name, table); err != nil {
		return newErr(KindUnsupported, "ResizeMapping", fmt.Errorf("%w: %v", ErrUnsupported, err))
	}
	if err := devmapper.Resume(name); err != nil {
		return newErr(KindIo, "ResizeMapping", err)
	}
	return nil
}

// SuspendMapping flushes and freezes I/O to the mapping so its table can be
// swapped safely.
func SuspendMapping(name string) error {
	if err := devmapper.Suspend(name); err != nil {
		return newErr(KindIo, "SuspendMapping", err)
	}
	return nil
}

// ResumeMapping thaws I/O to a previously suspended mapping.
func ResumeMapping(name string) error {
	if err := devmapper.Resume(name); err != nil {
		return newErr(KindIo, "ResumeMapping", err)
	}
	return nil
}

// WipeMappingKey sends the crypt target's "key wipe" message, clearing the
// in-kernel key without tearing down the mapping. Reads and writes to the
// mapping fail until ReinstateMappingKey restores a key.
func WipeMappingKey(name string) error {
	if !probeCapabilitiesCached().WipeKeySupported {
		return newErr(KindUnsupported, "WipeMappingKey", ErrUnsupported)
	}
	if err := devmapper.Message(name, 0, "key wipe"); err != nil {
		return newErr(KindUnsupported, "WipeMappingKey", fmt.Errorf("%w: %v", ErrUnsupported, err))
	}
	return nil
}

// ReinstateMappingKey sends the crypt target's "key set" message, restoring
// the in-kernel key of a mapping previously wiped with WipeMappingKey.
func ReinstateMappingKey(name string, mk *VolumeKey) error {
	if !probeCapabilitiesCached().WipeKeySupported {
		return newErr(KindUnsupported, "ReinstateMappingKey", ErrUnsupported)
	}

	hexKey := hex.EncodeToString(mk.Bytes())
	defer clearBytes([]byte(hexKey))
	if err := devmapper.Message(name, 0, "key set "+hexKey); err != nil {
		return newErr(KindUnsupported, "ReinstateMappingKey", fmt.Errorf("%w: %v", ErrUnsupported, err))
	}
	return nil
}

const (
	removeRetries  = 5
	removeInterval = time.Second
)

// RemoveMapping implements the Mapping Controller's remove operation. A
// mapping busy with open file handles returns EBUSY from the kernel; when
// force is set, RemoveMapping makes up to removeRetries attempts in all, one
// second apart, before giving up, matching how callers cope with a
// lazily-closing holder.
func RemoveMapping(name string, force bool) error {
	info, _ := devmapper.InfoByName(name)

	var err error
	attempts := 1
	if force {
		attempts = removeRetries
	}

	for i := 0; i < attempts; i++ {
		err = devmapper.Remove(name)
		if err == nil {
			break
		}
		if i < attempts-1 {
			time.Sleep(removeInterval)
		}
	}
	if err != nil {
		return newErr(KindBusy, "RemoveMapping", err)
	}

	if info != nil {
		minor := info.DevNo & 0xFF
		_ = os.Remove(fmt.Sprintf("/dev/dm-%d", minor))
	}
	_ = os.Remove("/dev/mapper/" + name)

	return nil
}

// MappingExists reports whether a device-mapper mapping named name exists.
func MappingExists(name string) bool {
	if _, err := devmapper.InfoByName(name); err == nil {
		return true
	}
	path := "/dev/mapper/" + name
	if fi, err := os.Stat(path); err == nil {
		return fi.Mode()&os.ModeDevice != 0
	}
	return false
}

// MappingStatus reports the logical status of a mapping.
func MappingStatus(name string) DeviceStatus {
	info, err := devmapper.InfoByName(name)
	if err != nil {
		if MappingExists(name) {
			return DeviceActive
		}
		return DeviceInactive
	}
	if info.OpenCount > 0 {
		return DeviceBusy
	}
	return DeviceActive
}

// MappedDevicePath returns the path at which an active mapping's decrypted
// block device is exposed, preferring the udev-managed /dev/mapper symlink
// and falling back to /dev/dm-N for environments without udev.
func MappedDevicePath(name string) (string, error) {
	symlink := "/dev/mapper/" + name
	if _, err := os.Stat(symlink); err == nil {
		return symlink, nil
	}

	info, err := devmapper.InfoByName(name)
	if err != nil {
		return "", newErr(KindNotFound, "MappedDevicePath", fmt.Errorf("mapping %q not found: %w", name, err))
	}
	minor := info.DevNo & 0xFF
	path := fmt.Sprintf("/dev/dm-%d", minor)

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return path, nil
}

// ensureDeviceNode creates the /dev/dm-N node for name if udev has not
// already done so, for containerized environments that run without udev.
func ensureDeviceNode(name string) error {
	info, err := devmapper.InfoByName(name)
	if err != nil {
		return err
	}

	minor := uint32(info.DevNo & 0xFF) // #nosec G115 - masked to 8 bits
	major := uint32((info.DevNo >> 8) & 0xFFF) // #nosec G115 - masked to 12 bits

	dmPath := fmt.Sprintf("/dev/dm-%d", minor)
	mapperPath := "/dev/mapper/" + name

	if _, err := os.Stat(dmPath); err == nil {
		return nil
	}
	if _, err := os.Stat(mapperPath); err == nil {
		return nil
	}

	dev := unix.Mkdev(major, minor)
	if err := unix.Mknod(dmPath, unix.S_IFBLK|0660, int(dev)); err != nil { // #nosec G115 - dev built from small major/minor
		return fmt.Errorf("failed to create device node: %w", err)
	}
	return nil
}

// getBlockDeviceSize returns the size in bytes of a block device or regular
// file, via BLKGETSIZE64 for the former and Stat for the latter.
func getBlockDeviceSize(device string) (int64, error) {
	f, err := os.Open(device) // #nosec G304 -- device path validated by caller
	if err != nil {
		return 0, newErr(KindIo, "getBlockDeviceSize", err)
	}
	defer func() { _ = f.Close() }()

	var size int64
	// #nosec G103 -- unsafe.Pointer required for the ioctl syscall ABI
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno == 0 {
		return size, nil
	}

	stat, err := f.Stat()
	if err != nil {
		return 0, newErr(KindIo, "getBlockDeviceSize", err)
	}
	return stat.Size(), nil
}
