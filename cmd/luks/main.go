// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/jeremyhahn/go-luks1/pkg/luks"
	"golang.org/x/term"
)

// Version is the CLI's own version, independent of the LUKS1 format version.
const Version = "1.0.0"

const banner = `
╔══════════════════════════════════════════════════════════════╗
║                   LUKS1 Volume Manager                       ║
║              Pure Go LUKS1 Implementation                    ║
╚══════════════════════════════════════════════════════════════╝
`

const usage = `
USAGE:
    luks <command> [options]

COMMANDS:
    format <device>                 Create a new LUKS1 header on device
    open <device> <name>            Unlock a volume and create a mapping
    close <name>                    Remove a mapping
    addkey <device>                 Add a new passphrase to a free keyslot
    killslot <device> <slot>        Destroy a keyslot
    status <name>                   Show a mapping's status
    dump <device>                   Show on-disk header and keyslot status
    wipe <device>                   Securely overwrite a device
    mount <name> <mountpoint>       Mount an unlocked volume
    unmount <mountpoint>            Unmount a volume
    backup <device> <file>          Save the on-disk header and keyslots to file
    restore <file> <device>         Restore a header and keyslots from file
    resize <device> <name> [sectors] Resize an active mapping
    help                            Show this help message
    version                         Show version information

EXAMPLES:
    sudo luks format /dev/sdb1
    sudo luks open /dev/sdb1 mydisk
    sudo luks mount mydisk /mnt/encrypted
    sudo luks unmount /mnt/encrypted
    sudo luks close mydisk
    sudo luks backup /dev/sdb1 /root/sdb1.luksheader
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(banner)
		fmt.Print(usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "format":
		cmdFormat()
	case "open":
		cmdOpen()
	case "close":
		cmdClose()
	case "addkey":
		cmdAddKey()
	case "killslot":
		cmdKillSlot()
	case "status":
		cmdStatus()
	case "dump":
		cmdDump()
	case "wipe":
		cmdWipe()
	case "mount":
		cmdMount()
	case "unmount":
		cmdUnmount()
	case "backup":
		cmdBackup()
	case "restore":
		cmdRestore()
	case "resize":
		cmdResize()
	case "help", "--help", "-h":
		fmt.Print(banner)
		fmt.Print(usage)
	case "version", "--version", "-v":
		fmt.Printf("luks version %s\n", Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		fmt.Print(usage)
		os.Exit(1)
	}
}

func requireArgs(n int, usageLine string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage: "+usageLine)
		os.Exit(1)
	}
}

func fail(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	os.Exit(1)
}

func cmdFormat() {
	requireArgs(3, "luks format <device>")
	device := os.Args[2]

	passphrase, err := promptPassphrase("Enter passphrase for new volume: ", true)
	if err != nil {
		fail("%v", err)
	}
	defer clearBytes(passphrase)

	prim := luks.NewPrimitives()
	opts := luks.FormatOptions{
		Cipher:          "aes",
		CipherMode:      "xts-plain64",
		HashSpec:        "sha256",
		KeyBytes:        32,
		IterationTimeMS: 1000,
	}

	h, mk, err := luks.Format(device, opts, prim)
	if err != nil {
		fail("format failed: %v", err)
	}
	defer mk.Free()

	slot, err := luks.AddKeyslot(device, h, mk, passphrase, luks.AnySlot, 1000, prim)
	if err != nil {
		fail("failed to add initial keyslot: %v", err)
	}

	fmt.Printf("Formatted %s as LUKS1 (uuid %s), passphrase stored in slot %d\n", device, h.UUID, slot)
}

func cmdOpen() {
	requireArgs(4, "luks open <device> <name>")
	device, name := os.Args[2], os.Args[3]

	h, err := luks.ReadHeader(device)
	if err != nil {
		fail("%v", err)
	}

	passphrase, err := promptPassphrase("Enter passphrase: ", false)
	if err != nil {
		fail("%v", err)
	}
	defer clearBytes(passphrase)

	prim := luks.NewPrimitives()
	slot, mk, err := luks.OpenKeyslot(device, h, passphrase, luks.NoSlotHint, prim)
	if err != nil {
		fail("%v", err)
	}
	defer mk.Free()

	if err := luks.CreateMapping(device, h, mk, name, luks.MappingOptions{}); err != nil {
		fail("failed to create mapping: %v", err)
	}

	fmt.Printf("Unlocked with keyslot %d, mapping active at /dev/mapper/%s\n", slot, name)
}

func cmdClose() {
	requireArgs(3, "luks close <name>")
	if err := luks.RemoveMapping(os.Args[2], true); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Closed %s\n", os.Args[2])
}

func cmdAddKey() {
	requireArgs(3, "luks addkey <device>")
	device := os.Args[2]

	h, err := luks.ReadHeader(device)
	if err != nil {
		fail("%v", err)
	}

	existing, err := promptPassphrase("Enter any existing passphrase: ", false)
	if err != nil {
		fail("%v", err)
	}
	defer clearBytes(existing)

	prim := luks.NewPrimitives()
	_, mk, err := luks.OpenKeyslot(device, h, existing, luks.NoSlotHint, prim)
	if err != nil {
		fail("%v", err)
	}
	defer mk.Free()

	newPass, err := promptPassphrase("Enter new passphrase: ", true)
	if err != nil {
		fail("%v", err)
	}
	defer clearBytes(newPass)

	slot, err := luks.AddKeyslot(device, h, mk, newPass, luks.AnySlot, 1000, prim)
	if err != nil {
		fail("failed to add keyslot: %v", err)
	}
	fmt.Printf("Added new passphrase to slot %d\n", slot)
}

func cmdKillSlot() {
	requireArgs(4, "luks killslot <device> <slot>")
	device := os.Args[2]
	slot, err := strconv.Atoi(os.Args[3])
	if err != nil {
		fail("invalid slot: %s", os.Args[3])
	}

	h, err := luks.ReadHeader(device)
	if err != nil {
		fail("%v", err)
	}

	status := h.SlotStatus(slot)
	if status == luks.SlotActiveLast {
		fmt.Print("This is the last active keyslot. Destroying it makes the volume permanently unrecoverable. Type YES to continue: ")
		var confirm string
		_, _ = fmt.Scanln(&confirm)
		if confirm != "YES" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := luks.DestroyKeyslot(device, h, slot, luks.DestroyKeyslotOptions{}, luks.NewPrimitives()); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Destroyed slot %d\n", slot)
}

func cmdStatus() {
	requireArgs(3, "luks status <name>")
	name := os.Args[2]
	fmt.Printf("%s: %s\n", name, luks.MappingStatus(name))
}

func cmdDump() {
	requireArgs(3, "luks dump <device>")
	h, err := luks.ReadHeader(os.Args[2])
	if err != nil {
		fail("%v", err)
	}

	fmt.Printf("UUID:            %s\n", h.UUID)
	fmt.Printf("Cipher name:     %s\n", h.CipherName)
	fmt.Printf("Cipher mode:     %s\n", h.CipherMode)
	fmt.Printf("Hash spec:       %s\n", h.HashSpec)
	fmt.Printf("Payload offset:  %d sectors\n", h.PayloadOffset)
	fmt.Printf("MK bits:         %d\n", h.KeyBytes*8)
	fmt.Printf("MK digest iter:  %d\n", h.MKDigestIter)
	fmt.Println("Keyslots:")
	for i := 0; i < luks.NumKeyslots; i++ {
		fmt.Printf("  %d: %s\n", i, h.SlotStatus(i))
	}
}

func cmdWipe() {
	requireArgs(3, "luks wipe <device>")
	device := os.Args[2]

	fmt.Print("This will irreversibly destroy all data on this device. Type YES to continue: ")
	var confirm string
	_, _ = fmt.Scanln(&confirm)
	if confirm != "YES" {
		fmt.Println("Aborted.")
		return
	}

	if err := luks.Wipe(luks.WipeOptions{Device: device, Random: true}); err != nil {
		fail("%v", err)
	}
	fmt.Println("Wiped.")
}

func cmdMount() {
	requireArgs(4, "luks mount <name> <mountpoint>")
	if err := luks.Mount(luks.MountOptions{Name: os.Args[2], MountPoint: os.Args[3]}); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Mounted %s at %s\n", os.Args[2], os.Args[3])
}

func cmdUnmount() {
	requireArgs(3, "luks unmount <mountpoint>")
	if err := luks.Unmount(os.Args[2], 0); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Unmounted %s\n", os.Args[2])
}

func cmdBackup() {
	requireArgs(4, "luks backup <device> <file>")
	if err := luks.BackupHeader(os.Args[2], os.Args[3]); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Backed up header from %s to %s\n", os.Args[2], os.Args[3])
}

func cmdRestore() {
	requireArgs(4, "luks restore <file> <device>")
	if err := luks.RestoreHeader(os.Args[2], os.Args[3]); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Restored header from %s to %s\n", os.Args[2], os.Args[3])
}

func cmdResize() {
	requireArgs(4, "luks resize <device> <name> [sectors]")
	device, name := os.Args[2], os.Args[3]

	var newSectors uint64
	if len(os.Args) > 4 {
		n, err := strconv.ParseUint(os.Args[4], 10, 64)
		if err != nil {
			fail("invalid sector count: %s", os.Args[4])
		}
		newSectors = n
	}

	h, err := luks.ReadHeader(device)
	if err != nil {
		fail("%v", err)
	}

	passphrase, err := promptPassphrase("Enter passphrase: ", false)
	if err != nil {
		fail("%v", err)
	}
	defer clearBytes(passphrase)

	prim := luks.NewPrimitives()
	_, mk, err := luks.OpenKeyslot(device, h, passphrase, luks.NoSlotHint, prim)
	if err != nil {
		fail("%v", err)
	}
	defer mk.Free()

	if err := luks.ResizeMapping(device, h, mk, name, luks.MappingOptions{}, newSectors); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Resized %s\n", name)
}

// promptPassphrase prompts for a passphrase with hidden input, optionally
// requiring confirmation.
func promptPassphrase(prompt string, confirm bool) ([]byte, error) {
	fmt.Print(prompt)
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}

	if confirm {
		fmt.Print("Confirm passphrase: ")
		confirmation, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, fmt.Errorf("failed to read confirmation: %w", err)
		}
		if string(passphrase) != string(confirmation) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}

	return passphrase, nil
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
