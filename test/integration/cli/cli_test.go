// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package cli_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-luks1/pkg/luks"
)

var binaryPath string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "luks1-cli-test")
	if err != nil {
		panic("failed to create temp dir: " + err.Error())
	}
	defer os.RemoveAll(tmpDir)

	binaryPath = filepath.Join(tmpDir, "luks")
	cmd := exec.Command("go", "build", "-o", binaryPath, "github.com/jeremyhahn/go-luks1/cmd/luks")
	if out, err := cmd.CombinedOutput(); err != nil {
		panic("failed to build CLI: " + err.Error() + "\noutput: " + string(out))
	}

	os.Exit(m.Run())
}

func runCLI(args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func runCLIWithInput(input string, args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdin = strings.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// formatTestDevice formats path directly via the library (the CLI's own
// format command reads the passphrase from a real terminal, which a piped
// test process does not have).
func formatTestDevice(t *testing.T, path string, passphrase []byte) *luks.Header {
	t.Helper()

	f, err := os.Create(path) // #nosec G304 -- integration-test-only path
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	if err := f.Truncate(50 * 1024 * 1024); err != nil {
		t.Fatalf("truncate device: %v", err)
	}
	_ = f.Close()

	prim := luks.NewPrimitives()
	h, mk, err := luks.Format(path, luks.FormatOptions{
		Cipher:          "aes",
		CipherMode:      "xts-plain64",
		HashSpec:        "sha256",
		KeyBytes:        32,
		IterationTimeMS: 20,
	}, prim)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer mk.Free()

	if _, err := luks.AddKeyslot(path, h, mk, passphrase, luks.AnySlot, 20, prim); err != nil {
		t.Fatalf("AddKeyslot: %v", err)
	}
	return h
}

func TestCLI_Help(t *testing.T) {
	stdout, _, err := runCLI("help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	for _, want := range []string{"USAGE:", "COMMANDS:", "format", "open", "close", "addkey", "killslot", "status", "dump", "wipe", "mount", "unmount", "backup", "restore", "resize"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in help output", want)
		}
	}
}

func TestCLI_HelpFlags(t *testing.T) {
	for _, arg := range []string{"--help", "-h", "help"} {
		t.Run(arg, func(t *testing.T) {
			stdout, _, err := runCLI(arg)
			if err != nil {
				t.Fatalf("%s failed: %v", arg, err)
			}
			if !strings.Contains(stdout, "USAGE:") {
				t.Errorf("expected USAGE in output for %s", arg)
			}
		})
	}
}

func TestCLI_Version(t *testing.T) {
	for _, arg := range []string{"--version", "-v", "version"} {
		t.Run(arg, func(t *testing.T) {
			stdout, _, err := runCLI(arg)
			if err != nil {
				t.Fatalf("%s failed: %v", arg, err)
			}
			if !strings.Contains(stdout, "luks version") {
				t.Errorf("expected version string in output for %s", arg)
			}
		})
	}
}

func TestCLI_NoArgs(t *testing.T) {
	stdout, _, err := runCLI()
	if err == nil {
		t.Error("expected error for no arguments")
	}
	if !strings.Contains(stdout, "USAGE:") {
		t.Error("expected usage message")
	}
}

func TestCLI_UnknownCommand(t *testing.T) {
	stdout, stderr, err := runCLI("unknown-command")
	if err == nil {
		t.Error("expected error for unknown command")
	}
	if !strings.Contains(stderr, "Unknown command") {
		t.Error("expected 'Unknown command' error")
	}
	if !strings.Contains(stdout, "USAGE:") {
		t.Error("expected usage message")
	}
}

func TestCLI_MissingArgs(t *testing.T) {
	tests := []struct {
		args  []string
		usage string
	}{
		{[]string{"format"}, "Usage: luks format"},
		{[]string{"open"}, "Usage: luks open"},
		{[]string{"open", "/dev/sda1"}, "Usage: luks open"},
		{[]string{"close"}, "Usage: luks close"},
		{[]string{"addkey"}, "Usage: luks addkey"},
		{[]string{"killslot"}, "Usage: luks killslot"},
		{[]string{"killslot", "/dev/sda1"}, "Usage: luks killslot"},
		{[]string{"status"}, "Usage: luks status"},
		{[]string{"dump"}, "Usage: luks dump"},
		{[]string{"wipe"}, "Usage: luks wipe"},
		{[]string{"mount"}, "Usage: luks mount"},
		{[]string{"mount", "myvolume"}, "Usage: luks mount"},
		{[]string{"unmount"}, "Usage: luks unmount"},
		{[]string{"backup"}, "Usage: luks backup"},
		{[]string{"backup", "/dev/sda1"}, "Usage: luks backup"},
		{[]string{"restore"}, "Usage: luks restore"},
		{[]string{"restore", "/tmp/backup.img"}, "Usage: luks restore"},
		{[]string{"resize"}, "Usage: luks resize"},
		{[]string{"resize", "/dev/sda1"}, "Usage: luks resize"},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, "_"), func(t *testing.T) {
			stdout, stderr, err := runCLI(tt.args...)
			if err == nil {
				t.Error("expected error for missing arguments")
			}
			if !strings.Contains(stdout+stderr, tt.usage) {
				t.Errorf("expected %q in output, got stdout=%q stderr=%q", tt.usage, stdout, stderr)
			}
		})
	}
}

func TestCLI_DumpNonLuksDevice(t *testing.T) {
	tmpfile := "/tmp/test-cli-dump-nonluks.img"
	defer os.Remove(tmpfile)

	f, err := os.Create(tmpfile) // #nosec G304 -- integration-test-only path
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = f.Truncate(1024 * 1024)
	_ = f.Close()

	_, stderr, err := runCLI("dump", tmpfile)
	if err == nil {
		t.Error("expected error for non-LUKS device")
	}
	if stderr == "" {
		t.Error("expected an error message on stderr")
	}
}

func TestCLI_DumpValidLuksDevice(t *testing.T) {
	tmpfile := "/tmp/test-cli-dump-valid.img"
	defer os.Remove(tmpfile)

	h := formatTestDevice(t, tmpfile, []byte("testpass"))

	stdout, _, err := runCLI("dump", tmpfile)
	if err != nil {
		t.Fatalf("dump command failed: %v", err)
	}

	for _, want := range []string{"UUID:", "Cipher name:", "Cipher mode:", "Hash spec:", "Keyslots:", h.UUID} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in dump output", want)
		}
	}
}

func TestCLI_StatusUnknownMapping(t *testing.T) {
	stdout, _, err := runCLI("status", "definitely-not-a-real-mapping")
	if err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	if !strings.Contains(stdout, "Inactive") && !strings.Contains(stdout, "Invalid") {
		t.Errorf("expected an inactive/invalid status, got %q", stdout)
	}
}

func TestCLI_WipeCancelled(t *testing.T) {
	tmpfile := "/tmp/test-cli-wipe-cancel.img"
	defer os.Remove(tmpfile)

	f, err := os.Create(tmpfile) // #nosec G304 -- integration-test-only path
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = f.Truncate(1024 * 1024)
	_ = f.Close()

	stdout, _, err := runCLIWithInput("NO\n", "wipe", tmpfile)
	if err != nil {
		t.Fatalf("wipe cancelled should not error: %v", err)
	}
	if !strings.Contains(stdout, "Aborted") {
		t.Error("expected 'Aborted' message")
	}
}

func TestCLI_WipeConfirmed(t *testing.T) {
	tmpfile := "/tmp/test-cli-wipe-confirmed.img"
	defer os.Remove(tmpfile)

	formatTestDevice(t, tmpfile, []byte("testpass"))

	if !luks.IsLUKS(tmpfile) {
		t.Fatal("expected device to be LUKS-formatted before wipe")
	}

	stdout, _, err := runCLIWithInput("YES\n", "wipe", tmpfile)
	if err != nil {
		t.Fatalf("wipe command failed: %v", err)
	}
	if !strings.Contains(stdout, "Wiped") {
		t.Error("expected success message after wipe")
	}

	if luks.IsLUKS(tmpfile) {
		t.Error("expected device to no longer be LUKS-formatted after wipe")
	}
}

func TestCLI_CloseNonexistentMapping(t *testing.T) {
	_, stderr, err := runCLI("close", "definitely-not-a-real-mapping-12345")
	if err == nil {
		t.Error("expected error for nonexistent mapping")
	}
	if stderr == "" {
		t.Error("expected an error message on stderr")
	}
}

func TestCLI_UnmountNotMounted(t *testing.T) {
	tmpdir := "/tmp/test-cli-unmount-notmounted"
	_ = os.MkdirAll(tmpdir, 0755)
	defer os.RemoveAll(tmpdir)

	_, stderr, err := runCLI("unmount", tmpdir)
	if err == nil {
		t.Error("expected error for unmounting a non-mounted path")
	}
	if stderr == "" {
		t.Error("expected an error message on stderr")
	}
}

func TestCLI_KillSlotInvalidSlot(t *testing.T) {
	tmpfile := "/tmp/test-cli-killslot-invalid.img"
	defer os.Remove(tmpfile)

	formatTestDevice(t, tmpfile, []byte("testpass"))

	_, stderr, err := runCLI("killslot", tmpfile, "99")
	if err == nil {
		t.Error("expected error for out-of-range slot")
	}
	if stderr == "" {
		t.Error("expected an error message on stderr")
	}
}

func TestCLI_BackupRestoreRoundTrip(t *testing.T) {
	tmpfile := "/tmp/test-cli-backup-source.img"
	backupFile := "/tmp/test-cli-backup.hdr"
	restoreTarget := "/tmp/test-cli-backup-restore.img"
	defer os.Remove(tmpfile)
	defer os.Remove(backupFile)
	defer os.Remove(restoreTarget)

	h := formatTestDevice(t, tmpfile, []byte("testpass"))

	stdout, _, err := runCLI("backup", tmpfile, backupFile)
	if err != nil {
		t.Fatalf("backup command failed: %v", err)
	}
	if !strings.Contains(stdout, "Backed up") {
		t.Error("expected success message after backup")
	}
	if _, err := os.Stat(backupFile); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}

	f, err := os.Create(restoreTarget) // #nosec G304 -- integration-test-only path
	if err != nil {
		t.Fatalf("create restore target: %v", err)
	}
	if err := f.Truncate(50 * 1024 * 1024); err != nil {
		t.Fatalf("truncate restore target: %v", err)
	}
	_ = f.Close()

	stdout, _, err = runCLI("restore", backupFile, restoreTarget)
	if err != nil {
		t.Fatalf("restore command failed: %v", err)
	}
	if !strings.Contains(stdout, "Restored") {
		t.Error("expected success message after restore")
	}

	got, err := luks.ReadHeader(restoreTarget)
	if err != nil {
		t.Fatalf("ReadHeader after restore: %v", err)
	}
	if got.UUID != h.UUID {
		t.Errorf("restored UUID = %q, want %q", got.UUID, h.UUID)
	}

	if _, _, err := luks.OpenKeyslot(restoreTarget, got, []byte("testpass"), luks.NoSlotHint, luks.NewPrimitives()); err != nil {
		t.Errorf("OpenKeyslot on restored device: %v", err)
	}
}

func TestCLI_RestoreRejectsNonLuksFile(t *testing.T) {
	garbage := "/tmp/test-cli-restore-garbage.hdr"
	target := "/tmp/test-cli-restore-garbage-target.img"
	defer os.Remove(garbage)
	defer os.Remove(target)

	if err := os.WriteFile(garbage, make([]byte, 2048), 0600); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}
	f, err := os.Create(target) // #nosec G304 -- integration-test-only path
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	_ = f.Truncate(10 * 1024 * 1024)
	_ = f.Close()

	_, stderr, err := runCLI("restore", garbage, target)
	if err == nil {
		t.Error("expected error restoring a non-LUKS backup file")
	}
	if stderr == "" {
		t.Error("expected an error message on stderr")
	}
}
