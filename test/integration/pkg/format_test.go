// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package pkg_test

import (
	"os"
	"testing"

	"github.com/jeremyhahn/go-luks1/pkg/luks"
)

func TestFormatBasic(t *testing.T) {
	tmpfile := "/tmp/test-luks1-format.img"
	defer os.Remove(tmpfile)

	if err := createTestFile(tmpfile, 50); err != nil {
		t.Fatalf("createTestFile: %v", err)
	}

	h, mk, err := luks.Format(tmpfile, luks.FormatOptions{
		Cipher:     "aes",
		CipherMode: "xts-plain64",
		HashSpec:   "sha256",
		KeyBytes:   32,
	}, luks.NewPrimitives())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer mk.Free()

	got, err := luks.ReadHeader(tmpfile)
	if err != nil {
		t.Fatalf("ReadHeader after format: %v", err)
	}
	if got.CipherName != "aes" || got.CipherMode != "xts-plain64" {
		t.Errorf("unexpected cipher fields: %+v", got)
	}
	for i, ks := range got.Keyslots {
		if ks.State != luks.SlotStateDisabled {
			t.Errorf("keyslot %d enabled immediately after Format", i)
		}
	}
	if h.UUID == "" {
		t.Error("expected a generated UUID")
	}
}

func TestFormatWithHashSpecs(t *testing.T) {
	tests := []struct {
		name     string
		hashSpec string
	}{
		{"sha1", "sha1"},
		{"sha256", "sha256"},
		{"sha512", "sha512"},
		{"ripemd160", "ripemd160"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpfile := "/tmp/test-luks1-hash-" + tt.name + ".img"
			defer os.Remove(tmpfile)

			if err := createTestFile(tmpfile, 32); err != nil {
				t.Fatalf("createTestFile: %v", err)
			}

			prim := luks.NewPrimitives()
			h, mk, err := luks.Format(tmpfile, luks.FormatOptions{
				Cipher:          "aes",
				CipherMode:      "xts-plain64",
				HashSpec:        tt.hashSpec,
				KeyBytes:        32,
				IterationTimeMS: 20,
			}, prim)
			if err != nil {
				t.Fatalf("Format with %s: %v", tt.hashSpec, err)
			}
			defer mk.Free()

			if _, err := luks.AddKeyslot(tmpfile, h, mk, []byte("test-password"), luks.AnySlot, 20, prim); err != nil {
				t.Fatalf("AddKeyslot with %s: %v", tt.hashSpec, err)
			}

			if _, _, err := luks.OpenKeyslot(tmpfile, h, []byte("test-password"), luks.NoSlotHint, prim); err != nil {
				t.Fatalf("OpenKeyslot with %s: %v", tt.hashSpec, err)
			}
		})
	}
}

func TestFormatWithUUID(t *testing.T) {
	tmpfile := "/tmp/test-luks1-uuid.img"
	defer os.Remove(tmpfile)

	if err := createTestFile(tmpfile, 32); err != nil {
		t.Fatalf("createTestFile: %v", err)
	}

	const wantUUID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	_, mk, err := luks.Format(tmpfile, luks.FormatOptions{
		Cipher:     "aes",
		CipherMode: "xts-plain64",
		HashSpec:   "sha256",
		KeyBytes:   32,
		UUID:       wantUUID,
	}, luks.NewPrimitives())
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer mk.Free()

	got, err := luks.ReadHeader(tmpfile)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got.UUID != wantUUID {
		t.Errorf("UUID = %q, want %q", got.UUID, wantUUID)
	}
}

func TestFormatErrors(t *testing.T) {
	tests := []struct {
		name string
		opts luks.FormatOptions
	}{
		{
			name: "missing-cipher-mode",
			opts: luks.FormatOptions{Cipher: "aes", HashSpec: "sha256", KeyBytes: 32},
		},
		{
			name: "bad-key-size",
			opts: luks.FormatOptions{Cipher: "aes", CipherMode: "xts-plain64", HashSpec: "sha256", KeyBytes: 17},
		},
		{
			name: "non-power-of-two-alignment",
			opts: luks.FormatOptions{Cipher: "aes", CipherMode: "xts-plain64", HashSpec: "sha256", KeyBytes: 32, DataAlignment: 3},
		},
	}

	tmpfile := "/tmp/test-luks1-format-errors.img"
	defer os.Remove(tmpfile)
	if err := createTestFile(tmpfile, 32); err != nil {
		t.Fatalf("createTestFile: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := luks.Format(tmpfile, tt.opts, luks.NewPrimitives()); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestFormatNonexistentDevice(t *testing.T) {
	_, _, err := luks.Format("/nonexistent/device/for/luks1/test", luks.FormatOptions{
		Cipher:     "aes",
		CipherMode: "xts-plain64",
		HashSpec:   "sha256",
		KeyBytes:   32,
	}, luks.NewPrimitives())
	if err == nil {
		t.Fatal("expected error for nonexistent device")
	}
}
