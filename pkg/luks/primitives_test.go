// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"bytes"
	"testing"
)

func TestPBKDF2Deterministic(t *testing.T) {
	prim := NewPrimitives()

	a, err := prim.PBKDF2("sha256", []byte("correct horse"), []byte("salt-value-salt-value"), 1000, 32)
	if err != nil {
		t.Fatalf("PBKDF2: %v", err)
	}
	b, err := prim.PBKDF2("sha256", []byte("correct horse"), []byte("salt-value-salt-value"), 1000, 32)
	if err != nil {
		t.Fatalf("PBKDF2: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("PBKDF2 is not deterministic for identical inputs")
	}

	c, err := prim.PBKDF2("sha256", []byte("different password"), []byte("salt-value-salt-value"), 1000, 32)
	if err != nil {
		t.Fatalf("PBKDF2: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatal("PBKDF2 produced identical output for different passwords")
	}
}

func TestCipherXTSRoundTrip(t *testing.T) {
	prim := NewPrimitives()
	key := bytes.Repeat([]byte{0x11}, 64) // AES-256-XTS needs a 64-byte key
	plaintext := bytes.Repeat([]byte{0x42}, 512*3)

	ciphertext, err := prim.CipherEncrypt("aes", "xts-plain64", key, plaintext)
	if err != nil {
		t.Fatalf("CipherEncrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := prim.CipherDecrypt("aes", "xts-plain64", key, ciphertext)
	if err != nil {
		t.Fatalf("CipherDecrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatal("decrypted output does not match plaintext")
	}
}

func TestCipherCBCRoundTrip(t *testing.T) {
	prim := NewPrimitives()
	key := bytes.Repeat([]byte{0x22}, 32)
	plaintext := bytes.Repeat([]byte{0x99}, 512*2)

	ciphertext, err := prim.CipherEncrypt("aes", "cbc-plain", key, plaintext)
	if err != nil {
		t.Fatalf("CipherEncrypt: %v", err)
	}
	decrypted, err := prim.CipherDecrypt("aes", "cbc-plain", key, ciphertext)
	if err != nil {
		t.Fatalf("CipherDecrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatal("decrypted output does not match plaintext")
	}
}

func TestCipherRejectsUnalignedInput(t *testing.T) {
	prim := NewPrimitives()
	key := bytes.Repeat([]byte{0x33}, 64)
	if _, err := prim.CipherEncrypt("aes", "xts-plain64", key, make([]byte, 100)); err == nil {
		t.Fatal("expected error for input not a multiple of 512 bytes")
	}
}

func TestArgon2ProviderDiffersFromStdPBKDF2(t *testing.T) {
	std := NewPrimitives()
	argon := NewArgon2Primitives(Argon2Params{})

	password := []byte("hunter2")
	salt := bytes.Repeat([]byte{0x01}, 16)

	a, err := std.PBKDF2("sha256", password, salt, 1000, 32)
	if err != nil {
		t.Fatalf("std PBKDF2: %v", err)
	}
	b, err := argon.PBKDF2("sha256", password, salt, 1000, 32)
	if err != nil {
		t.Fatalf("argon2 PBKDF2: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("argon2 provider produced the same output as the PBKDF2 provider")
	}

	c, err := argon.PBKDF2("sha256", password, salt, 1000, 32)
	if err != nil {
		t.Fatalf("argon2 PBKDF2: %v", err)
	}
	if !bytes.Equal(b, c) {
		t.Fatal("argon2 provider is not deterministic for identical inputs")
	}
}
