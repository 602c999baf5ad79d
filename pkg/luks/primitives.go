// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"hash"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

// RandomQuality selects the entropy source used by a Primitives.Random call.
type RandomQuality int

const (
	// RandomNormal draws from the default CSPRNG.
	RandomNormal RandomQuality = iota
	// RandomKey draws from a source suitable for long-lived key material.
	RandomKey
)

// Primitives is the pluggable abstraction over hashing, PBKDF2, symmetric
// cipher operation and secure randomness that every other component in this
// package is built against. A build may swap in a different Provider without
// touching header, keyslot, or mapping logic, so long as the provider is
// bit-identical on the named algorithms for identical inputs.
type Primitives interface {
	// HashSize returns the digest size in bytes for a named algorithm.
	HashSize(name string) (int, error)

	// HMAC returns a keyed HMAC hash.Hash for the named algorithm.
	HMAC(name string, key []byte) (hash.Hash, error)

	// PBKDF2 derives outLen bytes using the named hash as the PRF.
	PBKDF2(hashName string, password, salt []byte, iters, outLen int) ([]byte, error)

	// CipherEncrypt encrypts in using the named cipher/mode pair, used only
	// for keyslot split material, never for the bulk payload.
	CipherEncrypt(name, mode string, key, in []byte) ([]byte, error)

	// CipherDecrypt is the inverse of CipherEncrypt.
	CipherDecrypt(name, mode string, key, in []byte) ([]byte, error)

	// Random fills buf with len(buf) bytes drawn at the requested quality.
	Random(buf []byte, quality RandomQuality) error
}

// stdProvider implements Primitives over the standard library and
// golang.org/x/crypto. It is the default provider; argon2Provider
// (primitives_argon2.go) is a second one behind the same interface, and
// further providers plug in without the rest of the package changing.
type stdProvider struct {
	initOnce sync.Once
}

// NewPrimitives returns the default Primitives provider. Construction is
// cheap and the returned value holds no mutable state beyond a one-time,
// idempotent initialization guard.
func NewPrimitives() Primitives {
	p := &stdProvider{}
	p.initOnce.Do(func() {})
	return p
}

func (p *stdProvider) HashSize(name string) (int, error) {
	return hashSize(name)
}

func (p *stdProvider) HMAC(name string, key []byte) (hash.Hash, error) {
	f, err := getHashFunc(name)
	if err != nil {
		return nil, err
	}
	return hmac.New(f, key), nil
}

func (p *stdProvider) PBKDF2(hashName string, password, salt []byte, iters, outLen int) ([]byte, error) {
	f, err := getHashFunc(hashName)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(password, salt, iters, outLen, f), nil
}

// sectorIV computes the tweak for a 512-byte sector at the given logical
// index, following the "plain64" IV scheme: the sector number as a
// little-endian 16-byte tweak.
func sectorIV(sector uint64) [16]byte {
	var iv [16]byte
	for i := 0; i < 8; i++ {
		iv[i] = byte(sector >> (8 * i))
	}
	return iv
}

func (p *stdProvider) CipherEncrypt(name, mode string, key, in []byte) ([]byte, error) {
	return cipherTransform(name, mode, key, in, true)
}

func (p *stdProvider) CipherDecrypt(name, mode string, key, in []byte) ([]byte, error) {
	return cipherTransform(name, mode, key, in, false)
}

// cipherTransform implements the cipher_encrypt/cipher_decrypt contract used
// by the keyslot engine to protect AF-split material. Only the modes this
// package's keyslot material actually needs are implemented: xts-plain64,
// xts-plain, cbc-plain and cbc-plain64, each keyed by the PBKDF2-derived slot
// key and using the 512-byte sector index within the material region as the
// IV, matching the LUKS1 on-disk convention that keyslot material uses the
// volume's own cipher spec.
func cipherTransform(name, mode string, key, in []byte, encrypt bool) ([]byte, error) {
	if name != "aes" {
		return nil, fmt.Errorf("%w: cipher %s", ErrUnsupportedKDF, name)
	}
	if len(in)%512 != 0 {
		return nil, fmt.Errorf("cipher input must be a multiple of the 512-byte sector size")
	}

	out := make([]byte, len(in))

	switch mode {
	case "xts-plain64", "xts-plain":
		xc, err := xts.NewCipher(aes.NewCipher, key)
		if err != nil {
			return nil, fmt.Errorf("xts cipher init: %w", err)
		}
		for sector := 0; sector*512 < len(in); sector++ {
			off := sector * 512
			block := in[off : off+512]
			dst := out[off : off+512]
			if encrypt {
				xc.Encrypt(dst, block, uint64(sector)) // #nosec G115 - bounded by material size
			} else {
				xc.Decrypt(dst, block, uint64(sector)) // #nosec G115 - bounded by material size
			}
		}
		return out, nil

	case "cbc-plain", "cbc-plain64":
		blockCipher, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes cipher init: %w", err)
		}
		for sector := 0; sector*512 < len(in); sector++ {
			off := sector * 512
			iv := sectorIV(uint64(sector)) // #nosec G115 - bounded by material size
			block := in[off : off+512]
			dst := out[off : off+512]
			if encrypt {
				cipher.NewCBCEncrypter(blockCipher, iv[:]).CryptBlocks(dst, block)
			} else {
				cipher.NewCBCDecrypter(blockCipher, iv[:]).CryptBlocks(dst, block)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: cipher mode %s", ErrUnsupportedKDF, mode)
	}
}

func (p *stdProvider) Random(buf []byte, quality RandomQuality) error {
	// Both quality tiers read from crypto/rand: on the host platforms this
	// package targets, crypto/rand already blocks on the "key" tier source
	// until the kernel CSPRNG is seeded, so there is no weaker tier to fall
	// back to. The quality parameter is retained so alternate providers can
	// distinguish the two without changing this interface.
	_ = quality
	_, err := rand.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	return nil
}
