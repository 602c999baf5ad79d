// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

// PlainHash derives a keySize-byte key from a passphrase for the header-less
// "plain" mapping. hashSpec is "name" or "name:len"; when ":len" is present
// and shorter than keySize, the tail of the key is zero-padded.
//
// The derivation repeatedly hashes ('A' x round) || passphrase for
// round = 0, 1, 2, ..., taking min(hash_size, remaining) bytes of each
// digest until the key is filled. The leading 'A' padding is a historical
// quirk (inherited from hashalot) that avoids an all-NUL digest on short
// passphrases; it must be reproduced exactly for on-disk interoperability.
func PlainHash(hashSpec string, keySize int, passphrase []byte) ([]byte, error) {
	if keySize <= 0 {
		return nil, fmt.Errorf("%w: key size must be positive", ErrInvalidSize)
	}

	hashName := hashSpec
	hashLen := keySize
	if idx := strings.IndexByte(hashSpec, ':'); idx >= 0 {
		hashName = hashSpec[:idx]
		n, err := strconv.Atoi(hashSpec[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hash length in %q", ErrInvalidArgument, hashSpec)
		}
		if n > keySize {
			return nil, fmt.Errorf("%w: hash length %d exceeds key length %d", ErrInvalidArgument, n, keySize)
		}
		hashLen = n
	}

	hf, err := getHashFunc(hashName)
	if err != nil {
		return nil, err
	}

	key := make([]byte, keySize)
	if err := plainHashFill(key[:hashLen], passphrase, hf); err != nil {
		return nil, err
	}
	// Remaining bytes, if hashLen < keySize, stay zero (pad_size in the
	// original helper).
	return key, nil
}

// ErrInvalidArgument is returned for malformed caller input that does not
// fit a more specific sentinel.
var ErrInvalidArgument = errors.New("invalid argument")

func plainHashFill(out []byte, passphrase []byte, hf func() hash.Hash) error {
	remaining := len(out)
	pos := 0
	for round := 0; remaining > 0; round++ {
		h := hf()
		for i := 0; i < round; i++ {
			h.Write([]byte{'A'})
		}
		h.Write(passphrase)
		digest := h.Sum(nil)

		n := len(digest)
		if n > remaining {
			n = remaining
		}
		copy(out[pos:pos+n], digest[:n])
		pos += n
		remaining -= n
	}
	return nil
}
