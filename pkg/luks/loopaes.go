// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"bytes"
	"fmt"
)

// loopAESKeyHashByLen maps an output key length to the default hash used to
// derive each loop-AES record, matching the original get_hash() table.
var loopAESKeyHashByLen = map[int]string{
	16: "sha256",
	24: "sha384",
	32: "sha512",
}

// loopAESTweak returns the byte XORed into the first byte of each hashed
// record, keyed by the number of records in the keyfile.
func loopAESTweak(keysCount int) byte {
	switch keysCount {
	case 64:
		return 0x55
	case 65:
		return 0xF4
	default:
		return 0x00
	}
}

// ParseLoopAESKeyfile parses a loop-AES compatible keyfile buffer into a
// mapping key. hashOverride, if non-empty, replaces the length-derived hash
// table lookup. keyLenOutput is the per-record output length (and
// loopAESKeyHashByLen key); the final mapping key is keyLenOutput *
// keysCount bytes.
func ParseLoopAESKeyfile(buffer []byte, hashOverride string, keyLenOutput int) (key []byte, keysCount int, err error) {
	if len(buffer) == 0 {
		return nil, 0, fmt.Errorf("%w: empty keyfile", ErrBadFormat)
	}

	if looksLikeGPGArmor(buffer) {
		return nil, 0, fmt.Errorf("%w: GPG-encrypted keyfiles are not supported here", ErrBadFormat)
	}

	records := splitLoopAESRecords(buffer)

	recordLen := 0
	if len(records) > 0 {
		recordLen = len(records[0])
	}
	for _, r := range records {
		if len(r) != recordLen {
			return nil, 0, fmt.Errorf("%w: records have differing lengths", ErrBadFormat)
		}
	}

	keysCount = len(records)
	if recordLen == 0 || (keysCount != 1 && keysCount != 64 && keysCount != 65) {
		return nil, 0, fmt.Errorf("%w: incompatible loop-AES keyfile (got %d records)", ErrBadFormat, keysCount)
	}

	hashName := hashOverride
	if hashName == "" {
		hn, ok := loopAESKeyHashByLen[keyLenOutput]
		if !ok {
			return nil, 0, fmt.Errorf("%w: no default hash for key length %d", ErrUnsupportedHash, keyLenOutput)
		}
		hashName = hn
	}

	hf, err := getHashFunc(hashName)
	if err != nil {
		return nil, 0, err
	}

	tweak := loopAESTweak(keysCount)

	key = make([]byte, keyLenOutput*keysCount)
	for i, rec := range records {
		h := hf()
		h.Write(rec)
		digest := h.Sum(nil)
		if len(digest) < keyLenOutput {
			return nil, 0, fmt.Errorf("%w: hash output shorter than requested key length", ErrUnsupportedHash)
		}
		dst := key[i*keyLenOutput : (i+1)*keyLenOutput]
		copy(dst, digest[:keyLenOutput])
		dst[0] ^= tweak
	}

	return key, keysCount, nil
}

// looksLikeGPGArmor reports whether buffer opens with a GPG-armored message
// marker within the first 100 bytes, matching the original keyfile_is_gpg
// check.
func looksLikeGPGArmor(buffer []byte) bool {
	n := len(buffer)
	if n > 100 {
		n = 100
	}
	return bytes.Contains(buffer[:n], []byte("BEGIN PGP MESSAGE"))
}

// splitLoopAESRecords splits a keyfile buffer on \n and \r into non-empty
// records, in input order.
func splitLoopAESRecords(buffer []byte) [][]byte {
	normalized := make([]byte, len(buffer))
	copy(normalized, buffer)
	for i, c := range normalized {
		if c == '\n' || c == '\r' {
			normalized[i] = 0
		}
	}

	var records [][]byte
	offset := 0
	for offset < len(normalized) {
		start := offset
		for offset < len(normalized) && normalized[offset] != 0 {
			offset++
		}
		if offset > start {
			records = append(records, normalized[start:offset])
		}
		for offset < len(normalized) && normalized[offset] == 0 {
			offset++
		}
	}
	return records
}
