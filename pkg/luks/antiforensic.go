// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/jzelinskie/whirlpool"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // retained for LUKS1 hash-spec interop
)

// AFSplit performs anti-forensic information splitting, expanding data into
// stripes*len(data) bytes such that erasing any single stripe destroys the
// secret. This is the LUKS1 AFSplit.
func AFSplit(data []byte, stripes int, hashAlgo string) ([]byte, error) {
	if stripes <= 0 {
		return nil, fmt.Errorf("stripes must be positive")
	}

	blockSize := len(data)
	totalSize := blockSize * stripes
	result := make([]byte, totalSize)

	// Generate random data for all blocks except the last
	randomSize := blockSize * (stripes - 1)
	if _, err := rand.Read(result[:randomSize]); err != nil {
		return nil, fmt.Errorf("failed to generate random data: %w", err)
	}

	hashFunc, err := getHashFunc(hashAlgo)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, blockSize)
	defer clearBytes(buffer)
	for i := 0; i < stripes-1; i++ {
		block := result[i*blockSize : (i+1)*blockSize]
		xorBytes(block, buffer, buffer)
		diffuse(buffer, hashFunc, blockSize)
	}

	xorBytes(data, buffer, result[randomSize:])

	return result, nil
}

// AFMerge recovers the original secret from AFSplit output.
func AFMerge(splitData []byte, stripes int, blockSize int, hashAlgo string) ([]byte, error) {
	if len(splitData) != blockSize*stripes {
		return nil, fmt.Errorf("invalid split data size")
	}

	hashFunc, err := getHashFunc(hashAlgo)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, blockSize)
	defer clearBytes(buffer)
	for i := 0; i < stripes-1; i++ {
		block := splitData[i*blockSize : (i+1)*blockSize]
		xorBytes(block, buffer, buffer)
		diffuse(buffer, hashFunc, blockSize)
	}

	result := make([]byte, blockSize)
	lastBlock := splitData[(stripes-1)*blockSize:]
	xorBytes(lastBlock, buffer, result)

	return result, nil
}

// diffuse spreads data over the whole block with the help of a hash
// function: split into hash-size chunks, hash each with its chunk index as
// a big-endian IV prefix.
func diffuse(data []byte, hashFunc func() hash.Hash, blockSize int) {
	h := hashFunc()
	digestSize := h.Size()
	numBlocks := blockSize / digestSize

	result := make([]byte, 0, blockSize)

	for i := 0; i < numBlocks; i++ {
		block := data[i*digestSize : (i+1)*digestSize]
		result = append(result, hashBlock(block, h, i)...)
	}

	if remainder := blockSize % digestSize; remainder != 0 {
		lastBlock := data[blockSize-remainder:]
		hashed := hashBlock(lastBlock, h, numBlocks)
		result = append(result, hashed[:remainder]...)
	}

	copy(data, result)
	clearBytes(result)
}

// hashBlock hashes a chunk prefixed with its big-endian chunk index.
func hashBlock(block []byte, h hash.Hash, iv int) []byte {
	h.Reset()

	ivBytes := make([]byte, 4)
	defer clearBytes(ivBytes)
	binary.BigEndian.PutUint32(ivBytes, uint32(iv)) // #nosec G115 - iv bounded by the number of hash-size chunks in a key
	h.Write(ivBytes)
	h.Write(block)

	return h.Sum(nil)
}

// xorBytes XORs two byte slices into dest
func xorBytes(a, b, dest []byte) {
	for i := range dest {
		dest[i] = a[i] ^ b[i]
	}
}

// getHashFunc returns a constructor for the hash algorithm named in a LUKS1
// hash-spec field. ripemd160 and whirlpool are carried for on-disk interop
// with headers written by other implementations, matching the "(as
// available)" qualifier on the algorithm set.
func getHashFunc(name string) (func() hash.Hash, error) {
	switch name {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha512":
		return sha512.New, nil
	case "ripemd160":
		return ripemd160.New, nil
	case "whirlpool":
		return whirlpool.New, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, name)
	}
}

// hashSize returns the digest size in bytes for a hash-spec name.
func hashSize(name string) (int, error) {
	f, err := getHashFunc(name)
	if err != nil {
		return 0, err
	}
	return f().Size(), nil
}
