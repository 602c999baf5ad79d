// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import (
	"golang.org/x/crypto/argon2"
)

// argon2Provider implements Primitives with PBKDF2 replaced by Argon2id. It
// exists to prove the Primitives interface is genuinely pluggable, not to
// be used for LUKS1 format operations: the on-disk format fixes PBKDF2 as
// the keyslot and master-key KDF, so a header produced with this provider
// would not interoperate with other LUKS1 implementations. Everything but
// PBKDF2 delegates to stdProvider.
type argon2Provider struct {
	stdProvider
	time    uint32
	memory  uint32
	threads uint8
}

// Argon2Params configures NewArgon2Primitives.
type Argon2Params struct {
	Time    uint32 // default 1
	MemoryKB uint32 // default 64 * 1024
	Threads uint8  // default 4
}

// NewArgon2Primitives returns a Primitives provider whose PBKDF2 method is
// backed by Argon2id instead of PBKDF2-HMAC. The iters argument passed to
// PBKDF2 is ignored in favor of the configured time cost, since Argon2's
// iteration count and PBKDF2's are not comparable units.
func NewArgon2Primitives(params Argon2Params) Primitives {
	p := &argon2Provider{
		time:    params.Time,
		memory:  params.MemoryKB,
		threads: params.Threads,
	}
	if p.time == 0 {
		p.time = 1
	}
	if p.memory == 0 {
		p.memory = 64 * 1024
	}
	if p.threads == 0 {
		p.threads = 4
	}
	return p
}

func (p *argon2Provider) PBKDF2(_ string, password, salt []byte, _ int, outLen int) ([]byte, error) {
	key := argon2.IDKey(password, salt, p.time, p.memory, p.threads, uint32(outLen)) // #nosec G115 - outLen bounded by caller-supplied key sizes
	return key, nil
}
