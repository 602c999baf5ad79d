// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package luks

import "testing"

func TestBenchmarkPBKDF2Floor(t *testing.T) {
	prim := NewPrimitives()

	iters, ok := BenchmarkPBKDF2(prim, "sha256", 0)
	if ok {
		t.Fatal("ok = true for non-positive target, want false")
	}
	if iters != minPBKDF2Iterations {
		t.Fatalf("iterations = %d, want floor %d", iters, minPBKDF2Iterations)
	}
}

func TestBenchmarkPBKDF2NeverBelowFloor(t *testing.T) {
	prim := NewPrimitives()

	iters, _ := BenchmarkPBKDF2(prim, "sha256", 1)
	if iters < minPBKDF2Iterations {
		t.Fatalf("iterations = %d, below floor %d", iters, minPBKDF2Iterations)
	}
}

func TestBenchmarkPBKDF2UnsupportedHash(t *testing.T) {
	prim := NewPrimitives()

	iters, ok := BenchmarkPBKDF2(prim, "md5", 1000)
	if ok {
		t.Fatal("ok = true for unsupported hash, want false")
	}
	if iters != minPBKDF2Iterations {
		t.Fatalf("iterations = %d, want floor %d", iters, minPBKDF2Iterations)
	}
}
