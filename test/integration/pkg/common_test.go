// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package pkg_test

import (
	"os"
	"time"

	"github.com/jeremyhahn/go-luks1/pkg/luks"
)

// testCleanup tears down a mapping, loop device, and backing file created by
// an integration test, tolerating any step that was never set up.
func testCleanup(mappingName, loopDev, tmpfile string) {
	_ = luks.RemoveMapping(mappingName, true)

	for i := 0; i < 30; i++ {
		if !luks.MappingExists(mappingName) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if loopDev != "" {
		_ = luks.DetachLoopDevice(loopDev)
	}
	if tmpfile != "" {
		_ = os.Remove(tmpfile)
	}
}

// createTestFile creates a sparse regular file of the given size in MiB to
// stand in for a block device.
func createTestFile(path string, sizeMB int) error {
	f, err := os.Create(path) // #nosec G304 -- integration-test-only path
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(sizeMB) * 1024 * 1024)
}

func waitForMapping(name string, timeoutMs int) bool {
	for i := 0; i < timeoutMs/100; i++ {
		if luks.MappingExists(name) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func waitForNoMapping(name string, timeoutMs int) bool {
	for i := 0; i < timeoutMs/100; i++ {
		if !luks.MappingExists(name) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
