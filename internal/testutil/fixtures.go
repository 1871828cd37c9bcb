// Package testutil loads test fixtures.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// MustFixture returns the contents of the file at absPath or panics.
func MustFixture(absPath string) []byte {
	blob, err := os.ReadFile(absPath)
	if err != nil {
		panic(fmt.Sprintf("error loading fixture %s: %v", absPath, err))
	}

	return blob
}

// Fixture returns the contents of testdata/relPath, relative to the package
// under test.
func Fixture(t *testing.T, relPath string) []byte {
	t.Helper()

	p := filepath.Join("testdata", relPath)

	blob, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("error loading fixture %s: %v", p, err)
	}

	return blob
}

// JSONFixture is like Fixture but fails when the file is not valid JSON. The
// document is returned compacted.
func JSONFixture(t *testing.T, relPath string) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := json.Compact(&buf, Fixture(t, relPath)); err != nil {
		t.Fatalf("error loading fixture %s: %v", relPath, err)
	}

	return buf.Bytes()
}
