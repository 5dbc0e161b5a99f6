// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFile creates a file with contents under dir.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// loadString writes a makefile into a fresh temp dir, chdirs there, and
// parses it.
func loadString(t *testing.T, content string) *Engine {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "Makefile", content)
	eng, err := LoadMakefile("Makefile", NewVars(), true)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

// newTestScheduler builds a scheduler with caching disabled.
func newTestScheduler(eng *Engine, opts Options) *Scheduler {
	return NewScheduler(eng, OpenCache(""), opts)
}
