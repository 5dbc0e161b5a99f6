// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	env := map[string]string{"CC": "gcc", "PATH": "/bin"}
	a := Fingerprint("cc -c x.c", []string{"h1", "h2"}, env)
	b := Fingerprint("cc -c x.c", []string{"h1", "h2"}, env)
	assert.Equal(t, a, b)
}

func TestFingerprintSensitivity(t *testing.T) {
	env := map[string]string{"CC": "gcc"}
	base := Fingerprint("cc -c x.c", []string{"h1"}, env)

	assert.NotEqual(t, base, Fingerprint("cc -O2 -c x.c", []string{"h1"}, env), "recipe change")
	assert.NotEqual(t, base, Fingerprint("cc -c x.c", []string{"h2"}, env), "prereq change")
	assert.NotEqual(t, base, Fingerprint("cc -c x.c", []string{"h1"}, map[string]string{"CC": "clang"}), "env change")
}

func TestCacheRoundTrip(t *testing.T) {
	c := OpenCache(t.TempDir())
	require.True(t, c.Enabled())

	fp := Fingerprint("touch out", []string{"in-hash"}, nil)
	rec := &Record{
		RecipeHash: hashString("touch out"),
		Inputs:     []string{"in"},
		Outputs:    []string{"out"},
		Status:     "ok",
		Timestamp:  time.Now(),
	}
	require.NoError(t, c.Store(fp, rec))

	got, ok := c.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, rec.RecipeHash, got.RecipeHash)
	assert.Equal(t, rec.Inputs, got.Inputs)
	assert.Equal(t, "ok", got.Status)
}

func TestCacheDisabled(t *testing.T) {
	c := OpenCache("")
	assert.False(t, c.Enabled())
	require.NoError(t, c.Store("fp", &Record{}))
	_, ok := c.Lookup("fp")
	assert.False(t, ok)
}

func TestCacheInvalidateInput(t *testing.T) {
	c := OpenCache(t.TempDir())
	require.NoError(t, c.Store("fp1", &Record{Inputs: []string{"common.h", "a.c"}}))
	require.NoError(t, c.Store("fp2", &Record{Inputs: []string{"b.c"}}))

	c.InvalidateInput("common.h")

	_, ok := c.Lookup("fp1")
	assert.False(t, ok, "record with the modified input must be dropped")
	_, ok = c.Lookup("fp2")
	assert.True(t, ok, "unrelated record must survive")
}

func TestCacheDirEnv(t *testing.T) {
	t.Setenv("SMAK_CACHE_DIR", "/custom/cache")
	assert.Equal(t, "/custom/cache", CacheDir())

	t.Setenv("SMAK_CACHE_DIR", "0")
	assert.Equal(t, "", CacheDir(), "SMAK_CACHE_DIR=0 disables caching")
}

func TestHashCacheReuse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	hc := NewHashCache()
	h1, err := hc.Hash(path)
	require.NoError(t, err)
	h2, err := hc.Hash(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashCacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	hc := NewHashCache()
	h1, err := hc.Hash(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("version-2"), 0o644))
	h2, err := hc.Hash(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	// Forget drops the entry; rehash still sees the new contents.
	hc.Forget(path)
	h3, err := hc.Hash(path)
	require.NoError(t, err)
	assert.Equal(t, h2, h3)
}

func TestRecordPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	c1 := OpenCache(dir)
	require.NoError(t, c1.Store("persist", &Record{Status: "ok", Outputs: []string{"bin"}}))

	c2 := OpenCache(dir)
	rec, ok := c2.Lookup("persist")
	require.True(t, ok)
	assert.Equal(t, []string{"bin"}, rec.Outputs)
}
