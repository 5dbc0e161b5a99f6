// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecognizeBuiltin(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		kind BuiltinKind
	}{
		{"rm -f a.o b.o", true, BuiltinRm},
		{"rm a.o", false, 0},
		{"rm -rf dir", false, 0},
		{"mkdir -p build/obj", true, BuiltinMkdir},
		{"mkdir build", false, 0},
		{"cp src.txt dst.txt", true, BuiltinCp},
		{"cp -r a b", false, 0},
		{"touch stamp", true, BuiltinTouch},
		{"echo hello world", true, BuiltinEcho},
		{"smak -C sub all", true, BuiltinRecursive},
		{"smak -f other.mk target", true, BuiltinRecursive},
		{"gcc -c foo.c", false, 0},
		{"echo hi > file", false, 0},      // redirection needs a shell
		{"rm -f *.o", false, 0},           // glob needs a shell
		{"echo a && echo b", false, 0},    // && needs a shell
		{"echo $HOME", false, 0},          // expansion needs a shell
		{"touch a; touch b", false, 0},    // compound command
		{"echo `date`", false, 0},         // command substitution
	}
	for _, tc := range tests {
		b, ok := RecognizeBuiltin(tc.line)
		if !assert.Equal(t, tc.ok, ok, "line %q", tc.line) {
			continue
		}
		if ok {
			assert.Equal(t, tc.kind, b.Kind, "line %q", tc.line)
		}
	}
}

func TestParseRecursiveInvocation(t *testing.T) {
	b, ok := RecognizeBuiltin("smak -C lib -f build.mk -j 4 VERBOSE=1 all install")
	require.True(t, ok)
	require.NotNil(t, b.Recursive)
	inv := b.Recursive
	assert.Equal(t, "lib", inv.Dir)
	assert.Equal(t, "build.mk", inv.File)
	assert.Equal(t, 4, inv.Jobs)
	assert.Equal(t, []string{"all", "install"}, inv.Targets)
	assert.Equal(t, []string{"VERBOSE=1"}, inv.VarDefs)
}

func TestParseRecursiveUnknownFlagRejected(t *testing.T) {
	_, ok := RecognizeBuiltin("smak --weird-flag all")
	assert.False(t, ok)
}

func TestExecBuiltinFileOps(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	run := func(line string) error {
		b, ok := RecognizeBuiltin(line)
		require.True(t, ok, "line %q", line)
		return ExecBuiltin(b, dir, &out)
	}

	require.NoError(t, run("mkdir -p nested/deep"))
	info, err := os.Stat(filepath.Join(dir, "nested/deep"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, run("touch nested/file.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested/file.txt"), []byte("payload"), 0o644))

	require.NoError(t, run("cp nested/file.txt copy.txt"))
	data, err := os.ReadFile(filepath.Join(dir, "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	require.NoError(t, run("rm -f copy.txt never-existed.txt"))
	_, err = os.Stat(filepath.Join(dir, "copy.txt"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, run("echo one two"))
	assert.Equal(t, "one two\n", out.String())
}

func TestExecBuiltinCpMissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	b, ok := RecognizeBuiltin("cp missing.txt out.txt")
	require.True(t, ok)
	assert.Error(t, ExecBuiltin(b, dir, os.Stdout))
}

func TestStripRecipePrefixes(t *testing.T) {
	tests := []struct {
		in        string
		silent    bool
		ignoreErr bool
		rest      string
	}{
		{"echo hi", false, false, "echo hi"},
		{"@echo hi", true, false, "echo hi"},
		{"-rm -f x", false, true, "rm -f x"},
		{"@-cmd", true, true, "cmd"},
		{"-@cmd", true, true, "cmd"},
		{"+cmd", false, false, "cmd"},
		{"@ echo spaced", true, false, "echo spaced"},
		{"", false, false, ""},
	}
	for _, tc := range tests {
		silent, ignoreErr, rest := stripRecipePrefixes(tc.in)
		assert.Equal(t, tc.silent, silent, "line %q", tc.in)
		assert.Equal(t, tc.ignoreErr, ignoreErr, "line %q", tc.in)
		assert.Equal(t, tc.rest, rest, "line %q", tc.in)
	}
}
