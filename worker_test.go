// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workerHarness runs ServeWorker over in-memory pipes and exposes the
// coordinator side of the stream.
type workerHarness struct {
	t    *testing.T
	in   *io.PipeWriter
	rd   *bufio.Reader
	done chan error
}

func newWorkerHarness(t *testing.T) *workerHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- ServeWorker(inR, outW)
		outW.Close()
	}()
	return &workerHarness{t: t, in: inW, rd: bufio.NewReader(outR), done: done}
}

func (h *workerHarness) readLine() string {
	h.t.Helper()
	type lineErr struct {
		line string
		err  error
	}
	ch := make(chan lineErr, 1)
	go func() {
		line, err := h.rd.ReadString('\n')
		ch <- lineErr{line, err}
	}()
	select {
	case le := <-ch:
		require.NoError(h.t, le.err)
		return strings.TrimRight(le.line, "\n")
	case <-time.After(10 * time.Second):
		h.t.Fatal("timed out waiting for worker output")
		return ""
	}
}

func (h *workerHarness) send(format string, args ...interface{}) {
	h.t.Helper()
	_, err := fmt.Fprintf(h.in, format, args...)
	require.NoError(h.t, err)
}

func (h *workerHarness) shutdown() {
	h.t.Helper()
	h.send("SHUTDOWN\n")
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(10 * time.Second):
		h.t.Fatal("worker did not shut down")
	}
}

func (h *workerHarness) handshake() {
	h.t.Helper()
	require.Equal(h.t, "READY", h.readLine())
	h.send("ENV_START\nPATH=%s\nENV_END\n", os.Getenv("PATH"))
}

func TestWorkerProtocolRoundTrip(t *testing.T) {
	h := newWorkerHarness(t)
	h.handshake()

	dir := t.TempDir()
	h.send("TASK 7\nDIR %s\nEXTERNAL_CMDS 1\necho from-shell\nTRAILING_BUILTINS 1\ntouch stamped\n", dir)

	assert.Equal(t, "O 7:from-shell", h.readLine())
	assert.Equal(t, "END 7 0", h.readLine())
	assert.Equal(t, "READY", h.readLine())

	_, err := os.Stat(filepath.Join(dir, "stamped"))
	assert.NoError(t, err, "trailing builtin should have touched the file")

	h.shutdown()
}

func TestWorkerReportsExitStatus(t *testing.T) {
	h := newWorkerHarness(t)
	h.handshake()

	dir := t.TempDir()
	h.send("TASK 1\nDIR %s\nEXTERNAL_CMDS 1\nexit 3\nTRAILING_BUILTINS 0\n", dir)
	assert.Equal(t, "END 1 3", h.readLine())
	assert.Equal(t, "READY", h.readLine())

	h.shutdown()
}

func TestWorkerIgnoresDashPrefixedFailures(t *testing.T) {
	h := newWorkerHarness(t)
	h.handshake()

	dir := t.TempDir()
	h.send("TASK 2\nDIR %s\nEXTERNAL_CMDS 2\n-exit 9\necho still-here\nTRAILING_BUILTINS 0\n", dir)
	assert.Equal(t, "O 2:still-here", h.readLine())
	assert.Equal(t, "END 2 0", h.readLine())
	assert.Equal(t, "READY", h.readLine())

	h.shutdown()
}

func TestWorkerPassesShellLinesUnmodified(t *testing.T) {
	// An &&-joined if/then line must reach the shell as one command.
	h := newWorkerHarness(t)
	h.handshake()

	dir := t.TempDir()
	line := `if [ -f nope ]; then echo yes; else echo no; fi && echo joined`
	h.send("TASK 3\nDIR %s\nEXTERNAL_CMDS 1\n%s\nTRAILING_BUILTINS 0\n", dir, line)
	assert.Equal(t, "O 3:no", h.readLine())
	assert.Equal(t, "O 3:joined", h.readLine())
	assert.Equal(t, "END 3 0", h.readLine())
	assert.Equal(t, "READY", h.readLine())

	h.shutdown()
}

func TestWorkerStderrFraming(t *testing.T) {
	h := newWorkerHarness(t)
	h.handshake()

	dir := t.TempDir()
	h.send("TASK 4\nDIR %s\nEXTERNAL_CMDS 1\necho oops >&2\nTRAILING_BUILTINS 0\n", dir)
	assert.Equal(t, "E 4:oops", h.readLine())
	assert.Equal(t, "END 4 0", h.readLine())
	assert.Equal(t, "READY", h.readLine())

	h.shutdown()
}

func TestWorkerSequentialTasks(t *testing.T) {
	h := newWorkerHarness(t)
	h.handshake()

	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		h.send("TASK %d\nDIR %s\nEXTERNAL_CMDS 1\necho run-%d\nTRAILING_BUILTINS 0\n", i, dir, i)
		assert.Equal(t, fmt.Sprintf("O %d:run-%d", i, i), h.readLine())
		assert.Equal(t, fmt.Sprintf("END %d 0", i), h.readLine())
		assert.Equal(t, "READY", h.readLine())
	}

	h.shutdown()
}

func TestWorkerCleanEOF(t *testing.T) {
	h := newWorkerHarness(t)
	require.Equal(t, "READY", h.readLine())
	h.in.Close()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit on EOF")
	}
}
