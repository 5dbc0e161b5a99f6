// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
)

// BuiltinKind enumerates the closed set of recipe fast-paths.
type BuiltinKind int

const (
	BuiltinRm BuiltinKind = iota
	BuiltinMkdir
	BuiltinCp
	BuiltinTouch
	BuiltinEcho
	BuiltinRecursive
)

// BuiltinCmd is a recipe line recognised for in-process execution.
type BuiltinCmd struct {
	Kind      BuiltinKind
	Args      []string
	Raw       string
	Recursive *RecursiveInvocation
}

// RecursiveInvocation is a recipe line that re-invokes this program.
type RecursiveInvocation struct {
	Dir     string
	File    string
	Jobs    int
	Targets []string
	VarDefs []string // NAME=VALUE arguments
}

// selfNames are the program names recognised as recursive self-invocation.
func selfNames() []string {
	names := []string{"smak"}
	if exe, err := os.Executable(); err == nil {
		names = append(names, filepath.Base(exe))
	}
	if len(os.Args) > 0 {
		names = append(names, filepath.Base(os.Args[0]))
	}
	return names
}

// RecognizeBuiltin matches a recipe line (prefix flags already stripped)
// against the fast-path set. Shell metacharacters disqualify a line: it
// must go to a real shell.
func RecognizeBuiltin(line string) (*BuiltinCmd, bool) {
	if strings.ContainsAny(line, "|&;<>*?$`(){}") {
		return nil, false
	}
	words, err := shlex.Split(line)
	if err != nil || len(words) == 0 {
		return nil, false
	}

	switch words[0] {
	case "rm":
		if len(words) >= 2 && words[1] == "-f" {
			return &BuiltinCmd{Kind: BuiltinRm, Args: words[2:], Raw: line}, true
		}
	case "mkdir":
		if len(words) >= 3 && words[1] == "-p" {
			return &BuiltinCmd{Kind: BuiltinMkdir, Args: words[2:], Raw: line}, true
		}
	case "cp":
		if len(words) == 3 {
			return &BuiltinCmd{Kind: BuiltinCp, Args: words[1:], Raw: line}, true
		}
	case "touch":
		if len(words) >= 2 {
			return &BuiltinCmd{Kind: BuiltinTouch, Args: words[1:], Raw: line}, true
		}
	case "echo":
		return &BuiltinCmd{Kind: BuiltinEcho, Args: words[1:], Raw: line}, true
	default:
		base := filepath.Base(words[0])
		for _, n := range selfNames() {
			if base == n {
				inv, ok := parseRecursive(words[1:])
				if !ok {
					return nil, false
				}
				return &BuiltinCmd{Kind: BuiltinRecursive, Args: words[1:], Raw: line, Recursive: inv}, true
			}
		}
	}
	return nil, false
}

func parseRecursive(args []string) (*RecursiveInvocation, bool) {
	inv := &RecursiveInvocation{Jobs: -1}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-C" && i+1 < len(args):
			inv.Dir = args[i+1]
			i++
		case a == "-f" && i+1 < len(args):
			inv.File = args[i+1]
			i++
		case a == "-j" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, false
			}
			inv.Jobs = n
			i++
		case strings.HasPrefix(a, "-j"):
			n, err := strconv.Atoi(a[2:])
			if err != nil {
				return nil, false
			}
			inv.Jobs = n
		case strings.HasPrefix(a, "-"):
			// Any other flag disqualifies the fast path.
			return nil, false
		case strings.Contains(a, "="):
			inv.VarDefs = append(inv.VarDefs, a)
		default:
			inv.Targets = append(inv.Targets, a)
		}
	}
	return inv, true
}

// ExecBuiltin runs a recognised non-recursive builtin in-process.
// Paths are interpreted relative to dir.
func ExecBuiltin(b *BuiltinCmd, dir string, stdout io.Writer) error {
	rel := func(p string) string {
		if filepath.IsAbs(p) || dir == "" {
			return p
		}
		return filepath.Join(dir, p)
	}

	switch b.Kind {
	case BuiltinRm:
		for _, f := range b.Args {
			if err := os.Remove(rel(f)); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "rm -f %s", f)
			}
		}
	case BuiltinMkdir:
		for _, d := range b.Args {
			if err := os.MkdirAll(rel(d), 0o755); err != nil {
				return errors.Wrapf(err, "mkdir -p %s", d)
			}
		}
	case BuiltinCp:
		if err := copyFile(rel(b.Args[0]), rel(b.Args[1])); err != nil {
			return errors.Wrapf(err, "cp %s %s", b.Args[0], b.Args[1])
		}
	case BuiltinTouch:
		now := time.Now()
		for _, f := range b.Args {
			path := rel(f)
			fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return errors.Wrapf(err, "touch %s", f)
			}
			fh.Close()
			if err := os.Chtimes(path, now, now); err != nil {
				return errors.Wrapf(err, "touch %s", f)
			}
		}
	case BuiltinEcho:
		fmt.Fprintln(stdout, strings.Join(b.Args, " "))
	case BuiltinRecursive:
		return errors.New("recursive invocation must go through the scheduler")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// stripRecipePrefixes peels the @, -, + flags off a recipe line.
func stripRecipePrefixes(line string) (silent, ignoreErr bool, rest string) {
	rest = line
	for len(rest) > 0 {
		switch rest[0] {
		case '@':
			silent = true
		case '-':
			ignoreErr = true
		case '+':
			// jobserver hint: always run; no other effect here
		default:
			return silent, ignoreErr, strings.TrimLeft(rest, " \t")
		}
		rest = rest[1:]
	}
	return silent, ignoreErr, rest
}
