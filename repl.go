// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
)

// REPL is the line-oriented debug interface. Rule mutations happen here
// and only here; builds started from the REPL see a quiesced database.
type REPL struct {
	eng   *Engine
	cache *Cache
	opts  Options
	in    io.Reader
	out   io.Writer
}

func NewREPL(eng *Engine, cache *Cache, opts Options) *REPL {
	return &REPL{eng: eng, cache: cache, opts: opts, in: os.Stdin, out: os.Stdout}
}

// SetStreams redirects the REPL's input and output (tests, -Ks scripts).
func (r *REPL) SetStreams(in io.Reader, out io.Writer) {
	r.in = in
	r.out = out
}

// Run reads commands until quit or EOF.
func (r *REPL) Run() error {
	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "smak> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		quit, err := r.exec(strings.TrimSpace(scanner.Text()))
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// RunScript executes a -Ks command file.
func (r *REPL) RunScript(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening script %s", path)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := r.exec(line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func (r *REPL) exec(line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "quit", "exit":
		return true, nil

	case "rules":
		for _, t := range r.eng.DB.Targets() {
			for _, rule := range r.eng.DB.Lookup(t) {
				header := t + ":"
				if rule.PrereqText != "" {
					header += " " + rule.PrereqText
				}
				fmt.Fprintln(r.out, header)
				for _, rl := range rule.Recipe {
					fmt.Fprintf(r.out, "\t%s\n", rl)
				}
			}
		}
		return false, nil

	case "vars":
		if rest != "" {
			b := r.eng.Vars.Lookup(rest)
			if b == nil {
				fmt.Fprintf(r.out, "%s is undefined\n", rest)
			} else {
				fmt.Fprintf(r.out, "%s = %s  (%s, %s)\n", b.Name, b.Value, b.Flavor, b.Origin)
			}
			return false, nil
		}
		snap := r.varsSnapshot()
		var names []string
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(r.out, "%s = %s\n", name, snap[name])
		}
		return false, nil

	case "add-rule":
		// add-rule target : prereqs ; recipe
		if rest == "" {
			return false, errors.New("usage: add-rule target: prereqs [; recipe]")
		}
		p := &parser{vars: r.eng.Vars, db: r.eng.DB}
		if ok, err := p.parseRuleLine(rest, "<repl>", 0); err != nil {
			return false, err
		} else if !ok {
			return false, errors.Errorf("not a rule: %s", rest)
		}
		return false, r.eng.DB.Finalize(r.eng.Vars)

	case "mod-rule":
		// mod-rule target ; recipe line
		spec, recipe, ok := strings.Cut(rest, ";")
		if !ok {
			return false, errors.New("usage: mod-rule target ; recipe")
		}
		target := strings.TrimSpace(spec)
		rules := r.eng.DB.Lookup(target)
		if len(rules) == 0 {
			return false, errors.Errorf("no rule for %q", target)
		}
		rules[len(rules)-1].Recipe = []string{strings.TrimSpace(recipe)}
		return false, nil

	case "del-rule":
		if !r.eng.DB.DeleteRule(rest) {
			return false, errors.Errorf("no rule for %q", rest)
		}
		return false, nil

	case "build":
		sched := NewScheduler(r.eng, r.cache, r.opts)
		sched.SetOutput(r.out)
		var goals []string
		if rest != "" {
			goals = strings.Fields(rest)
		}
		if err := sched.Run(goals); err != nil {
			fmt.Fprintf(r.out, "build failed: %v\n", err)
		}
		return false, nil

	case "save":
		path := r.eng.Makefile + "-smak"
		var buf bytes.Buffer
		if err := r.eng.DB.Serialize(&buf); err != nil {
			return false, err
		}
		if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return false, errors.Wrapf(err, "saving %s", path)
		}
		fmt.Fprintf(r.out, "saved %s\n", path)
		return false, nil

	case "help":
		fmt.Fprintln(r.out, "commands: rules vars add-rule mod-rule del-rule build save quit")
		return false, nil
	}

	return false, errors.Errorf("unknown command %q", cmd)
}

func (r *REPL) varsSnapshot() map[string]string {
	snap := make(map[string]string)
	for name, b := range r.eng.Vars.vals {
		if b.Origin == OriginEnvironment {
			continue // keep the listing to makefile state
		}
		snap[name] = b.Value
	}
	return snap
}
