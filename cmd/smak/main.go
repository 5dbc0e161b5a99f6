// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/shlex"

	smak "github.com/kev-cam/smak"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	// USR_SMAK_OPT prepends extra options ahead of the real arguments.
	args := os.Args[1:]
	if extra := os.Getenv("USR_SMAK_OPT"); extra != "" {
		if words, err := shlex.Split(extra); err == nil {
			args = append(words, args...)
		}
	}

	fs := flag.NewFlagSet("smak", flag.ContinueOnError)
	var (
		file       = fs.String("f", "Makefile", "makefile to read")
		chdir      = fs.String("C", "", "change to directory before parsing")
		jobs       = fs.Int("j", 0, "parallel jobs (default 1, or rc setting)")
		keepGoing  = fs.Bool("k", false, "keep going after errors")
		dryRunN    = fs.Bool("n", false, "print recipes without executing")
		dryRunLong = fs.Bool("dry-run", false, "print recipes without executing")
		silent     = fs.Bool("s", false, "silent; do not echo recipes")
		echo       = fs.Bool("echo", false, "echo @-prefixed recipe lines too")
		replMode   = fs.Bool("Kd", false, "enter the interactive debug REPL")
		replScript = fs.String("Ks", "", "run a REPL script file")
		norc       = fs.Bool("norc", false, "skip rc files")
		noBuiltins = fs.Bool("no-builtins", false, "disable built-in implicit rules")
		check      = fs.String("check", "", "compare dry-run output against the reference tool (quiet)")
		scanner    = fs.Bool("scanner", false, "standalone file-watcher mode on the given paths")
		testWorker = fs.Bool("test-worker", false, "run the built-in worker self-test")
		ssh        = fs.String("ssh", "", "comma-separated SSH hosts for remote workers")
		watch      = fs.Bool("watch", false, "rebuild automatically when tracked inputs change")
		worker     = fs.Bool("worker", false, "internal: serve the worker protocol on stdio")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: smak [options] [VAR=value...] [targets...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(exitUsage)
	}

	if err := run(fs, options{
		file:       *file,
		chdir:      *chdir,
		jobs:       *jobs,
		keepGoing:  *keepGoing,
		dryRun:     *dryRunN || *dryRunLong,
		silent:     *silent,
		echo:       *echo,
		replMode:   *replMode,
		replScript: *replScript,
		norc:       *norc,
		noBuiltins: *noBuiltins,
		check:      *check,
		scanner:    *scanner,
		testWorker: *testWorker,
		ssh:        *ssh,
		watch:      *watch,
		worker:     *worker,
	}); err != nil {
		if _, ok := err.(*smak.RecipeError); !ok {
			fmt.Fprintf(os.Stderr, "smak: %v\n", err)
		}
		os.Exit(exitFailure)
	}
}

type options struct {
	file       string
	chdir      string
	jobs       int
	keepGoing  bool
	dryRun     bool
	silent     bool
	echo       bool
	replMode   bool
	replScript string
	norc       bool
	noBuiltins bool
	check      string
	scanner    bool
	testWorker bool
	ssh        string
	watch      bool
	worker     bool
}

func run(fs *flag.FlagSet, o options) error {
	if o.worker {
		return smak.ServeWorker(os.Stdin, os.Stdout)
	}
	if o.scanner {
		if fs.NArg() == 0 {
			return fmt.Errorf("-scanner requires at least one path")
		}
		return smak.RunScanner(fs.Args(), os.Stdout, 0)
	}
	if o.testWorker {
		if err := smak.SelfTest(); err != nil {
			return err
		}
		fmt.Println("worker self-test: PASS")
		return nil
	}

	rc, err := smak.LoadRc(o.norc)
	if err != nil {
		return err
	}

	if o.chdir != "" {
		if err := os.Chdir(o.chdir); err != nil {
			return err
		}
	}

	vars := smak.NewVars()
	if rc.Shell != "" {
		vars.Set("SHELL", rc.Shell, smak.FlavorSimple, smak.OriginDefault)
	}

	var goals []string
	for _, arg := range fs.Args() {
		if name, value, ok := strings.Cut(arg, "="); ok && name != "" {
			vars.Set(name, value, smak.FlavorRecursive, smak.OriginCommandLine)
			continue
		}
		goals = append(goals, arg)
	}

	noBuiltins := o.noBuiltins || os.Getenv("SMAK_NO_BUILTINS") != ""
	eng, err := smak.LoadMakefile(o.file, vars, noBuiltins)
	if err != nil {
		return err
	}

	cacheDir := smak.CacheDir()
	if cacheDir != "" && rc.CacheDir != "" && os.Getenv("SMAK_CACHE_DIR") == "" {
		cacheDir = rc.CacheDir
	}
	cache := smak.OpenCache(cacheDir)

	jobs := o.jobs
	if jobs == 0 {
		jobs = rc.Jobs
	}
	var sshHosts []string
	if o.ssh != "" {
		for _, h := range strings.Split(o.ssh, ",") {
			if h = strings.TrimSpace(h); h != "" {
				sshHosts = append(sshHosts, h)
			}
		}
	} else {
		sshHosts = rc.SSHHosts
	}

	opts := smak.Options{
		Jobs:          jobs,
		KeepGoing:     o.keepGoing,
		DryRun:        o.dryRun,
		Echo:          o.echo || rc.Echo,
		Silent:        o.silent,
		AssertNoSpawn: os.Getenv("SMAK_ASSERT_NO_SPAWN") != "",
		SSHHosts:      sshHosts,
	}

	if o.replMode || o.replScript != "" || os.Getenv("USR_SMAK_SCRIPT") != "" {
		repl := smak.NewREPL(eng, cache, opts)
		if script := o.replScript; script != "" {
			return repl.RunScript(script)
		}
		if script := os.Getenv("USR_SMAK_SCRIPT"); script != "" {
			return repl.RunScript(script)
		}
		return repl.Run()
	}

	if o.check == "quiet" {
		return checkQuiet(eng, cache, opts, goals)
	}

	if o.watch {
		var lastSched *smak.Scheduler
		return smak.AutoRescan(func() []string {
			paths := append([]string(nil), eng.Makefiles...)
			if lastSched != nil {
				paths = append(paths, lastSched.Graph().InputPaths()...)
			}
			return paths
		}, func() error {
			fresh, err := smak.LoadMakefile(o.file, smak.NewVars(), noBuiltins)
			if err != nil {
				return err
			}
			eng = fresh
			lastSched = smak.NewScheduler(fresh, cache, opts)
			return lastSched.Run(goals)
		}, 0)
	}

	sched := smak.NewScheduler(eng, cache, opts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		sched.Cancel()
	}()
	defer signal.Stop(sig)

	return sched.Run(goals)
}

// checkQuiet compares our dry-run output against the reference tool's,
// modulo whitespace.
func checkQuiet(eng *smak.Engine, cache *smak.Cache, opts smak.Options, goals []string) error {
	opts.DryRun = true
	var ours bytes.Buffer
	sched := smak.NewScheduler(eng, cache, opts)
	sched.SetOutput(&ours)
	if err := sched.Run(goals); err != nil {
		return err
	}

	refArgs := append([]string{"-n", "-f", eng.Makefile}, goals...)
	ctxCmd := exec.Command("make", refArgs...)
	refOut, err := ctxCmd.Output()
	if err != nil {
		return fmt.Errorf("reference tool: %w", err)
	}

	if normalizeLines(ours.String()) != normalizeLines(string(refOut)) {
		return fmt.Errorf("dry-run output differs from reference tool")
	}
	fmt.Println("check: ok")
	return nil
}

func normalizeLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "\n")
}
