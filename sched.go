// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Options configures a build session.
type Options struct {
	Jobs          int
	KeepGoing     bool // -k
	DryRun        bool // -n
	Echo          bool // echo @-prefixed lines anyway
	Silent        bool // -s
	AssertNoSpawn bool // SMAK_ASSERT_NO_SPAWN
	SSHHosts      []string
}

// Scheduler is the single coordinator: it owns the graph, the ready set,
// and the worker table. Recipes never run on this goroutine except the
// recognised in-process fast paths.
type Scheduler struct {
	eng    *Engine
	cache  *Cache
	hashes *HashCache
	graph  *Graph
	opts   Options

	pool       *Pool
	poolShared bool
	results    chan TaskResult
	inflight   map[int]*Node
	nextID     int

	failed  []*Node
	stopped bool
	out     io.Writer
}

func NewScheduler(eng *Engine, cache *Cache, opts Options) *Scheduler {
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	s := &Scheduler{
		eng:      eng,
		cache:    cache,
		hashes:   NewHashCache(),
		opts:     opts,
		results:  make(chan TaskResult, 64),
		inflight: make(map[int]*Node),
		out:      os.Stdout,
	}
	s.graph = NewGraph(eng.DB, eng.Vars, cache, s.hashes)
	return s
}

// SetOutput redirects recipe echo and dry-run output.
func (s *Scheduler) SetOutput(w io.Writer) {
	s.out = w
}

// Graph exposes the session graph (watcher registration, tests).
func (s *Scheduler) Graph() *Graph {
	return s.graph
}

// FailedTargets returns the names of targets that failed this session.
func (s *Scheduler) FailedTargets() []string {
	var names []string
	for _, n := range s.failed {
		names = append(names, n.Name)
	}
	return names
}

// Run builds the goals (or the default goal) and returns the first
// failure, if any.
func (s *Scheduler) Run(goals []string) error {
	if len(goals) == 0 {
		g := s.eng.DB.DefaultGoal()
		if g == "" {
			return errors.New("no targets specified and no default target")
		}
		goals = []string{g}
	}

	var roots []*Node
	for _, g := range goals {
		n, err := s.graph.Expand(g)
		if err != nil {
			return err
		}
		if n != nil {
			roots = append(roots, n)
		}
	}

	if s.opts.DryRun {
		return s.dryRun(roots)
	}

	err := s.loop()
	if s.pool != nil && !s.poolShared {
		s.pool.Shutdown()
		s.pool = nil
	}
	if err != nil {
		return err
	}
	if len(s.failed) > 0 {
		return s.failed[0].Err
	}
	return nil
}

// Cancel stops dispatching and shuts the workers down. Running tasks get
// the shutdown grace period, then their workers are killed.
func (s *Scheduler) Cancel() {
	s.stopped = true
	if s.pool != nil && !s.poolShared {
		s.pool.Shutdown()
		s.pool = nil
	}
}

// dryRun prints the recipes that would run, in dependency order, without
// executing anything.
func (s *Scheduler) dryRun(roots []*Node) error {
	for _, n := range s.topo(roots) {
		if n.Entry == nil || len(n.Entry.Recipe) == 0 {
			continue
		}
		if !s.graph.OutOfDate(n) {
			continue
		}
		lines, err := s.expandRecipe(n)
		if err != nil {
			return err
		}
		for _, line := range lines {
			_, _, text := stripRecipePrefixes(line)
			if text == "" {
				continue
			}
			fmt.Fprintln(s.out, text)
		}
		n.Rebuilt = true
	}
	return nil
}

// topo returns the nodes reachable from roots in post-order, children in
// listed prerequisite order.
func (s *Scheduler) topo(roots []*Node) []*Node {
	var out []*Node
	seen := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, p := range n.Prereqs {
			visit(p)
		}
		for _, p := range n.OrderOnly {
			visit(p)
		}
		out = append(out, n)
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}

func (s *Scheduler) loop() error {
	for {
		var progress bool
		if !s.stopped {
			var err error
			progress, err = s.dispatchReady()
			if err != nil {
				s.drain()
				return err
			}
		}
		if len(s.inflight) > 0 {
			res := <-s.results
			if err := s.finish(res); err != nil {
				s.drain()
				return err
			}
			continue
		}
		if !progress {
			return nil
		}
	}
}

// drain awaits in-flight tasks after a fatal error, then stops the pool.
func (s *Scheduler) drain() {
	for len(s.inflight) > 0 {
		res := <-s.results
		if n, ok := s.inflight[res.TaskID]; ok {
			delete(s.inflight, res.TaskID)
			if res.Code == 0 && res.Err == nil {
				s.completeNode(n)
			} else {
				n.State = StateFailed
			}
		}
	}
	if s.pool != nil && !s.poolShared {
		s.pool.Shutdown()
		s.pool = nil
	}
}

// dispatchReady moves every dispatchable node forward: in-process nodes
// complete immediately, external ones go to idle workers. Reports whether
// any node changed state.
func (s *Scheduler) dispatchReady() (bool, error) {
	progress := false
	for changed := true; changed && !s.stopped; {
		changed = false
		var ready []*Node
		for _, n := range s.graph.Nodes() {
			if n.State != StatePending && n.State != StateQueued {
				continue
			}
			ok, blocked := s.depsState(n)
			if blocked {
				n.State = StateSkipped
				changed = true
				progress = true
				continue
			}
			if ok {
				ready = append(ready, n)
			}
		}
		sortByPriority(ready)
		for _, n := range ready {
			if s.stopped {
				break
			}
			moved, err := s.startNode(n)
			if err != nil {
				return progress, err
			}
			if moved {
				changed = true
				progress = true
			}
		}
	}
	return progress, nil
}

// depsState reports whether all prerequisites (including order-only) are
// complete, and whether any failed or was skipped. An in-progress
// prerequisite means "not ready, keep waiting" — it is never re-queued.
func (s *Scheduler) depsState(n *Node) (ready, blocked bool) {
	ready = true
	for _, deps := range [][]*Node{n.Prereqs, n.OrderOnly} {
		for _, p := range deps {
			switch p.State {
			case StateFailed, StateSkipped:
				return false, true
			case StateComplete:
			default:
				ready = false
			}
		}
	}
	return ready, false
}

// sortByPriority orders dispatch by rule declaration order, ties broken
// lexicographically.
func sortByPriority(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Seq != nodes[j].Seq {
			return nodes[i].Seq < nodes[j].Seq
		}
		return nodes[i].Name < nodes[j].Name
	})
}

func (s *Scheduler) startNode(n *Node) (bool, error) {
	if n.Entry == nil || len(n.Entry.Recipe) == 0 {
		s.completeNode(n)
		return true, nil
	}
	if !s.graph.OutOfDate(n) {
		debugf("%q is up to date", n.Name)
		n.State = StateComplete
		return true, nil
	}

	lines, err := s.expandRecipe(n)
	if err != nil {
		return false, err
	}

	// Recognise recipes that can run entirely in-process.
	if builtins, ok := recognizeAll(lines); ok {
		hasRecursive := false
		for _, b := range builtins {
			if b != nil && b.Kind == BuiltinRecursive {
				hasRecursive = true
			}
		}
		if hasRecursive && len(s.inflight) > 0 {
			// Recursive builds take over the worker pool; wait for a
			// quiet coordinator.
			return false, nil
		}
		n.State = StateRunning
		if err := s.runInProcess(n, lines, builtins); err != nil {
			return true, err
		}
		return true, nil
	}

	if s.opts.AssertNoSpawn {
		for _, line := range lines {
			_, _, text := stripRecipePrefixes(line)
			if b, ok := RecognizeBuiltin(text); ok && b.Kind == BuiltinRecursive {
				return false, errors.Errorf("SMAK_ASSERT_NO_SPAWN: recursive invocation %q would be dispatched to an external executor", text)
			}
		}
	}

	if err := s.ensurePool(); err != nil {
		return false, err
	}
	w := s.pool.Idle()
	if w == nil {
		n.State = StateQueued
		return false, nil
	}

	external, trailing := splitTrailingBuiltins(lines)
	s.echoLines(external)
	s.echoLines(trailing)

	s.nextID++
	wd, err := os.Getwd()
	if err != nil {
		return false, err
	}
	task := &Task{ID: s.nextID, Dir: wd, Cmds: external, Builtins: trailing}
	n.State = StateRunning
	s.inflight[task.ID] = n
	if err := s.pool.Dispatch(w, task); err != nil {
		delete(s.inflight, task.ID)
		return false, err
	}
	return true, nil
}

// recognizeAll matches every recipe line against the builtin set. The
// entry for a blank line is nil.
func recognizeAll(lines []string) ([]*BuiltinCmd, bool) {
	out := make([]*BuiltinCmd, len(lines))
	for i, line := range lines {
		_, _, text := stripRecipePrefixes(line)
		if text == "" {
			continue
		}
		b, ok := RecognizeBuiltin(text)
		if !ok {
			return nil, false
		}
		out[i] = b
	}
	return out, true
}

// splitTrailingBuiltins peels recognised builtins off the recipe tail;
// they ride along in the task as builtin descriptors.
func splitTrailingBuiltins(lines []string) (external, trailing []string) {
	idx := len(lines)
	for idx > 0 {
		_, _, text := stripRecipePrefixes(lines[idx-1])
		if b, ok := RecognizeBuiltin(text); !ok || b.Kind == BuiltinRecursive {
			break
		}
		idx--
	}
	return lines[:idx], lines[idx:]
}

func (s *Scheduler) echoLines(lines []string) {
	if s.opts.Silent {
		return
	}
	for _, line := range lines {
		silent, _, text := stripRecipePrefixes(line)
		if text == "" {
			continue
		}
		if silent && !s.opts.Echo {
			continue
		}
		fmt.Fprintln(s.out, text)
	}
}

// runInProcess executes a fully recognised recipe on the coordinator.
func (s *Scheduler) runInProcess(n *Node, lines []string, builtins []*BuiltinCmd) error {
	for i, line := range lines {
		b := builtins[i]
		if b == nil {
			continue
		}
		silent, ignoreErr, text := stripRecipePrefixes(line)
		if !s.opts.Silent && (!silent || s.opts.Echo) {
			fmt.Fprintln(s.out, text)
		}
		var err error
		if b.Kind == BuiltinRecursive {
			err = s.runRecursive(b.Recursive)
		} else {
			err = ExecBuiltin(b, "", s.out)
		}
		if err != nil && !ignoreErr {
			debugf("in-process %q: %v", text, err)
			s.failNode(n, 2)
			return nil
		}
	}
	s.completeNode(n)
	return nil
}

// runRecursive re-enters the scheduler for a recursive self-invocation,
// parsing the sub-makefile in-process. The sub-build shares this session's
// worker pool and cache.
func (s *Scheduler) runRecursive(inv *RecursiveInvocation) error {
	mf := inv.File
	if mf == "" {
		mf = "Makefile"
	}
	if inv.Dir != "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if err := os.Chdir(inv.Dir); err != nil {
			return errors.Wrapf(err, "entering %s", inv.Dir)
		}
		defer os.Chdir(cwd)
	}

	vars := NewVars()
	for _, def := range inv.VarDefs {
		name, val, _ := strings.Cut(def, "=")
		vars.Set(name, val, FlavorRecursive, OriginCommandLine)
	}

	sub, err := LoadMakefile(mf, vars, false)
	if err != nil {
		return err
	}

	opts := s.opts
	if inv.Jobs > 0 {
		opts.Jobs = inv.Jobs
	}
	ss := NewScheduler(sub, s.cache, opts)
	ss.out = s.out
	if s.pool != nil {
		ss.pool = s.pool
		ss.poolShared = true
		ss.results = s.results
	}
	return ss.Run(inv.Targets)
}

func (s *Scheduler) ensurePool() error {
	if s.pool != nil {
		return nil
	}
	pool, err := NewPool(s.opts.Jobs, s.opts.SSHHosts, s.eng.Vars.Exported(), s.results)
	if err != nil {
		return err
	}
	s.pool = pool
	return nil
}

func (s *Scheduler) finish(res TaskResult) error {
	n, ok := s.inflight[res.TaskID]
	if !ok {
		return nil
	}
	delete(s.inflight, res.TaskID)

	if res.Err != nil {
		// Worker exited without SHUTDOWN: the task fails and the worker
		// slot is refilled, up to the retry budget.
		fmt.Fprintf(os.Stderr, "smak: %v\n", res.Err)
		s.failNode(n, 2)
		if err := s.pool.Replace(res.Worker); err != nil {
			return err
		}
		return nil
	}

	s.pool.Release(res.Worker)
	if res.Code != 0 {
		s.failNode(n, res.Code)
		return nil
	}
	s.completeNode(n)
	return nil
}

func (s *Scheduler) completeNode(n *Node) {
	hadRecipe := n.Entry != nil && len(n.Entry.Recipe) > 0
	n.State = StateComplete
	if !hadRecipe {
		return
	}
	n.Rebuilt = true
	s.graph.Refresh(n)
	if s.cache.Enabled() && n.Rule != nil && !n.Rule.Phony {
		rec := &Record{
			RecipeHash: hashString(strings.Join(n.Entry.Recipe, "\n")),
			Outputs:    []string{n.Name},
			Status:     "ok",
			Timestamp:  time.Now(),
		}
		for _, p := range n.Prereqs {
			rec.Inputs = append(rec.Inputs, p.Name)
		}
		if n.Exists {
			if h, err := s.hashes.Hash(n.ResolvedPath); err == nil {
				rec.OutputHash = h
			}
		}
		if err := s.cache.Store(s.graph.FingerprintOf(n), rec); err != nil {
			debugf("cache store for %q: %v", n.Name, err)
		}
	}
}

func (s *Scheduler) failNode(n *Node, code int) {
	n.State = StateFailed
	n.Err = &RecipeError{Target: n.Name, Code: code}
	fmt.Fprintln(os.Stderr, n.Err.Error())
	s.failed = append(s.failed, n)
	if !s.opts.KeepGoing {
		s.stopped = true
	}
}

// ApplyEvent feeds a watcher event into the session state: a deleted
// artifact is marked out of date, a modified input invalidates its hashes
// and cache records, a created file satisfies a missing prerequisite.
func (s *Scheduler) ApplyEvent(ev Event) {
	switch ev.Op {
	case OpDelete:
		if n := s.graph.Lookup(ev.Path); n != nil {
			n.Exists = false
			n.State = StatePending
		}
	case OpModify:
		s.hashes.Forget(ev.Path)
		s.cache.InvalidateInput(ev.Path)
		if n := s.graph.Lookup(ev.Path); n != nil {
			n.Rebuilt = true
		}
	case OpCreate:
		if n := s.graph.Lookup(ev.Path); n != nil {
			s.graph.Refresh(n)
		}
	}
}

// expandRecipe expands a node's recipe lines with the automatic variables
// bound. Prefix flags survive expansion untouched.
func (s *Scheduler) expandRecipe(n *Node) ([]string, error) {
	vars := s.eng.Vars.Clone()
	auto := func(name, val string) {
		vars.Set(name, val, FlavorSimple, OriginAutomatic)
		vars.Set(name+"D", dirPart(val), FlavorSimple, OriginAutomatic)
		vars.Set(name+"F", filePart(val), FlavorSimple, OriginAutomatic)
	}

	auto("@", n.Name)
	auto("*", n.Rule.Stem)

	first := ""
	var all, uniq, newer []string
	seen := make(map[string]bool)
	for _, p := range n.Prereqs {
		path := p.Name
		if p.Exists && p.ResolvedPath != p.Name {
			// The vpath-resolved location is what recipes compile.
			path = p.ResolvedPath
		}
		if first == "" {
			first = path
		}
		all = append(all, path)
		if !seen[path] {
			seen[path] = true
			uniq = append(uniq, path)
		}
		if p.Rebuilt || !n.Exists || p.Mtime.After(n.Mtime) {
			newer = append(newer, path)
		}
	}
	auto("<", first)
	vars.Set("^", strings.Join(uniq, " "), FlavorSimple, OriginAutomatic)
	vars.Set("^D", joinMapped(uniq, dirPart), FlavorSimple, OriginAutomatic)
	vars.Set("^F", joinMapped(uniq, filePart), FlavorSimple, OriginAutomatic)
	vars.Set("+", strings.Join(all, " "), FlavorSimple, OriginAutomatic)
	vars.Set("?", strings.Join(newer, " "), FlavorSimple, OriginAutomatic)
	vars.Set("?D", joinMapped(newer, dirPart), FlavorSimple, OriginAutomatic)
	vars.Set("?F", joinMapped(newer, filePart), FlavorSimple, OriginAutomatic)

	var lines []string
	for _, raw := range n.Entry.Recipe {
		expanded, err := vars.Expand(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "expanding recipe for %q", n.Name)
		}
		lines = append(lines, expanded)
	}
	return lines, nil
}

func dirPart(p string) string {
	d := filepath.Dir(p)
	if d == "." {
		return "./"
	}
	return d
}

func filePart(p string) string {
	return filepath.Base(p)
}

func joinMapped(words []string, fn func(string) string) string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = fn(w)
	}
	return strings.Join(out, " ")
}
