package smak

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// NodeState tracks a target node through the scheduler.
type NodeState int

const (
	StatePending NodeState = iota
	StateQueued
	StateRunning
	StateComplete
	StateFailed
	StateSkipped
)

func (s NodeState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	}
	return "unknown"
}

// Node is a lazily materialised target. The Name is the unmodified string
// from the rule; ResolvedPath is the vpath-resolved location used only for
// stat and read.
type Node struct {
	Name         string
	Instance     int // ordinal for double-colon siblings, else 0
	Rule         *ResolvedRule
	Entry        *RuleEntry // active recipe entry, nil for leaves
	Prereqs      []*Node
	OrderOnly    []*Node
	Children     []*Node // double-colon instances under the aggregator
	State        NodeState
	Seq          int
	ResolvedPath string
	Exists       bool
	Mtime        time.Time
	Rebuilt      bool // recipe ran during this session
	Err          error

	fingerprint string
}

// Terminal reports whether the node has reached a final state.
func (n *Node) Terminal() bool {
	switch n.State {
	case StateComplete, StateFailed, StateSkipped:
		return true
	}
	return false
}

// Graph is the dependency graph for one build session, owned by the
// coordinator.
type Graph struct {
	db     *RuleDB
	vars   *Vars
	cache  *Cache
	hashes *HashCache

	nodes map[string]*Node
	order []*Node // DFS post-order (prerequisites first); also dispatch iteration order

	colour map[string]int // DFS colouring: 0 white, 1 grey, 2 black
}

func NewGraph(db *RuleDB, vars *Vars, cache *Cache, hashes *HashCache) *Graph {
	return &Graph{
		db:     db,
		vars:   vars,
		cache:  cache,
		hashes: hashes,
		nodes:  make(map[string]*Node),
		colour: make(map[string]int),
	}
}

// Nodes returns all materialised nodes in DFS post-order: every node comes
// after the prerequisites it materialised.
func (g *Graph) Nodes() []*Node {
	return g.order
}

// Lookup returns the node for a target name, if materialised.
func (g *Graph) Lookup(name string) *Node {
	return g.nodes[name]
}

// Expand materialises the closure rooted at goal, detecting cycles by
// colouring. A cycle through a non-phony node is fatal; an all-phony cycle
// is broken with a warning.
func (g *Graph) Expand(goal string) (*Node, error) {
	return g.expand(goal, nil)
}

func (g *Graph) expand(name string, path []string) (*Node, error) {
	if n, ok := g.nodes[name]; ok {
		if g.colour[name] == 1 {
			// Back edge: a cycle through every name from the first
			// occurrence on the path.
			cycle := append(cyclePath(path, name), name)
			for _, t := range cycle {
				if !g.db.IsPhony(t) {
					return nil, &CycleError{Cycle: cycle}
				}
			}
			fmt.Fprintf(os.Stderr, "smak: warning: breaking circular phony dependency: %s\n", strings.Join(cycle, " <- "))
			return nil, nil
		}
		return n, nil
	}

	rr, err := g.db.Resolve(name, g.vars)
	if err != nil {
		return nil, err
	}

	n := &Node{Name: name, Rule: rr, Seq: rr.Seq}
	n.ResolvedPath, n.Exists = g.db.ResolvePath(name)
	if n.Exists {
		if info, err := os.Stat(n.ResolvedPath); err == nil {
			n.Mtime = info.ModTime()
		}
	}
	g.nodes[name] = n
	g.colour[name] = 1
	path = append(path, name)

	attach := func(names []string, orderOnly bool, into *Node) error {
		for _, p := range names {
			child, err := g.expand(p, path)
			if err != nil {
				return err
			}
			if child == nil {
				continue // phony cycle broken
			}
			if orderOnly {
				into.OrderOnly = append(into.OrderOnly, child)
			} else {
				into.Prereqs = append(into.Prereqs, child)
			}
		}
		return nil
	}

	if rr.DoubleColon && len(rr.Entries) > 1 {
		// Distinct numbered nodes sharing the target name.
		for i := range rr.Entries {
			e := &rr.Entries[i]
			child := &Node{
				Name:         name,
				Instance:     i + 1,
				Rule:         rr,
				Entry:        e,
				Seq:          e.Seq,
				ResolvedPath: n.ResolvedPath,
				Exists:       n.Exists,
				Mtime:        n.Mtime,
			}
			if err := attach(e.Prereqs, false, child); err != nil {
				return nil, err
			}
			if err := attach(e.OrderOnly, true, child); err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
			g.order = append(g.order, child)
		}
		// The aggregator completes when every numbered instance has.
		n.Prereqs = append(n.Prereqs, n.Children...)
	} else {
		if len(rr.Entries) > 0 {
			n.Entry = &rr.Entries[0]
		}
		if err := attach(rr.Prereqs, false, n); err != nil {
			return nil, err
		}
		if err := attach(rr.OrderOnly, true, n); err != nil {
			return nil, err
		}
	}

	g.colour[name] = 2
	g.order = append(g.order, n)
	return n, nil
}

func cyclePath(path []string, from string) []string {
	for i, p := range path {
		if p == from {
			return append([]string(nil), path[i:]...)
		}
	}
	return append([]string(nil), path...)
}

// OutOfDate decides whether a node must be rebuilt.
func (g *Graph) OutOfDate(n *Node) bool {
	if n.Rule != nil && n.Rule.Phony {
		return true
	}
	if !n.Exists {
		return true
	}
	for _, p := range n.Prereqs {
		if p.Rebuilt {
			return true
		}
		if !p.Exists || p.Mtime.After(n.Mtime) {
			return true
		}
	}
	if g.cache.Enabled() && n.Entry != nil && len(n.Entry.Recipe) > 0 {
		if _, ok := g.cache.Lookup(g.FingerprintOf(n)); !ok {
			return true
		}
	}
	return false
}

// FingerprintOf computes (and memoises) the node's cache key: recipe text,
// prerequisite fingerprints, and the exported environment subset.
func (g *Graph) FingerprintOf(n *Node) string {
	if n.fingerprint != "" {
		return n.fingerprint
	}
	var recipe string
	if n.Entry != nil {
		recipe = strings.Join(n.Entry.Recipe, "\n")
	}
	var prereqFPs []string
	for _, p := range n.Prereqs {
		prereqFPs = append(prereqFPs, g.prereqFingerprint(p))
	}
	n.fingerprint = Fingerprint(recipe, prereqFPs, g.vars.ExportedValues())
	return n.fingerprint
}

func (g *Graph) prereqFingerprint(p *Node) string {
	if p.Entry == nil || len(p.Entry.Recipe) == 0 {
		// Leaf: content hash of the file itself.
		if h, err := g.hashes.Hash(p.ResolvedPath); err == nil {
			return h
		}
		return hashString(p.Name)
	}
	return g.FingerprintOf(p)
}

// Refresh re-stats a node after its recipe ran.
func (g *Graph) Refresh(n *Node) {
	n.ResolvedPath, n.Exists = g.db.ResolvePath(n.Name)
	if n.Exists {
		if info, err := os.Stat(n.ResolvedPath); err == nil {
			n.Mtime = info.ModTime()
		}
		g.hashes.Forget(n.ResolvedPath)
	}
}

// InputPaths returns every existing prerequisite file path plus the vpath
// directories, for watcher registration.
func (g *Graph) InputPaths() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, n := range g.order {
		for _, p := range n.Prereqs {
			if p.Exists {
				add(p.ResolvedPath)
			}
		}
	}
	for _, e := range g.db.Vpaths() {
		for _, d := range e.Dirs {
			add(d)
		}
	}
	return out
}
