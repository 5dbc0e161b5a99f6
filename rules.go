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
)

// Rule is one registered rule. Prerequisite text stays raw until resolution.
type Rule struct {
	Targets       []string
	PrereqText    string
	OrderOnlyText string
	Recipe        []string
	File          string
	Line          int
	Seq           int
	DoubleColon   bool
	TargetPattern string // static-pattern rules only
	Builtin       bool
}

// IsPattern reports whether the rule is a % pattern rule.
func (r *Rule) IsPattern() bool {
	if r.TargetPattern != "" {
		return false
	}
	for _, t := range r.Targets {
		if strings.ContainsRune(t, '%') {
			return true
		}
	}
	return false
}

// VpathEntry associates a filename pattern with a directory search list.
// It affects file-existence lookup only, never the name stored in the graph.
type VpathEntry struct {
	Pattern string
	Dirs    []string
}

// RuleEntry is one active recipe for a resolved target. A target normally
// has at most one; double-colon targets have one entry per :: rule.
type RuleEntry struct {
	Prereqs   []string
	OrderOnly []string
	Recipe    []string
	File      string
	Line      int
	Seq       int
}

// ResolvedRule is the result of resolving a concrete target name.
type ResolvedRule struct {
	Target      string
	Phony       bool
	Silent      bool
	Stem        string
	Seq         int
	DoubleColon bool
	Entries     []RuleEntry
	Prereqs     []string // merged normal prereqs across entries
	OrderOnly   []string
}

// HasRecipe reports whether any entry carries recipe lines.
func (rr *ResolvedRule) HasRecipe() bool {
	for _, e := range rr.Entries {
		if len(e.Recipe) > 0 {
			return true
		}
	}
	return false
}

var defaultSuffixes = []string{".o", ".c", ".cc", ".cxx", ".cpp", ".s", ".sh", ".a"}

// RuleDB indexes explicit, static-pattern, pattern, and suffix rules.
type RuleDB struct {
	explicit map[string][]*Rule
	statics  []*Rule
	patterns []*Rule
	builtins []*Rule

	pendingSuffix []*Rule // .x.y rules, translated in Finalize

	suffixes      []string
	suffixDecls   []*RuleStmt // .SUFFIXES lines, applied in order
	phonyDecls    []string    // raw .PHONY prereq texts
	phony         map[string]bool
	silentDecls   []string
	silentTargets map[string]bool
	silentAll     bool

	vpaths []VpathEntry

	defaultGoal string
	firstDot    string
	seq         int
}

// NewRuleDB creates a rule database, loading the built-in implicit rules
// unless disabled.
func NewRuleDB(noBuiltins bool) *RuleDB {
	db := &RuleDB{
		explicit:      make(map[string][]*Rule),
		phony:         make(map[string]bool),
		silentTargets: make(map[string]bool),
		suffixes:      append([]string(nil), defaultSuffixes...),
	}
	if !noBuiltins {
		db.loadBuiltins()
	}
	return db
}

func (db *RuleDB) loadBuiltins() {
	add := func(target, prereq string, recipe ...string) {
		db.builtins = append(db.builtins, &Rule{
			Targets:    []string{target},
			PrereqText: prereq,
			Recipe:     recipe,
			File:       "<builtin>",
			Builtin:    true,
			Seq:        len(db.builtins),
		})
	}
	add("%.o", "%.c", "$(CC) $(CFLAGS) -c $< -o $@")
	add("%.o", "%.cc", "$(CXX) $(CXXFLAGS) -c $< -o $@")
	add("%.o", "%.cpp", "$(CXX) $(CXXFLAGS) -c $< -o $@")
	add("%.o", "%.cxx", "$(CXX) $(CXXFLAGS) -c $< -o $@")
	add("%.o", "%.s", "$(AS) $(ASFLAGS) -o $@ $<")
	add("%", "%.o", "$(CC) $(LDFLAGS) $^ -o $@")
}

// InstallDefaults seeds the default-origin variables the built-in rules use.
func InstallDefaults(vars *Vars) {
	defaults := map[string]string{
		"CC":   "cc",
		"CXX":  "c++",
		"AS":   "as",
		"AR":   "ar",
		"RM":   "rm -f",
		"MAKE": "smak",
	}
	for k, val := range defaults {
		vars.Set(k, val, FlavorRecursive, OriginDefault)
	}
}

// AddRule registers a parsed rule and returns the stored form. Special
// targets (.PHONY, .SUFFIXES, .SILENT) are absorbed as directives.
func (db *RuleDB) AddRule(stmt *RuleStmt) *Rule {
	if len(stmt.Targets) == 1 {
		switch stmt.Targets[0] {
		case ".PHONY":
			db.phonyDecls = append(db.phonyDecls, stmt.PrereqText)
			return nil
		case ".SUFFIXES":
			db.suffixDecls = append(db.suffixDecls, stmt)
			return nil
		case ".SILENT":
			if strings.TrimSpace(stmt.PrereqText) == "" {
				db.silentAll = true
			} else {
				db.silentDecls = append(db.silentDecls, stmt.PrereqText)
			}
			return nil
		}
	}

	db.seq++
	r := &Rule{
		Targets:       stmt.Targets,
		PrereqText:    stmt.PrereqText,
		OrderOnlyText: stmt.OrderOnlyText,
		Recipe:        stmt.Recipe,
		File:          stmt.File,
		Line:          stmt.Line,
		Seq:           db.seq,
		DoubleColon:   stmt.DoubleColon,
		TargetPattern: stmt.TargetPattern,
	}

	switch {
	case r.TargetPattern != "":
		db.statics = append(db.statics, r)
	case r.IsPattern():
		db.patterns = append(db.patterns, r)
	case len(r.Targets) == 1 && isSuffixRuleTarget(r.Targets[0]):
		db.pendingSuffix = append(db.pendingSuffix, r)
	default:
		for _, t := range r.Targets {
			db.explicit[t] = append(db.explicit[t], r)
		}
		db.noteDefaultCandidate(r.Targets[0])
	}
	return r
}

func isSuffixRuleTarget(t string) bool {
	return strings.HasPrefix(t, ".") && !strings.ContainsAny(t, "/% \t")
}

func (db *RuleDB) noteDefaultCandidate(name string) {
	if strings.ContainsAny(name, "=") || strings.Contains(name, "$(") || strings.Contains(name, "${") {
		return
	}
	if strings.HasPrefix(name, ".") {
		if db.firstDot == "" {
			db.firstDot = name
		}
		return
	}
	if db.defaultGoal == "" {
		db.defaultGoal = name
	}
}

// AddVpath registers a vpath directive.
func (db *RuleDB) AddVpath(pattern string, dirs []string) {
	db.vpaths = append(db.vpaths, VpathEntry{Pattern: pattern, Dirs: dirs})
}

// Vpaths returns the registered vpath entries.
func (db *RuleDB) Vpaths() []VpathEntry {
	return db.vpaths
}

// MarkPhony adds targets to the phony set directly (REPL use).
func (db *RuleDB) MarkPhony(names ...string) {
	for _, n := range names {
		db.phony[n] = true
	}
}

// IsPhony reports whether a target is phony.
func (db *RuleDB) IsPhony(name string) bool {
	return db.phony[name]
}

// Finalize expands the deferred directive texts and translates suffix rules
// into pattern rules. Called once parsing completes.
func (db *RuleDB) Finalize(vars *Vars) error {
	for _, decl := range db.phonyDecls {
		names, err := vars.ExpandSplit(decl)
		if err != nil {
			return err
		}
		for _, n := range names {
			db.phony[n] = true
		}
	}
	db.phonyDecls = nil

	for _, stmt := range db.suffixDecls {
		names, err := vars.ExpandSplit(stmt.PrereqText)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			db.suffixes = nil
		} else {
			db.suffixes = append(db.suffixes, names...)
		}
	}
	db.suffixDecls = nil

	for _, decl := range db.silentDecls {
		names, err := vars.ExpandSplit(decl)
		if err != nil {
			return err
		}
		for _, n := range names {
			db.silentTargets[n] = true
		}
	}
	db.silentDecls = nil

	for _, r := range db.pendingSuffix {
		src, dst, ok := db.splitSuffixPair(r.Targets[0])
		if !ok {
			// Not a recognised suffix pair: an ordinary dot-name target.
			for _, t := range r.Targets {
				db.explicit[t] = append(db.explicit[t], r)
			}
			continue
		}
		// .x.y: is equivalent to %.y: %.x. Prerequisites listed on a
		// suffix rule are discarded, as in the reference tool.
		db.patterns = append(db.patterns, &Rule{
			Targets:    []string{"%" + dst},
			PrereqText: "%" + src,
			Recipe:     r.Recipe,
			File:       r.File,
			Line:       r.Line,
			Seq:        r.Seq,
		})
	}
	db.pendingSuffix = nil

	return nil
}

// splitSuffixPair splits ".c.o" into (".c", ".o") against the known
// suffix list. A single known suffix returns ok=false.
func (db *RuleDB) splitSuffixPair(t string) (src, dst string, ok bool) {
	for _, s := range db.suffixes {
		if strings.HasPrefix(t, s) {
			rest := t[len(s):]
			for _, d := range db.suffixes {
				if rest == d {
					return s, d, true
				}
			}
		}
	}
	return "", "", false
}

// DefaultGoal returns the default target: the first eligible explicit
// target, falling back to the first dot-target if it is phony.
func (db *RuleDB) DefaultGoal() string {
	if db.defaultGoal != "" {
		return db.defaultGoal
	}
	if db.firstDot != "" && db.phony[db.firstDot] {
		return db.firstDot
	}
	return ""
}

// Lookup returns the explicit rules registered for a target.
func (db *RuleDB) Lookup(target string) []*Rule {
	return db.explicit[target]
}

// DeleteRule removes all explicit rules for a target (REPL del-rule).
func (db *RuleDB) DeleteRule(target string) bool {
	if _, ok := db.explicit[target]; !ok {
		return false
	}
	delete(db.explicit, target)
	return true
}

// hasRule reports whether a name is governed by an explicit or
// static-pattern rule. Used for pattern-rule applicability.
func (db *RuleDB) hasRule(name string) bool {
	if len(db.explicit[name]) > 0 {
		return true
	}
	for _, r := range db.statics {
		for _, t := range r.Targets {
			if t == name {
				return true
			}
		}
	}
	return false
}

// ResolvePath locates a file for stat/read, searching the vpath directories
// for entries whose pattern matches the name. The returned path is only ever
// used for file access; bookkeeping keeps the original name.
func (db *RuleDB) ResolvePath(name string) (string, bool) {
	if fileExists(name) {
		return name, true
	}
	for _, e := range db.vpaths {
		if _, ok := matchStem(e.Pattern, name); !ok {
			continue
		}
		for _, dir := range e.Dirs {
			cand := filepath.Join(dir, name)
			if fileExists(cand) {
				return cand, true
			}
		}
	}
	return name, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Resolve finds the governing rule(s) for a concrete target name.
// Resolution order: explicit rules, static-pattern rules, pattern rules
// (suffix rules are already translated), built-in rules, then bare files.
func (db *RuleDB) Resolve(target string, vars *Vars) (*ResolvedRule, error) {
	rr := &ResolvedRule{
		Target: target,
		Phony:  db.phony[target],
		Silent: db.silentAll || db.silentTargets[target],
		Seq:    1 << 30,
	}

	if rules := db.explicit[target]; len(rules) > 0 {
		if err := db.resolveExplicit(rr, rules, vars); err != nil {
			return nil, err
		}
		return rr, nil
	}

	for _, r := range db.statics {
		for _, t := range r.Targets {
			if t != target {
				continue
			}
			stem, ok := matchStem(r.TargetPattern, target)
			if !ok {
				return nil, fmt.Errorf("%s:%d: target %q does not match pattern %q", r.File, r.Line, target, r.TargetPattern)
			}
			prereqs, orderOnly, err := db.patternPrereqs(r, stem, vars)
			if err != nil {
				return nil, err
			}
			rr.Stem = stem
			rr.Seq = r.Seq
			rr.Prereqs = prereqs
			rr.OrderOnly = orderOnly
			rr.Entries = []RuleEntry{{Prereqs: prereqs, OrderOnly: orderOnly, Recipe: r.Recipe, File: r.File, Line: r.Line, Seq: r.Seq}}
			return rr, nil
		}
	}

	if ok, err := db.resolvePattern(rr, target, vars); err != nil {
		return nil, err
	} else if ok {
		return rr, nil
	}

	if _, ok := db.ResolvePath(target); ok {
		return rr, nil // leaf file, no recipe
	}

	return nil, &UnknownTargetError{Target: target}
}

func (db *RuleDB) resolveExplicit(rr *ResolvedRule, rules []*Rule, vars *Vars) error {
	allDouble := true
	for _, r := range rules {
		if !r.DoubleColon {
			allDouble = false
		}
	}

	if allDouble && len(rules) > 0 && rules[0].DoubleColon {
		// Double-colon: each rule is a distinct numbered node sharing the
		// target name.
		rr.DoubleColon = true
		for _, r := range rules {
			prereqs, err := vars.ExpandSplit(r.PrereqText)
			if err != nil {
				return err
			}
			orderOnly, err := vars.ExpandSplit(r.OrderOnlyText)
			if err != nil {
				return err
			}
			rr.Entries = append(rr.Entries, RuleEntry{Prereqs: prereqs, OrderOnly: orderOnly, Recipe: r.Recipe, File: r.File, Line: r.Line, Seq: r.Seq})
			rr.Prereqs = append(rr.Prereqs, prereqs...)
			rr.OrderOnly = append(rr.OrderOnly, orderOnly...)
			if r.Seq < rr.Seq {
				rr.Seq = r.Seq
			}
		}
		return nil
	}

	// Single-colon: prerequisites merge across all rules for the target;
	// the active recipe comes from the last rule that has one. Rules are
	// keyed by target name alone, not by makefile, so a later rule's recipe
	// replaces an earlier one's whether it comes from the same file or another.
	var active *Rule
	for _, r := range rules {
		prereqs, err := vars.ExpandSplit(r.PrereqText)
		if err != nil {
			return err
		}
		orderOnly, err := vars.ExpandSplit(r.OrderOnlyText)
		if err != nil {
			return err
		}
		rr.Prereqs = append(rr.Prereqs, prereqs...)
		rr.OrderOnly = append(rr.OrderOnly, orderOnly...)
		if r.Seq < rr.Seq {
			rr.Seq = r.Seq
		}
		if len(r.Recipe) > 0 {
			active = r
		}
	}

	if active == nil {
		// Prerequisite-only rule: a pattern rule may still contribute the
		// recipe and its implied prerequisites.
		if ok, err := db.patternRecipe(rr, rr.Target, vars); err != nil {
			return err
		} else if ok {
			return nil
		}
		rr.Entries = []RuleEntry{{Prereqs: rr.Prereqs, OrderOnly: rr.OrderOnly, File: rules[0].File, Line: rules[0].Line, Seq: rr.Seq}}
		return nil
	}

	rr.Entries = []RuleEntry{{Prereqs: rr.Prereqs, OrderOnly: rr.OrderOnly, Recipe: active.Recipe, File: active.File, Line: active.Line, Seq: rr.Seq}}
	return nil
}

// patternPrereqs expands a rule's prerequisite texts and substitutes the
// stem into % words.
func (db *RuleDB) patternPrereqs(r *Rule, stem string, vars *Vars) (prereqs, orderOnly []string, err error) {
	prereqs, err = vars.ExpandSplit(r.PrereqText)
	if err != nil {
		return nil, nil, err
	}
	for i, p := range prereqs {
		prereqs[i] = substStem(p, stem)
	}
	orderOnly, err = vars.ExpandSplit(r.OrderOnlyText)
	if err != nil {
		return nil, nil, err
	}
	for i, p := range orderOnly {
		orderOnly[i] = substStem(p, stem)
	}
	return prereqs, orderOnly, nil
}

type patternCandidate struct {
	rule      *Rule
	stem      string
	prereqs   []string
	orderOnly []string
	srcExists bool
	builtin   bool
}

// resolvePattern fills rr from the best applicable pattern rule.
func (db *RuleDB) resolvePattern(rr *ResolvedRule, target string, vars *Vars) (bool, error) {
	cand, err := db.bestPattern(target, vars)
	if err != nil || cand == nil {
		return false, err
	}
	rr.Stem = cand.stem
	rr.Seq = cand.rule.Seq
	rr.Prereqs = cand.prereqs
	rr.OrderOnly = cand.orderOnly
	rr.Entries = []RuleEntry{{Prereqs: cand.prereqs, OrderOnly: cand.orderOnly, Recipe: cand.rule.Recipe, File: cand.rule.File, Line: cand.rule.Line, Seq: cand.rule.Seq}}
	return true, nil
}

// patternRecipe grafts a pattern rule's recipe and implied prerequisites
// onto an explicit prerequisite-only rule.
func (db *RuleDB) patternRecipe(rr *ResolvedRule, target string, vars *Vars) (bool, error) {
	cand, err := db.bestPattern(target, vars)
	if err != nil || cand == nil {
		return false, err
	}
	rr.Stem = cand.stem
	rr.Prereqs = append(rr.Prereqs, cand.prereqs...)
	rr.OrderOnly = append(rr.OrderOnly, cand.orderOnly...)
	rr.Entries = []RuleEntry{{Prereqs: rr.Prereqs, OrderOnly: rr.OrderOnly, Recipe: cand.rule.Recipe, File: cand.rule.File, Line: cand.rule.Line, Seq: cand.rule.Seq}}
	return true, nil
}

// bestPattern collects all applicable pattern rules for the target and
// picks the winner: user rules before built-ins, rules whose implied source
// exists on disk before ones that don't, then declaration order.
func (db *RuleDB) bestPattern(target string, vars *Vars) (*patternCandidate, error) {
	var cands []*patternCandidate
	consider := func(r *Rule, builtin bool) error {
		for _, tp := range r.Targets {
			stem, ok := matchStem(tp, target)
			if !ok || stem == "" {
				continue
			}
			prereqs, orderOnly, err := db.patternPrereqs(r, stem, vars)
			if err != nil {
				return err
			}
			applicable := true
			srcExists := len(prereqs) == 0
			for _, p := range prereqs {
				if _, ok := db.ResolvePath(p); ok {
					srcExists = true
				} else if !db.hasRule(p) {
					applicable = false
					break
				}
			}
			if applicable {
				cands = append(cands, &patternCandidate{rule: r, stem: stem, prereqs: prereqs, orderOnly: orderOnly, srcExists: srcExists, builtin: builtin})
			}
			break
		}
		return nil
	}
	for _, r := range db.patterns {
		if err := consider(r, false); err != nil {
			return nil, err
		}
	}
	for _, r := range db.builtins {
		if err := consider(r, true); err != nil {
			return nil, err
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.builtin != b.builtin {
			return !a.builtin
		}
		if a.srcExists != b.srcExists {
			return a.srcExists
		}
		return a.rule.Seq < b.rule.Seq
	})
	return cands[0], nil
}

// Targets returns the explicit target names in declaration order.
func (db *RuleDB) Targets() []string {
	seen := make(map[string]bool)
	var rules []*Rule
	for _, rs := range db.explicit {
		rules = append(rules, rs...)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Seq < rules[j].Seq })
	var out []string
	for _, r := range rules {
		for _, t := range r.Targets {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Serialize writes the database back out in makefile syntax. Reparsing the
// output against the same variable store yields an equivalent database.
func (db *RuleDB) Serialize(w io.Writer) error {
	var phonies []string
	for n := range db.phony {
		phonies = append(phonies, n)
	}
	sort.Strings(phonies)
	if len(phonies) > 0 {
		if _, err := fmt.Fprintf(w, ".PHONY: %s\n", strings.Join(phonies, " ")); err != nil {
			return err
		}
	}
	for _, e := range db.vpaths {
		if _, err := fmt.Fprintf(w, "vpath %s %s\n", e.Pattern, strings.Join(e.Dirs, " ")); err != nil {
			return err
		}
	}

	seen := make(map[*Rule]bool)
	var rules []*Rule
	for _, rs := range db.explicit {
		for _, r := range rs {
			if !seen[r] {
				seen[r] = true
				rules = append(rules, r)
			}
		}
	}
	rules = append(rules, db.statics...)
	rules = append(rules, db.patterns...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Seq < rules[j].Seq })

	for _, r := range rules {
		sep := ":"
		if r.DoubleColon {
			sep = "::"
		}
		line := strings.Join(r.Targets, " ") + sep
		if r.TargetPattern != "" {
			line += " " + r.TargetPattern + " :"
		}
		if r.PrereqText != "" {
			line += " " + r.PrereqText
		}
		if r.OrderOnlyText != "" {
			line += " | " + r.OrderOnlyText
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, rl := range r.Recipe {
			if _, err := fmt.Fprintf(w, "\t%s\n", rl); err != nil {
				return err
			}
		}
	}
	return nil
}
