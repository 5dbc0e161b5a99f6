// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Engine bundles the stores produced by parsing a makefile tree.
type Engine struct {
	Vars      *Vars
	DB        *RuleDB
	Makefile  string
	Makefiles []string // root plus everything transitively included
}

// LoadMakefile parses a root makefile and everything it includes into a
// fresh rule database backed by the given variable store.
func LoadMakefile(path string, vars *Vars, noBuiltins bool) (*Engine, error) {
	InstallDefaults(vars)
	db := NewRuleDB(noBuiltins)
	p := &parser{vars: vars, db: db}
	vars.SetEvalHook(p.evalText)
	if err := p.parseFile(path); err != nil {
		return nil, err
	}
	if err := db.Finalize(vars); err != nil {
		return nil, err
	}
	return &Engine{Vars: vars, DB: db, Makefile: path, Makefiles: p.files}, nil
}

type condFrame struct {
	emitting bool // this branch emits constructs
	taken    bool // some branch of this conditional was taken
	sawElse  bool
}

type parser struct {
	vars     *Vars
	db       *RuleDB
	files    []string
	lastRule *Rule // recipe lines attach here
	conds    []condFrame
}

func (p *parser) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "cannot read makefile %s", path)
	}
	defer f.Close()

	var raw []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw = append(raw, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}

	p.files = append(p.files, path)
	lines, nums := joinContinuations(raw)
	return p.parseLines(lines, nums, path)
}

// evalText feeds $(eval ...) output back through the parser.
func (p *parser) evalText(text string) error {
	lines, nums := joinContinuations(strings.Split(text, "\n"))
	return p.parseLines(lines, nums, "<eval>")
}

// joinContinuations merges backslash-continued lines into logical lines,
// keeping the line number of the first physical line.
func joinContinuations(raw []string) ([]string, []int) {
	var lines []string
	var nums []int
	for i := 0; i < len(raw); i++ {
		line := raw[i]
		num := i + 1
		for strings.HasSuffix(line, "\\") && !strings.HasSuffix(line, "\\\\") && i+1 < len(raw) {
			next := raw[i+1]
			line = strings.TrimRight(line[:len(line)-1], " \t") + " " + strings.TrimLeft(next, " \t")
			i++
		}
		lines = append(lines, line)
		nums = append(nums, num)
	}
	return lines, nums
}

func (p *parser) suppressed() bool {
	for _, f := range p.conds {
		if !f.emitting {
			return true
		}
	}
	return false
}

func (p *parser) parseLines(lines []string, nums []int, file string) error {
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		num := nums[i]

		// A tab-indented line belongs to the most recently started rule.
		if strings.HasPrefix(line, "\t") {
			if p.suppressed() {
				continue
			}
			if p.lastRule != nil {
				p.lastRule.Recipe = append(p.lastRule.Recipe, line[1:])
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			return &ParseError{File: file, Line: num, Msg: "recipe line outside a rule"}
		}

		stripped := stripComment(line)
		trimmed := strings.TrimSpace(stripped)
		if trimmed == "" {
			continue
		}

		word0 := trimmed
		if sp := strings.IndexAny(trimmed, " \t"); sp >= 0 {
			word0 = trimmed[:sp]
		}

		// Conditional directives are tracked even inside untaken branches.
		switch word0 {
		case "ifdef", "ifndef", "ifeq", "ifneq":
			if err := p.openConditional(word0, strings.TrimSpace(trimmed[len(word0):]), file, num); err != nil {
				return err
			}
			continue
		case "else":
			if err := p.elseBranch(strings.TrimSpace(trimmed[len(word0):]), file, num); err != nil {
				return err
			}
			continue
		case "endif":
			if len(p.conds) == 0 {
				return &ParseError{File: file, Line: num, Msg: "endif without matching if"}
			}
			p.conds = p.conds[:len(p.conds)-1]
			continue
		}

		if p.suppressed() {
			// Skip define bodies wholesale inside untaken branches.
			if word0 == "define" {
				for i++; i < len(lines); i++ {
					if strings.TrimSpace(stripComment(lines[i])) == "endef" {
						break
					}
				}
			}
			continue
		}

		if word0 == "define" {
			name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed[len(word0):]), "="))
			if name == "" {
				return &ParseError{File: file, Line: num, Msg: "define requires a name"}
			}
			var body []string
			closed := false
			for i++; i < len(lines); i++ {
				if strings.TrimSpace(stripComment(lines[i])) == "endef" {
					closed = true
					break
				}
				body = append(body, lines[i])
			}
			if !closed {
				return &ParseError{File: file, Line: num, Msg: "missing endef"}
			}
			if err := p.vars.Assign(name, OpRecursive, strings.Join(body, "\n"), OriginFile); err != nil {
				return err
			}
			continue
		}

		if err := p.parseStatement(trimmed, file, num); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseStatement(trimmed, file string, num int) error {
	origin := OriginFile

	if rest, ok := strings.CutPrefix(trimmed, "override "); ok {
		origin = OriginOverride
		trimmed = strings.TrimSpace(rest)
	}

	if rest, ok := strings.CutPrefix(trimmed, "export "); ok {
		rest = strings.TrimSpace(rest)
		if name, op, value, isAssign := classifyAssign(rest); isAssign {
			if err := p.vars.Assign(name, op, value, origin); err != nil {
				return p.wrapEval(err, file, num)
			}
			p.vars.Export(name)
			return nil
		}
		names, err := p.vars.ExpandSplit(rest)
		if err != nil {
			return p.wrapEval(err, file, num)
		}
		for _, n := range names {
			p.vars.Export(n)
		}
		return nil
	}
	if rest, ok := strings.CutPrefix(trimmed, "unexport "); ok {
		names, err := p.vars.ExpandSplit(rest)
		if err != nil {
			return p.wrapEval(err, file, num)
		}
		for _, n := range names {
			p.vars.Unexport(n)
		}
		return nil
	}

	if rest, ok := cutAnyPrefix(trimmed, "include ", "-include ", "sinclude "); ok {
		optional := !strings.HasPrefix(trimmed, "include ")
		paths, err := p.vars.ExpandSplit(rest)
		if err != nil {
			return p.wrapEval(err, file, num)
		}
		for _, path := range paths {
			if err := p.parseFile(path); err != nil {
				if optional {
					debugf("skipping missing include %s: %v", path, err)
					continue
				}
				return err
			}
		}
		return nil
	}

	if rest, ok := strings.CutPrefix(trimmed, "vpath "); ok {
		fields, err := p.vars.ExpandSplit(rest)
		if err != nil {
			return p.wrapEval(err, file, num)
		}
		if len(fields) < 2 {
			return &ParseError{File: file, Line: num, Msg: "vpath requires a pattern and directories"}
		}
		var dirs []string
		for _, d := range fields[1:] {
			dirs = append(dirs, strings.Split(d, ":")...)
		}
		p.db.AddVpath(fields[0], dirs)
		return nil
	}

	if name, op, value, ok := classifyAssign(trimmed); ok {
		if err := p.vars.Assign(name, op, value, origin); err != nil {
			return p.wrapEval(err, file, num)
		}
		return nil
	}

	if ok, err := p.parseRuleLine(trimmed, file, num); err != nil {
		return err
	} else if ok {
		return nil
	}

	// A bare reference line, e.g. $(eval ...) or $(info ...): expand it for
	// its side effects; anything left over is a real syntax error.
	if strings.ContainsRune(trimmed, '$') {
		expanded, err := p.vars.Expand(trimmed)
		if err != nil {
			return p.wrapEval(err, file, num)
		}
		if strings.TrimSpace(expanded) == "" {
			return nil
		}
	}

	return &ParseError{File: file, Line: num, Msg: "unrecognized line: " + trimmed}
}

// wrapEval attaches file:line context to expansion failures.
func (p *parser) wrapEval(err error, file string, num int) error {
	return errors.Wrapf(err, "%s:%d", file, num)
}

func (p *parser) parseRuleLine(line, file string, num int) (bool, error) {
	colon, double := topLevelColon(line)
	if colon < 0 {
		return false, nil
	}

	targetText := line[:colon]
	rest := line[colon+1:]
	if double {
		rest = rest[1:]
	}

	// Inline recipe after ';'.
	var inline string
	if semi := indexTopLevel(rest, ';'); semi >= 0 {
		inline = strings.TrimSpace(rest[semi+1:])
		rest = rest[:semi]
	}

	// Targets are expanded at registration time; prerequisites stay raw.
	targets, err := p.vars.ExpandSplit(targetText)
	if err != nil {
		return true, p.wrapEval(err, file, num)
	}
	if len(targets) == 0 {
		// e.g. $(EMPTY): — nothing to register.
		p.lastRule = nil
		return true, nil
	}

	stmt := &RuleStmt{
		Targets:     targets,
		DoubleColon: double,
		File:        file,
		Line:        num,
	}

	// Static-pattern rule: targets : target-pattern : prereq-patterns.
	if c2, _ := topLevelColon(rest); c2 >= 0 {
		pat := strings.TrimSpace(rest[:c2])
		if !strings.ContainsRune(pat, '%') {
			return true, &ParseError{File: file, Line: num, Msg: "multiple target patterns"}
		}
		stmt.TargetPattern = pat
		rest = rest[c2+1:]
	}

	normal, orderOnly, _ := strings.Cut(rest, "|")
	stmt.PrereqText = strings.TrimSpace(normal)
	stmt.OrderOnlyText = strings.TrimSpace(orderOnly)

	r := p.db.AddRule(stmt)
	p.lastRule = r
	if r != nil && inline != "" {
		r.Recipe = append(r.Recipe, inline)
	}
	return true, nil
}

func (p *parser) openConditional(kind, rest, file string, num int) error {
	parent := !p.suppressed()
	frame := condFrame{}
	if parent {
		taken, err := p.evalCond(kind, rest, file, num)
		if err != nil {
			return err
		}
		frame.emitting = taken
		frame.taken = taken
	}
	p.conds = append(p.conds, frame)
	return nil
}

func (p *parser) elseBranch(rest, file string, num int) error {
	if len(p.conds) == 0 {
		return &ParseError{File: file, Line: num, Msg: "else without matching if"}
	}
	frame := &p.conds[len(p.conds)-1]
	if frame.sawElse {
		return &ParseError{File: file, Line: num, Msg: "too many else branches"}
	}

	outerActive := true
	for _, f := range p.conds[:len(p.conds)-1] {
		if !f.emitting {
			outerActive = false
		}
	}
	if !outerActive {
		frame.emitting = false
		return nil
	}

	if frame.taken {
		frame.emitting = false
		if rest == "" {
			frame.sawElse = true
		}
		return nil
	}

	if rest == "" {
		frame.sawElse = true
		frame.emitting = true
		frame.taken = true
		return nil
	}

	// else ifeq / else ifdef ...
	kind := rest
	if sp := strings.IndexAny(rest, " \t("); sp >= 0 {
		kind = rest[:sp]
	}
	switch kind {
	case "ifdef", "ifndef", "ifeq", "ifneq":
		taken, err := p.evalCond(kind, strings.TrimSpace(strings.TrimPrefix(rest, kind)), file, num)
		if err != nil {
			return err
		}
		frame.emitting = taken
		frame.taken = taken
		return nil
	}
	return &ParseError{File: file, Line: num, Msg: "malformed else: " + rest}
}

func (p *parser) evalCond(kind, rest, file string, num int) (bool, error) {
	switch kind {
	case "ifdef", "ifndef":
		name, err := p.vars.Expand(strings.TrimSpace(rest))
		if err != nil {
			return false, p.wrapEval(err, file, num)
		}
		b := p.vars.Lookup(strings.TrimSpace(name))
		defined := b != nil && b.Value != ""
		if kind == "ifndef" {
			return !defined, nil
		}
		return defined, nil

	case "ifeq", "ifneq":
		a, b, ok := splitCondArgs(rest)
		if !ok {
			return false, &ParseError{File: file, Line: num, Msg: "malformed " + kind + ": " + rest}
		}
		left, err := p.vars.Expand(a)
		if err != nil {
			return false, p.wrapEval(err, file, num)
		}
		right, err := p.vars.Expand(b)
		if err != nil {
			return false, p.wrapEval(err, file, num)
		}
		eq := left == right
		if kind == "ifneq" {
			return !eq, nil
		}
		return eq, nil
	}
	return false, &ParseError{File: file, Line: num, Msg: "unknown conditional " + kind}
}

// splitCondArgs parses the (a,b), "a" "b", and 'a' 'b' argument forms.
func splitCondArgs(rest string) (string, string, bool) {
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		inner := rest[1 : len(rest)-1]
		comma := indexTopLevel(inner, ',')
		if comma < 0 {
			return "", "", false
		}
		return strings.TrimSpace(inner[:comma]), strings.TrimSpace(inner[comma+1:]), true
	}
	for _, q := range []byte{'"', '\''} {
		if len(rest) > 0 && rest[0] == q {
			end := strings.IndexByte(rest[1:], q)
			if end < 0 {
				return "", "", false
			}
			a := rest[1 : 1+end]
			tail := strings.TrimSpace(rest[end+2:])
			if len(tail) < 2 || tail[0] != q || tail[len(tail)-1] != q {
				return "", "", false
			}
			return a, tail[1 : len(tail)-1], true
		}
	}
	return "", "", false
}

// classifyAssign recognises the four assignment operators at top level.
func classifyAssign(line string) (name string, op AssignOp, value string, ok bool) {
	depth := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		case ':':
			if depth != 0 {
				continue
			}
			if i+1 < len(line) && line[i+1] == '=' {
				name = strings.TrimSpace(line[:i])
				if !validVarName(name) {
					return "", 0, "", false
				}
				return name, OpSimple, strings.TrimSpace(line[i+2:]), true
			}
			return "", 0, "", false // rule separator
		case '=':
			if depth != 0 {
				continue
			}
			j := i
			op = OpRecursive
			if i > 0 {
				switch line[i-1] {
				case '?':
					op = OpCondSet
					j = i - 1
				case '+':
					op = OpAppend
					j = i - 1
				}
			}
			name = strings.TrimSpace(line[:j])
			if !validVarName(name) {
				return "", 0, "", false
			}
			return name, op, strings.TrimSpace(line[i+1:]), true
		}
	}
	return "", 0, "", false
}

func validVarName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, " \t#:=")
}

// topLevelColon returns the index of the rule-separating colon, skipping
// nesting, and whether it is a double colon.
func topLevelColon(line string) (int, bool) {
	depth := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		case ':':
			if depth == 0 {
				return i, i+1 < len(line) && line[i+1] == ':'
			}
		}
	}
	return -1, false
}

// stripComment removes a trailing # comment, ignoring # inside $(...) and
// honouring the \# escape.
func stripComment(line string) string {
	depth := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		case '\\':
			i++
		case '#':
			if depth == 0 {
				return strings.ReplaceAll(line[:i], "\\#", "#")
			}
		}
	}
	return strings.ReplaceAll(line, "\\#", "#")
}

func cutAnyPrefix(s string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(s, p); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}
