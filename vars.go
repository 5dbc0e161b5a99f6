// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Flavor describes when a variable's value is evaluated.
type Flavor int

const (
	FlavorUndefined Flavor = iota
	FlavorRecursive        // evaluated on every read
	FlavorSimple           // evaluated at assignment
)

func (f Flavor) String() string {
	switch f {
	case FlavorRecursive:
		return "recursive"
	case FlavorSimple:
		return "simple"
	default:
		return "undefined"
	}
}

// Origin describes where a variable's binding came from. Higher origins
// outrank lower ones: an assignment from a lower origin never overwrites a
// binding from a higher one.
type Origin int

const (
	OriginUndefined Origin = iota
	OriginDefault
	OriginFile
	OriginEnvironment
	OriginCommandLine
	OriginOverride
	OriginAutomatic
)

func (o Origin) String() string {
	switch o {
	case OriginDefault:
		return "default"
	case OriginFile:
		return "file"
	case OriginEnvironment:
		return "environment"
	case OriginCommandLine:
		return "command line"
	case OriginOverride:
		return "override"
	case OriginAutomatic:
		return "automatic"
	default:
		return "undefined"
	}
}

// Variable is a named binding in the store.
type Variable struct {
	Name   string
	Value  string
	Flavor Flavor
	Origin Origin
	Export bool
}

// DefaultExpandLimit bounds the number of reference resolutions in a single
// top-level expansion before it is reported as divergent.
const DefaultExpandLimit = 10000

// Vars is the variable store.
type Vars struct {
	vals     map[string]*Variable
	limit    int
	evalHook func(text string) error // $(eval ...) feeds back into the parser
}

// NewVars creates a store pre-populated from the process environment.
func NewVars() *Vars {
	v := &Vars{
		vals:  make(map[string]*Variable),
		limit: DefaultExpandLimit,
	}
	for _, env := range os.Environ() {
		k, val, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		v.vals[k] = &Variable{Name: k, Value: val, Flavor: FlavorRecursive, Origin: OriginEnvironment, Export: true}
	}
	return v
}

// SetLimit overrides the expansion iteration limit.
func (v *Vars) SetLimit(n int) {
	if n > 0 {
		v.limit = n
	}
}

// SetEvalHook registers the callback used by $(eval ...).
func (v *Vars) SetEvalHook(fn func(string) error) {
	v.evalHook = fn
}

// Lookup returns the variable binding, or nil if undefined.
func (v *Vars) Lookup(name string) *Variable {
	return v.vals[name]
}

// Get returns the raw (unexpanded) value of a variable.
func (v *Vars) Get(name string) string {
	if b := v.vals[name]; b != nil {
		return b.Value
	}
	return ""
}

// Set binds a variable unconditionally with respect to flavour, subject to
// origin precedence.
func (v *Vars) Set(name, value string, flavor Flavor, origin Origin) {
	if old := v.vals[name]; old != nil {
		if old.Origin > origin {
			return
		}
		v.vals[name] = &Variable{Name: name, Value: value, Flavor: flavor, Origin: origin, Export: old.Export}
		return
	}
	v.vals[name] = &Variable{Name: name, Value: value, Flavor: flavor, Origin: origin}
}

// Assign applies an assignment statement to the store.
func (v *Vars) Assign(name string, op AssignOp, value string, origin Origin) error {
	switch op {
	case OpRecursive:
		v.Set(name, value, FlavorRecursive, origin)
	case OpSimple:
		expanded, err := v.Expand(value)
		if err != nil {
			return err
		}
		v.Set(name, expanded, FlavorSimple, origin)
	case OpCondSet:
		if v.vals[name] == nil {
			v.Set(name, value, FlavorRecursive, origin)
		}
	case OpAppend:
		old := v.vals[name]
		if old == nil {
			v.Set(name, value, FlavorRecursive, origin)
			return nil
		}
		if old.Origin > origin {
			return nil
		}
		switch old.Flavor {
		case FlavorSimple:
			expanded, err := v.Expand(value)
			if err != nil {
				return err
			}
			old.Value = joinSpace(old.Value, expanded)
		default:
			old.Value = joinSpace(old.Value, value)
		}
	}
	return nil
}

func joinSpace(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}

// Export marks a variable for inclusion in worker environments.
func (v *Vars) Export(name string) {
	if b := v.vals[name]; b != nil {
		b.Export = true
		return
	}
	v.vals[name] = &Variable{Name: name, Flavor: FlavorRecursive, Origin: OriginFile, Export: true}
}

// Unexport removes a variable from worker environments.
func (v *Vars) Unexport(name string) {
	if b := v.vals[name]; b != nil {
		b.Export = false
	}
}

// Shell returns the shell used for recipes and $(shell ...).
func (v *Vars) Shell() string {
	if s := v.Get("SHELL"); s != "" {
		return s
	}
	return "sh"
}

// Exported returns the exported bindings as KEY=VALUE strings, values
// expanded, sorted by key. This is the environment snapshot handed to
// workers at handshake time.
func (v *Vars) Exported() []string {
	m := v.ExportedValues()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}

// ExportedValues returns the exported bindings as a map, values expanded.
// The same subset feeds target fingerprints.
func (v *Vars) ExportedValues() map[string]string {
	m := make(map[string]string)
	for k, b := range v.vals {
		if !b.Export {
			continue
		}
		val, err := v.Expand(b.Value)
		if err != nil {
			val = b.Value
		}
		m[k] = val
	}
	return m
}

// Clone copies the store. Bindings are copied by value so automatic
// variables set on the clone never leak back.
func (v *Vars) Clone() *Vars {
	c := &Vars{
		vals:     make(map[string]*Variable, len(v.vals)),
		limit:    v.limit,
		evalHook: v.evalHook,
	}
	for k, b := range v.vals {
		dup := *b
		c.vals[k] = &dup
	}
	return c
}

// push temporarily rebinds a variable and returns the restore function.
// Used by $(foreach ...) and $(call ...).
func (v *Vars) push(name, value string) func() {
	old := v.vals[name]
	v.vals[name] = &Variable{Name: name, Value: value, Flavor: FlavorSimple, Origin: OriginAutomatic}
	return func() {
		if old == nil {
			delete(v.vals, name)
		} else {
			v.vals[name] = old
		}
	}
}

// Expand evaluates $(...) references and function calls in s.
func (v *Vars) Expand(s string) (string, error) {
	x := &expander{vars: v, limit: v.limit}
	return x.expand(s)
}

// ExpandSplit expands s and splits the result into whitespace-separated words.
func (v *Vars) ExpandSplit(s string) ([]string, error) {
	expanded, err := v.Expand(s)
	if err != nil {
		return nil, err
	}
	return strings.Fields(expanded), nil
}

// ExpandVar expands the value of a named variable according to its flavour.
func (v *Vars) ExpandVar(name string) (string, error) {
	b := v.vals[name]
	if b == nil {
		return "", nil
	}
	if b.Flavor == FlavorSimple {
		return b.Value, nil
	}
	return v.Expand(b.Value)
}

// expander drives a single top-level expansion. Unresolved text segments are
// pushed on an explicit work stack rather than evaluated by recursion;
// every reference resolution bumps the step counter so divergent definitions
// fail with a diagnostic instead of looping.
type expander struct {
	vars    *Vars
	steps   int
	limit   int
	current string // variable most recently entered, for diagnostics
}

func (x *expander) expand(s string) (string, error) {
	var out strings.Builder
	stack := []string{s}
	for len(stack) > 0 {
		seg := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for {
			dollar := strings.IndexByte(seg, '$')
			if dollar < 0 {
				out.WriteString(seg)
				break
			}
			out.WriteString(seg[:dollar])
			seg = seg[dollar:]
			if len(seg) == 1 {
				out.WriteByte('$')
				break
			}

			x.steps++
			if x.steps > x.limit {
				return "", &DivergenceError{Var: x.current, Limit: x.limit}
			}

			c := seg[1]
			switch {
			case c == '$':
				out.WriteByte('$')
				seg = seg[2:]

			case c == '(' || c == '{':
				end := matchingDelim(seg[1:], c)
				if end < 0 {
					return "", errors.Errorf("unterminated reference: %s", seg)
				}
				body := seg[2 : 1+end]
				rest := seg[2+end:]
				res, rescan, err := x.resolveRef(body)
				if err != nil {
					return "", err
				}
				if rescan {
					stack = append(stack, rest)
					seg = res
					continue
				}
				out.WriteString(res)
				seg = rest

			default:
				// single-character reference: $C
				name := string(seg[1])
				rest := seg[2:]
				res, rescan := x.resolveVar(name)
				if rescan {
					stack = append(stack, rest)
					seg = res
					continue
				}
				out.WriteString(res)
				seg = rest
			}
		}
	}
	return out.String(), nil
}

// resolveRef handles the body of a $(...) or ${...} reference: a function
// call, a substitution reference, or a plain variable. rescan reports that
// the result must go back through the work stack (recursive flavour).
func (x *expander) resolveRef(body string) (result string, rescan bool, err error) {
	// Function call: first word is a known function name.
	if sp := strings.IndexAny(body, " \t"); sp > 0 {
		name := body[:sp]
		if _, ok := textFuncs[name]; ok {
			res, err := x.evalFunc(name, strings.TrimLeft(body[sp+1:], " \t"))
			return res, false, err
		}
	}

	// Substitution reference: $(VAR:pat=repl).
	if colon := indexTopLevel(body, ':'); colon >= 0 {
		if eq := strings.IndexByte(body[colon:], '='); eq >= 0 {
			name := body[:colon]
			pat := body[colon+1 : colon+eq]
			repl := body[colon+eq+1:]
			val, err := x.expandVarNow(name)
			if err != nil {
				return "", false, err
			}
			if !strings.Contains(pat, "%") {
				pat, repl = "%"+pat, "%"+repl
			}
			words := strings.Fields(val)
			for i, w := range words {
				if stem, ok := matchStem(pat, w); ok {
					words[i] = substStem(repl, stem)
				}
			}
			return strings.Join(words, " "), false, nil
		}
	}

	// Plain variable; the name itself may be computed.
	name := body
	if strings.ContainsRune(name, '$') {
		name, err = x.expand(name)
		if err != nil {
			return "", false, err
		}
	}
	res, rescan := x.resolveVar(strings.TrimSpace(name))
	return res, rescan, nil
}

func (x *expander) resolveVar(name string) (string, bool) {
	b := x.vars.Lookup(name)
	if b == nil {
		return "", false
	}
	x.current = name
	if b.Flavor == FlavorSimple {
		return b.Value, false
	}
	return b.Value, true
}

// expandVarNow fully expands a variable's value within this expansion,
// sharing the step budget.
func (x *expander) expandVarNow(name string) (string, error) {
	b := x.vars.Lookup(name)
	if b == nil {
		return "", nil
	}
	x.current = name
	if b.Flavor == FlavorSimple {
		return b.Value, nil
	}
	return x.expand(b.Value)
}

// matchingDelim returns the index in s of the delimiter closing s[0],
// which must be '(' or '{'. Returns -1 if unbalanced.
func matchingDelim(s string, open byte) int {
	var closing byte = ')'
	if open == '{' {
		closing = '}'
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// indexTopLevel returns the index of the first c in s outside any $(...)
// or ${...} nesting, or -1.
func indexTopLevel(s string, c byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		default:
			if s[i] == c && depth == 0 {
				return i
			}
		}
	}
	return -1
}

// matchStem matches word against a single-% pattern and returns the stem.
func matchStem(pattern, word string) (string, bool) {
	pre, suf, ok := strings.Cut(pattern, "%")
	if !ok {
		return "", pattern == word
	}
	if len(word) < len(pre)+len(suf) {
		return "", false
	}
	if !strings.HasPrefix(word, pre) || !strings.HasSuffix(word, suf) {
		return "", false
	}
	return word[len(pre) : len(word)-len(suf)], true
}

// substStem substitutes the stem into a % pattern.
func substStem(pattern, stem string) string {
	return strings.Replace(pattern, "%", stem, 1)
}
