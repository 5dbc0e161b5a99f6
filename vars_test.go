// Copyright 2026 The smak Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"strings"
	"testing"
)

func expandOK(t *testing.T, v *Vars, s string) string {
	t.Helper()
	out, err := v.Expand(s)
	if err != nil {
		t.Fatalf("Expand(%q): %v", s, err)
	}
	return out
}

func TestExpandBasics(t *testing.T) {
	v := NewVars()
	v.Set("NAME", "world", FlavorRecursive, OriginFile)
	v.Set("G", "greet", FlavorRecursive, OriginFile)

	for _, tc := range []struct{ in, want string }{
		{"hello $(NAME)", "hello world"},
		{"hello ${NAME}", "hello world"},
		{"$G!", "greet!"},
		{"cost: $$5", "cost: $5"},
		{"empty $(UNDEFINED) here", "empty  here"},
	} {
		if got := expandOK(t, v, tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExpandNested(t *testing.T) {
	v := NewVars()
	v.Set("INNER", "X", FlavorRecursive, OriginFile)
	v.Set("VARX", "deep", FlavorRecursive, OriginFile)
	if got := expandOK(t, v, "$(VAR$(INNER))"); got != "deep" {
		t.Errorf("computed name = %q", got)
	}
}

func TestExpandChain(t *testing.T) {
	v := NewVars()
	v.Set("A", "$(B)", FlavorRecursive, OriginFile)
	v.Set("B", "$(C)", FlavorRecursive, OriginFile)
	v.Set("C", "bottom", FlavorRecursive, OriginFile)
	if got := expandOK(t, v, "$(A)"); got != "bottom" {
		t.Errorf("chain = %q", got)
	}
}

func TestExpandObjextNoDivergence(t *testing.T) {
	v := NewVars()
	v.Set("OBJEXT", "o", FlavorRecursive, OriginFile)
	got, err := v.Expand("src/lib.$(OBJEXT)")
	if err != nil {
		t.Fatalf("unexpected diagnostic: %v", err)
	}
	if got != "src/lib.o" {
		t.Errorf("got %q, want %q", got, "src/lib.o")
	}
}

func TestExpandDivergence(t *testing.T) {
	v := NewVars()
	v.Set("LOOP", "$(LOOP)x", FlavorRecursive, OriginFile)
	_, err := v.Expand("$(LOOP)")
	de, ok := err.(*DivergenceError)
	if !ok {
		t.Fatalf("expected DivergenceError, got %v", err)
	}
	if de.Var != "LOOP" {
		t.Errorf("diagnostic names %q, want LOOP", de.Var)
	}
}

func TestExpandMutualDivergence(t *testing.T) {
	v := NewVars()
	v.SetLimit(100)
	v.Set("A", "$(B)", FlavorRecursive, OriginFile)
	v.Set("B", "$(A)", FlavorRecursive, OriginFile)
	if _, err := v.Expand("$(A)"); err == nil {
		t.Fatal("expected divergence")
	}
}

func TestSubstitutionReference(t *testing.T) {
	v := NewVars()
	v.Set("SRCS", "a.c b.c c.c", FlavorRecursive, OriginFile)
	if got := expandOK(t, v, "$(SRCS:.c=.o)"); got != "a.o b.o c.o" {
		t.Errorf("got %q", got)
	}
	if got := expandOK(t, v, "$(SRCS:%.c=obj/%.o)"); got != "obj/a.o obj/b.o obj/c.o" {
		t.Errorf("got %q", got)
	}
}

func TestTextFunctions(t *testing.T) {
	v := NewVars()
	v.Set("FILES", "src/a.c src/b.cpp doc/readme.txt", FlavorRecursive, OriginFile)

	for _, tc := range []struct{ in, want string }{
		{"$(subst .c,.o,a.c b.c)", "a.o b.o"},
		{"$(patsubst %.c,%.o,a.c b.c keep.h)", "a.o b.o keep.h"},
		{"$(filter %.c,$(FILES))", "src/a.c"},
		{"$(filter-out %.txt,$(FILES))", "src/a.c src/b.cpp"},
		{"$(filter %.c %.cpp,$(FILES))", "src/a.c src/b.cpp"},
		{"$(findstring b.cpp,$(FILES))", "b.cpp"},
		{"$(findstring zzz,$(FILES))", ""},
		{"$(word 2,$(FILES))", "src/b.cpp"},
		{"$(wordlist 2,3,$(FILES))", "src/b.cpp doc/readme.txt"},
		{"$(words $(FILES))", "3"},
		{"$(firstword $(FILES))", "src/a.c"},
		{"$(lastword $(FILES))", "doc/readme.txt"},
		{"$(dir src/a.c top.c)", "src/ ./"},
		{"$(notdir src/a.c)", "a.c"},
		{"$(basename src/a.c doc/readme.txt)", "src/a doc/readme"},
		{"$(suffix src/a.c doc/readme.txt nosuffix)", ".c .txt"},
		{"$(addsuffix .o,a b)", "a.o b.o"},
		{"$(addprefix obj/,a b)", "obj/a obj/b"},
		{"$(strip   spaced    words  )", "spaced words"},
		{"$(sort c b a b)", "a b c"},
		{"$(if nonempty,yes,no)", "yes"},
		{"$(if ,yes,no)", "no"},
		{"$(or ,second,third)", "second"},
		{"$(and one,two)", "two"},
		{"$(and one,,three)", ""},
	} {
		if got := expandOK(t, v, tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestForeach(t *testing.T) {
	v := NewVars()
	v.Set("DIRS", "a b c", FlavorRecursive, OriginFile)
	if got := expandOK(t, v, "$(foreach d,$(DIRS),$(d)/src)"); got != "a/src b/src c/src" {
		t.Errorf("foreach = %q", got)
	}
	if v.Lookup("d") != nil {
		t.Error("loop variable leaked")
	}
}

func TestCall(t *testing.T) {
	v := NewVars()
	v.Set("swap", "$(2) $(1)", FlavorRecursive, OriginFile)
	if got := expandOK(t, v, "$(call swap,first,second)"); got != "second first" {
		t.Errorf("call = %q", got)
	}
}

func TestOriginAndFlavor(t *testing.T) {
	v := NewVars()
	v.Set("R", "x", FlavorRecursive, OriginFile)
	v.Set("S", "y", FlavorSimple, OriginCommandLine)

	for _, tc := range []struct{ in, want string }{
		{"$(origin R)", "file"},
		{"$(origin S)", "command line"},
		{"$(origin NOPE)", "undefined"},
		{"$(flavor R)", "recursive"},
		{"$(flavor S)", "simple"},
		{"$(flavor NOPE)", "undefined"},
	} {
		if got := expandOK(t, v, tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestErrorFunction(t *testing.T) {
	v := NewVars()
	_, err := v.Expand("$(error boom town)")
	if err == nil || !strings.Contains(err.Error(), "boom town") {
		t.Fatalf("err = %v", err)
	}
}

func TestShellFunction(t *testing.T) {
	v := NewVars()
	if got := expandOK(t, v, "$(shell echo hello)"); got != "hello" {
		t.Errorf("shell = %q", got)
	}
	// Newlines collapse to spaces, trailing newline stripped.
	if got := expandOK(t, v, "$(shell printf 'a\\nb\\n')"); got != "a b" {
		t.Errorf("shell multiline = %q", got)
	}
}

func TestWildcardFunction(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "one.c", "")
	writeFile(t, dir, "two.c", "")
	writeFile(t, dir, "three.h", "")
	v := NewVars()
	got := expandOK(t, v, "$(sort $(wildcard *.c))")
	if got != "one.c two.c" {
		t.Errorf("wildcard = %q", got)
	}
}

func TestOriginPrecedence(t *testing.T) {
	v := NewVars()
	v.Set("P", "cmdline", FlavorRecursive, OriginCommandLine)
	v.Set("P", "file", FlavorRecursive, OriginFile)
	if got := v.Get("P"); got != "cmdline" {
		t.Errorf("P = %q, want cmdline", got)
	}
	v.Set("P", "override", FlavorRecursive, OriginOverride)
	if got := v.Get("P"); got != "override" {
		t.Errorf("P = %q, want override", got)
	}
}

func TestAppendFlavours(t *testing.T) {
	v := NewVars()
	if err := v.Assign("R", OpRecursive, "$(BASE)", OriginFile); err != nil {
		t.Fatal(err)
	}
	if err := v.Assign("R", OpAppend, "extra", OriginFile); err != nil {
		t.Fatal(err)
	}
	v.Set("BASE", "base", FlavorRecursive, OriginFile)
	got, err := v.ExpandVar("R")
	if err != nil {
		t.Fatal(err)
	}
	if got != "base extra" {
		t.Errorf("R = %q", got)
	}
}

func TestCloneIsolation(t *testing.T) {
	v := NewVars()
	v.Set("X", "orig", FlavorRecursive, OriginFile)
	c := v.Clone()
	c.Set("X", "changed", FlavorSimple, OriginAutomatic)
	if got := v.Get("X"); got != "orig" {
		t.Errorf("clone mutation leaked: %q", got)
	}
}

func TestExportedSnapshot(t *testing.T) {
	t.Setenv("SMAK_EXPORT_PROBE", "1")
	v := NewVars()
	v.Set("LOCAL", "private", FlavorRecursive, OriginFile)
	v.Set("SHOWN", "public", FlavorRecursive, OriginFile)
	v.Export("SHOWN")
	env := strings.Join(v.Exported(), "\n")
	if !strings.Contains(env, "SMAK_EXPORT_PROBE=1") {
		t.Error("environment variable not exported")
	}
	if !strings.Contains(env, "SHOWN=public") {
		t.Error("exported variable missing")
	}
	if strings.Contains(env, "LOCAL=") {
		t.Error("unexported variable leaked")
	}
}
