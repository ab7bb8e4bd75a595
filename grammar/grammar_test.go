package grammar

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustParse(t *testing.T, src string) *Grammar {
	t.Helper()
	g, err := ParseEBNF(src, "root")
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return g
}

func TestNewValidation(t *testing.T) {
	lit := func(s string) Element { return Element{Kind: ElementLiteral, Lit: []byte(s)} }
	prod := func(elems ...Element) Production { return Production{Elements: elems} }

	cases := []struct {
		name  string
		rules []Rule
		root  int
	}{
		{"root out of range", []Rule{{Name: "a", Productions: []Production{prod(lit("x"))}}}, 1},
		{"no productions", []Rule{{Name: "a"}}, 0},
		{"empty literal", []Rule{{Name: "a", Productions: []Production{prod(lit(""))}}}, 0},
		{"empty class", []Rule{{Name: "a", Productions: []Production{prod(
			Element{Kind: ElementCharClass, Class: CharClass{Ranges: []RuneRange{{Lo: 'z', Hi: 'a'}}}},
		)}}}, 0},
		{"dangling reference", []Rule{{Name: "a", Productions: []Production{prod(
			Element{Kind: ElementRuleRef, Rule: 5},
		)}}}, 0},
		{"bad repeat bounds", []Rule{{Name: "a", Productions: []Production{prod(
			Element{Kind: ElementRepeat, Rule: 0, Min: 3, Max: 2},
		)}}}, 0},
		{"left recursion only", []Rule{{Name: "a", Productions: []Production{prod(
			Element{Kind: ElementRuleRef, Rule: 0}, lit("x"),
		)}}}, 0},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.rules, tt.root); err == nil {
				t.Fatal("invalid grammar accepted")
			}
		})
	}

	// A cyclic grammar with a terminating production is fine.
	rules := []Rule{{Name: "a", Productions: []Production{
		prod(lit("x"), Element{Kind: ElementRuleRef, Rule: 0}),
		prod(lit("y")),
	}}}
	if _, err := New(rules, 0); err != nil {
		t.Fatalf("terminating cycle rejected: %v", err)
	}

	// Non-termination is only checked for reachable rules.
	rules = append(rules, Rule{Name: "loop", Productions: []Production{
		prod(Element{Kind: ElementRuleRef, Rule: 1}),
	}})
	if _, err := New(rules, 0); err != nil {
		t.Fatalf("unreachable non-terminating rule rejected: %v", err)
	}
}

func TestCharClassNormalized(t *testing.T) {
	cases := []struct {
		name  string
		class CharClass
		want  []RuneRange
	}{
		{
			"merge overlap",
			CharClass{Ranges: []RuneRange{{Lo: 'a', Hi: 'f'}, {Lo: 'd', Hi: 'z'}}},
			[]RuneRange{{Lo: 'a', Hi: 'z'}},
		},
		{
			"merge adjacent",
			CharClass{Ranges: []RuneRange{{Lo: 'f', Hi: 'h'}, {Lo: 'a', Hi: 'e'}}},
			[]RuneRange{{Lo: 'a', Hi: 'h'}},
		},
		{
			"drop empty",
			CharClass{Ranges: []RuneRange{{Lo: 'z', Hi: 'a'}, {Lo: '0', Hi: '9'}}},
			[]RuneRange{{Lo: '0', Hi: '9'}},
		},
		{
			"negate",
			CharClass{Ranges: []RuneRange{{Lo: 'b', Hi: 'c'}}, Negated: true},
			[]RuneRange{{Lo: 0, Hi: 'a'}, {Lo: 'd', Hi: 0x10FFFF}},
		},
		{
			"negate everything",
			CharClass{Ranges: []RuneRange{{Lo: 0, Hi: 0x10FFFF}}, Negated: true},
			nil,
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.class.Normalized()); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestCharClassContains(t *testing.T) {
	pos := CharClass{Ranges: []RuneRange{{Lo: 'a', Hi: 'z'}}}
	if !pos.Contains('m') || pos.Contains('A') {
		t.Fatal("positive class misclassifies")
	}
	neg := CharClass{Ranges: []RuneRange{{Lo: 'a', Hi: 'z'}}, Negated: true}
	if neg.Contains('m') || !neg.Contains('A') {
		t.Fatal("negated class misclassifies")
	}
}

func TestParseEBNF(t *testing.T) {
	g := mustParse(t, `
root = "a" item { "," item } .
item = "x" … "z" | "0" .
`)
	// Rule names sort first, aux rules follow.
	if g.Rules[g.Root].Name != "root" {
		t.Fatalf("root rule %q", g.Rules[g.Root].Name)
	}
	names := make([]string, len(g.Rules))
	for i, r := range g.Rules {
		names[i] = r.Name
	}
	if diff := cmp.Diff([]string{"item", "root", "root_1"}, names); diff != "" {
		t.Fatal(diff)
	}

	item := g.Rules[0]
	if len(item.Productions) != 2 {
		t.Fatalf("item has %d productions", len(item.Productions))
	}
	want := Element{Kind: ElementCharClass, Class: CharClass{Ranges: []RuneRange{{Lo: 'x', Hi: 'z'}}}}
	if diff := cmp.Diff(want, item.Productions[0].Elements[0]); diff != "" {
		t.Fatal(diff)
	}

	root := g.Rules[g.Root].Productions[0]
	rep := root.Elements[2]
	if rep.Kind != ElementRepeat || rep.Min != 0 || rep.Max != -1 {
		t.Fatalf("repetition lowered to %+v", rep)
	}
}

func TestParseEBNFOption(t *testing.T) {
	g := mustParse(t, `root = "a" [ "b" ] .`)
	opt := g.Rules[g.Root].Productions[0].Elements[1]
	if opt.Kind != ElementRepeat || opt.Min != 0 || opt.Max != 1 {
		t.Fatalf("option lowered to %+v", opt)
	}

	// A bare rule name as the body reuses the named rule instead of
	// wrapping it in an aux rule.
	g = mustParse(t, `root = "a" [ tail ] . tail = "b" .`)
	opt = g.Rules[g.Root].Productions[0].Elements[1]
	if opt.Kind != ElementRepeat || g.Rules[opt.Rule].Name != "tail" {
		t.Fatalf("option body lowered to %+v (%q)", opt, g.Rules[opt.Rule].Name)
	}
	if len(g.Rules) != 2 {
		t.Fatalf("%d rules, want root and tail only", len(g.Rules))
	}
}

func TestParseEBNFEscapes(t *testing.T) {
	g := mustParse(t, `root = "\"" "\\" "\n" .`)
	var got []byte
	for _, e := range g.Rules[g.Root].Productions[0].Elements {
		got = append(got, e.Lit...)
	}
	if diff := cmp.Diff([]byte{'"', '\\', '\n'}, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestParseEBNFErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		root string
	}{
		{"syntax error", `root = "a" `, "root"},
		{"missing root", `root = "a" .`, "other"},
		{"undefined name", `root = thing .`, "root"},
		{"unreachable production", `root = "a" . lost = "b" .`, "root"},
		{"empty range", `root = "z" … "a" .`, "root"},
		{"infinite recursion", `root = root "a" .`, "root"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEBNF(tt.src, tt.root); err == nil {
				t.Fatal("invalid grammar accepted")
			}
		})
	}
}

func TestNullable(t *testing.T) {
	g := mustParse(t, `
root = maybe "x" .
maybe = { "a" } .
`)
	nullable := g.Nullable()
	byName := make(map[string]bool, len(g.Rules))
	for i, r := range g.Rules {
		byName[r.Name] = nullable[i]
	}
	if !byName["maybe"] {
		t.Fatal("maybe not nullable")
	}
	if byName["root"] {
		t.Fatal("root nullable")
	}
	if byName["maybe_1"] {
		t.Fatal("repetition body nullable")
	}
}

func TestConcat(t *testing.T) {
	a := mustParse(t, `root = "a" .`)
	b := mustParse(t, `root = "b" | "c" .`)

	g, err := Concat(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if g.Rules[g.Root].Name != "root" {
		t.Fatalf("combined root %q", g.Rules[g.Root].Name)
	}
	elems := g.Rules[g.Root].Productions[0].Elements
	if len(elems) != 2 || elems[0].Kind != ElementRuleRef || elems[1].Kind != ElementRuleRef {
		t.Fatalf("combined production %+v", elems)
	}
	if name := g.Rules[elems[0].Rule].Name; name != "g0_root" {
		t.Fatalf("first part root %q", name)
	}
	if name := g.Rules[elems[1].Rule].Name; name != "g1_root" {
		t.Fatalf("second part root %q", name)
	}

	if _, err := Concat(); err == nil {
		t.Fatal("empty concat accepted")
	}
}

func TestUnion(t *testing.T) {
	a := mustParse(t, `root = "a" .`)
	b := mustParse(t, `root = "b" .`)

	g, err := Union(a, b)
	if err != nil {
		t.Fatal(err)
	}
	prods := g.Rules[g.Root].Productions
	if len(prods) != 2 {
		t.Fatalf("union root has %d productions", len(prods))
	}

	if _, err := Union(); err == nil {
		t.Fatal("empty union accepted")
	}
}

func TestInline(t *testing.T) {
	inner := mustParse(t, `root = sub . sub = "x" .`)
	dst := []Rule{{Name: "outer", Productions: []Production{{Elements: []Element{
		{Kind: ElementLiteral, Lit: []byte("y")},
	}}}}}

	rules, root := inner.Inline(dst, "in_")
	if rules[root].Name != "in_root" {
		t.Fatalf("inlined root %q", rules[root].Name)
	}
	// References inside the inlined copy are offset past dst.
	ref := rules[root].Productions[0].Elements[0]
	if ref.Kind != ElementRuleRef || rules[ref.Rule].Name != "in_sub" {
		t.Fatalf("inlined reference %+v", ref)
	}
	if len(rules) != 1+len(inner.Rules) {
		t.Fatalf("%d rules after inline", len(rules))
	}
}

func TestString(t *testing.T) {
	g := mustParse(t, `root = "a" [ tail ] . tail = "b" … "d" .`)
	s := g.String()
	for _, want := range []string{`root = "a" [ tail ]`, "tail = [b-d]"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() = %q, missing %q", s, want)
		}
	}
}

func TestJSONGrammarShared(t *testing.T) {
	if JSON() != JSON() {
		t.Fatal("builtin JSON grammar not shared")
	}
	if JSON().Rules[JSON().Root].Name != "root" {
		t.Fatal("builtin JSON grammar not rooted at root")
	}
}
