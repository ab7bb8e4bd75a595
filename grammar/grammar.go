// Package grammar defines the context-free grammar representation used
// for grammar-guided generation. Grammars are built from EBNF text, a
// regular expression, a JSON schema, or a structural tag, and are
// immutable once constructed: a single Grammar may be shared by any
// number of compiled grammars and matchers.
package grammar

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// ElementKind discriminates the closed set of element variants. Every
// pass over a grammar switches exhaustively on it.
type ElementKind uint8

const (
	ElementLiteral ElementKind = iota
	ElementCharClass
	ElementRuleRef
	ElementRepeat
)

// RuneRange is an inclusive range of code points.
type RuneRange struct {
	Lo rune `json:"lo"`
	Hi rune `json:"hi"`
}

// CharClass matches a single code point against a set of ranges.
type CharClass struct {
	Ranges  []RuneRange `json:"ranges"`
	Negated bool        `json:"negated,omitempty"`
}

// Normalized resolves negation and returns the class as a sorted,
// merged list of positive ranges over [0, unicode.MaxRune].
func (c CharClass) Normalized() []RuneRange {
	ranges := slices.Clone(c.Ranges)
	slices.SortFunc(ranges, func(a, b RuneRange) int { return int(a.Lo - b.Lo) })

	var merged []RuneRange
	for _, r := range ranges {
		if r.Hi < r.Lo {
			continue
		}
		if n := len(merged); n > 0 && r.Lo <= merged[n-1].Hi+1 {
			merged[n-1].Hi = max(merged[n-1].Hi, r.Hi)
			continue
		}
		merged = append(merged, r)
	}
	if !c.Negated {
		return merged
	}

	var out []RuneRange
	next := rune(0)
	for _, r := range merged {
		if r.Lo > next {
			out = append(out, RuneRange{Lo: next, Hi: r.Lo - 1})
		}
		next = max(next, r.Hi+1)
	}
	if next <= unicode.MaxRune {
		out = append(out, RuneRange{Lo: next, Hi: unicode.MaxRune})
	}
	return out
}

// Contains reports whether the class matches r.
func (c CharClass) Contains(r rune) bool {
	for _, rr := range c.Ranges {
		if r >= rr.Lo && r <= rr.Hi {
			return !c.Negated
		}
	}
	return c.Negated
}

// Element is one step of a production: a byte literal, a character
// class, a reference to another rule, or a bounded repetition of
// another rule.
type Element struct {
	Kind  ElementKind
	Lit   []byte    // ElementLiteral
	Class CharClass // ElementCharClass
	Rule  int       // ElementRuleRef, ElementRepeat
	Min   int       // ElementRepeat
	Max   int       // ElementRepeat; -1 means unbounded
}

// Production is a sequence of elements matched in order. An empty
// sequence matches the empty string.
type Production struct {
	Elements []Element
}

// Rule is a named list of alternative productions.
type Rule struct {
	Name        string
	Productions []Production
}

// Grammar is an immutable rule graph. Rule references are indices into
// Rules. The graph may be cyclic, but every rule reachable from the
// root must have a finite minimal derivation.
//
// Do not mutate a Grammar after construction.
type Grammar struct {
	Rules []Rule
	Root  int
}

// New validates rules and returns a Grammar rooted at root.
func New(rules []Rule, root int) (*Grammar, error) {
	if root < 0 || root >= len(rules) {
		return nil, fmt.Errorf("root rule index %d out of range", root)
	}
	for _, rule := range rules {
		if len(rule.Productions) == 0 {
			return nil, fmt.Errorf("rule %q has no productions", rule.Name)
		}
		for pi, prod := range rule.Productions {
			for ei, elem := range prod.Elements {
				switch elem.Kind {
				case ElementLiteral:
					if len(elem.Lit) == 0 {
						return nil, fmt.Errorf("rule %q production %d element %d: empty literal", rule.Name, pi, ei)
					}
				case ElementCharClass:
					if len(elem.Class.Normalized()) == 0 {
						return nil, fmt.Errorf("rule %q production %d element %d: empty character class", rule.Name, pi, ei)
					}
				case ElementRuleRef:
					if elem.Rule < 0 || elem.Rule >= len(rules) {
						return nil, fmt.Errorf("rule %q production %d element %d: reference to undefined rule %d", rule.Name, pi, ei, elem.Rule)
					}
				case ElementRepeat:
					if elem.Rule < 0 || elem.Rule >= len(rules) {
						return nil, fmt.Errorf("rule %q production %d element %d: repeat of undefined rule %d", rule.Name, pi, ei, elem.Rule)
					}
					if elem.Min < 0 || (elem.Max != -1 && elem.Max < elem.Min) {
						return nil, fmt.Errorf("rule %q production %d element %d: invalid repeat bounds {%d,%d}", rule.Name, pi, ei, elem.Min, elem.Max)
					}
				default:
					return nil, fmt.Errorf("rule %q production %d element %d: unknown element kind %d", rule.Name, pi, ei, elem.Kind)
				}
			}
		}
	}

	g := &Grammar{Rules: rules, Root: root}
	if err := g.checkTerminating(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkTerminating verifies every rule reachable from the root can
// derive a finite terminal string.
func (g *Grammar) checkTerminating() error {
	terminating := make([]bool, len(g.Rules))
	for changed := true; changed; {
		changed = false
		for ri, rule := range g.Rules {
			if terminating[ri] {
				continue
			}
			for _, prod := range rule.Productions {
				ok := true
				for _, elem := range prod.Elements {
					switch elem.Kind {
					case ElementRuleRef:
						ok = ok && terminating[elem.Rule]
					case ElementRepeat:
						ok = ok && (elem.Min == 0 || terminating[elem.Rule])
					}
					if !ok {
						break
					}
				}
				if ok {
					terminating[ri] = true
					changed = true
					break
				}
			}
		}
	}

	for _, ri := range g.reachable() {
		if !terminating[ri] {
			return fmt.Errorf("rule %q cannot derive any finite string", g.Rules[ri].Name)
		}
	}
	return nil
}

// reachable returns the rule indices reachable from the root.
func (g *Grammar) reachable() []int {
	seen := make([]bool, len(g.Rules))
	seen[g.Root] = true
	stack := []int{g.Root}
	var out []int
	for len(stack) > 0 {
		ri := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, ri)
		for _, prod := range g.Rules[ri].Productions {
			for _, elem := range prod.Elements {
				if elem.Kind != ElementRuleRef && elem.Kind != ElementRepeat {
					continue
				}
				if !seen[elem.Rule] {
					seen[elem.Rule] = true
					stack = append(stack, elem.Rule)
				}
			}
		}
	}
	return out
}

// Nullable reports, per rule, whether the rule can match the empty
// string.
func (g *Grammar) Nullable() []bool {
	nullable := make([]bool, len(g.Rules))
	for changed := true; changed; {
		changed = false
		for ri, rule := range g.Rules {
			if nullable[ri] {
				continue
			}
			for _, prod := range rule.Productions {
				ok := true
				for _, elem := range prod.Elements {
					switch elem.Kind {
					case ElementLiteral, ElementCharClass:
						ok = false
					case ElementRuleRef:
						ok = ok && nullable[elem.Rule]
					case ElementRepeat:
						ok = ok && (elem.Min == 0 || nullable[elem.Rule])
					}
					if !ok {
						break
					}
				}
				if ok {
					nullable[ri] = true
					changed = true
					break
				}
			}
		}
	}
	return nullable
}

// Inline appends a renamed copy of g's rules to dst. It returns the
// extended slice and the index of g's root rule within it. Used to
// embed one grammar inside another.
func (g *Grammar) Inline(dst []Rule, prefix string) ([]Rule, int) {
	offset := len(dst)
	for _, rule := range g.Rules {
		prods := make([]Production, len(rule.Productions))
		for pi, prod := range rule.Productions {
			elems := slices.Clone(prod.Elements)
			for ei := range elems {
				if elems[ei].Kind == ElementRuleRef || elems[ei].Kind == ElementRepeat {
					elems[ei].Rule += offset
				}
			}
			prods[pi] = Production{Elements: elems}
		}
		dst = append(dst, Rule{Name: prefix + rule.Name, Productions: prods})
	}
	return dst, offset + g.Root
}

// Concat returns a grammar matching each of gs in order.
func Concat(gs ...*Grammar) (*Grammar, error) {
	if len(gs) == 0 {
		return nil, fmt.Errorf("concat requires at least one grammar")
	}
	return combine(gs, true)
}

// Union returns a grammar matching any one of gs.
func Union(gs ...*Grammar) (*Grammar, error) {
	if len(gs) == 0 {
		return nil, fmt.Errorf("union requires at least one grammar")
	}
	return combine(gs, false)
}

func combine(gs []*Grammar, sequence bool) (*Grammar, error) {
	rules := []Rule{{Name: "root"}}
	roots := make([]int, len(gs))
	for i, g := range gs {
		rules, roots[i] = g.Inline(rules, fmt.Sprintf("g%d_", i))
	}
	if sequence {
		elems := make([]Element, len(roots))
		for i, root := range roots {
			elems[i] = Element{Kind: ElementRuleRef, Rule: root}
		}
		rules[0].Productions = []Production{{Elements: elems}}
	} else {
		for _, root := range roots {
			rules[0].Productions = append(rules[0].Productions, Production{
				Elements: []Element{{Kind: ElementRuleRef, Rule: root}},
			})
		}
	}
	return New(rules, 0)
}

// String renders the grammar in an EBNF-like form for debugging. The
// output is not guaranteed to re-parse.
func (g *Grammar) String() string {
	var b strings.Builder
	for _, rule := range g.Rules {
		fmt.Fprintf(&b, "%s = ", rule.Name)
		for pi, prod := range rule.Productions {
			if pi > 0 {
				b.WriteString(" | ")
			}
			if len(prod.Elements) == 0 {
				b.WriteString("()")
			}
			for ei, elem := range prod.Elements {
				if ei > 0 {
					b.WriteString(" ")
				}
				g.writeElement(&b, elem)
			}
		}
		b.WriteString(" .\n")
	}
	return b.String()
}

func (g *Grammar) writeElement(b *strings.Builder, elem Element) {
	switch elem.Kind {
	case ElementLiteral:
		b.WriteString(strconv.Quote(string(elem.Lit)))
	case ElementCharClass:
		b.WriteString("[")
		if elem.Class.Negated {
			b.WriteString("^")
		}
		for _, r := range elem.Class.Ranges {
			b.WriteString(escapeClassRune(r.Lo))
			if r.Hi != r.Lo {
				b.WriteString("-")
				b.WriteString(escapeClassRune(r.Hi))
			}
		}
		b.WriteString("]")
	case ElementRuleRef:
		b.WriteString(g.Rules[elem.Rule].Name)
	case ElementRepeat:
		name := g.Rules[elem.Rule].Name
		switch {
		case elem.Min == 0 && elem.Max == -1:
			fmt.Fprintf(b, "{ %s }", name)
		case elem.Min == 0 && elem.Max == 1:
			fmt.Fprintf(b, "[ %s ]", name)
		case elem.Max == -1:
			fmt.Fprintf(b, "%s{%d,}", name, elem.Min)
		default:
			fmt.Fprintf(b, "%s{%d,%d}", name, elem.Min, elem.Max)
		}
	}
}

func escapeClassRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\t':
		return `\t`
	case '\r':
		return `\r`
	case '-', ']', '\\', '^':
		return `\` + string(r)
	}
	if unicode.IsPrint(r) {
		return string(r)
	}
	return fmt.Sprintf(`\u%04X`, r)
}
