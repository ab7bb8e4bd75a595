package grammar

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/ebnf"
)

// ParseEBNF lowers EBNF source into a Grammar rooted at the production
// named root. The accepted syntax is that of golang.org/x/exp/ebnf;
// character ranges use "a" … "z". Every production must be reachable
// from the root.
func ParseEBNF(src, root string) (*Grammar, error) {
	parsed, err := ebnf.Parse("grammar", strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse grammar: %w", err)
	}
	if err := ebnf.Verify(parsed, root); err != nil {
		return nil, fmt.Errorf("verify grammar: %w", err)
	}

	l := &ebnfLowering{index: make(map[string]int, len(parsed))}

	// ebnf.Grammar is a map. Fix an order so rule indices are stable
	// across runs and serialization round trips.
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		l.index[name] = len(l.rules)
		l.rules = append(l.rules, Rule{Name: name})
	}

	for _, name := range names {
		prods, err := l.alternatives(name, parsed[name].Expr)
		if err != nil {
			return nil, fmt.Errorf("production %q: %w", name, err)
		}
		l.rules[l.index[name]].Productions = prods
	}

	return New(l.rules, l.index[root])
}

type ebnfLowering struct {
	rules []Rule
	index map[string]int
	aux   int
}

// alternatives lowers an expression into the productions of one rule.
func (l *ebnfLowering) alternatives(name string, expr ebnf.Expression) ([]Production, error) {
	alts, ok := expr.(ebnf.Alternative)
	if !ok {
		alts = ebnf.Alternative{expr}
	}
	prods := make([]Production, 0, len(alts))
	for _, alt := range alts {
		elems, err := l.sequence(name, alt)
		if err != nil {
			return nil, err
		}
		prods = append(prods, Production{Elements: elems})
	}
	return prods, nil
}

func (l *ebnfLowering) sequence(name string, expr ebnf.Expression) ([]Element, error) {
	seq, ok := expr.(ebnf.Sequence)
	if !ok {
		seq = ebnf.Sequence{expr}
	}
	var elems []Element
	for _, term := range seq {
		sub, err := l.term(name, term)
		if err != nil {
			return nil, err
		}
		elems = append(elems, sub...)
	}
	return elems, nil
}

func (l *ebnfLowering) term(name string, expr ebnf.Expression) ([]Element, error) {
	switch e := expr.(type) {
	case nil:
		return nil, nil
	case *ebnf.Name:
		return []Element{{Kind: ElementRuleRef, Rule: l.index[e.String]}}, nil
	case *ebnf.Token:
		// The ebnf parser hands tokens back unquoted with escape
		// sequences already resolved.
		if e.String == "" {
			return nil, nil
		}
		return []Element{{Kind: ElementLiteral, Lit: []byte(e.String)}}, nil
	case *ebnf.Range:
		lo, err := rangeBound(e.Begin.String)
		if err != nil {
			return nil, fmt.Errorf("range begin: %w", err)
		}
		hi, err := rangeBound(e.End.String)
		if err != nil {
			return nil, fmt.Errorf("range end: %w", err)
		}
		if hi < lo {
			return nil, fmt.Errorf("empty range %q … %q", e.Begin.String, e.End.String)
		}
		return []Element{{Kind: ElementCharClass, Class: CharClass{Ranges: []RuneRange{{Lo: lo, Hi: hi}}}}}, nil
	case *ebnf.Group:
		if _, ok := e.Body.(ebnf.Alternative); ok {
			ri, err := l.auxRule(name, e.Body)
			if err != nil {
				return nil, err
			}
			return []Element{{Kind: ElementRuleRef, Rule: ri}}, nil
		}
		return l.sequence(name, e.Body)
	case *ebnf.Option:
		ri, err := l.bodyRule(name, e.Body)
		if err != nil {
			return nil, err
		}
		return []Element{{Kind: ElementRepeat, Rule: ri, Min: 0, Max: 1}}, nil
	case *ebnf.Repetition:
		ri, err := l.bodyRule(name, e.Body)
		if err != nil {
			return nil, err
		}
		return []Element{{Kind: ElementRepeat, Rule: ri, Min: 0, Max: -1}}, nil
	case *ebnf.Bad:
		return nil, fmt.Errorf("bad expression: %s", e.Error)
	default:
		return nil, fmt.Errorf("unsupported expression type %T", expr)
	}
}

// bodyRule resolves an Option or Repetition body to a rule index. A
// bare rule name reuses the named rule; anything else becomes an aux
// rule.
func (l *ebnfLowering) bodyRule(name string, expr ebnf.Expression) (int, error) {
	if n, ok := expr.(*ebnf.Name); ok {
		return l.index[n.String], nil
	}
	return l.auxRule(name, expr)
}

// auxRule lowers expr into a fresh rule and returns its index. Option
// and Repetition bodies become aux rules so elements stay a flat sum.
func (l *ebnfLowering) auxRule(name string, expr ebnf.Expression) (int, error) {
	l.aux++
	ri := len(l.rules)
	l.rules = append(l.rules, Rule{Name: fmt.Sprintf("%s_%d", name, l.aux)})
	prods, err := l.alternatives(name, expr)
	if err != nil {
		return 0, err
	}
	l.rules[ri].Productions = prods
	return ri, nil
}

func rangeBound(s string) (rune, error) {
	runes := []rune(s)
	if len(runes) != 1 {
		return 0, fmt.Errorf("bound %q is not a single character", s)
	}
	return runes[0], nil
}
