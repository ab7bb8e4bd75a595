package grammar

import (
	"fmt"
	"regexp/syntax"
	"unicode"
)

// FromRegex converts a regular expression into a Grammar matching the
// entire input. RE2 syntax, parsed with regexp/syntax. ^ and $ are
// allowed but redundant since the match is always anchored at both
// ends. Constructs without a grammar equivalent (word boundaries,
// multi-line anchors) are rejected.
func FromRegex(pattern string) (*Grammar, error) {
	re, err := syntax.Parse(pattern, syntax.Perl|syntax.OneLine)
	if err != nil {
		return nil, fmt.Errorf("parse regex: %w", err)
	}

	l := &regexLowering{rules: []Rule{{Name: "root"}}}
	elems, err := l.lower(re)
	if err != nil {
		return nil, err
	}
	l.rules[0].Productions = []Production{{Elements: elems}}
	return New(l.rules, 0)
}

type regexLowering struct {
	rules []Rule
	aux   int
}

func (l *regexLowering) lower(re *syntax.Regexp) ([]Element, error) {
	switch re.Op {
	case syntax.OpEmptyMatch, syntax.OpBeginText, syntax.OpEndText:
		return nil, nil
	case syntax.OpLiteral:
		return l.literal(re)
	case syntax.OpCharClass:
		ranges := make([]RuneRange, 0, len(re.Rune)/2)
		for i := 0; i+1 < len(re.Rune); i += 2 {
			ranges = append(ranges, RuneRange{Lo: re.Rune[i], Hi: re.Rune[i+1]})
		}
		if len(ranges) == 0 {
			return nil, fmt.Errorf("character class %s matches nothing", re)
		}
		return []Element{{Kind: ElementCharClass, Class: CharClass{Ranges: ranges}}}, nil
	case syntax.OpAnyChar:
		return []Element{{Kind: ElementCharClass, Class: CharClass{
			Ranges: []RuneRange{{Lo: 0, Hi: unicode.MaxRune}},
		}}}, nil
	case syntax.OpAnyCharNotNL:
		return []Element{{Kind: ElementCharClass, Class: CharClass{
			Ranges: []RuneRange{{Lo: 0, Hi: '\n' - 1}, {Lo: '\n' + 1, Hi: unicode.MaxRune}},
		}}}, nil
	case syntax.OpConcat:
		var elems []Element
		for _, sub := range re.Sub {
			part, err := l.lower(sub)
			if err != nil {
				return nil, err
			}
			elems = append(elems, part...)
		}
		return elems, nil
	case syntax.OpCapture:
		return l.lower(re.Sub[0])
	case syntax.OpAlternate:
		ri, err := l.auxRule(re.Sub)
		if err != nil {
			return nil, err
		}
		return []Element{{Kind: ElementRuleRef, Rule: ri}}, nil
	case syntax.OpStar:
		return l.repeat(re.Sub[0], 0, -1)
	case syntax.OpPlus:
		return l.repeat(re.Sub[0], 1, -1)
	case syntax.OpQuest:
		return l.repeat(re.Sub[0], 0, 1)
	case syntax.OpRepeat:
		return l.repeat(re.Sub[0], re.Min, re.Max)
	case syntax.OpNoMatch:
		return nil, fmt.Errorf("pattern matches nothing")
	default:
		return nil, fmt.Errorf("unsupported regex construct %s", re.Op)
	}
}

func (l *regexLowering) literal(re *syntax.Regexp) ([]Element, error) {
	if re.Flags&syntax.FoldCase == 0 {
		return []Element{{Kind: ElementLiteral, Lit: []byte(string(re.Rune))}}, nil
	}
	// Case-insensitive literal: one class per rune over its fold orbit.
	elems := make([]Element, 0, len(re.Rune))
	for _, r := range re.Rune {
		ranges := []RuneRange{{Lo: r, Hi: r}}
		for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
			ranges = append(ranges, RuneRange{Lo: f, Hi: f})
		}
		elems = append(elems, Element{Kind: ElementCharClass, Class: CharClass{Ranges: ranges}})
	}
	return elems, nil
}

func (l *regexLowering) repeat(sub *syntax.Regexp, min, max int) ([]Element, error) {
	ri, err := l.auxRule([]*syntax.Regexp{sub})
	if err != nil {
		return nil, err
	}
	return []Element{{Kind: ElementRepeat, Rule: ri, Min: min, Max: max}}, nil
}

// auxRule creates a rule with one production per alternative.
func (l *regexLowering) auxRule(subs []*syntax.Regexp) (int, error) {
	l.aux++
	ri := len(l.rules)
	l.rules = append(l.rules, Rule{Name: fmt.Sprintf("re_%d", l.aux)})
	prods := make([]Production, 0, len(subs))
	for _, sub := range subs {
		elems, err := l.lower(sub)
		if err != nil {
			return 0, err
		}
		prods = append(prods, Production{Elements: elems})
	}
	l.rules[ri].Productions = prods
	return ri, nil
}
