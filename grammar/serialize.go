package grammar

import (
	"encoding/json"
	"fmt"

	"github.com/ollama/tokengrammar/internal/wire"
)

var elementKindNames = map[ElementKind]string{
	ElementLiteral:   "literal",
	ElementCharClass: "charclass",
	ElementRuleRef:   "ruleref",
	ElementRepeat:    "repeat",
}

type elementJSON struct {
	Kind  string     `json:"kind"`
	Lit   []byte     `json:"lit,omitempty"`
	Class *CharClass `json:"class,omitempty"`
	Rule  int        `json:"rule,omitempty"`
	Min   int        `json:"min,omitempty"`
	Max   int        `json:"max,omitempty"`
}

func (e Element) MarshalJSON() ([]byte, error) {
	kind, ok := elementKindNames[e.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown element kind %d", e.Kind)
	}
	out := elementJSON{Kind: kind}
	switch e.Kind {
	case ElementLiteral:
		out.Lit = e.Lit
	case ElementCharClass:
		class := e.Class
		out.Class = &class
	case ElementRuleRef:
		out.Rule = e.Rule
	case ElementRepeat:
		out.Rule = e.Rule
		out.Min = e.Min
		out.Max = e.Max
	}
	return json.Marshal(out)
}

func (e *Element) UnmarshalJSON(b []byte) error {
	var in elementJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "literal":
		*e = Element{Kind: ElementLiteral, Lit: in.Lit}
	case "charclass":
		if in.Class == nil {
			return fmt.Errorf("charclass element missing class")
		}
		*e = Element{Kind: ElementCharClass, Class: *in.Class}
	case "ruleref":
		*e = Element{Kind: ElementRuleRef, Rule: in.Rule}
	case "repeat":
		*e = Element{Kind: ElementRepeat, Rule: in.Rule, Min: in.Min, Max: in.Max}
	default:
		return fmt.Errorf("unknown element kind %q", in.Kind)
	}
	return nil
}

type productionJSON struct {
	Elements []Element `json:"elements"`
}

type ruleJSON struct {
	Name        string           `json:"name"`
	Productions []productionJSON `json:"productions"`
}

type grammarJSON struct {
	Rules []ruleJSON `json:"rules"`
	Root  int        `json:"root"`
}

// MarshalJSON serializes the grammar inside a versioned envelope.
func (g *Grammar) MarshalJSON() ([]byte, error) {
	out := grammarJSON{Root: g.Root, Rules: make([]ruleJSON, len(g.Rules))}
	for ri, rule := range g.Rules {
		prods := make([]productionJSON, len(rule.Productions))
		for pi, prod := range rule.Productions {
			prods[pi] = productionJSON{Elements: prod.Elements}
		}
		out.Rules[ri] = ruleJSON{Name: rule.Name, Productions: prods}
	}
	return wire.Marshal(out)
}

// UnmarshalJSON deserializes a grammar written by MarshalJSON and
// re-validates it. It returns wire.ErrVersion on a version mismatch and
// wire.ErrFormat on malformed input.
func (g *Grammar) UnmarshalJSON(b []byte) error {
	var in grammarJSON
	if err := wire.Unmarshal(b, &in); err != nil {
		return err
	}
	rules := make([]Rule, len(in.Rules))
	for ri, rule := range in.Rules {
		prods := make([]Production, len(rule.Productions))
		for pi, prod := range rule.Productions {
			prods[pi] = Production{Elements: prod.Elements}
		}
		rules[ri] = Rule{Name: rule.Name, Productions: prods}
	}
	decoded, err := New(rules, in.Root)
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrFormat, err)
	}
	*g = *decoded
	return nil
}
