package structuraltag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ollama/tokengrammar/grammar"
	"github.com/ollama/tokengrammar/grammar/jsonschema"
)

// ToGrammar compiles a format tree into a grammar rooted at "root".
func ToGrammar(format Format) (*grammar.Grammar, error) {
	if err := analyze(format, ""); err != nil {
		return nil, err
	}

	c := &converter{}
	root := c.addRule("root")
	ri, err := c.convert(format, "")
	if err != nil {
		return nil, err
	}
	c.rules[root].Productions = []grammar.Production{{Elements: []grammar.Element{ref(ri)}}}

	g, err := grammar.New(c.rules, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return g, nil
}

// Compile parses a structural tag document and compiles it.
func Compile(data []byte) (*grammar.Grammar, error) {
	format, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return ToGrammar(format)
}

type converter struct {
	rules []grammar.Rule
	n     int
}

func (c *converter) addRule(name string) int {
	c.n++
	ri := len(c.rules)
	c.rules = append(c.rules, grammar.Rule{Name: fmt.Sprintf("%s_%d", name, c.n)})
	return ri
}

func ref(ri int) grammar.Element {
	return grammar.Element{Kind: grammar.ElementRuleRef, Rule: ri}
}

func lit(s string) grammar.Element {
	return grammar.Element{Kind: grammar.ElementLiteral, Lit: []byte(s)}
}

func class(cc grammar.CharClass) grammar.Element {
	return grammar.Element{Kind: grammar.ElementCharClass, Class: cc}
}

// seq builds a production, dropping empty literals.
func seq(elems ...grammar.Element) grammar.Production {
	out := make([]grammar.Element, 0, len(elems))
	for _, e := range elems {
		if e.Kind == grammar.ElementLiteral && len(e.Lit) == 0 {
			continue
		}
		out = append(out, e)
	}
	return grammar.Production{Elements: out}
}

// convert lowers node into rules and returns the index of its rule.
// follow is the literal statically known to come next, used to bound
// free text.
func (c *converter) convert(node Format, follow string) (int, error) {
	switch n := node.(type) {
	case *ConstString:
		ri := c.addRule("const")
		c.rules[ri].Productions = []grammar.Production{seq(lit(n.Value))}
		return ri, nil

	case *JSONSchema:
		src, err := jsonschema.EBNF(n.Schema)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		g, err := grammar.ParseEBNF(src, "root")
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return c.inline(g), nil

	case *EBNF:
		g, err := grammar.ParseEBNF(n.Grammar, "root")
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return c.inline(g), nil

	case *Regex:
		g, err := grammar.FromRegex(n.Pattern)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return c.inline(g), nil

	case *AnyText:
		if follow == "" {
			return c.freeTextRule(), nil
		}
		return c.textWithoutRule(follow), nil

	case *Sequence:
		elems := make([]grammar.Element, 0, len(n.Elements))
		for i, elem := range n.Elements {
			elemFollow := follow
			if i+1 < len(n.Elements) {
				elemFollow = startLiteral(n.Elements[i+1])
			}
			ri, err := c.convert(elem, elemFollow)
			if err != nil {
				return 0, err
			}
			elems = append(elems, ref(ri))
		}
		ri := c.addRule("seq")
		c.rules[ri].Productions = []grammar.Production{{Elements: elems}}
		return ri, nil

	case *Or:
		ri := c.addRule("or")
		prods := make([]grammar.Production, 0, len(n.Elements))
		for _, elem := range n.Elements {
			sub, err := c.convert(elem, follow)
			if err != nil {
				return 0, err
			}
			prods = append(prods, seq(ref(sub)))
		}
		c.rules[ri].Productions = prods
		return ri, nil

	case *Tag:
		return c.convertTag(n, follow)

	case *TagsWithSeparator:
		return c.convertSeparated(n)

	case *TriggeredTags:
		return c.convertTriggered(n)

	case *QwenXMLParameter:
		return c.convertQwenXML(n)

	default:
		return 0, fmt.Errorf("%w: unsupported format node %T", ErrInvalid, node)
	}
}

// inline embeds a standalone grammar and returns its root rule index.
func (c *converter) inline(g *grammar.Grammar) int {
	c.n++
	var root int
	c.rules, root = g.Inline(c.rules, fmt.Sprintf("g%d_", c.n))
	return root
}

func (c *converter) convertTag(n *Tag, follow string) (int, error) {
	contentFollow := n.End
	if contentFollow == "" {
		contentFollow = follow
	}
	content, err := c.convert(n.Content, contentFollow)
	if err != nil {
		return 0, err
	}
	ri := c.addRule("tag")
	c.rules[ri].Productions = []grammar.Production{
		seq(lit(n.Begin), ref(content), lit(n.End)),
	}
	return ri, nil
}

func (c *converter) convertSeparated(n *TagsWithSeparator) (int, error) {
	choice := c.addRule("tagchoice")
	prods := make([]grammar.Production, 0, len(n.Tags))
	for i := range n.Tags {
		sub, err := c.convertTag(&n.Tags[i], n.Separator)
		if err != nil {
			return 0, err
		}
		prods = append(prods, seq(ref(sub)))
	}
	c.rules[choice].Productions = prods

	ri := c.addRule("taglist")
	var body grammar.Production
	if n.StopAfterFirst {
		body = seq(ref(choice))
	} else {
		more := c.addRule("tagmore")
		c.rules[more].Productions = []grammar.Production{
			seq(lit(n.Separator), ref(choice)),
		}
		body = grammar.Production{Elements: []grammar.Element{
			ref(choice),
			{Kind: grammar.ElementRepeat, Rule: more, Min: 0, Max: -1},
		}}
	}
	if n.AtLeastOne {
		c.rules[ri].Productions = []grammar.Production{body}
	} else {
		c.rules[ri].Productions = []grammar.Production{{}, body}
	}
	return ri, nil
}

// freeTextRule matches any text, including none.
func (c *converter) freeTextRule() int {
	ri := c.addRule("text")
	c.rules[ri].Productions = []grammar.Production{
		{},
		seq(class(anyRune()), ref(ri)),
	}
	return ri
}

// textWithoutRule matches any text not containing end, one rule per
// state of the KMP automaton of end. The matched text may stop at any
// point; the caller matches the end literal itself.
func (c *converter) textWithoutRule(end string) int {
	pattern := []rune(end)
	fail := kmpFailure(pattern)
	alphabet := patternAlphabet(pattern)

	states := make([]int, len(pattern))
	for i := range states {
		states[i] = c.addRule(fmt.Sprintf("text%d", i))
	}

	for i, ri := range states {
		prods := []grammar.Production{{}}
		// Runes outside the pattern alphabet reset to state 0.
		prods = append(prods, seq(class(notRunes(alphabet)), ref(states[0])))
		for _, r := range alphabet {
			next := kmpNext(pattern, fail, i, r)
			if next == len(pattern) {
				// Completing the end literal is the one forbidden move.
				continue
			}
			prods = append(prods, seq(class(oneRune(r)), ref(states[next])))
		}
		c.rules[ri].Productions = prods
	}
	return states[0]
}

// convertTriggered compiles free text with trigger-dispatched tags.
// Each Aho-Corasick state becomes one rule; entering an output state
// forces a dispatch into the tags of the matched trigger.
func (c *converter) convertTriggered(n *TriggeredTags) (int, error) {
	ac := buildAC(n.Triggers)

	// Dispatch rules, one per output state.
	dispatch := make(map[int]int)
	for state := range ac.next {
		if len(ac.outputs[state]) == 0 {
			continue
		}
		ri := c.addRule("dispatch")
		var prods []grammar.Production
		for _, trigger := range ac.outputs[state] {
			for i := range n.Tags {
				tag := &n.Tags[i]
				if !strings.HasPrefix(tag.Begin, trigger) {
					continue
				}
				contentFollow := tag.End
				content, err := c.convert(tag.Content, contentFollow)
				if err != nil {
					return 0, err
				}
				prods = append(prods, seq(lit(tag.Begin[len(trigger):]), ref(content), lit(tag.End)))
			}
		}
		if len(prods) == 0 {
			return 0, fmt.Errorf("%w: trigger %q dispatches to no tag", ErrInvalid, ac.outputs[state][0])
		}
		c.rules[ri].Productions = prods
		dispatch[state] = ri
	}

	// Loop rules, one per non-output state. The pre phase runs before
	// any tag has matched and may only terminate when at_least_one is
	// unset; after a dispatch matching continues in the after rule.
	alloc := func() []int {
		states := make([]int, len(ac.next))
		for state := range states {
			if len(ac.outputs[state]) > 0 {
				states[state] = -1
				continue
			}
			states[state] = c.addRule("free")
		}
		return states
	}
	fill := func(states []int, terminating bool, after int) {
		for state, ri := range states {
			if ri < 0 {
				continue
			}
			var prods []grammar.Production
			if terminating {
				prods = append(prods, grammar.Production{})
			}
			prods = append(prods, seq(class(notRunes(ac.alphabet)), ref(states[0])))
			for _, r := range ac.alphabet {
				next := ac.step(state, r)
				if len(ac.outputs[next]) > 0 {
					prods = append(prods, seq(class(oneRune(r)), ref(dispatch[next]), ref(after)))
				} else {
					prods = append(prods, seq(class(oneRune(r)), ref(states[next])))
				}
			}
			c.rules[ri].Productions = prods
		}
	}

	switch {
	case n.StopAfterFirst:
		after := c.addRule("after")
		c.rules[after].Productions = []grammar.Production{{}}
		pre := alloc()
		fill(pre, !n.AtLeastOne, after)
		return pre[0], nil
	case n.AtLeastOne:
		post := alloc()
		fill(post, true, post[0])
		pre := alloc()
		fill(pre, false, post[0])
		return pre[0], nil
	default:
		// One loop serves both phases.
		states := alloc()
		fill(states, true, states[0])
		return states[0], nil
	}
}

func (c *converter) convertQwenXML(n *QwenXMLParameter) (int, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(n.Schema, &schema); err != nil {
		return 0, fmt.Errorf("%w: parse schema: %v", ErrInvalid, err)
	}
	var raw struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(n.Schema, &raw); err != nil {
		return 0, fmt.Errorf("%w: parse schema: %v", ErrInvalid, err)
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	const closeTag = "</parameter>"
	var elems []grammar.Element
	for _, prop := range schema.Properties {
		var value int
		switch prop.EffectiveType() {
		case "string", "value":
			// Free-form value, bounded by the closing tag.
			value = c.textWithoutRule(closeTag)
		default:
			sub, err := grammar.FromJSONSchema(raw.Properties[prop.Name])
			if err != nil {
				return 0, fmt.Errorf("%w: parameter %q: %v", ErrInvalid, prop.Name, err)
			}
			value = c.inline(sub)
		}

		param := c.addRule("param")
		c.rules[param].Productions = []grammar.Production{
			seq(lit("<parameter="+prop.Name+">"), ref(value), lit(closeTag)),
		}
		if required[prop.Name] {
			elems = append(elems, ref(param))
		} else {
			elems = append(elems, grammar.Element{Kind: grammar.ElementRepeat, Rule: param, Min: 0, Max: 1})
		}
	}

	ri := c.addRule("params")
	c.rules[ri].Productions = []grammar.Production{{Elements: elems}}
	return ri, nil
}
