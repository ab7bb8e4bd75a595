// Package structuraltag compiles structural tag descriptions into
// grammars. A structural tag interleaves free text with constrained
// regions ("tags") delimited by literal markers, the format LLMs use
// for tool calls.
package structuraltag

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid reports a structural tag that is malformed or violates a
// structural constraint.
var ErrInvalid = errors.New("invalid structural tag")

// Format is one node of a structural tag format tree. The concrete
// types are ConstString, JSONSchema, EBNF, Regex, AnyText, Sequence,
// Or, Tag, TriggeredTags, TagsWithSeparator and QwenXMLParameter.
type Format interface {
	formatNode()
}

// ConstString matches a fixed string.
type ConstString struct {
	Value string `json:"value"`
}

// JSONSchema matches a JSON document constrained by a schema.
type JSONSchema struct {
	Schema json.RawMessage `json:"json_schema"`
}

// EBNF matches an embedded EBNF grammar rooted at "root".
type EBNF struct {
	Grammar string `json:"grammar"`
}

// Regex matches a regular expression.
type Regex struct {
	Pattern string `json:"pattern"`
}

// AnyText matches unconstrained text. When a statically known literal
// follows it, the text ends at the first occurrence of that literal;
// otherwise it is open-ended.
type AnyText struct{}

// Sequence matches its elements in order.
type Sequence struct {
	Elements []Format `json:"elements"`
}

// Or matches exactly one of its elements.
type Or struct {
	Elements []Format `json:"elements"`
}

// Tag matches Begin, then Content, then End. Begin must be non-empty.
// End may be empty only when Content ends on its own.
type Tag struct {
	Begin   string `json:"begin"`
	Content Format `json:"content"`
	End     string `json:"end"`
}

// TriggeredTags matches free text in which any occurrence of a trigger
// string dispatches into one of the tags whose begin the trigger
// prefixes.
type TriggeredTags struct {
	Triggers       []string `json:"triggers"`
	Tags           []Tag    `json:"tags"`
	AtLeastOne     bool     `json:"at_least_one"`
	StopAfterFirst bool     `json:"stop_after_first"`
}

// TagsWithSeparator matches a list of tags joined by a literal
// separator.
type TagsWithSeparator struct {
	Tags           []Tag  `json:"tags"`
	Separator      string `json:"separator"`
	AtLeastOne     bool   `json:"at_least_one"`
	StopAfterFirst bool   `json:"stop_after_first"`
}

// QwenXMLParameter matches the Qwen XML tool-call parameter block for
// a JSON schema: one <parameter=name>...</parameter> region per
// property.
type QwenXMLParameter struct {
	Schema json.RawMessage `json:"json_schema"`
}

func (*ConstString) formatNode()       {}
func (*JSONSchema) formatNode()        {}
func (*EBNF) formatNode()              {}
func (*Regex) formatNode()             {}
func (*AnyText) formatNode()           {}
func (*Sequence) formatNode()          {}
func (*Or) formatNode()                {}
func (*Tag) formatNode()               {}
func (*TriggeredTags) formatNode()     {}
func (*TagsWithSeparator) formatNode() {}
func (*QwenXMLParameter) formatNode()  {}

// Parse decodes a structural tag document of the form
// {"type": "structural_tag", "format": {...}}.
func Parse(data []byte) (Format, error) {
	var doc struct {
		Type   string          `json:"type"`
		Format json.RawMessage `json:"format"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc.Type != "structural_tag" {
		return nil, fmt.Errorf("%w: type %q, want structural_tag", ErrInvalid, doc.Type)
	}
	if len(doc.Format) == 0 {
		return nil, fmt.Errorf("%w: missing format", ErrInvalid)
	}
	return parseFormat(doc.Format, "format")
}

func parseFormat(data json.RawMessage, path string) (Format, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	fail := func(err error) (Format, error) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	switch head.Type {
	case "const_string":
		var n ConstString
		if err := json.Unmarshal(data, &n); err != nil {
			return fail(err)
		}
		return &n, nil
	case "json_schema":
		var n JSONSchema
		if err := json.Unmarshal(data, &n); err != nil {
			return fail(err)
		}
		if len(n.Schema) == 0 {
			return fail(errors.New("missing json_schema"))
		}
		return &n, nil
	case "grammar":
		var n EBNF
		if err := json.Unmarshal(data, &n); err != nil {
			return fail(err)
		}
		if n.Grammar == "" {
			return fail(errors.New("missing grammar"))
		}
		return &n, nil
	case "regex":
		var n Regex
		if err := json.Unmarshal(data, &n); err != nil {
			return fail(err)
		}
		return &n, nil
	case "any_text":
		return &AnyText{}, nil
	case "sequence":
		return parseElements(data, path, func(elems []Format) Format {
			return &Sequence{Elements: elems}
		})
	case "or":
		return parseElements(data, path, func(elems []Format) Format {
			return &Or{Elements: elems}
		})
	case "tag":
		return parseTag(data, path)
	case "triggered_tags":
		var raw struct {
			Triggers       []string          `json:"triggers"`
			Tags           []json.RawMessage `json:"tags"`
			AtLeastOne     bool              `json:"at_least_one"`
			StopAfterFirst bool              `json:"stop_after_first"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fail(err)
		}
		n := &TriggeredTags{Triggers: raw.Triggers, AtLeastOne: raw.AtLeastOne, StopAfterFirst: raw.StopAfterFirst}
		for i, t := range raw.Tags {
			tag, err := parseTag(t, fmt.Sprintf("%s.tags[%d]", path, i))
			if err != nil {
				return nil, err
			}
			n.Tags = append(n.Tags, *tag.(*Tag))
		}
		return n, nil
	case "tags_with_separator":
		var raw struct {
			Tags           []json.RawMessage `json:"tags"`
			Separator      string            `json:"separator"`
			AtLeastOne     bool              `json:"at_least_one"`
			StopAfterFirst bool              `json:"stop_after_first"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fail(err)
		}
		n := &TagsWithSeparator{Separator: raw.Separator, AtLeastOne: raw.AtLeastOne, StopAfterFirst: raw.StopAfterFirst}
		for i, t := range raw.Tags {
			tag, err := parseTag(t, fmt.Sprintf("%s.tags[%d]", path, i))
			if err != nil {
				return nil, err
			}
			n.Tags = append(n.Tags, *tag.(*Tag))
		}
		return n, nil
	case "qwen_xml":
		var n QwenXMLParameter
		if err := json.Unmarshal(data, &n); err != nil {
			return fail(err)
		}
		if len(n.Schema) == 0 {
			return fail(errors.New("missing json_schema"))
		}
		return &n, nil
	case "":
		return fail(errors.New("missing type"))
	default:
		return fail(fmt.Errorf("unknown type %q", head.Type))
	}
}

func parseElements(data json.RawMessage, path string, build func([]Format) Format) (Format, error) {
	var raw struct {
		Elements []json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if len(raw.Elements) == 0 {
		return nil, fmt.Errorf("%w: %s: empty elements", ErrInvalid, path)
	}
	elems := make([]Format, 0, len(raw.Elements))
	for i, e := range raw.Elements {
		sub, err := parseFormat(e, fmt.Sprintf("%s.elements[%d]", path, i))
		if err != nil {
			return nil, err
		}
		elems = append(elems, sub)
	}
	return build(elems), nil
}

func parseTag(data json.RawMessage, path string) (Format, error) {
	var raw struct {
		Begin   string          `json:"begin"`
		Content json.RawMessage `json:"content"`
		End     string          `json:"end"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if raw.Begin == "" {
		return nil, fmt.Errorf("%w: %s: tag begin must be non-empty", ErrInvalid, path)
	}
	if len(raw.Content) == 0 {
		return nil, fmt.Errorf("%w: %s: missing content", ErrInvalid, path)
	}
	content, err := parseFormat(raw.Content, path+".content")
	if err != nil {
		return nil, err
	}
	return &Tag{Begin: raw.Begin, Content: content, End: raw.End}, nil
}
