package structuraltag

import "fmt"

// startLiteral returns the literal every match of the node must start
// with, or "" when no start is statically known.
func startLiteral(node Format) string {
	switch n := node.(type) {
	case *ConstString:
		return n.Value
	case *Tag:
		return n.Begin
	case *Sequence:
		for _, elem := range n.Elements {
			if s := startLiteral(elem); s != "" {
				return s
			}
			if !nullable(elem) {
				return ""
			}
		}
		return ""
	case *Or:
		first := startLiteral(n.Elements[0])
		if first == "" {
			return ""
		}
		for _, elem := range n.Elements[1:] {
			if startLiteral(elem) != first {
				return ""
			}
		}
		return first
	default:
		return ""
	}
}

// nullable reports whether the node can match the empty string. Used
// only to decide whether a later sibling's start literal shows
// through; conservative answers are fine.
func nullable(node Format) bool {
	switch n := node.(type) {
	case *ConstString:
		return n.Value == ""
	case *AnyText:
		return true
	case *Sequence:
		for _, elem := range n.Elements {
			if !nullable(elem) {
				return false
			}
		}
		return true
	case *Or:
		for _, elem := range n.Elements {
			if nullable(elem) {
				return true
			}
		}
		return false
	case *TriggeredTags:
		return !n.AtLeastOne
	case *TagsWithSeparator:
		return !n.AtLeastOne
	default:
		return false
	}
}

// analyze validates structural constraints before conversion. follow
// is the literal statically known to come after the node, "" when the
// right context is open.
func analyze(node Format, follow string) error {
	switch n := node.(type) {
	case *Sequence:
		for i, elem := range n.Elements {
			elemFollow := follow
			if i+1 < len(n.Elements) {
				elemFollow = startLiteral(n.Elements[i+1])
			}
			if err := analyze(elem, elemFollow); err != nil {
				return err
			}
		}
	case *Or:
		for _, elem := range n.Elements {
			if err := analyze(elem, follow); err != nil {
				return err
			}
		}
	case *Tag:
		contentFollow := n.End
		if contentFollow == "" {
			contentFollow = follow
		}
		if n.End == "" {
			if _, open := n.Content.(*AnyText); open && contentFollow == "" {
				return fmt.Errorf("%w: tag %q with open-ended content requires a non-empty end", ErrInvalid, n.Begin)
			}
		}
		return analyze(n.Content, contentFollow)
	case *TriggeredTags:
		if len(n.Triggers) == 0 {
			return fmt.Errorf("%w: triggered_tags requires at least one trigger", ErrInvalid)
		}
		if len(n.Tags) == 0 {
			return fmt.Errorf("%w: triggered_tags requires at least one tag", ErrInvalid)
		}
		for _, t := range n.Triggers {
			if t == "" {
				return fmt.Errorf("%w: empty trigger", ErrInvalid)
			}
		}
		for _, tag := range n.Tags {
			if len(triggersFor(n.Triggers, tag.Begin)) == 0 {
				return fmt.Errorf("%w: no trigger is a prefix of tag begin %q", ErrInvalid, tag.Begin)
			}
			if err := analyze(&tag, follow); err != nil {
				return err
			}
		}
	case *TagsWithSeparator:
		if len(n.Tags) == 0 {
			return fmt.Errorf("%w: tags_with_separator requires at least one tag", ErrInvalid)
		}
		if n.Separator == "" {
			return fmt.Errorf("%w: tags_with_separator requires a separator", ErrInvalid)
		}
		for _, tag := range n.Tags {
			if err := analyze(&tag, n.Separator); err != nil {
				return err
			}
		}
	}
	return nil
}

// triggersFor returns the triggers that are prefixes of begin.
func triggersFor(triggers []string, begin string) []string {
	var out []string
	for _, t := range triggers {
		if len(t) <= len(begin) && begin[:len(t)] == t {
			out = append(out, t)
		}
	}
	return out
}
