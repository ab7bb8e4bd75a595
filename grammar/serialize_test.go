package grammar

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/tokengrammar/internal/wire"
)

func TestGrammarRoundTrip(t *testing.T) {
	g := mustParse(t, `
root = "a" { part } [ "end" ] .
part = "x" … "z" | "\"" .
`)

	data, err := g.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var restored Grammar
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(g.Rules, restored.Rules); diff != "" {
		t.Fatalf("rules differ:\n%s", diff)
	}
	if restored.Root != g.Root {
		t.Fatalf("root %d, want %d", restored.Root, g.Root)
	}
}

func TestGrammarRoundTripRepeatBounds(t *testing.T) {
	g := mustRegex(t, "a{2,5}b{3,}c?")
	data, err := g.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var restored Grammar
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(g.Rules, restored.Rules); diff != "" {
		t.Fatalf("repeat bounds lost:\n%s", diff)
	}
}

func TestGrammarUnmarshalErrors(t *testing.T) {
	var g Grammar
	if err := g.UnmarshalJSON([]byte(`garbage`)); !errors.Is(err, wire.ErrFormat) {
		t.Fatalf("garbage: %v", err)
	}
	if err := g.UnmarshalJSON([]byte(`{"__VERSION__":"v99","data":{}}`)); !errors.Is(err, wire.ErrVersion) {
		t.Fatalf("version mismatch: %v", err)
	}
	// Structurally valid envelope, semantically invalid grammar.
	bad := `{"__VERSION__":"v1","data":{"rules":[{"name":"root","productions":[]}],"root":0}}`
	if err := g.UnmarshalJSON([]byte(bad)); !errors.Is(err, wire.ErrFormat) {
		t.Fatalf("invalid grammar: %v", err)
	}
	// Dangling rule reference caught by re-validation.
	dangling := `{"__VERSION__":"v1","data":{"rules":[{"name":"root","productions":[{"elements":[{"kind":"ruleref","rule":7}]}]}],"root":0}}`
	if err := g.UnmarshalJSON([]byte(dangling)); !errors.Is(err, wire.ErrFormat) {
		t.Fatalf("dangling reference: %v", err)
	}
}

func TestElementUnmarshalErrors(t *testing.T) {
	var e Element
	if err := e.UnmarshalJSON([]byte(`{"kind":"wat"}`)); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if err := e.UnmarshalJSON([]byte(`{"kind":"charclass"}`)); err == nil {
		t.Fatal("charclass without class accepted")
	}
}
