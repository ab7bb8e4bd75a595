package jsonschema_test

import (
	"testing"

	"github.com/ollama/tokengrammar/grammar"
	"github.com/ollama/tokengrammar/grammar/jsonschema"
	"github.com/ollama/tokengrammar/matcher"
	"github.com/ollama/tokengrammar/tokenizer"
)

// matches reports whether doc is exactly the language of the schema.
func matches(t *testing.T, schema, doc string) bool {
	t.Helper()
	g, err := grammar.FromJSONSchema([]byte(schema))
	if err != nil {
		t.Fatalf("schema %s: %v", schema, err)
	}
	info, err := tokenizer.NewInfo([]string{"x"}, tokenizer.RawBytes)
	if err != nil {
		t.Fatal(err)
	}
	cg, err := matcher.NewCompiledGrammar(g, info)
	if err != nil {
		t.Fatal(err)
	}
	m, err := matcher.NewMatcher(cg, matcher.WithTerminateWithoutStopToken())
	if err != nil {
		t.Fatal(err)
	}
	return m.AcceptString(doc) && m.IsTerminated()
}

func TestSchemaDocuments(t *testing.T) {
	cases := []struct {
		name   string
		schema string
		accept []string
		reject []string
	}{
		{
			name: "required object",
			schema: `{
				"type": "object",
				"properties": {"name": {"type": "string"}, "age": {"type": "integer"}},
				"required": ["name", "age"]
			}`,
			accept: []string{`{"name": "x", "age": 3}`, `{"name":"x","age":-1}`},
			reject: []string{`{"name": "x"}`, `{"age": 3, "name": "x"}`, `{"name": "x", "age": 3, "etc": 1}`},
		},
		{
			name: "optional property",
			schema: `{
				"type": "object",
				"properties": {"a": {"type": "integer"}, "b": {"type": "integer"}},
				"required": ["a"]
			}`,
			accept: []string{`{"a": 1}`, `{"a": 1, "b": 2}`},
			reject: []string{`{"b": 2}`, `{"b": 2, "a": 1}`},
		},
		{
			name: "all optional",
			schema: `{
				"type": "object",
				"properties": {"a": {"type": "integer"}, "b": {"type": "integer"}}
			}`,
			accept: []string{`{}`, `{"a": 1}`, `{"b": 2}`, `{"a": 1, "b": 2}`},
			reject: []string{`{"b": 2, "a": 1}`},
		},
		{
			name:   "enum",
			schema: `{"enum": ["red", 7, true]}`,
			accept: []string{`"red"`, `7`, `true`},
			reject: []string{`"blue"`, `8`, `false`},
		},
		{
			name:   "const",
			schema: `{"const": {"ok": true}}`,
			accept: []string{`{"ok":true}`},
			reject: []string{`{"ok":false}`},
		},
		{
			name:   "integer array bounds",
			schema: `{"type": "array", "items": {"type": "integer"}, "minItems": 1, "maxItems": 3}`,
			accept: []string{`[1]`, `[1, 2]`, `[1, 2, 3]`},
			reject: []string{`[]`, `[1, 2, 3, 4]`},
		},
		{
			name:   "unbounded array",
			schema: `{"type": "array", "items": {"type": "boolean"}}`,
			accept: []string{`[]`, `[true]`, `[true, false, true]`},
			reject: []string{`[1]`, `[true,]`},
		},
		{
			name:   "tuple",
			schema: `{"prefixItems": [{"type": "integer"}, {"type": "boolean"}]}`,
			accept: []string{`[1, true]`, `[-2,false]`},
			reject: []string{`[1]`, `[true, 1]`, `[1, true, 1]`},
		},
		{
			name:   "any of",
			schema: `{"anyOf": [{"type": "integer"}, {"type": "boolean"}]}`,
			accept: []string{`3`, `true`},
			reject: []string{`"s"`, `3.5`},
		},
		{
			name:   "type union",
			schema: `{"type": ["integer", "null"]}`,
			accept: []string{`3`, `null`},
			reject: []string{`"3"`},
		},
		{
			name: "defs ref",
			schema: `{
				"type": "object",
				"properties": {"a": {"$ref": "#/$defs/num"}},
				"required": ["a"],
				"$defs": {"num": {"type": "number"}}
			}`,
			accept: []string{`{"a": 2.5}`, `{"a": -1e3}`},
			reject: []string{`{"a": "x"}`},
		},
		{
			name: "recursive ref",
			schema: `{
				"type": "object",
				"properties": {"next": {"$ref": "#"}}
			}`,
			accept: []string{`{}`, `{"next": {}}`, `{"next": {"next": {}}}`},
			reject: []string{`{"next": 1}`},
		},
		{
			name:   "date format",
			schema: `{"type": "string", "format": "date"}`,
			accept: []string{`"2024-01-15"`},
			reject: []string{`"2024-1-15"`, `"20240115"`},
		},
		{
			name:   "uuid format",
			schema: `{"type": "string", "format": "uuid"}`,
			accept: []string{`"123e4567-e89b-12d3-a456-426614174000"`},
			reject: []string{`"123e4567"`},
		},
		{
			name:   "unknown format is a plain string",
			schema: `{"type": "string", "format": "hostname"}`,
			accept: []string{`"whatever"`},
			reject: []string{`42`},
		},
		{
			name:   "pattern degrades to string",
			schema: `{"type": "string", "pattern": "^x$"}`,
			accept: []string{`"anything"`},
			reject: []string{`42`},
		},
		{
			name:   "unconstrained",
			schema: `{}`,
			accept: []string{`[1, {"a": null}]`, `"s"`, `3.5`},
			reject: []string{`{,}`},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			for _, doc := range tt.accept {
				if !matches(t, tt.schema, doc) {
					t.Errorf("document %s rejected", doc)
				}
			}
			for _, doc := range tt.reject {
				if matches(t, tt.schema, doc) {
					t.Errorf("document %s accepted", doc)
				}
			}
		})
	}
}

func TestSchemaErrors(t *testing.T) {
	cases := []struct {
		name   string
		schema string
	}{
		{"empty enum", `{"enum": []}`},
		{"unresolved ref", `{"$ref": "#/$defs/missing"}`},
		{"unsupported ref", `{"$ref": "http://example.com/s.json"}`},
		{"bad array bounds", `{"type": "array", "items": {"type": "integer"}, "minItems": 3, "maxItems": 1}`},
		{"unknown type", `{"type": "frob"}`},
		{"malformed", `{"type":`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := jsonschema.EBNF([]byte(tt.schema)); err == nil {
				t.Fatal("invalid schema accepted")
			}
		})
	}
}

func TestEBNFOutputParses(t *testing.T) {
	src, err := jsonschema.EBNF([]byte(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "format": "uuid"},
			"when": {"type": "string", "format": "date-time"},
			"tags": {"type": "array", "items": {"type": "string"}},
			"score": {"type": "number"},
			"extra": {}
		},
		"required": ["id", "tags"]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := grammar.ParseEBNF(src, "root"); err != nil {
		t.Fatalf("emitted grammar does not parse: %v\n%s", err, src)
	}
}
