package jsonschema

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodePropertyOrder(t *testing.T) {
	var s Schema
	err := json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"zeta": {"type": "string"},
			"alpha": {"type": "integer"},
			"mid": {"type": "boolean"}
		}
	}`), &s)
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, p := range s.Properties {
		names = append(names, p.Name)
	}
	// Declaration order, not lexical order.
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, names); diff != "" {
		t.Fatal(diff)
	}
}

func TestDecodeTypeSet(t *testing.T) {
	var s Schema
	if err := json.Unmarshal([]byte(`{"type": "string"}`), &s); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(TypeSet{"string"}, s.Type); diff != "" {
		t.Fatal(diff)
	}

	s = Schema{}
	if err := json.Unmarshal([]byte(`{"type": ["string", "null"]}`), &s); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(TypeSet{"string", "null"}, s.Type); diff != "" {
		t.Fatal(diff)
	}

	if err := json.Unmarshal([]byte(`{"type": 7}`), &s); err == nil {
		t.Fatal("numeric type accepted")
	}
}

func TestDecodeItems(t *testing.T) {
	var s Schema
	if err := json.Unmarshal([]byte(`{"items": {"type": "integer"}}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Items == nil || s.Items.EffectiveType() != "integer" {
		t.Fatalf("items = %+v", s.Items)
	}

	s = Schema{}
	if err := json.Unmarshal([]byte(`{"items": true}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Items == nil || s.Items.EffectiveType() != "value" {
		t.Fatal("items: true is not an unconstrained schema")
	}

	s = Schema{}
	if err := json.Unmarshal([]byte(`{"items": false}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Items != nil {
		t.Fatal("items: false decoded as a schema")
	}
}

func TestEffectiveType(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{`{"type": "integer"}`, "integer"},
		{`{"properties": {"a": {}}}`, "object"},
		{`{"prefixItems": [{}]}`, "array"},
		{`{"items": {}}`, "array"},
		{`{}`, "value"},
	}
	for _, tt := range cases {
		var s Schema
		if err := json.Unmarshal([]byte(tt.src), &s); err != nil {
			t.Fatalf("%s: %v", tt.src, err)
		}
		if got := s.EffectiveType(); got != tt.want {
			t.Errorf("%s: effective type %q, want %q", tt.src, got, tt.want)
		}
	}
}
