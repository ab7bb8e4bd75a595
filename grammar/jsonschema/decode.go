// Package jsonschema converts a JSON schema into EBNF text accepting
// exactly the documents the schema allows. The subset covered is the
// OpenAI structured-outputs dialect: typed objects and arrays, string
// enum/const, anyOf/oneOf, $defs/$ref, and common string formats.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Schema holds a decoded JSON schema.
type Schema struct {
	// Name is the name of the property. For the root schema this is
	// "root"; for child properties it is the property name.
	Name string `json:"-"`

	// Type is the type of the property: a string, a list of strings,
	// or absent.
	Type TypeSet

	// Properties is the schema for each property of an object, in
	// declaration order.
	Properties []*Schema

	// Required lists property names that must be present.
	Required []string

	// AdditionalProperties is decoded but not enforced; objects are
	// closed to the declared properties either way.
	AdditionalProperties json.RawMessage

	// PrefixItems is a list of schemas for each item in a tuple. The
	// tuple is closed unless Items is also set.
	PrefixItems []*Schema

	// Items is the schema for each item in a list.
	//
	// If it is missing, or its JSON value is "null" or "false", it is
	// nil. If the JSON value is "true", it is the empty Schema.
	Items *Schema

	// MinItems and MaxItems bound list length. MaxItems nil means
	// unbounded.
	MinItems int
	MaxItems *int

	// Format names a well-known string format (date, uuid, ...).
	Format string

	// Pattern is a regex constraint; unsupported patterns degrade to a
	// plain string.
	Pattern string

	// Enum is a list of valid values for the property.
	Enum []json.RawMessage

	// Const restricts the property to a single value.
	Const json.RawMessage

	// AnyOf and OneOf each give alternative schemas. Both compile to
	// an unordered choice.
	AnyOf []*Schema
	OneOf []*Schema

	// Ref is a reference of the form "#" or "#/$defs/name".
	Ref string `json:"$ref"`

	// Defs holds named schemas referenced through Ref.
	Defs map[string]*Schema `json:"$defs"`
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	type S Schema
	w := struct {
		Properties props
		Items      items
		*S
	}{
		S: (*S)(s),
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Items.set {
		s.Items = &w.Items.Schema
	}
	s.Properties = w.Properties
	return nil
}

// TypeSet is a schema "type" value: absent, one name, or several.
type TypeSet []string

func (t *TypeSet) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TypeSet{s}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return errors.New("invalid type")
	}
	*t = names
	return nil
}

type items struct {
	Schema
	set bool
}

func (s *items) UnmarshalJSON(data []byte) error {
	switch b := data[0]; b {
	case 't':
		*s = items{set: true}
	case '{':
		type I items
		if err := json.Unmarshal(data, (*I)(s)); err != nil {
			return err
		}
		s.set = true
	case 'n', 'f':
	default:
		return errors.New("invalid Items")
	}
	return nil
}

// EffectiveType returns the effective type of the schema. If the Type
// field names exactly one type, it is returned; otherwise:
//
//   - If the schema has Properties, it returns "object".
//   - If the schema has Items or PrefixItems, it returns "array".
//   - Otherwise it returns "value".
func (s *Schema) EffectiveType() string {
	if len(s.Type) == 1 {
		return s.Type[0]
	}
	if len(s.Properties) > 0 {
		return "object"
	}
	if len(s.PrefixItems) > 0 || s.Items != nil {
		return "array"
	}
	return "value"
}

// props is an ordered list of properties. The order of the properties
// is the order in which they were defined in the schema.
type props []*Schema

var _ json.Unmarshaler = (*props)(nil)

func (v *props) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] != '{' {
		return errors.New("expected object")
	}

	d := json.NewDecoder(bytes.NewReader(data))

	t, err := d.Token()
	if err != nil {
		return err
	}
	if t != json.Delim('{') {
		return errors.New("expected object")
	}
	for d.More() {
		// Use the first token (map key) as the property name, then
		// decode the rest of the object fields into a Schema and
		// append.
		t, err := d.Token()
		if err != nil {
			return err
		}
		if t == json.Delim('}') {
			return nil
		}
		s := &Schema{
			Name: t.(string),
		}
		if err := d.Decode(s); err != nil {
			return err
		}
		*v = append(*v, s)
	}
	return nil
}
