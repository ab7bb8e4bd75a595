package grammar

import (
	"fmt"

	"github.com/ollama/tokengrammar/grammar/jsonschema"
)

// FromJSONSchema converts a JSON schema into a Grammar accepting
// exactly the JSON documents the schema allows. See the jsonschema
// package for the supported subset.
func FromJSONSchema(schemaJSON []byte) (*Grammar, error) {
	src, err := jsonschema.EBNF(schemaJSON)
	if err != nil {
		return nil, err
	}
	g, err := ParseEBNF(src, "root")
	if err != nil {
		return nil, fmt.Errorf("lower schema grammar: %w", err)
	}
	return g, nil
}
