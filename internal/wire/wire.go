// Package wire implements the versioned JSON envelope shared by all
// serializable types in this module. Every payload is wrapped as
// {"__VERSION__": "...", "data": ...} and checked on the way back in.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the current serialization version. Readers reject payloads
// written with any other version.
const Version = "v1"

var (
	// ErrVersion reports a payload written with a different serialization
	// version than this reader understands.
	ErrVersion = errors.New("serialization version mismatch")

	// ErrFormat reports a payload that is not a valid envelope or whose
	// contents do not decode into the expected structure.
	ErrFormat = errors.New("invalid serialized format")
)

type envelope struct {
	Version string          `json:"__VERSION__"`
	Data    json.RawMessage `json:"data"`
}

// Marshal wraps v in a versioned envelope.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: Version, Data: data})
}

// Unmarshal unwraps a versioned envelope into v. It returns ErrVersion
// if the payload was written with a different version, and ErrFormat if
// the envelope or its contents are malformed.
func Unmarshal(b []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if env.Version == "" || env.Data == nil {
		return fmt.Errorf("%w: missing __VERSION__ or data", ErrFormat)
	}
	if env.Version != Version {
		return fmt.Errorf("%w: payload version %q, reader version %q", ErrVersion, env.Version, Version)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return nil
}
