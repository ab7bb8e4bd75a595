package tokenizer

import (
	"fmt"
	"slices"

	"github.com/ollama/tokengrammar/internal/wire"
)

// Metadata is the tokenizer configuration without the vocabulary. A
// dump travels alongside a compiled grammar so the receiving side can
// check it was built for the same tokenizer.
type Metadata struct {
	VocabType      VocabType `json:"vocab_type"`
	VocabSize      int       `json:"vocab_size"`
	AddPrefixSpace bool      `json:"add_prefix_space"`
	StopTokenIDs   []int32   `json:"stop_token_ids"`
}

// Metadata returns the Info configuration without the vocabulary.
func (info *Info) Metadata() Metadata {
	return Metadata{
		VocabType:      info.vocabType,
		VocabSize:      info.vocabSize,
		AddPrefixSpace: info.addPrefixSpace,
		StopTokenIDs:   slices.Clone(info.stop),
	}
}

// DumpMetadata serializes the Info configuration, vocabulary excluded.
func (info *Info) DumpMetadata() ([]byte, error) {
	return wire.Marshal(info.Metadata())
}

// FromVocabAndMetadata rebuilds an Info from an encoded vocabulary and
// a metadata dump produced by DumpMetadata.
func FromVocabAndMetadata(vocab []string, metadata []byte) (*Info, error) {
	var md Metadata
	if err := wire.Unmarshal(metadata, &md); err != nil {
		return nil, err
	}
	info, err := NewInfo(vocab, md.VocabType,
		WithVocabSize(md.VocabSize),
		WithStopTokens(md.StopTokenIDs),
		WithAddPrefixSpace(md.AddPrefixSpace))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrFormat, err)
	}
	return info, nil
}

type infoJSON struct {
	Vocab    []string `json:"encoded_vocab"`
	Metadata Metadata `json:"metadata"`
}

// MarshalJSON serializes the Info, vocabulary included, inside a
// versioned envelope.
func (info *Info) MarshalJSON() ([]byte, error) {
	return wire.Marshal(infoJSON{Vocab: info.encoded, Metadata: info.Metadata()})
}

// UnmarshalJSON deserializes an Info written by MarshalJSON. It
// returns wire.ErrVersion on a version mismatch and wire.ErrFormat on
// malformed input.
func (info *Info) UnmarshalJSON(b []byte) error {
	var in infoJSON
	if err := wire.Unmarshal(b, &in); err != nil {
		return err
	}
	decoded, err := NewInfo(in.Vocab, in.Metadata.VocabType,
		WithVocabSize(in.Metadata.VocabSize),
		WithStopTokens(in.Metadata.StopTokenIDs),
		WithAddPrefixSpace(in.Metadata.AddPrefixSpace))
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrFormat, err)
	}
	*info = *decoded
	return nil
}
