// Package tokenizer describes a model vocabulary to the grammar
// engine: the raw byte sequence behind every token id, which ids are
// special, and which ids stop generation.
package tokenizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ollama/tokengrammar/logutil"
)

// VocabType describes how a vocabulary encodes raw bytes in its token
// strings.
type VocabType int

const (
	// RawBytes vocabularies store token bytes directly (tiktoken
	// style).
	RawBytes VocabType = iota

	// ByteFallback vocabularies store unrepresentable bytes as
	// "<0xXX>" entries and spaces as U+2581 (sentencepiece style).
	ByteFallback

	// ByteLevel vocabularies remap every byte into a printable rune
	// (GPT-2 style).
	ByteLevel
)

func (t VocabType) String() string {
	switch t {
	case RawBytes:
		return "raw"
	case ByteFallback:
		return "byte_fallback"
	case ByteLevel:
		return "byte_level"
	default:
		return fmt.Sprintf("VocabType(%d)", int(t))
	}
}

const fallbackWhitespace = "▁"

// wellKnownStopTokens are matched against the encoded vocabulary when
// no explicit stop ids are given.
var wellKnownStopTokens = []string{
	"</s>",
	"<|endoftext|>",
	"<|end|>",
	"<|eot_id|>",
	"<|eom_id|>",
	"<|im_end|>",
	"<end_of_turn>",
	"<eos>",
}

// wellKnownSpecialTokens are control tokens that do not follow the
// "<|...|>" convention.
var wellKnownSpecialTokens = []string{
	"<s>", "</s>", "<unk>", "<pad>", "<mask>", "<sep>", "<cls>",
	"<bos>", "<eos>", "<end_of_turn>", "<start_of_turn>",
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
}

// Info is an immutable description of a tokenizer vocabulary. All
// matchers sharing a model share one Info.
type Info struct {
	encoded        []string
	decoded        [][]byte
	vocabType      VocabType
	vocabSize      int
	addPrefixSpace bool
	special        []bool
	stop           []int32
}

// Option configures Info construction.
type Option func(*options)

type options struct {
	vocabSize      int
	stopTokens     []int32
	addPrefixSpace bool
}

// WithVocabSize sets the model vocabulary size when it exceeds the
// encoded vocabulary length; the padded ids are treated as special.
func WithVocabSize(n int) Option {
	return func(o *options) { o.vocabSize = n }
}

// WithStopTokens overrides stop token detection.
func WithStopTokens(ids []int32) Option {
	return func(o *options) { o.stopTokens = ids }
}

// WithAddPrefixSpace records that the tokenizer prepends a space
// during encoding.
func WithAddPrefixSpace(v bool) Option {
	return func(o *options) { o.addPrefixSpace = v }
}

// NewInfo builds an Info from an encoded vocabulary.
func NewInfo(vocab []string, vocabType VocabType, opts ...Option) (*Info, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.vocabSize == 0 {
		o.vocabSize = len(vocab)
	}
	if o.vocabSize < len(vocab) {
		return nil, fmt.Errorf("vocab size %d below vocabulary length %d", o.vocabSize, len(vocab))
	}

	info := &Info{
		encoded:        vocab,
		decoded:        make([][]byte, len(vocab)),
		vocabType:      vocabType,
		vocabSize:      o.vocabSize,
		addPrefixSpace: o.addPrefixSpace,
		special:        make([]bool, o.vocabSize),
	}

	for id, token := range vocab {
		if isSpecialToken(token) {
			info.special[id] = true
			continue
		}
		info.decoded[id] = decodeToken(token, vocabType)
	}
	for id := len(vocab); id < o.vocabSize; id++ {
		info.special[id] = true
	}

	if o.stopTokens != nil {
		for _, id := range o.stopTokens {
			if id < 0 || int(id) >= o.vocabSize {
				return nil, fmt.Errorf("stop token id %d out of range", id)
			}
		}
		info.stop = o.stopTokens
	} else {
		info.stop = detectStopTokens(vocab)
	}
	// Stop tokens are control tokens even when the heuristics miss
	// them.
	for _, id := range info.stop {
		info.special[id] = true
		info.decoded[id] = nil
	}

	logutil.Trace("tokenizer info", "vocab", len(vocab), "size", info.vocabSize,
		"type", vocabType, "stop", info.stop)
	return info, nil
}

func isSpecialToken(token string) bool {
	if strings.HasPrefix(token, "<|") && strings.HasSuffix(token, "|>") {
		return true
	}
	for _, s := range wellKnownSpecialTokens {
		if token == s {
			return true
		}
	}
	return false
}

func detectStopTokens(vocab []string) []int32 {
	var ids []int32
	for id, token := range vocab {
		for _, s := range wellKnownStopTokens {
			if token == s {
				ids = append(ids, int32(id))
				break
			}
		}
	}
	return ids
}

// decodeToken recovers the raw bytes a token contributes to model
// output.
func decodeToken(token string, vocabType VocabType) []byte {
	switch vocabType {
	case ByteFallback:
		if len(token) == 6 && strings.HasPrefix(token, "<0x") && strings.HasSuffix(token, ">") {
			if b, err := strconv.ParseUint(token[1:5], 0, 8); err == nil {
				return []byte{byte(b)}
			}
		}
		return []byte(strings.ReplaceAll(token, fallbackWhitespace, " "))
	case ByteLevel:
		out := make([]byte, 0, len(token))
		for _, r := range token {
			switch {
			case r == 0x0100:
				r = 0x00
			case r == 0x0143:
				r = 0x00ad
			case r > 0x0100 && r <= 0x0120:
				r -= 0x0100
			case r > 0x0120 && r <= 0x0142:
				r -= 0x00a2
			}
			// The rune is a disguised byte; do not re-encode as UTF-8.
			out = append(out, byte(r))
		}
		return out
	default:
		return []byte(token)
	}
}

// VocabSize returns the model vocabulary size, padded ids included.
func (info *Info) VocabSize() int { return info.vocabSize }

// VocabType returns the byte encoding convention of the vocabulary.
func (info *Info) VocabType() VocabType { return info.vocabType }

// AddPrefixSpace reports whether the tokenizer prepends a space when
// encoding text.
func (info *Info) AddPrefixSpace() bool { return info.addPrefixSpace }

// StopTokenIDs returns the ids that end generation. Callers must not
// mutate the returned slice.
func (info *Info) StopTokenIDs() []int32 { return info.stop }

// IsStopToken reports whether id is a stop token.
func (info *Info) IsStopToken(id int32) bool {
	for _, stop := range info.stop {
		if id == stop {
			return true
		}
	}
	return false
}

// SpecialTokenIDs returns the ids never matched against a grammar.
func (info *Info) SpecialTokenIDs() []int32 {
	var ids []int32
	for id, s := range info.special {
		if s {
			ids = append(ids, int32(id))
		}
	}
	return ids
}

// IsSpecial reports whether id is a special token or a padded id.
func (info *Info) IsSpecial(id int32) bool {
	return id >= 0 && int(id) < len(info.special) && info.special[int(id)]
}

// TokenBytes returns the raw bytes of token id, or nil for special
// tokens and padded ids. Callers must not mutate the returned slice.
func (info *Info) TokenBytes(id int32) []byte {
	if id < 0 || int(id) >= len(info.decoded) {
		return nil
	}
	return info.decoded[id]
}

// DecodedVocab returns the decoded byte sequence for every token id.
// Special tokens and padded ids are nil. Callers must not mutate the
// result.
func (info *Info) DecodedVocab() [][]byte { return info.decoded }
