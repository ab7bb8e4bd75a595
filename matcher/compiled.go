package matcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ollama/tokengrammar/grammar"
	"github.com/ollama/tokengrammar/internal/wire"
	"github.com/ollama/tokengrammar/tokenizer"
)

// CompiledGrammar binds a grammar to a tokenizer vocabulary together
// with the precomputation the matcher needs: the vocabulary sorted by
// decoded bytes, adjacent-pair common prefix lengths, and the sorted
// range of tokens per first byte. It is immutable and shared by every
// matcher built from it.
type CompiledGrammar struct {
	grammar  *grammar.Grammar
	info     *tokenizer.Info
	nullable []bool

	// sorted holds non-special token ids ordered by decoded bytes;
	// lcp[i] is the common prefix length of sorted[i-1] and sorted[i].
	sorted []int32
	lcp    []int32

	// byteRange[b] is the sorted index range of tokens whose decoded
	// bytes start with b.
	byteRange [256][2]int32

	// emptyTokens decode to zero bytes and are always allowed until
	// termination.
	emptyTokens []int32
}

// NewCompiledGrammar precomputes matcher tables for g over the given
// vocabulary.
func NewCompiledGrammar(g *grammar.Grammar, info *tokenizer.Info) (*CompiledGrammar, error) {
	if g == nil || info == nil {
		return nil, fmt.Errorf("grammar and tokenizer info are required")
	}
	start := time.Now()

	cg := &CompiledGrammar{
		grammar:  g,
		info:     info,
		nullable: g.Nullable(),
	}

	decoded := info.DecodedVocab()
	for id, data := range decoded {
		if info.IsSpecial(int32(id)) {
			continue
		}
		if len(data) == 0 {
			cg.emptyTokens = append(cg.emptyTokens, int32(id))
			continue
		}
		cg.sorted = append(cg.sorted, int32(id))
	}
	slices.SortFunc(cg.sorted, func(a, b int32) int {
		return bytes.Compare(decoded[a], decoded[b])
	})

	cg.lcp = make([]int32, len(cg.sorted))
	for i := 1; i < len(cg.sorted); i++ {
		cg.lcp[i] = commonPrefix(decoded[cg.sorted[i-1]], decoded[cg.sorted[i]])
	}

	for i, id := range cg.sorted {
		b := decoded[id][0]
		if cg.byteRange[b][1] == 0 {
			cg.byteRange[b][0] = int32(i)
		}
		cg.byteRange[b][1] = int32(i) + 1
	}

	slog.Debug("compiled grammar", "rules", len(g.Rules), "tokens", len(cg.sorted),
		"special", len(info.SpecialTokenIDs()), "duration", time.Since(start))
	return cg, nil
}

func commonPrefix(a, b []byte) int32 {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int32(i)
		}
	}
	return int32(n)
}

// Grammar returns the underlying grammar.
func (cg *CompiledGrammar) Grammar() *grammar.Grammar { return cg.grammar }

// TokenizerInfo returns the vocabulary the grammar was compiled for.
func (cg *CompiledGrammar) TokenizerInfo() *tokenizer.Info { return cg.info }

// MemorySizeBytes estimates the memory held by the compiled grammar,
// the shared tokenizer info excluded. Used for cache accounting.
func (cg *CompiledGrammar) MemorySizeBytes() int64 {
	var size int64
	for _, rule := range cg.grammar.Rules {
		size += int64(len(rule.Name)) + 48
		for _, prod := range rule.Productions {
			size += 24
			for _, elem := range prod.Elements {
				size += 64 + int64(len(elem.Lit)) + int64(len(elem.Class.Ranges))*8
			}
		}
	}
	size += int64(len(cg.nullable))
	size += int64(len(cg.sorted)+len(cg.lcp)+len(cg.emptyTokens)) * 4
	size += int64(len(cg.byteRange)) * 8
	return size
}

type compiledJSON struct {
	Grammar  json.RawMessage    `json:"grammar"`
	Metadata tokenizer.Metadata `json:"tokenizer_metadata"`
}

// MarshalJSON serializes the compiled grammar inside a versioned
// envelope. The vocabulary itself is not serialized; deserialization
// rebuilds the precomputation from a tokenizer info that must carry
// the same metadata.
func (cg *CompiledGrammar) MarshalJSON() ([]byte, error) {
	g, err := cg.grammar.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return wire.Marshal(compiledJSON{Grammar: g, Metadata: cg.info.Metadata()})
}

// DeserializeCompiledGrammar rebuilds a compiled grammar from data
// written by MarshalJSON. The tokenizer info must describe the same
// tokenizer the grammar was compiled for; a mismatch is reported as
// wire.ErrFormat.
func DeserializeCompiledGrammar(data []byte, info *tokenizer.Info) (*CompiledGrammar, error) {
	var in compiledJSON
	if err := wire.Unmarshal(data, &in); err != nil {
		return nil, err
	}

	md := info.Metadata()
	if in.Metadata.VocabType != md.VocabType || in.Metadata.VocabSize != md.VocabSize ||
		in.Metadata.AddPrefixSpace != md.AddPrefixSpace ||
		!slices.Equal(in.Metadata.StopTokenIDs, md.StopTokenIDs) {
		return nil, fmt.Errorf("%w: compiled grammar was built for a different tokenizer", wire.ErrFormat)
	}

	var g grammar.Grammar
	if err := g.UnmarshalJSON(in.Grammar); err != nil {
		return nil, err
	}
	return NewCompiledGrammar(&g, info)
}
