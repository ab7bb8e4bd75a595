package matcher

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/tokengrammar/grammar"
)

func TestBatchFillMatchesSequential(t *testing.T) {
	grammars := []*CompiledGrammar{
		compileEBNF(t, `root = "ab" .`),
		compileGrammar(t, grammar.JSON()),
		compileRegex(t, "[abc]+"),
	}
	prefixes := []string{"a", `{"x": `, "cb"}

	matchers := make([]*Matcher, len(grammars))
	for i, cg := range grammars {
		matchers[i] = newMatcher(t, cg)
		if !matchers[i].AcceptString(prefixes[i]) {
			t.Fatalf("prefix %q rejected", prefixes[i])
		}
	}

	batch := NewBatchMatcher(2)
	mask := NewBatchBitmask(len(matchers), len(testVocab))
	need := batch.FillNextTokenBitmask(matchers, mask, nil)

	for i, m := range matchers {
		want := fillWords(t, m)
		if diff := cmp.Diff(want, mask.Words(i)); diff != "" {
			t.Errorf("row %d differs from sequential fill:\n%s", i, diff)
		}
		if !need[i] {
			t.Errorf("row %d reported as unconstrained", i)
		}
	}
}

func TestBatchFillWithIndices(t *testing.T) {
	matchers := []*Matcher{
		newMatcher(t, compileEBNF(t, `root = "ab" .`)),
		newMatcher(t, compileEBNF(t, `root = "c" .`)),
	}
	batch := NewBatchMatcher(0)
	mask := NewBatchBitmask(4, len(testVocab))
	batch.FillNextTokenBitmask(matchers, mask, []int{3, 1})

	if !mask.IsAllowed(3, tokenID(t, "a")) || mask.IsAllowed(3, tokenID(t, "c")) {
		t.Fatal("row 3 does not hold the first matcher's mask")
	}
	if !mask.IsAllowed(1, tokenID(t, "c")) || mask.IsAllowed(1, tokenID(t, "a")) {
		t.Fatal("row 1 does not hold the second matcher's mask")
	}
}

func TestBatchAcceptTokens(t *testing.T) {
	cg := compileEBNF(t, `root = "ab" .`)
	matchers := []*Matcher{newMatcher(t, cg), newMatcher(t, cg)}

	batch := NewBatchMatcher(0)
	ok := batch.AcceptTokens(matchers, []int32{tokenID(t, "a"), tokenID(t, "b")})
	if !ok[0] {
		t.Fatal("valid token rejected")
	}
	if ok[1] {
		t.Fatal("invalid token accepted")
	}
}

func TestBatchAcceptStrings(t *testing.T) {
	matchers := []*Matcher{
		newMatcher(t, compileEBNF(t, `root = "ab" .`)),
		newMatcher(t, compileEBNF(t, `root = "c" .`)),
	}
	batch := NewBatchMatcher(1)
	ok := batch.AcceptStrings(matchers, []string{"ab", "x"})
	if !ok[0] || ok[1] {
		t.Fatalf("results %v, want [true false]", ok)
	}
}

func TestBatchLengthMismatchPanics(t *testing.T) {
	batch := NewBatchMatcher(0)
	matchers := []*Matcher{newMatcher(t, compileEBNF(t, `root = "ab" .`))}
	defer func() {
		if recover() == nil {
			t.Fatal("no panic for mismatched lengths")
		}
	}()
	batch.AcceptTokens(matchers, []int32{1, 2})
}
