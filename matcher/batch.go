package matcher

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// BatchMatcher runs per-sequence matcher operations across a batch in
// parallel. Entries are independent; a failure in one sequence only
// affects its own result.
type BatchMatcher struct {
	limit int
}

// NewBatchMatcher creates a batch helper. maxThreads <= 0 selects half
// the CPUs, at least one.
func NewBatchMatcher(maxThreads int) *BatchMatcher {
	if maxThreads <= 0 {
		maxThreads = max(1, runtime.NumCPU()/2)
	}
	return &BatchMatcher{limit: maxThreads}
}

func (b *BatchMatcher) run(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(b.limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	g.Wait()
}

// FillNextTokenBitmask fills one mask row per matcher. indices[i]
// names the row for matchers[i]; a nil indices assigns row i. The
// result reports, per matcher, whether its mask excludes anything.
func (b *BatchMatcher) FillNextTokenBitmask(matchers []*Matcher, mask *Bitmask, indices []int) []bool {
	if indices != nil && len(indices) != len(matchers) {
		panic(fmt.Sprintf("%d indices for %d matchers", len(indices), len(matchers)))
	}
	out := make([]bool, len(matchers))
	b.run(len(matchers), func(i int) {
		row := i
		if indices != nil {
			row = indices[i]
		}
		out[i] = matchers[i].FillNextTokenBitmask(mask, row)
	})
	return out
}

// AcceptTokens advances matchers[i] by tokens[i], reporting per-entry
// acceptance.
func (b *BatchMatcher) AcceptTokens(matchers []*Matcher, tokens []int32) []bool {
	if len(tokens) != len(matchers) {
		panic(fmt.Sprintf("%d tokens for %d matchers", len(tokens), len(matchers)))
	}
	out := make([]bool, len(matchers))
	b.run(len(matchers), func(i int) {
		out[i] = matchers[i].AcceptToken(tokens[i])
	})
	return out
}

// AcceptStrings advances matchers[i] by strings[i], reporting
// per-entry acceptance.
func (b *BatchMatcher) AcceptStrings(matchers []*Matcher, strings []string) []bool {
	if len(strings) != len(matchers) {
		panic(fmt.Sprintf("%d strings for %d matchers", len(strings), len(matchers)))
	}
	out := make([]bool, len(matchers))
	b.run(len(matchers), func(i int) {
		out[i] = matchers[i].AcceptString(strings[i])
	})
	return out
}
