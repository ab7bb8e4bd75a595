// Package matcher executes compiled grammars against token streams.
// It tracks the set of viable parse states after every accepted token
// and produces, on demand, a bitmask over the vocabulary of the tokens
// the grammar allows next.
package matcher

import "fmt"

const bitsPerWord = 32

// Bitmask is a batch of per-token allow masks, one row per sequence.
// Each row holds ceil(vocabSize/32) little-endian int32 words, bit i
// of word w covering token id w*32+i. The int32 layout matches the
// tensor the sampling kernel consumes.
type Bitmask struct {
	words     []int32
	rows      int
	vocabSize int
}

// NewBitmask allocates a single-row mask with all tokens disallowed.
func NewBitmask(vocabSize int) *Bitmask {
	return NewBatchBitmask(1, vocabSize)
}

// NewBatchBitmask allocates a rows-row mask with all tokens
// disallowed.
func NewBatchBitmask(rows, vocabSize int) *Bitmask {
	if rows < 1 || vocabSize < 1 {
		panic(fmt.Sprintf("bitmask dimensions %dx%d out of range", rows, vocabSize))
	}
	return &Bitmask{
		words:     make([]int32, rows*wordsPerRow(vocabSize)),
		rows:      rows,
		vocabSize: vocabSize,
	}
}

func wordsPerRow(vocabSize int) int {
	return (vocabSize + bitsPerWord - 1) / bitsPerWord
}

// Rows returns the number of rows in the batch.
func (m *Bitmask) Rows() int { return m.rows }

// VocabSize returns the per-row token capacity.
func (m *Bitmask) VocabSize() int { return m.vocabSize }

// Words returns the backing words of one row.
func (m *Bitmask) Words(row int) []int32 {
	w := wordsPerRow(m.vocabSize)
	return m.words[row*w : (row+1)*w]
}

// Set allows token id in row.
func (m *Bitmask) Set(row int, id int32) {
	m.Words(row)[id/bitsPerWord] |= 1 << (id % bitsPerWord)
}

// Clear disallows token id in row.
func (m *Bitmask) Clear(row int, id int32) {
	m.Words(row)[id/bitsPerWord] &^= 1 << (id % bitsPerWord)
}

// IsAllowed reports whether token id is allowed in row.
func (m *Bitmask) IsAllowed(row int, id int32) bool {
	if id < 0 || int(id) >= m.vocabSize {
		return false
	}
	return m.Words(row)[id/bitsPerWord]&(1<<(id%bitsPerWord)) != 0
}

// Reset disallows every token in row.
func (m *Bitmask) Reset(row int) {
	words := m.Words(row)
	for i := range words {
		words[i] = 0
	}
}

// AllowAll allows every token in row.
func (m *Bitmask) AllowAll(row int) {
	words := m.Words(row)
	for i := range words {
		words[i] = -1
	}
	// Mask out bits beyond the vocabulary in the last word.
	if extra := len(words)*bitsPerWord - m.vocabSize; extra > 0 {
		words[len(words)-1] = int32(uint32(0xFFFFFFFF) >> extra)
	}
}
