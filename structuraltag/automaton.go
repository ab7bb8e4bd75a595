package structuraltag

import (
	"slices"
	"unicode"

	"github.com/ollama/tokengrammar/grammar"
)

// notRunes builds a class matching every rune except the given ones.
func notRunes(runes []rune) grammar.CharClass {
	ranges := make([]grammar.RuneRange, 0, len(runes))
	for _, r := range runes {
		ranges = append(ranges, grammar.RuneRange{Lo: r, Hi: r})
	}
	return grammar.CharClass{Ranges: ranges, Negated: true}
}

func oneRune(r rune) grammar.CharClass {
	return grammar.CharClass{Ranges: []grammar.RuneRange{{Lo: r, Hi: r}}}
}

func anyRune() grammar.CharClass {
	return grammar.CharClass{Ranges: []grammar.RuneRange{{Lo: 0, Hi: unicode.MaxRune}}}
}

// kmpFailure computes the classic prefix function for pattern.
func kmpFailure(pattern []rune) []int {
	fail := make([]int, len(pattern))
	for i := 1; i < len(pattern); i++ {
		j := fail[i-1]
		for j > 0 && pattern[i] != pattern[j] {
			j = fail[j-1]
		}
		if pattern[i] == pattern[j] {
			j++
		}
		fail[i] = j
	}
	return fail
}

// kmpNext is the KMP transition: the longest pattern prefix that is a
// suffix of the consumed text after reading r in state state.
func kmpNext(pattern []rune, fail []int, state int, r rune) int {
	for state > 0 && pattern[state] != r {
		state = fail[state-1]
	}
	if pattern[state] == r {
		return state + 1
	}
	return 0
}

// patternAlphabet returns the distinct runes of pattern in first-seen
// order.
func patternAlphabet(pattern []rune) []rune {
	var alphabet []rune
	for _, r := range pattern {
		if !slices.Contains(alphabet, r) {
			alphabet = append(alphabet, r)
		}
	}
	return alphabet
}

// acAutomaton is an Aho-Corasick automaton over a set of trigger
// strings. State 0 is the root.
type acAutomaton struct {
	next     []map[rune]int // goto edges
	fail     []int
	depth    []int
	outputs  [][]string // triggers matched when entering the state
	alphabet []rune
}

func buildAC(triggers []string) *acAutomaton {
	ac := &acAutomaton{
		next:    []map[rune]int{{}},
		fail:    []int{0},
		depth:   []int{0},
		outputs: [][]string{nil},
	}

	for _, trigger := range triggers {
		state := 0
		for _, r := range trigger {
			if !slices.Contains(ac.alphabet, r) {
				ac.alphabet = append(ac.alphabet, r)
			}
			child, ok := ac.next[state][r]
			if !ok {
				child = len(ac.next)
				ac.next[state][r] = child
				ac.next = append(ac.next, map[rune]int{})
				ac.fail = append(ac.fail, 0)
				ac.depth = append(ac.depth, ac.depth[state]+1)
				ac.outputs = append(ac.outputs, nil)
			}
			state = child
		}
		if !slices.Contains(ac.outputs[state], trigger) {
			ac.outputs[state] = append(ac.outputs[state], trigger)
		}
	}

	// BFS failure links; outputs inherit along the links so suffix
	// matches dispatch too.
	queue := make([]int, 0, len(ac.next))
	for _, child := range ac.next[0] {
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for r, child := range ac.next[state] {
			f := ac.fail[state]
			for f > 0 {
				if _, ok := ac.next[f][r]; ok {
					break
				}
				f = ac.fail[f]
			}
			if target, ok := ac.next[f][r]; ok && target != child {
				ac.fail[child] = target
			}
			queue = append(queue, child)
		}
		for _, t := range ac.outputs[ac.fail[state]] {
			if !slices.Contains(ac.outputs[state], t) {
				ac.outputs[state] = append(ac.outputs[state], t)
			}
		}
	}
	return ac
}

// step is the full AC transition function including failure moves.
func (ac *acAutomaton) step(state int, r rune) int {
	for {
		if child, ok := ac.next[state][r]; ok {
			return child
		}
		if state == 0 {
			return 0
		}
		state = ac.fail[state]
	}
}
