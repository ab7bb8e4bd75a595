package matcher

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/ollama/tokengrammar/envconfig"
	"github.com/ollama/tokengrammar/grammar"
	"github.com/ollama/tokengrammar/logutil"
)

// ErrRollback reports a rollback request that exceeds the retained
// history.
var ErrRollback = errors.New("rollback out of range")

const jumpForwardLimit = 4096

// frame is one parse state: inside rule/prod, about to match the
// element at elem. sub is the byte offset in a literal or the
// completed iteration count of a repeat. acc and need hold a partial
// UTF-8 rune while a character class spans a token boundary. parent is
// the arena index of the frame to resume when this production
// completes, -1 for root frames.
//
// Frames are immutable once appended to the arena; advancing creates
// copies.
type frame struct {
	parent int32
	rule   int32
	prod   int32
	elem   int32
	sub    int32
	acc    int32
	need   int8
	depth  int32
}

// configKey identifies a parse state for deduplication. Two frames
// with equal keys derive the same continuations.
type configKey struct {
	parent int32
	rule   int32
	prod   int32
	elem   int32
	sub    int32
	acc    int32
	need   int8
}

func (f *frame) key() configKey {
	return configKey{
		parent: f.parent,
		rule:   f.rule,
		prod:   f.prod,
		elem:   f.elem,
		sub:    f.sub,
		acc:    f.acc,
		need:   f.need,
	}
}

type snapshot struct {
	configs    []int32
	arenaLen   int
	accepted   bool
	terminated bool
}

// Matcher incrementally matches a token stream against a compiled
// grammar. It is not safe for concurrent use.
type Matcher struct {
	cg *CompiledGrammar

	arena      []frame
	configs    []int32
	accepted   bool
	terminated bool

	history     []snapshot
	maxRollback int

	stopTokens           []int32
	terminateWithoutStop bool
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithStopTokens overrides the stop tokens detected by the tokenizer.
func WithStopTokens(ids []int32) MatcherOption {
	return func(m *Matcher) { m.stopTokens = slices.Clone(ids) }
}

// WithTerminateWithoutStopToken makes the matcher terminate as soon as
// the grammar is satisfied instead of waiting for a stop token.
func WithTerminateWithoutStopToken() MatcherOption {
	return func(m *Matcher) { m.terminateWithoutStop = true }
}

// WithMaxRollback bounds the rollback history to n tokens. -1, the
// default, keeps unlimited history; 0 disables rollback.
func WithMaxRollback(n int) MatcherOption {
	return func(m *Matcher) { m.maxRollback = n }
}

// NewMatcher creates a matcher at the start of the grammar.
func NewMatcher(cg *CompiledGrammar, opts ...MatcherOption) (*Matcher, error) {
	m := &Matcher{
		cg:          cg,
		maxRollback: -1,
		stopTokens:  cg.info.StopTokenIDs(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxRollback < -1 {
		return nil, fmt.Errorf("max rollback %d out of range", m.maxRollback)
	}
	for _, id := range m.stopTokens {
		if id < 0 || int(id) >= cg.info.VocabSize() {
			return nil, fmt.Errorf("stop token id %d out of range", id)
		}
	}
	m.Reset()
	return m, nil
}

// Reset returns the matcher to the start of the grammar and clears
// the rollback history.
func (m *Matcher) Reset() {
	m.arena = m.arena[:0]
	m.history = nil
	m.terminated = false

	root := m.cg.grammar.Root
	seed := make([]int32, 0, len(m.cg.grammar.Rules[root].Productions))
	for pi := range m.cg.grammar.Rules[root].Productions {
		seed = append(seed, m.push(frame{parent: -1, rule: int32(root), prod: int32(pi)}))
	}
	m.configs, m.accepted = m.closure(seed)
}

// IsTerminated reports whether the matcher has reached the end of the
// grammar and stopped.
func (m *Matcher) IsTerminated() bool { return m.terminated }

// StopTokenIDs returns the stop tokens in effect.
func (m *Matcher) StopTokenIDs() []int32 { return m.stopTokens }

// MaxRollbackTokens returns the rollback bound, -1 when unlimited.
func (m *Matcher) MaxRollbackTokens() int { return m.maxRollback }

func (m *Matcher) push(f frame) int32 {
	m.arena = append(m.arena, f)
	return int32(len(m.arena) - 1)
}

func (m *Matcher) isStop(id int32) bool {
	return slices.Contains(m.stopTokens, id)
}

// closure expands seed until every config points at a byte-consuming
// position, following rule references down and production completions
// up. It reports whether some config completed the root.
func (m *Matcher) closure(seed []int32) ([]int32, bool) {
	maxDepth := int32(envconfig.MaxRecursionDepth())
	rules := m.cg.grammar.Rules

	var out []int32
	accepted := false
	visited := make(map[configKey]bool, len(seed)*2)
	stack := slices.Clone(seed)

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		f := m.arena[idx]
		if key := f.key(); visited[key] {
			continue
		} else {
			visited[key] = true
		}

		prod := &rules[f.rule].Productions[f.prod]
		if int(f.elem) >= len(prod.Elements) {
			// Production complete: pop to the parent, or accept at
			// root.
			if f.parent < 0 {
				accepted = true
				continue
			}
			p := m.arena[f.parent]
			pelem := rules[p.rule].Productions[p.prod].Elements[p.elem]
			np := p
			switch pelem.Kind {
			case grammar.ElementRuleRef:
				np.elem++
				np.sub = 0
			case grammar.ElementRepeat:
				np.sub++
				// Iterations of a nullable rule beyond the minimum
				// are indistinguishable; canonicalizing the count
				// keeps empty iterations from looping forever.
				if pelem.Max == -1 && m.cg.nullable[pelem.Rule] && np.sub > int32(pelem.Min) {
					np.sub = int32(pelem.Min)
				}
			}
			stack = append(stack, m.push(np))
			continue
		}

		elem := prod.Elements[f.elem]
		switch elem.Kind {
		case grammar.ElementLiteral, grammar.ElementCharClass:
			out = append(out, idx)

		case grammar.ElementRuleRef:
			if f.depth+1 > maxDepth {
				continue
			}
			for pi := range rules[elem.Rule].Productions {
				stack = append(stack, m.push(frame{
					parent: idx,
					rule:   int32(elem.Rule),
					prod:   int32(pi),
					depth:  f.depth + 1,
				}))
			}

		case grammar.ElementRepeat:
			if f.sub >= int32(elem.Min) {
				np := f
				np.elem++
				np.sub = 0
				stack = append(stack, m.push(np))
			}
			if (elem.Max == -1 || f.sub < int32(elem.Max)) && f.depth+1 <= maxDepth {
				for pi := range rules[elem.Rule].Productions {
					stack = append(stack, m.push(frame{
						parent: idx,
						rule:   int32(elem.Rule),
						prod:   int32(pi),
						depth:  f.depth + 1,
					}))
				}
			}
		}
	}
	return out, accepted
}

// advanceByte feeds one byte to every config and closes over the
// survivors.
func (m *Matcher) advanceByte(configs []int32, b byte) ([]int32, bool) {
	rules := m.cg.grammar.Rules
	var moved []int32

	for _, idx := range configs {
		f := m.arena[idx]
		elem := rules[f.rule].Productions[f.prod].Elements[f.elem]

		switch elem.Kind {
		case grammar.ElementLiteral:
			if elem.Lit[f.sub] != b {
				continue
			}
			nf := f
			nf.sub++
			if int(nf.sub) == len(elem.Lit) {
				nf.elem++
				nf.sub = 0
			}
			moved = append(moved, m.push(nf))

		case grammar.ElementCharClass:
			nf, ok := advanceClass(f, elem.Class, b)
			if ok {
				moved = append(moved, m.push(nf))
			}
		}
	}
	return m.closure(moved)
}

// advanceClass advances a character-class position by one byte,
// accumulating multi-byte runes across token boundaries.
func advanceClass(f frame, class grammar.CharClass, b byte) (frame, bool) {
	if f.need > 0 {
		if b&0xC0 != 0x80 {
			return f, false
		}
		acc := f.acc<<6 | int32(b&0x3F)
		need := f.need - 1
		if need == 0 {
			r := rune(acc)
			if !utf8.ValidRune(r) || !class.Contains(r) {
				return f, false
			}
			f.acc, f.need = 0, 0
			f.elem++
			return f, true
		}
		if !classReachable(class, acc, need) {
			return f, false
		}
		f.acc, f.need = acc, need
		return f, true
	}

	var acc int32
	var need int8
	switch {
	case b < 0x80:
		if !class.Contains(rune(b)) {
			return f, false
		}
		f.elem++
		return f, true
	case b&0xE0 == 0xC0:
		acc, need = int32(b&0x1F), 1
	case b&0xF0 == 0xE0:
		acc, need = int32(b&0x0F), 2
	case b&0xF8 == 0xF0:
		acc, need = int32(b&0x07), 3
	default:
		return f, false
	}
	if !classReachable(class, acc, need) {
		return f, false
	}
	f.acc, f.need = acc, need
	return f, true
}

// classReachable reports whether some completion of the partial rune
// acc with need continuation bytes can match the class. Exact for
// positive classes; negated classes answer true and are checked
// exactly once the rune completes.
func classReachable(class grammar.CharClass, acc int32, need int8) bool {
	if class.Negated {
		return true
	}
	lo := rune(acc << (6 * need))
	hi := lo | rune(1<<(6*need))-1
	for _, rr := range class.Ranges {
		if rr.Hi >= lo && rr.Lo <= hi {
			return true
		}
	}
	return false
}

// advanceBytes feeds data byte by byte, failing fast when no config
// survives.
func (m *Matcher) advanceBytes(configs []int32, data []byte) ([]int32, bool, bool) {
	accepted := false
	for i := 0; i < len(data); i++ {
		var next []int32
		next, accepted = m.advanceByte(configs, data[i])
		if len(next) == 0 {
			// A dead end is fine on the last byte if the root just
			// completed.
			return nil, accepted, i == len(data)-1 && accepted
		}
		configs = next
	}
	return configs, accepted, true
}

func (m *Matcher) pushHistory(arenaLen int) {
	if m.maxRollback == 0 {
		return
	}
	m.history = append(m.history, snapshot{
		configs:    m.configs,
		arenaLen:   arenaLen,
		accepted:   m.accepted,
		terminated: m.terminated,
	})
	if m.maxRollback > 0 && len(m.history) > m.maxRollback {
		m.history = slices.Delete(m.history, 0, len(m.history)-m.maxRollback)
	}
}

// AcceptToken advances the matcher by one token. It returns false,
// leaving the state unchanged, when the grammar does not allow the
// token.
func (m *Matcher) AcceptToken(id int32) bool {
	if m.terminated {
		return false
	}
	if id < 0 || int(id) >= m.cg.info.VocabSize() {
		return false
	}

	if m.isStop(id) {
		if !m.accepted {
			return false
		}
		m.pushHistory(len(m.arena))
		m.configs = nil
		m.terminated = true
		logutil.Trace("accepted stop token", "id", id)
		return true
	}
	if m.cg.info.IsSpecial(id) {
		return false
	}

	data := m.cg.info.TokenBytes(id)
	if len(data) == 0 {
		m.pushHistory(len(m.arena))
		if m.accepted && m.terminateWithoutStop {
			m.terminated = true
		}
		return true
	}

	arenaLen := len(m.arena)
	next, accepted, ok := m.advanceBytes(m.configs, data)
	if !ok {
		m.arena = m.arena[:arenaLen]
		return false
	}

	m.pushHistory(arenaLen)
	m.configs = next
	m.accepted = accepted
	if accepted && m.terminateWithoutStop {
		m.terminated = true
	}
	logutil.Trace("accepted token", "id", id, "configs", len(next), "accepted", accepted)
	return true
}

// AcceptString advances the matcher by a raw string, as if the
// tokenizer had produced tokens spelling exactly s. The whole string
// forms one rollback step.
func (m *Matcher) AcceptString(s string) bool {
	if m.terminated {
		return false
	}
	if s == "" {
		m.pushHistory(len(m.arena))
		if m.accepted && m.terminateWithoutStop {
			m.terminated = true
		}
		return true
	}
	arenaLen := len(m.arena)
	next, accepted, ok := m.advanceBytes(m.configs, []byte(s))
	if !ok {
		m.arena = m.arena[:arenaLen]
		return false
	}
	m.pushHistory(arenaLen)
	m.configs = next
	m.accepted = accepted
	if accepted && m.terminateWithoutStop {
		m.terminated = true
	}
	return true
}

// Rollback undoes the last n accepted steps. It returns ErrRollback
// when n exceeds the retained history.
func (m *Matcher) Rollback(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrRollback, n)
	}
	if n == 0 {
		return nil
	}
	if n > len(m.history) {
		return fmt.Errorf("%w: %d steps requested, %d retained", ErrRollback, n, len(m.history))
	}
	s := m.history[len(m.history)-n]
	m.configs = s.configs
	m.accepted = s.accepted
	m.terminated = s.terminated
	m.arena = m.arena[:s.arenaLen]
	m.history = m.history[:len(m.history)-n]
	return nil
}

// allowedFirstBytes computes the set of bytes some config can consume
// next. Conservative for negated classes; exactness is restored when
// tokens are walked byte by byte.
func (m *Matcher) allowedFirstBytes() (allowed [256]bool) {
	rules := m.cg.grammar.Rules
	for _, idx := range m.configs {
		f := m.arena[idx]
		elem := rules[f.rule].Productions[f.prod].Elements[f.elem]
		switch elem.Kind {
		case grammar.ElementLiteral:
			allowed[elem.Lit[f.sub]] = true
		case grammar.ElementCharClass:
			if f.need > 0 {
				for b := 0x80; b <= 0xBF; b++ {
					allowed[b] = true
				}
				continue
			}
			for _, rr := range elem.Class.Normalized() {
				if rr.Lo < 0x80 {
					for b := rr.Lo; b <= min(rr.Hi, 0x7F); b++ {
						allowed[b] = true
					}
				}
				if rr.Hi >= 0x80 {
					// UTF-8 lead bytes are monotonic in rune value.
					for b := leadByte(max(rr.Lo, 0x80)); b <= leadByte(rr.Hi); b++ {
						allowed[b] = true
					}
				}
			}
		}
	}
	return allowed
}

func leadByte(r rune) byte {
	var buf [4]byte
	utf8.EncodeRune(buf[:], r)
	return buf[0]
}

// FillNextTokenBitmask writes the set of currently acceptable tokens
// into row index of mask. It reports whether the mask actually
// excludes anything and so needs to be applied to the logits.
//
// Sorted-vocabulary traversal reuses the parse state of the longest
// common prefix between neighboring tokens, and a rejected prefix
// rejects the whole run of tokens sharing it.
func (m *Matcher) FillNextTokenBitmask(mask *Bitmask, index int) bool {
	if mask.VocabSize() < m.cg.info.VocabSize() {
		panic(fmt.Sprintf("bitmask vocab size %d below tokenizer vocab size %d",
			mask.VocabSize(), m.cg.info.VocabSize()))
	}
	mask.Reset(index)
	if m.terminated {
		return true
	}

	allowedCount := 0
	if m.accepted {
		for _, id := range m.stopTokens {
			mask.Set(index, id)
			allowedCount++
		}
	}
	for _, id := range m.cg.emptyTokens {
		mask.Set(index, id)
		allowedCount++
	}

	arenaLen := len(m.arena)
	defer func() { m.arena = m.arena[:arenaLen] }()

	decoded := m.cg.info.DecodedVocab()
	allowedFirst := m.allowedFirstBytes()
	levels := make([][]int32, 1, 16)

	for b := 0; b < 256; b++ {
		if !allowedFirst[b] {
			continue
		}
		r := m.cg.byteRange[b]
		levels = levels[:1]
		levels[0] = m.configs
		deadLen := -1
		deadAccepted := false
		runLcp := 0

		for si := r[0]; si < r[1]; si++ {
			if si > r[0] {
				runLcp = min(runLcp, int(m.cg.lcp[si]))
			}
			id := m.cg.sorted[si]
			data := decoded[id]
			if deadLen >= 0 && runLcp >= deadLen {
				// The run shares a prefix that already hit a dead end.
				// When that dead end completed the root, a token
				// spelling exactly the prefix is still acceptable;
				// anything longer is not.
				if deadAccepted && len(data) == deadLen {
					mask.Set(index, id)
					allowedCount++
				}
				continue
			}
			deadLen = -1

			l := runLcp
			levels = levels[:l+1]

			ok := true
			for i := l; i < len(data); i++ {
				next, accepted := m.advanceByte(levels[i], data[i])
				if len(next) == 0 {
					ok = i == len(data)-1 && accepted
					deadLen = i + 1
					deadAccepted = accepted
					break
				}
				levels = append(levels, next)
			}
			if ok {
				mask.Set(index, id)
				allowedCount++
			}
			runLcp = len(data)
		}
	}
	return allowedCount < m.cg.info.VocabSize()
}

// FindJumpForwardString returns the longest string every grammar
// continuation must produce next. Generation can emit it verbatim and
// skip per-token decoding.
func (m *Matcher) FindJumpForwardString() string {
	if m.terminated {
		return ""
	}
	arenaLen := len(m.arena)
	defer func() { m.arena = m.arena[:arenaLen] }()

	configs := m.configs
	accepted := m.accepted
	var out []byte

	for len(out) < jumpForwardLimit && !accepted {
		forced := -1
		rules := m.cg.grammar.Rules
		for _, idx := range configs {
			f := m.arena[idx]
			elem := rules[f.rule].Productions[f.prod].Elements[f.elem]
			b := -1
			switch elem.Kind {
			case grammar.ElementLiteral:
				b = int(elem.Lit[f.sub])
			case grammar.ElementCharClass:
				b = singleClassByte(f, elem.Class)
			}
			if b < 0 || (forced >= 0 && forced != b) {
				forced = -1
				break
			}
			forced = b
		}
		if forced < 0 {
			break
		}
		next, acc := m.advanceByte(configs, byte(forced))
		if len(next) == 0 && !acc {
			break
		}
		configs, accepted = next, acc
		out = append(out, byte(forced))
	}
	return string(out)
}

// singleClassByte returns the only byte the class position can
// consume, or -1 when there is a choice. A single-rune class forces
// every byte of the rune's encoding in turn.
func singleClassByte(f frame, class grammar.CharClass) int {
	if class.Negated {
		return -1
	}
	norm := class.Normalized()
	if len(norm) != 1 || norm[0].Lo != norm[0].Hi {
		return -1
	}
	var buf [4]byte
	n := utf8.EncodeRune(buf[:], norm[0].Lo)
	if f.need > 0 {
		return int(buf[n-int(f.need)])
	}
	return int(buf[0])
}
