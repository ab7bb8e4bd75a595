package matcher

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ollama/tokengrammar/grammar"
	"github.com/ollama/tokengrammar/structuraltag"
	"github.com/ollama/tokengrammar/tokenizer"
)

// Compiler compiles grammars for one tokenizer and caches the results.
// Compiled grammars are cached under their source text with LRU
// eviction against a byte budget; concurrent compiles of the same
// source are coalesced. Safe for concurrent use.
type Compiler struct {
	info       *tokenizer.Info
	maxThreads int
	cacheLimit int64

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
	size    int64
}

type cacheEntry struct {
	key  string
	cg   *CompiledGrammar
	size int64
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithMaxThreads bounds CompileAll parallelism. Values <= 0 select
// half the CPUs, at least one.
func WithMaxThreads(n int) CompilerOption {
	return func(c *Compiler) { c.maxThreads = n }
}

// WithoutCache disables result caching.
func WithoutCache() CompilerOption {
	return func(c *Compiler) { c.entries = nil }
}

// WithCacheLimitBytes bounds the cache to limit bytes of compiled
// grammars. -1, the default, is unlimited.
func WithCacheLimitBytes(limit int64) CompilerOption {
	return func(c *Compiler) { c.cacheLimit = limit }
}

// NewCompiler creates a compiler for the given tokenizer.
func NewCompiler(info *tokenizer.Info, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		info:       info,
		cacheLimit: -1,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Compiler) threads() int {
	if c.maxThreads > 0 {
		return c.maxThreads
	}
	return max(1, runtime.NumCPU()/2)
}

// compile returns the cached compiled grammar for key or builds it,
// coalescing concurrent builds of the same key.
func (c *Compiler) compile(key string, build func() (*CompiledGrammar, error)) (*CompiledGrammar, error) {
	if c.entries == nil {
		return build()
	}

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		cg := elem.Value.(*cacheEntry).cg
		c.mu.Unlock()
		return cg, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		cg, err := build()
		if err != nil {
			return nil, err
		}
		slog.Debug("compiled grammar", "bytes", cg.MemorySizeBytes())
		c.put(key, cg)
		return cg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledGrammar), nil
}

func (c *Compiler) put(key string, cg *CompiledGrammar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}
	entry := &cacheEntry{key: key, cg: cg, size: cg.MemorySizeBytes()}
	c.entries[key] = c.order.PushFront(entry)
	c.size += entry.size

	for c.cacheLimit >= 0 && c.size > c.cacheLimit && c.order.Len() > 0 {
		back := c.order.Back()
		evicted := back.Value.(*cacheEntry)
		c.order.Remove(back)
		delete(c.entries, evicted.key)
		c.size -= evicted.size
		slog.Debug("evicted compiled grammar", "bytes", evicted.size, "cache bytes", c.size)
	}
}

// ClearCache drops all cached compiled grammars.
func (c *Compiler) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return
	}
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// CacheSizeBytes returns the bytes currently held by the cache.
func (c *Compiler) CacheSizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// CacheLimitBytes returns the cache byte budget, -1 when unlimited.
func (c *Compiler) CacheLimitBytes() int64 { return c.cacheLimit }

// TokenizerInfo returns the tokenizer the compiler targets.
func (c *Compiler) TokenizerInfo() *tokenizer.Info { return c.info }

// CompileGrammar compiles an already constructed grammar.
func (c *Compiler) CompileGrammar(g *grammar.Grammar) (*CompiledGrammar, error) {
	key := "grammar\x00" + g.String()
	return c.compile(key, func() (*CompiledGrammar, error) {
		return NewCompiledGrammar(g, c.info)
	})
}

// CompileEBNF compiles EBNF source rooted at root.
func (c *Compiler) CompileEBNF(src, root string) (*CompiledGrammar, error) {
	key := "ebnf\x00" + root + "\x00" + src
	return c.compile(key, func() (*CompiledGrammar, error) {
		g, err := grammar.ParseEBNF(src, root)
		if err != nil {
			return nil, err
		}
		return NewCompiledGrammar(g, c.info)
	})
}

// CompileBuiltinJSON compiles the builtin JSON grammar.
func (c *Compiler) CompileBuiltinJSON() (*CompiledGrammar, error) {
	return c.compile("builtin-json", func() (*CompiledGrammar, error) {
		return NewCompiledGrammar(grammar.JSON(), c.info)
	})
}

// CompileJSONSchema compiles a JSON schema.
func (c *Compiler) CompileJSONSchema(schema []byte) (*CompiledGrammar, error) {
	key := "jsonschema\x00" + string(schema)
	return c.compile(key, func() (*CompiledGrammar, error) {
		g, err := grammar.FromJSONSchema(schema)
		if err != nil {
			return nil, err
		}
		return NewCompiledGrammar(g, c.info)
	})
}

// CompileRegex compiles a regular expression.
func (c *Compiler) CompileRegex(pattern string) (*CompiledGrammar, error) {
	key := "regex\x00" + pattern
	return c.compile(key, func() (*CompiledGrammar, error) {
		g, err := grammar.FromRegex(pattern)
		if err != nil {
			return nil, err
		}
		return NewCompiledGrammar(g, c.info)
	})
}

// CompileStructuralTag compiles a structural tag document.
func (c *Compiler) CompileStructuralTag(tag []byte) (*CompiledGrammar, error) {
	key := "structuraltag\x00" + string(tag)
	return c.compile(key, func() (*CompiledGrammar, error) {
		g, err := structuraltag.Compile(tag)
		if err != nil {
			return nil, err
		}
		return NewCompiledGrammar(g, c.info)
	})
}

// SourceKind selects the front-end CompileAll uses for one source.
type SourceKind int

const (
	SourceEBNF SourceKind = iota
	SourceJSONSchema
	SourceRegex
	SourceStructuralTag
	SourceBuiltinJSON
)

// Source is one input to CompileAll.
type Source struct {
	Kind SourceKind
	Data string
	Root string // EBNF root, default "root"
}

// CompileAll compiles sources in parallel, bounded by the compiler's
// thread budget. The result is positional; the first error cancels
// outstanding work.
func (c *Compiler) CompileAll(ctx context.Context, sources []Source) ([]*CompiledGrammar, error) {
	out := make([]*CompiledGrammar, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.threads())
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cg, err := c.compileSource(src)
			if err != nil {
				return fmt.Errorf("source %d: %w", i, err)
			}
			out[i] = cg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compiler) compileSource(src Source) (*CompiledGrammar, error) {
	switch src.Kind {
	case SourceEBNF:
		root := src.Root
		if root == "" {
			root = "root"
		}
		return c.CompileEBNF(src.Data, root)
	case SourceJSONSchema:
		return c.CompileJSONSchema([]byte(src.Data))
	case SourceRegex:
		return c.CompileRegex(src.Data)
	case SourceStructuralTag:
		return c.CompileStructuralTag([]byte(src.Data))
	case SourceBuiltinJSON:
		return c.CompileBuiltinJSON()
	default:
		return nil, fmt.Errorf("unknown source kind %d", src.Kind)
	}
}
