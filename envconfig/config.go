// Package envconfig reads this module's process-wide configuration from
// the environment.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	defaultMaxRecursionDepth = 10000
	maxMaxRecursionDepth     = 1_000_000
)

var maxRecursionDepth atomic.Int64

// Set via TOKENGRAMMAR_DEBUG in the environment
var Debug bool

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	maxRecursionDepth.Store(defaultMaxRecursionDepth)
	if v := clean("TOKENGRAMMAR_MAX_RECURSION_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMaxRecursionDepth {
			slog.Warn("ignoring invalid TOKENGRAMMAR_MAX_RECURSION_DEPTH", "value", v)
		} else {
			maxRecursionDepth.Store(int64(n))
		}
	}

	if debug := clean("TOKENGRAMMAR_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}
}

// MaxRecursionDepth reports the process-wide bound on grammar rule
// nesting. Matcher configurations that exceed it are pruned, and
// grammars that cannot derive any terminal string within it are
// rejected at compile time.
func MaxRecursionDepth() int {
	return int(maxRecursionDepth.Load())
}

// SetMaxRecursionDepth overrides the recursion depth bound for the
// whole process. Safe for concurrent use. Values outside (0, 1e6] are
// ignored.
func SetMaxRecursionDepth(n int) {
	if n <= 0 || n > maxMaxRecursionDepth {
		slog.Warn("ignoring invalid max recursion depth", "value", n)
		return
	}
	maxRecursionDepth.Store(int64(n))
}
