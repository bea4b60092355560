// Package env composes the environment handed to spawned instances.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers supervisor-wide variables over an optional OS base.
type Env struct {
	Var Var // global variables (K->V)

	useOS bool
	base  Var // OS environment captured by New
}

// New returns an Env. When useOS is set, the supervisor's own environment
// is the base every merge starts from.
func New(useOS bool) *Env {
	e := &Env{Var: make(Var), useOS: useOS}
	if useOS {
		e.base = fromOS()
	}
	return e
}

// WithSet returns a copy of e with k=v set.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), useOS: e.useOS, base: e.base}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	cp.Var[k] = v
	return cp
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries. Entries without '=' or with an empty key are skipped.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := splitPair(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile applies a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored, and a leading "export " is accepted.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := splitPair(line); ok {
			e.Set(strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `"'`))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (when enabled), then global e.Var, then perTask "K=V"
// overrides. ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(perTask []string) []string {
	m := make(Var)
	if e.useOS {
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range perTask {
		if k, v, ok := splitPair(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${VAR} references found in m. Unknown references and bare
// $VAR forms are left untouched.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := splitPair(kv); ok {
			base[k] = v
		}
	}
	return base
}

func splitPair(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}
