package env

import (
	"log/slog"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// DangerousPrefixes name variables that alter dynamic linking of the worker.
// They are never forwarded to a spawned process.
var DangerousPrefixes = []string{"LD_", "DYLD_"}

type Env struct {
	Var Var // configured variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.env = base
}

// Set sets a configured variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a configured variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the worker environment: OS base, then configured variables,
// then overrides. ${VAR} references are expanded against the composed map
// (single pass) and variables with a dangerous prefix are dropped with a
// warning. The result is sorted "K=V" pairs.
func (e *Env) Merge(overrides map[string]string, log *slog.Logger) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(overrides))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range overrides {
		if k != "" {
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return Sanitize(expanded, log)
}

// Sanitize drops dangerous variables and returns sorted "K=V" pairs.
func Sanitize(m Var, log *slog.Logger) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		if IsDangerous(k) {
			if log != nil {
				log.Warn("dropping dangerous environment variable", "key", k)
			}
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// IsDangerous reports whether key starts with one of DangerousPrefixes.
func IsDangerous(key string) bool {
	for _, p := range DangerousPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
