package env

import (
	"os"
	"strings"
)

type Var map[string]string

// Env resolves ${VAR} placeholders in configuration values. Explicit
// variables set with Set take precedence over the process environment.
type Env struct {
	Var Var // explicit variables (K->V)
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
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			base[k] = kv[i+1:]
		}
	}
	e.env = base
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Lookup returns the value of k, preferring explicit variables.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// Expand replaces every ${NAME} in s with its value. Unknown names expand to
// the empty string; an unterminated "${" is kept as is. Values are not
// expanded again, so a value containing ${...} is inserted literally.
func (e *Env) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		v, _ := e.Lookup(s[i+2 : i+2+j])
		b.WriteString(v)
		s = s[i+2+j+1:]
	}
	return b.String()
}

// ExpandMap expands every value of m in place.
func (e *Env) ExpandMap(m map[string]string) {
	for k, v := range m {
		m[k] = e.Expand(v)
	}
}
