package agent

import (
	"regexp"
	"sort"
)

// Reserved scope names written by the workflow interpreter. ReplyVar holds
// the current reply: llm_call and sub_agent set it, and a variable_set on
// it replaces it.
const (
	LastOutput   = "_lastOutput"
	HTTPResponse = "_httpResponse"
	ReplyVar     = "_reply"
)

// Scope is an immutable set of variable values. Every change returns a new
// Scope with a higher version; earlier values stay valid.
type Scope struct {
	version int
	vars    map[string]string
}

// NewScope returns version 0 of a scope holding a copy of vars.
func NewScope(vars map[string]string) Scope {
	cp := make(map[string]string, len(vars))
	for k, v := range vars {
		cp[k] = v
	}
	return Scope{vars: cp}
}

// Version counts the changes since NewScope.
func (s Scope) Version() int { return s.version }

// Get returns the value of name.
func (s Scope) Get(name string) (string, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// With returns a copy of s with name set to value.
func (s Scope) With(name, value string) Scope {
	return s.Merge(map[string]string{name: value})
}

// Merge returns a copy of s with every entry of m applied.
func (s Scope) Merge(m map[string]string) Scope {
	if len(m) == 0 {
		return s
	}
	cp := make(map[string]string, len(s.vars)+len(m))
	for k, v := range s.vars {
		cp[k] = v
	}
	for k, v := range m {
		cp[k] = v
	}
	return Scope{version: s.version + 1, vars: cp}
}

// Map returns a copy of the values.
func (s Scope) Map() map[string]string {
	cp := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		cp[k] = v
	}
	return cp
}

// Names returns the variable names in sorted order.
func (s Scope) Names() []string {
	names := make([]string, 0, len(s.vars))
	for k := range s.vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var templateVar = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Render replaces {{name}} with values from s. Names missing from the scope
// render as empty strings.
func Render(tmpl string, s Scope) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		v, _ := s.Get(templateVar.FindStringSubmatch(m)[1])
		return v
	})
}
