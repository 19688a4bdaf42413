// Package paramexpr implements parameter assignments: string templates over
// pipeline-parameter names such as "prefix_{P}_v{Q}".
//
// An Assignment is an immutable value. Resolve and Update return new values
// and never modify their receiver, so a template shared by several pipeline
// instances can be bound independently by each of them.
package paramexpr

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/me/pipekit/pkg/model"
)

// part is either literal text or a reference to a name.
type part struct {
	text string
	name string
}

func (p part) isRef() bool { return p.name != "" }

// Assignment is a partially bound template.
type Assignment struct {
	id       uint64
	template string
	parts    []part
	values   map[string]string
}

var (
	nextID atomic.Uint64

	loggerMu sync.RWMutex
	logger   *slog.Logger

	warned sync.Map // warnKey -> struct{}
)

type warnKey struct {
	id   uint64
	name string
}

// SetLogger sets the logger used for unresolved-name warnings.
// A nil logger restores slog.Default().
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func currentLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Parse parses a template. References are written {name}; {{ and }} stand
// for literal braces.
func Parse(template string) (Assignment, error) {
	parts, err := scan(template)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{
		id:       nextID.Add(1),
		template: template,
		parts:    parts,
		values:   map[string]string{},
	}, nil
}

// MustParse is like Parse but panics on a malformed template.
func MustParse(template string) Assignment {
	a, err := Parse(template)
	if err != nil {
		panic(err)
	}
	return a
}

// HasReferences reports whether s parses as a template with at least one reference.
func HasReferences(s string) bool {
	parts, err := scan(s)
	if err != nil {
		return false
	}
	for _, p := range parts {
		if p.isRef() {
			return true
		}
	}
	return false
}

func scan(template string) ([]part, error) {
	var parts []part
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, part{text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return nil, model.MalformedTemplate(template, "unclosed '{'")
			}
			name := template[i+1 : i+1+end]
			if strings.ContainsRune(name, '{') {
				return nil, model.MalformedTemplate(template, "nested '{'")
			}
			if !IsIdentifier(name) {
				return nil, model.MalformedTemplate(template, "invalid parameter name "+quote(name))
			}
			flush()
			parts = append(parts, part{name: name})
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, model.MalformedTemplate(template, "unmatched '}'")
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return parts, nil
}

func quote(s string) string {
	return "\"" + s + "\""
}

// IsIdentifier reports whether name is a valid parameter name.
func IsIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Template returns the original template text.
func (a Assignment) Template() string {
	return a.template
}

// Names returns the referenced names, sorted and without duplicates.
func (a Assignment) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, p := range a.parts {
		if p.isRef() && !seen[p.name] {
			seen[p.name] = true
			names = append(names, p.name)
		}
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of the bound values.
func (a Assignment) Values() map[string]string {
	out := make(map[string]string, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// Unbound returns the referenced names that have no value yet.
func (a Assignment) Unbound() []string {
	var out []string
	for _, n := range a.Names() {
		if _, ok := a.values[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// IsResolved reports whether every referenced name is bound.
func (a Assignment) IsResolved() bool {
	return len(a.Unbound()) == 0
}

// String renders the assignment, keeping unbound references as {name}.
func (a Assignment) String() string {
	var b strings.Builder
	for _, p := range a.parts {
		if !p.isRef() {
			b.WriteString(p.text)
			continue
		}
		if v, ok := a.values[p.name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString("{" + p.name + "}")
		}
	}
	return b.String()
}

// Update returns a copy of a with every referenced name present in env bound.
// Names in env that the template does not reference are ignored.
func Update(a Assignment, env map[string]string) Assignment {
	out := a.clone()
	for _, n := range a.Names() {
		if v, ok := env[n]; ok {
			out.values[n] = v
		}
	}
	return out
}

// Resolution is the outcome of Resolve: a literal when Resolved, otherwise
// the partially bound assignment.
type Resolution struct {
	Resolved bool
	Literal  string
	Partial  Assignment
}

// Resolve binds names from env. When every name is bound the literal is
// returned; otherwise the partial assignment keeps the remaining holes and a
// warning is logged once per (assignment, name) pair.
func Resolve(a Assignment, env map[string]string) Resolution {
	updated := Update(a, env)
	missing := updated.Unbound()
	if len(missing) == 0 {
		return Resolution{Resolved: true, Literal: updated.String()}
	}
	for _, n := range missing {
		if _, dup := warned.LoadOrStore(warnKey{id: a.id, name: n}, struct{}{}); !dup {
			currentLogger().Warn("parameter assignment references an unbound name",
				"template", a.template, "name", n)
		}
	}
	return Resolution{Partial: updated}
}

// Rename returns a copy with references renamed through mapping. Bound
// values follow their names.
func (a Assignment) Rename(mapping map[string]string) Assignment {
	out := Assignment{id: a.id, values: map[string]string{}}
	for _, p := range a.parts {
		if p.isRef() {
			if to, ok := mapping[p.name]; ok {
				p.name = to
			}
		}
		out.parts = append(out.parts, p)
	}
	for k, v := range a.values {
		if to, ok := mapping[k]; ok {
			k = to
		}
		out.values[k] = v
	}
	out.template = out.render()
	return out
}

// Inline returns a copy where every reference to name is replaced by the
// parts of other. Values bound on other are carried over.
func (a Assignment) Inline(name string, other Assignment) Assignment {
	out := Assignment{id: a.id, values: map[string]string{}}
	for _, p := range a.parts {
		if p.isRef() && p.name == name {
			out.parts = append(out.parts, other.parts...)
			continue
		}
		out.parts = append(out.parts, p)
	}
	for k, v := range a.values {
		if k != name {
			out.values[k] = v
		}
	}
	for k, v := range other.values {
		out.values[k] = v
	}
	out.parts = mergeText(out.parts)
	out.template = out.render()
	return out
}

// render produces template text for the parts, escaping literal braces.
func (a Assignment) render() string {
	var b strings.Builder
	for _, p := range a.parts {
		if p.isRef() {
			b.WriteString("{" + p.name + "}")
			continue
		}
		b.WriteString(strings.NewReplacer("{", "{{", "}", "}}").Replace(p.text))
	}
	return b.String()
}

func (a Assignment) clone() Assignment {
	return Assignment{id: a.id, template: a.template, parts: a.parts, values: a.Values()}
}

func mergeText(parts []part) []part {
	var out []part
	for _, p := range parts {
		if n := len(out); n > 0 && !p.isRef() && !out[n-1].isRef() {
			out[n-1].text += p.text
			continue
		}
		out = append(out, p)
	}
	return out
}

// Literal returns an assignment without references that renders as s.
func Literal(s string) Assignment {
	a := Assignment{id: nextID.Add(1), values: map[string]string{}}
	if s != "" {
		a.parts = []part{{text: s}}
	}
	a.template = a.render()
	return a
}

// Reference returns the assignment "{name}".
func Reference(name string) Assignment {
	a := Assignment{id: nextID.Add(1), parts: []part{{name: name}}, values: map[string]string{}}
	a.template = a.render()
	return a
}

// Splice rewrites every unbound reference in a single pass. For each name,
// lookup returns the assignment whose rendering replaces the reference, or
// false to keep the reference. Names bound on a or on a replacement are
// folded into literal text, so names introduced by one replacement are never
// rewritten by another.
func (a Assignment) Splice(lookup func(name string) (Assignment, bool)) Assignment {
	out := Assignment{id: a.id, values: map[string]string{}}
	for _, p := range a.parts {
		if !p.isRef() {
			out.parts = append(out.parts, p)
			continue
		}
		if v, ok := a.values[p.name]; ok {
			out.parts = append(out.parts, part{text: v})
			continue
		}
		r, ok := lookup(p.name)
		if !ok {
			out.parts = append(out.parts, p)
			continue
		}
		for _, rp := range r.parts {
			if v, bound := r.values[rp.name]; rp.isRef() && bound {
				rp = part{text: v}
			}
			out.parts = append(out.parts, rp)
		}
	}
	out.parts = mergeText(out.parts)
	out.template = out.render()
	return out
}
