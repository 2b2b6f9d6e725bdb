package qg

import (
	"fmt"
	"strings"
)

// StepKind tags one step of a subfield access path.
type StepKind uint8

const (
	// StepField addresses a struct field.
	StepField StepKind = iota
	// StepSubscript addresses a map entry or array element.
	StepSubscript
	// StepCardinality takes the size of a map or array.
	StepCardinality
)

// Step is one element of a Path. Field is set for named access, ID for
// positional or integer-keyed access. AllFields marks a subscript with a
// non-constant key, which accesses every entry.
type Step struct {
	Kind      StepKind
	Field     Name
	ID        int64
	AllFields bool
}

func (s Step) String() string {
	switch s.Kind {
	case StepField:
		if !s.Field.Empty() {
			return "." + s.Field.String()
		}
		return fmt.Sprintf(".%d", s.ID)
	case StepSubscript:
		if s.AllFields {
			return "[*]"
		}
		if !s.Field.Empty() {
			return fmt.Sprintf("[%q]", s.Field.String())
		}
		return fmt.Sprintf("[%d]", s.ID)
	case StepCardinality:
		return ".cardinality()"
	default:
		return "?"
	}
}

// Path is an interned sequence of Steps. Two structurally equal paths
// from the same context are the same pointer.
type Path struct {
	id    int32
	steps []Step
}

// ID returns the path's interner id, the bit used in subfield sets.
func (p *Path) ID() int32 { return p.id }

// Steps returns the path's steps. Callers must not mutate.
func (p *Path) Steps() []Step { return p.steps }

func (p *Path) String() string {
	var b strings.Builder
	for _, s := range p.steps {
		b.WriteString(s.String())
	}
	return b.String()
}

// InternPath returns the canonical Path for steps. The slice is copied.
func (c *Context) InternPath(steps []Step) *Path {
	key := pathKey(steps)
	if p, ok := c.paths[key]; ok {
		return p
	}
	p := &Path{id: int32(len(c.pathByID)), steps: append([]Step(nil), steps...)}
	c.paths[key] = p
	c.pathByID = append(c.pathByID, p)
	return p
}

// PathByID returns the path with the given interner id.
func (c *Context) PathByID(id int32) *Path { return c.pathByID[id] }

func pathKey(steps []Step) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%d:", s.Kind)
		if !s.Field.Empty() {
			b.WriteString(s.Field.String())
		}
		fmt.Fprintf(&b, ":%d:%v;", s.ID, s.AllFields)
	}
	return b.String()
}
