// Package qg holds the query graph: the per-optimization context with
// its arena and interners, deduplicated expressions, plan objects and
// their bitsets, tables, join edges and distributions.
package qg

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/kasuganosora/sqlopt/pkg/planerr"
)

// DefaultMaxObjects caps the number of arena objects per optimization.
const DefaultMaxObjects = 1 << 22

// Context owns all allocation for one optimization: the name, path and
// expression interners and the plan-object arena. It is bound to the
// goroutine running the optimization via Enter and released by the
// matching Leave; constructors reach it through Current.
type Context struct {
	RunID string

	// Optimization points back at the owning optimizer instance. Typed
	// as any to keep qg free of upward dependencies.
	Optimization any

	names map[string]Name

	paths    map[string]*Path
	pathByID []*Path

	exprs map[string]*Expr

	objects    []PlanObject
	maxObjects int

	// suppressCNames turns correlation names off in Column printing
	// while canonicalizing history keys.
	suppressCNames bool
}

// NewContext returns an empty context with the default arena cap.
func NewContext() *Context {
	return &Context{
		RunID:      uuid.NewString(),
		names:      make(map[string]Name),
		paths:      make(map[string]*Path),
		exprs:      make(map[string]*Expr),
		maxObjects: DefaultMaxObjects,
	}
}

// SetMaxObjects overrides the arena cap. Tests use small caps to
// exercise ArenaExhausted.
func (c *Context) SetMaxObjects(n int) { c.maxObjects = n }

// NumObjects returns the number of registered plan objects.
func (c *Context) NumObjects() int { return len(c.objects) }

// ObjectAt returns the plan object with the given id.
func (c *Context) ObjectAt(id ObjectID) PlanObject { return c.objects[id] }

type settable interface {
	setID(ObjectID)
}

// register assigns the next id to obj and records it in the arena.
// Panics with ErrArenaExhausted past the cap; the optimization entry
// point recovers and surfaces the error.
func (c *Context) register(obj PlanObject) {
	if len(c.objects) >= c.maxObjects {
		panic(planerr.ArenaExhausted("%d plan objects", len(c.objects)))
	}
	obj.(settable).setID(ObjectID(len(c.objects)))
	c.objects = append(c.objects, obj)
}

// active maps goroutine id to the context bound by Enter.
var active sync.Map

var stackPrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's id from its stack header.
// This is the standard emulation of thread-local state in Go; one
// optimization runs on one goroutine, many may run in parallel.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	frame := bytes.TrimPrefix(buf[:n], stackPrefix)
	end := bytes.IndexByte(frame, ' ')
	id, _ := strconv.ParseUint(string(frame[:end]), 10, 64)
	return id
}

// Enter binds ctx to the calling goroutine and returns the function
// that unbinds it. Callers must defer the result so the context is
// cleared on every exit path, including panics.
func Enter(ctx *Context) func() {
	id := goroutineID()
	active.Store(id, ctx)
	return func() { active.Delete(id) }
}

// Current returns the context bound to the calling goroutine. Panics if
// none is bound; every optimizer entry point installs one.
func Current() *Context {
	if v, ok := active.Load(goroutineID()); ok {
		return v.(*Context)
	}
	panic("qg: no query graph context bound to this goroutine")
}

// HasCurrent reports whether a context is bound to this goroutine.
func HasCurrent() bool {
	_, ok := active.Load(goroutineID())
	return ok
}
