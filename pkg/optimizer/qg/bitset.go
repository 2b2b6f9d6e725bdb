package qg

import (
	"math/bits"
	"strconv"
	"strings"
)

// ObjectSet is a bitset keyed by ObjectID (or any dense small id
// domain, e.g. path ids). The zero value is an empty set. Iteration is
// ascending by id.
type ObjectSet struct {
	words []uint64
}

func (s *ObjectSet) ensure(word int) {
	for len(s.words) <= word {
		s.words = append(s.words, 0)
	}
}

// Add inserts id.
func (s *ObjectSet) Add(id ObjectID) {
	w := int(id) >> 6
	s.ensure(w)
	s.words[w] |= 1 << (uint(id) & 63)
}

// AddObject inserts the object's id.
func (s *ObjectSet) AddObject(obj PlanObject) { s.Add(obj.ID()) }

// Remove deletes id.
func (s *ObjectSet) Remove(id ObjectID) {
	w := int(id) >> 6
	if w < len(s.words) {
		s.words[w] &^= 1 << (uint(id) & 63)
	}
}

// Contains reports membership of id.
func (s *ObjectSet) Contains(id ObjectID) bool {
	w := int(id) >> 6
	return w < len(s.words) && s.words[w]&(1<<(uint(id)&63)) != 0
}

// ContainsObject reports membership of the object's id.
func (s *ObjectSet) ContainsObject(obj PlanObject) bool { return s.Contains(obj.ID()) }

// UnionSet adds every member of other.
func (s *ObjectSet) UnionSet(other ObjectSet) {
	s.ensure(len(other.words) - 1)
	for i, w := range other.words {
		s.words[i] |= w
	}
}

// IntersectSet removes members not in other.
func (s *ObjectSet) IntersectSet(other ObjectSet) {
	for i := range s.words {
		if i < len(other.words) {
			s.words[i] &= other.words[i]
		} else {
			s.words[i] = 0
		}
	}
}

// MinusSet removes every member of other.
func (s *ObjectSet) MinusSet(other ObjectSet) {
	for i := range s.words {
		if i < len(other.words) {
			s.words[i] &^= other.words[i]
		}
	}
}

// IsSubsetOf reports whether every member of s is in other.
func (s *ObjectSet) IsSubsetOf(other ObjectSet) bool {
	for i, w := range s.words {
		var o uint64
		if i < len(other.words) {
			o = other.words[i]
		}
		if w&^o != 0 {
			return false
		}
	}
	return true
}

// Equals reports set equality.
func (s *ObjectSet) Equals(other ObjectSet) bool {
	longer, shorter := s.words, other.words
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	for i, w := range shorter {
		if w != longer[i] {
			return false
		}
	}
	for _, w := range longer[len(shorter):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the set has no members.
func (s *ObjectSet) IsEmpty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of members.
func (s *ObjectSet) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Clone returns an independent copy.
func (s *ObjectSet) Clone() ObjectSet {
	return ObjectSet{words: append([]uint64(nil), s.words...)}
}

// Hash mixes the member ids into a stable hash.
func (s *ObjectSet) Hash() uint64 {
	var h uint64 = 123_477_793
	for i, w := range s.words {
		if w != 0 {
			h = hashMix(h, uint64(i)*31+w)
		}
	}
	return h
}

func hashMix(a, b uint64) uint64 {
	a ^= b + 0x9e3779b97f4a7c15 + (a << 6) + (a >> 2)
	return a
}

// ForEach calls fn for each member id in ascending order.
func (s *ObjectSet) ForEach(fn func(ObjectID)) {
	for i, w := range s.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			fn(ObjectID(i*64 + bit))
			w &= w - 1
		}
	}
}

// ForEachObject calls fn for each member object in ascending id order.
func (s *ObjectSet) ForEachObject(ctx *Context, fn func(PlanObject)) {
	s.ForEach(func(id ObjectID) { fn(ctx.ObjectAt(id)) })
}

// Objects returns the members in ascending id order.
func (s *ObjectSet) Objects(ctx *Context) []PlanObject {
	out := make([]PlanObject, 0, s.Count())
	s.ForEachObject(ctx, func(o PlanObject) { out = append(out, o) })
	return out
}

// UnionColumns adds the columns referenced by expr.
func (s *ObjectSet) UnionColumns(expr *Expr) {
	switch expr.Kind() {
	case ExprLiteral:
	case ExprColumn:
		s.AddObject(expr)
	case ExprField:
		s.UnionColumns(expr.Base())
	case ExprAggregate:
		if cond := expr.Condition(); cond != nil {
			s.UnionColumns(cond)
		}
		s.UnionSet(expr.Columns())
	case ExprCall, ExprLambda:
		s.UnionSet(expr.Columns())
	}
}

// UnionColumnsOf adds the columns referenced by each expr.
func (s *ObjectSet) UnionColumnsOf(exprs []*Expr) {
	for _, e := range exprs {
		s.UnionColumns(e)
	}
}

// String lists member ids separated by spaces.
func (s *ObjectSet) String() string {
	var b strings.Builder
	s.ForEach(func(id ObjectID) {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strconv.Itoa(int(id)))
	})
	return b.String()
}
