package ecs

import (
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/filter"
)

// Store is a typed view over one donburi component type in a World.
// Component types are declared once per package with
// donburi.NewComponentType and may back stores in many worlds.
type Store[T any] struct {
	w  *World
	ct *donburi.ComponentType[T]
	q  *donburi.Query
}

// NewStore binds ct to w. Values are dropped automatically when their entity
// despawns.
func NewStore[T any](w *World, ct *donburi.ComponentType[T]) *Store[T] {
	return &Store[T]{w: w, ct: ct, q: donburi.NewQuery(filter.Contains(ct))}
}

func (s *Store[T]) Set(e Entity, v T) {
	if !s.w.Alive(e) {
		return
	}
	set(s.w.w.Entry(e), s.ct, v)
}

func (s *Store[T]) Get(e Entity) (T, bool) {
	if !s.w.Alive(e) {
		var zero T
		return zero, false
	}
	return get(s.w.w.Entry(e), s.ct)
}

// Ptr returns a pointer to e's value, valid until e's components change.
func (s *Store[T]) Ptr(e Entity) *T {
	if !s.w.Alive(e) {
		return nil
	}
	en := s.w.w.Entry(e)
	if !en.HasComponent(s.ct) {
		return nil
	}
	return s.ct.Get(en)
}

func (s *Store[T]) Has(e Entity) bool {
	_, ok := s.Get(e)
	return ok
}

func (s *Store[T]) Remove(e Entity) {
	if !s.w.Alive(e) {
		return
	}
	en := s.w.w.Entry(e)
	if en.HasComponent(s.ct) {
		en.RemoveComponent(s.ct)
	}
}

func (s *Store[T]) Len() int {
	n := 0
	s.q.Each(s.w.w, func(*donburi.Entry) { n++ })
	return n
}

// Each visits every entry. fn must not add or remove components.
func (s *Store[T]) Each(fn func(e Entity, v *T)) {
	s.q.Each(s.w.w, func(en *donburi.Entry) {
		fn(en.Entity(), s.ct.Get(en))
	})
}

// Entities returns a snapshot of the entities holding this component.
func (s *Store[T]) Entities() []Entity {
	var out []Entity
	s.q.Each(s.w.w, func(en *donburi.Entry) { out = append(out, en.Entity()) })
	return out
}
