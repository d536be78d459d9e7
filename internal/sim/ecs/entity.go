// Package ecs adapts a donburi world to the operations the streamer needs:
// typed component stores, parent/child links and recursive despawn.
// Despawning a parent drops its whole subtree and every component attached
// to it.
package ecs

import (
	"fmt"

	"github.com/yohamta/donburi"
)

// Entity is a donburi handle. A handle whose version no longer matches its
// slot is stale and treated as dead.
type Entity = donburi.Entity

type parentLink struct {
	Of Entity
}

type childLinks struct {
	List []Entity
}

var (
	parentType   = donburi.NewComponentType[parentLink]()
	childrenType = donburi.NewComponentType[childLinks]()
)

type World struct {
	w     donburi.World
	alive int
}

func NewWorld() *World {
	return &World{w: donburi.NewWorld()}
}

func (w *World) Spawn() Entity {
	w.alive++
	return w.w.Create()
}

// SpawnChild spawns a new entity attached under parent. It panics when parent
// is not alive.
func (w *World) SpawnChild(parent Entity) Entity {
	if !w.Alive(parent) {
		panic(fmt.Sprintf("ecs: spawn child of dead entity %v", parent))
	}
	e := w.Spawn()
	w.AddChild(parent, e)
	return e
}

func (w *World) Alive(e Entity) bool { return w.w.Valid(e) }

// Len returns the number of live entities.
func (w *World) Len() int { return w.alive }

// AddChild attaches child under parent, detaching it from any previous
// parent first.
func (w *World) AddChild(parent, child Entity) {
	if !w.Alive(parent) || !w.Alive(child) {
		panic(fmt.Sprintf("ecs: add child %v to %v: dead entity", child, parent))
	}
	if parent == child {
		panic(fmt.Sprintf("ecs: entity %v cannot parent itself", parent))
	}
	w.detach(child)
	set(w.w.Entry(child), parentType, parentLink{Of: parent})
	pe := w.w.Entry(parent)
	links, _ := get(pe, childrenType)
	links.List = append(links.List, child)
	set(pe, childrenType, links)
}

func (w *World) Parent(e Entity) (Entity, bool) {
	if !w.Alive(e) {
		var zero Entity
		return zero, false
	}
	p, ok := get(w.w.Entry(e), parentType)
	return p.Of, ok
}

// Children returns e's live children.
func (w *World) Children(e Entity) []Entity {
	if !w.Alive(e) {
		return nil
	}
	links, ok := get(w.w.Entry(e), childrenType)
	if !ok {
		return nil
	}
	out := make([]Entity, 0, len(links.List))
	for _, c := range links.List {
		if w.Alive(c) {
			out = append(out, c)
		}
	}
	return out
}

func (w *World) detach(e Entity) {
	en := w.w.Entry(e)
	p, ok := get(en, parentType)
	if !ok {
		return
	}
	en.RemoveComponent(parentType)
	if !w.Alive(p.Of) {
		return
	}
	pe := w.w.Entry(p.Of)
	links, _ := get(pe, childrenType)
	kept := links.List[:0]
	for _, c := range links.List {
		if c != e && w.Alive(c) {
			kept = append(kept, c)
		}
	}
	links.List = kept
	set(pe, childrenType, links)
}

// Despawn removes a single entity. Its children are orphaned, not removed.
// Returns false when e was already dead.
func (w *World) Despawn(e Entity) bool {
	if !w.Alive(e) {
		return false
	}
	w.detach(e)
	for _, c := range w.Children(e) {
		w.w.Entry(c).RemoveComponent(parentType)
	}
	w.kill(e)
	return true
}

// DespawnRecursive removes e and its whole subtree and returns how many
// entities were removed.
func (w *World) DespawnRecursive(e Entity) int {
	if !w.Alive(e) {
		return 0
	}
	w.detach(e)
	n := 0
	stack := []Entity{e}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !w.Alive(cur) {
			continue
		}
		stack = append(stack, w.Children(cur)...)
		w.kill(cur)
		n++
	}
	return n
}

func (w *World) kill(e Entity) {
	w.w.Remove(e)
	w.alive--
}

func get[T any](en *donburi.Entry, ct *donburi.ComponentType[T]) (T, bool) {
	var zero T
	if !en.HasComponent(ct) {
		return zero, false
	}
	return *ct.Get(en), true
}

func set[T any](en *donburi.Entry, ct *donburi.ComponentType[T], v T) {
	if !en.HasComponent(ct) {
		en.AddComponent(ct)
	}
	ct.SetValue(en, v)
}
