// Package ring is an index-based adaption of `container/ring`
// for intrusive lists over a fixed arena of slots.
package ring

import "iter"

type (
	// Arena holds the links of every list built over it.
	// Slots [0, members) are list members; each list is identified
	// by a head sentinel slot in [members, members+heads).
	// An Arena does no locking: callers must serialize
	// mutations of any given list (and of the members linked into it).
	Arena struct {
		next, prev []int
		members    int
	}
)

// New creates an arena of members unlinked member slots and heads empty lists.
func New(members, heads int) *Arena {
	size := members + heads
	a := &Arena{
		next:    make([]int, size),
		prev:    make([]int, size),
		members: members,
	}
	for i := range size {
		a.init(i)
	}
	return a
}

func (a *Arena) init(i int) {
	a.next[i] = i
	a.prev[i] = i
}

// Head returns the sentinel slot of list h.
func (a *Arena) Head(h int) int { return a.members + h }

// Next returns the slot following i. For the last member of a list
// this is the list's head.
func (a *Arena) Next(i int) int { return a.next[i] }

// Prev returns the slot preceding i.
func (a *Arena) Prev(i int) int { return a.prev[i] }

// Linked reports whether slot i is currently a member of some list.
func (a *Arena) Linked(i int) bool { return a.next[i] != i }

// PushFront links the unlinked member i directly after head h.
func (a *Arena) PushFront(h, i int) {
	var (
		head  = a.Head(h)
		first = a.next[head]
	)
	a.next[i] = first
	a.prev[i] = head
	a.prev[first] = i
	a.next[head] = i
}

// Remove unlinks member i from whatever list holds it.
// Removing an unlinked member is a no-op.
func (a *Arena) Remove(i int) {
	var (
		n = a.next[i]
		p = a.prev[i]
	)
	a.next[p] = n
	a.prev[n] = p
	a.init(i)
}

// Move unlinks member i and links it to the front of list h.
func (a *Arena) Move(h, i int) {
	a.Remove(i)
	a.PushFront(h, i)
}

// Len computes the number of members of list h.
// It executes in time proportional to the length of the list.
func (a *Arena) Len(h int) int {
	n := 0
	for range a.Iter(h) {
		n++
	}
	return n
}

// Contains reports whether member i is linked into list h.
// It executes in time proportional to the length of the list.
func (a *Arena) Contains(h, i int) bool {
	for member := range a.Iter(h) {
		if member == i {
			return true
		}
	}
	return false
}

// Iter returns an iterator over the members of list h, front to back.
// The behavior is undefined if the list is modified during iteration.
func (a *Arena) Iter(h int) iter.Seq[int] {
	return func(yield func(int) bool) {
		head := a.Head(h)
		for i := a.next[head]; i != head; i = a.next[i] {
			if !yield(i) {
				return
			}
		}
	}
}
