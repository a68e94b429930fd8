// Package rules implements the priority-sorted condition/payload
// tables described in spec.md §3 and §4.2: alias rules, fs-option
// rules, and mount-option rules each get one Table instance, each
// guarded by its own mutex.
package rules

import (
	"sync"

	"github.com/romanho/mediad/internal/cond"
)

// Entry is re-exported so callers don't need to import internal/cond
// just to pass a match target.
type Entry = cond.Entry

type row[T any] struct {
	condition *cond.Condition
	payload   T
	seq       int // insertion order, for stable tie-breaking
}

// Table is a condition-keyed list of payloads, kept sorted ascending
// by condition priority with insertion-order tie-breaking. Safe for
// concurrent use.
type Table[T any] struct {
	mu   sync.Mutex
	rows []row[T]
	next int
}

// New returns an empty rule table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Insert adds (condition, payload) in priority order. Equal-priority
// rows keep later insertions after earlier ones.
func (t *Table[T]) Insert(condition *cond.Condition, payload T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := cond.Priority(condition)
	r := row[T]{condition: condition, payload: payload, seq: t.next}
	t.next++

	i := 0
	for i < len(t.rows) && cond.Priority(t.rows[i].condition) <= p {
		i++
	}
	t.rows = append(t.rows, row[T]{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = r
}

// FindFirst returns the payload of the first (highest-priority) row
// whose condition matches e.
func (t *Table[T]) FindFirst(e Entry) (payload T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.rows {
		if matched, _ := cond.Match(r.condition, e); matched {
			return r.payload, true
		}
	}
	var zero T
	return zero, false
}

// FindAllUnion bitwise-ORs the payloads of every matching row. Payload
// must be an unsigned/integer flag type for this to be meaningful;
// callers supply the or function since Go generics can't assume `|`
// over an arbitrary T.
func (t *Table[T]) FindAllUnion(e Entry, or func(acc, cur T) T) T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var acc T
	for _, r := range t.rows {
		if matched, _ := cond.Match(r.condition, e); matched {
			acc = or(acc, r.payload)
		}
	}
	return acc
}

// EachMatching iterates every matching row in priority order, calling
// fn(payload, fsspec). Iteration stops early if fn returns false.
func (t *Table[T]) EachMatching(e Entry, fn func(payload T, fsspec bool) bool) {
	t.mu.Lock()
	rows := make([]row[T], len(t.rows))
	copy(rows, t.rows)
	t.mu.Unlock()

	for _, r := range rows {
		matched, fsspec := cond.Match(r.condition, e)
		if !matched {
			continue
		}
		if !fn(r.payload, fsspec) {
			return
		}
	}
}

// Len reports the number of rows, for tests and diagnostics.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}
