package handle

import (
	"fmt"
	"math"
	"sort"

	"github.com/sasha-s/go-deadlock"

	db "compatos/debug"
	"compatos/serr"
)

//
// Table of process-local integer ids standing in for host resources
// (mappings, processes, loader handles).  Ids start at 1 and are never
// reused within a process, so a stale id can't alias a newer resource.
// Safe for concurrent use.
//

type Tid int32

const NO_ID Tid = 0

func (id Tid) String() string {
	return fmt.Sprintf("%d", int32(id))
}

type HandleTable[T any] struct {
	mu      deadlock.Mutex
	debug   db.Tselector
	next    Tid
	entries map[Tid]T
}

func NewHandleTable[T any](debug db.Tselector) *HandleTable[T] {
	return &HandleTable[T]{
		debug:   debug,
		next:    1,
		entries: make(map[Tid]T),
	}
}

// Alloc fails once the id space is used up rather than wrapping.
func (ht *HandleTable[T]) Alloc(e T) (Tid, error) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if ht.next == NO_ID {
		db.DPrintf(ht.debug, "alloc: ids exhausted")
		return NO_ID, serr.NewErr(serr.TErrNoMem, "ids exhausted")
	}
	id := ht.next
	if id == math.MaxInt32 {
		ht.next = NO_ID
	} else {
		ht.next++
	}
	ht.entries[id] = e
	db.DPrintf(ht.debug, "alloc %v %v", id, e)
	return id, nil
}

// Insert under an id chosen by the caller (e.g., a host pid).
func (ht *HandleTable[T]) Insert(id Tid, e T) bool {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	if _, ok := ht.entries[id]; ok {
		return false
	}
	ht.entries[id] = e
	db.DPrintf(ht.debug, "insert %v %v", id, e)
	return true
}

func (ht *HandleTable[T]) Lookup(id Tid) (T, bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	e, ok := ht.entries[id]
	return e, ok
}

func (ht *HandleTable[T]) Remove(id Tid) (T, bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	e, ok := ht.entries[id]
	if !ok {
		db.DPrintf(ht.debug, "remove %v no entry", id)
		return e, false
	}
	delete(ht.entries, id)
	db.DPrintf(ht.debug, "remove %v %v", id, e)
	return e, true
}

// Ids in ascending order.
func (ht *HandleTable[T]) Ids() []Tid {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	ids := make([]Tid, 0, len(ht.entries))
	for id := range ht.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Find the first entry, in id order, for which f returns true.
func (ht *HandleTable[T]) Find(f func(Tid, T) bool) (Tid, T, bool) {
	var zero T
	for _, id := range ht.Ids() {
		if e, ok := ht.Lookup(id); ok && f(id, e) {
			return id, e, true
		}
	}
	return NO_ID, zero, false
}

func (ht *HandleTable[T]) Len() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return len(ht.entries)
}
