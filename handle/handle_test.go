package handle_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	db "compatos/debug"
	"compatos/handle"
)

func TestAllocRemove(t *testing.T) {
	ht := handle.NewHandleTable[string](db.TEST)
	a, err := ht.Alloc("a")
	assert.Nil(t, err)
	b, err := ht.Alloc("b")
	assert.Nil(t, err)
	assert.Equal(t, handle.Tid(1), a)
	assert.Equal(t, handle.Tid(2), b)

	e, ok := ht.Lookup(a)
	assert.True(t, ok)
	assert.Equal(t, "a", e)

	_, ok = ht.Remove(a)
	assert.True(t, ok)
	_, ok = ht.Remove(a)
	assert.False(t, ok)
	_, ok = ht.Lookup(a)
	assert.False(t, ok)

	// ids aren't recycled
	c, err := ht.Alloc("c")
	assert.Nil(t, err)
	assert.Equal(t, handle.Tid(3), c)
	assert.Equal(t, []handle.Tid{b, c}, ht.Ids())
}

func TestInsertFind(t *testing.T) {
	ht := handle.NewHandleTable[int](db.TEST)
	assert.True(t, ht.Insert(4242, 1))
	assert.False(t, ht.Insert(4242, 2))
	ht.Insert(17, 3)

	id, e, ok := ht.Find(func(id handle.Tid, e int) bool { return e == 1 })
	assert.True(t, ok)
	assert.Equal(t, handle.Tid(4242), id)
	assert.Equal(t, 1, e)

	_, _, ok = ht.Find(func(id handle.Tid, e int) bool { return e == 9 })
	assert.False(t, ok)
}

func TestConcurrentAlloc(t *testing.T) {
	const N = 100
	ht := handle.NewHandleTable[int](db.TEST)
	var wg sync.WaitGroup
	ids := make([]handle.Tid, N)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := ht.Alloc(i)
			assert.Nil(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	seen := make(map[handle.Tid]bool)
	for _, id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, N, ht.Len())
}
