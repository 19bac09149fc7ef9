package addon

import (
	"debug/elf"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSymCache(t *testing.T) {
	pn, err := os.Executable()
	assert.Nil(t, err)
	sc := newSymCache()
	assert.Nil(t, sc.lookup("/no/such/object.so"))
	assert.Equal(t, 1, sc.c.Len())

	tab := sc.lookup(pn)
	assert.Equal(t, 2, sc.c.Len())
	for _, typ := range tab {
		assert.NotEqual(t, elf.SymType(255), typ)
	}
	sc.forget(pn)
	assert.Equal(t, 1, sc.c.Len())
}
