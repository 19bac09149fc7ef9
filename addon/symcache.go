package addon

import (
	"debug/elf"

	"github.com/hashicorp/golang-lru/v2"

	db "compatos/debug"
)

const NSYMTAB = 64

// Dynamic symbol types of recently loaded objects, keyed by path.  A nil
// table means the path isn't a readable ELF file.
type symCache struct {
	c *lru.Cache[string, map[string]elf.SymType]
}

func newSymCache() *symCache {
	c, err := lru.New[string, map[string]elf.SymType](NSYMTAB)
	if err != nil {
		db.DFatalf("newSymCache err %v\n", err)
	}
	return &symCache{c: c}
}

func (sc *symCache) lookup(pn string) map[string]elf.SymType {
	if tab, ok := sc.c.Get(pn); ok {
		db.DPrintf(db.ADDON, "symcache hit %q", pn)
		return tab
	}
	tab := readSymTypes(pn)
	if evict := sc.c.Add(pn, tab); evict {
		db.DPrintf(db.ADDON, "symcache eviction")
	}
	return tab
}

func (sc *symCache) forget(pn string) {
	sc.c.Remove(pn)
}

func readSymTypes(pn string) map[string]elf.SymType {
	f, err := elf.Open(pn)
	if err != nil {
		return nil
	}
	defer f.Close()
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil
	}
	tab := make(map[string]elf.SymType, len(syms))
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		tab[s.Name] = elf.ST_TYPE(s.Info)
	}
	return tab
}
