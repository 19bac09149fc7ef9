// Package addon loads shared objects into the calling process and
// resolves symbols in them.
package addon

import (
	"debug/elf"
	"fmt"

	"github.com/ebitengine/purego"

	"compatos/config"
	db "compatos/debug"
	"compatos/handle"
	"compatos/serr"
)

type Tid = handle.Tid

// SELF resolves symbols in the process-wide default scope instead of a
// particular add-on.
const SELF Tid = handle.NO_ID

type SymbolType uint32

const (
	SYMBOL_TYPE_ANY SymbolType = iota
	SYMBOL_TYPE_TEXT
	SYMBOL_TYPE_DATA
)

func (st SymbolType) String() string {
	switch st {
	case SYMBOL_TYPE_ANY:
		return "any"
	case SYMBOL_TYPE_TEXT:
		return "text"
	case SYMBOL_TYPE_DATA:
		return "data"
	default:
		return fmt.Sprintf("symtype(%d)", uint32(st))
	}
}

type AddOnInfo struct {
	Id   Tid
	Path string
}

type addOn struct {
	path string
	hdl  uintptr
}

func (ao *addOn) String() string {
	return fmt.Sprintf("{%q hdl %#x}", ao.path, ao.hdl)
}

type AddOnMgr struct {
	mode   int
	addons *handle.HandleTable[*addOn]
	syms   *symCache
}

func NewAddOnMgr(cfg *config.CompatConfig) *AddOnMgr {
	mode := purego.RTLD_GLOBAL | purego.RTLD_LAZY
	if cfg.AddOnBinding == config.BIND_NOW {
		mode = purego.RTLD_GLOBAL | purego.RTLD_NOW
	}
	return &AddOnMgr{
		mode:   mode,
		addons: handle.NewHandleTable[*addOn](db.ADDON),
		syms:   newSymCache(),
	}
}

// LoadAddOn maps the shared object at pn into this process with its
// symbols globally visible.  The loader's diagnostic is carried in the
// returned error.
func (am *AddOnMgr) LoadAddOn(pn string) (Tid, error) {
	hdl, err := purego.Dlopen(pn, am.mode)
	if err != nil {
		db.DPrintf(db.ADDON_ERR, "LoadAddOn %q err %v", pn, err)
		return handle.NO_ID, serr.NewErrError(serr.TErrImage, pn, err)
	}
	ao := &addOn{path: pn, hdl: hdl}
	id, err := am.addons.Alloc(ao)
	if err != nil {
		purego.Dlclose(hdl)
		return handle.NO_ID, err
	}
	db.DPrintf(db.ADDON, "LoadAddOn %v %v", id, ao)
	return id, nil
}

func (am *AddOnMgr) UnloadAddOn(id Tid) error {
	ao, ok := am.addons.Lookup(id)
	if !ok {
		return serr.NewErr(serr.TErrBadHandle, id)
	}
	if err := purego.Dlclose(ao.hdl); err != nil {
		db.DPrintf(db.ADDON_ERR, "UnloadAddOn %v err %v", id, err)
		return serr.NewErrError(serr.TErrImage, ao.path, err)
	}
	am.addons.Remove(id)
	am.syms.forget(ao.path)
	db.DPrintf(db.ADDON, "UnloadAddOn %v %v", id, ao)
	return nil
}

// GetImageSymbol returns the address of name in add-on id, or in the
// default scope if id is SELF.  An unknown id is TErrBadHandle; a
// missing symbol is TErrInval.
func (am *AddOnMgr) GetImageSymbol(id Tid, name string, st SymbolType) (uintptr, error) {
	if st > SYMBOL_TYPE_DATA {
		return 0, serr.NewErr(serr.TErrInval, st)
	}
	hdl := uintptr(purego.RTLD_DEFAULT)
	var ao *addOn
	if id != SELF {
		a, ok := am.addons.Lookup(id)
		if !ok {
			return 0, serr.NewErr(serr.TErrBadHandle, id)
		}
		ao = a
		hdl = ao.hdl
	}
	addr, err := purego.Dlsym(hdl, name)
	if err != nil || addr == 0 {
		db.DPrintf(db.ADDON_ERR, "GetImageSymbol %v %q err %v", id, name, err)
		return 0, serr.NewErrError(serr.TErrInval, name, err)
	}
	if ao != nil && !am.symbolHasType(ao.path, name, st) {
		return 0, serr.NewErr(serr.TErrInval, fmt.Sprintf("%s not %v", name, st))
	}
	db.DPrintf(db.ADDON, "GetImageSymbol %v %q %v: %#x", id, name, st, addr)
	return addr, nil
}

func (am *AddOnMgr) GetAddOnInfo(id Tid) (*AddOnInfo, error) {
	ao, ok := am.addons.Lookup(id)
	if !ok {
		return nil, serr.NewErr(serr.TErrBadHandle, id)
	}
	return &AddOnInfo{Id: id, Path: ao.path}, nil
}

func (am *AddOnMgr) AddOns() []Tid {
	return am.addons.Ids()
}

// Check the symbol's type in the dynamic symbol table of the object at
// pn.  If pn isn't a readable ELF file (e.g., a bare soname the loader
// found on its search path) the type can't be checked and the symbol is
// accepted.
func (am *AddOnMgr) symbolHasType(pn, name string, st SymbolType) bool {
	if st == SYMBOL_TYPE_ANY {
		return true
	}
	t, ok := am.syms.lookup(pn)[name]
	if !ok {
		return true
	}
	switch t {
	case elf.STT_FUNC, elf.STT_LOOS: // STT_LOOS is STT_GNU_IFUNC
		return st == SYMBOL_TYPE_TEXT
	case elf.STT_OBJECT, elf.STT_TLS, elf.STT_COMMON:
		return st == SYMBOL_TYPE_DATA
	default:
		return true
	}
}
