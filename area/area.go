// Package area implements named shared-memory areas.  An area is a
// MAP_SHARED mapping of an anonymous memfd; a clone maps the same memfd
// again, so writes through any handle are visible through all of them.
// Callers see process-local integer ids, never raw file descriptors.
package area

import (
	"fmt"
	"math"
	"unicode/utf8"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/sasha-s/go-deadlock"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/thanhpk/randstr"
	"golang.org/x/sys/unix"

	"compatos/config"
	db "compatos/debug"
	"compatos/handle"
	"compatos/serr"
)

type Tid = handle.Tid

const (
	NO_AREA     Tid = handle.NO_ID
	NAME_LENGTH     = 32
)

type Prot uint32

const (
	READ Prot = 1 << iota
	WRITE
)

// Write-only mappings aren't expressible on common hosts (write implies
// read), so a protection must include READ.
func (p Prot) valid() bool {
	return p&READ != 0 && p&^(READ|WRITE) == 0
}

func (p Prot) unix() int {
	prot := unix.PROT_READ
	if p&WRITE != 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}

func (p Prot) String() string {
	switch p {
	case READ:
		return "r-"
	case READ | WRITE:
		return "rw"
	default:
		return fmt.Sprintf("prot(%#x)", uint32(p))
	}
}

type AddrSpec uint32

const (
	ANY_ADDRESS   AddrSpec = iota // host picks
	BASE_ADDRESS                  // hint is advisory
	EXACT_ADDRESS                 // hint is mandatory
)

type LockSpec uint32

const (
	NO_LOCK LockSpec = iota
	LAZY_LOCK
	FULL_LOCK
	CONTIGUOUS
)

type AreaInfo struct {
	Id         Tid
	Name       string
	Size       uint64
	Address    uintptr
	Protection Prot
	Lock       LockSpec
	CopyCount  int
}

func (ai *AreaInfo) String() string {
	return fmt.Sprintf("{id %v name %q addr %#x size %v prot %v lock %d copies %d}", ai.Id, ai.Name, ai.Address, ai.Size, ai.Protection, ai.Lock, ai.CopyCount)
}

// The memfd behind one or more mappings.  nmap counts this process's
// live mappings; the fd is closed when it drops to zero.
type segment struct {
	fd   int
	size uint64
	nmap int
}

type mapping struct {
	name string
	seg  *segment
	addr unsafe.Pointer
	prot Prot
	lock LockSpec
}

func (m *mapping) String() string {
	return fmt.Sprintf("{%q fd %d addr %p size %v prot %v}", m.name, m.seg.fd, m.addr, humanize.IBytes(m.seg.size), m.prot)
}

func (m *mapping) size() uint64 {
	return m.seg.size
}

func (m *mapping) bytes() []byte {
	return unsafe.Slice((*byte)(m.addr), int(m.seg.size))
}

func (m *mapping) contains(addr uintptr) bool {
	base := uintptr(m.addr)
	return addr >= base && addr < base+uintptr(m.seg.size)
}

type AreaMgr struct {
	mu     deadlock.Mutex // protects segment.nmap
	cfg    *config.CompatConfig
	areas  *handle.HandleTable[*mapping]
	pagesz uint64
}

func NewAreaMgr(cfg *config.CompatConfig) *AreaMgr {
	return &AreaMgr{
		cfg:    cfg,
		areas:  handle.NewHandleTable[*mapping](db.AREA),
		pagesz: uint64(unix.Getpagesize()),
	}
}

func (am *AreaMgr) PageSize() uint64 {
	return am.pagesz
}

func (am *AreaMgr) roundUp(sz uint64) uint64 {
	return (sz + am.pagesz - 1) &^ (am.pagesz - 1)
}

// Cut to at most NAME_LENGTH-1 bytes without splitting a character.
func truncName(name string) string {
	if len(name) < NAME_LENGTH {
		return name
	}
	n := NAME_LENGTH - 1
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}

func checkArgs(spec AddrSpec, prot Prot) *serr.Err {
	if !prot.valid() {
		return serr.NewErr(serr.TErrInval, prot)
	}
	if spec > EXACT_ADDRESS {
		return serr.NewErr(serr.TErrInval, fmt.Sprintf("addr spec %d", spec))
	}
	return nil
}

// CreateArea maps size bytes, rounded up to the page size, of fresh
// zero-filled shared memory and returns the area's id and base address.
func (am *AreaMgr) CreateArea(name string, hint uintptr, spec AddrSpec, size uint64, lock LockSpec, prot Prot) (Tid, uintptr, error) {
	name = truncName(name)
	if size == 0 {
		return NO_AREA, 0, serr.NewErr(serr.TErrInval, "size 0")
	}
	if err := checkArgs(spec, prot); err != nil {
		return NO_AREA, 0, err
	}
	if lock > CONTIGUOUS {
		return NO_AREA, 0, serr.NewErr(serr.TErrInval, fmt.Sprintf("lock spec %d", lock))
	}
	if size > math.MaxInt64-am.pagesz {
		return NO_AREA, 0, serr.NewErr(serr.TErrNoMem, humanize.IBytes(size))
	}
	size = am.roundUp(size)
	if err := checkLockable(size, lock); err != nil {
		db.DPrintf(db.AREA_ERR, "CreateArea %q err %v", name, err)
		return NO_AREA, 0, err
	}
	seg, err := am.newSegment(name, size)
	if err != nil {
		db.DPrintf(db.AREA_ERR, "CreateArea %q newSegment err %v", name, err)
		return NO_AREA, 0, err
	}
	m, err := am.mapSegment(name, seg, hint, spec, lock, prot)
	if err != nil {
		db.DPrintf(db.AREA_ERR, "CreateArea %q map err %v", name, err)
		am.release(seg)
		return NO_AREA, 0, err
	}
	id, err := am.insert(m)
	if err != nil {
		return NO_AREA, 0, err
	}
	db.DPrintf(db.AREA, "CreateArea %v %v", id, m)
	return id, uintptr(m.addr), nil
}

// CloneArea maps the pages of area src a second time, at a new or
// hinted address and with its own protection.
func (am *AreaMgr) CloneArea(name string, hint uintptr, spec AddrSpec, prot Prot, src Tid) (Tid, uintptr, error) {
	name = truncName(name)
	if err := checkArgs(spec, prot); err != nil {
		return NO_AREA, 0, err
	}
	sm, ok := am.areas.Lookup(src)
	if !ok {
		return NO_AREA, 0, serr.NewErr(serr.TErrBadHandle, src)
	}
	if !am.acquire(sm.seg) {
		// deleted between lookup and acquire
		return NO_AREA, 0, serr.NewErr(serr.TErrBadHandle, src)
	}
	m, err := am.mapSegment(name, sm.seg, hint, spec, sm.lock, prot)
	if err != nil {
		db.DPrintf(db.AREA_ERR, "CloneArea %q of %v err %v", name, src, err)
		am.release(sm.seg)
		return NO_AREA, 0, err
	}
	id, err := am.insert(m)
	if err != nil {
		return NO_AREA, 0, err
	}
	db.DPrintf(db.AREA, "CloneArea %v of %v %v", id, src, m)
	return id, uintptr(m.addr), nil
}

func (am *AreaMgr) GetAreaInfo(id Tid) (*AreaInfo, error) {
	m, ok := am.areas.Lookup(id)
	if !ok {
		return nil, serr.NewErr(serr.TErrBadHandle, id)
	}
	am.mu.Lock()
	copies := m.seg.nmap - 1
	am.mu.Unlock()
	return &AreaInfo{
		Id:         id,
		Name:       m.name,
		Size:       m.size(),
		Address:    uintptr(m.addr),
		Protection: m.prot,
		Lock:       m.lock,
		CopyCount:  copies,
	}, nil
}

// DeleteArea unmaps id from this process.  Other mappings of the same
// pages, here or in other processes, stay valid.
func (am *AreaMgr) DeleteArea(id Tid) error {
	m, ok := am.areas.Remove(id)
	if !ok {
		return serr.NewErr(serr.TErrBadHandle, id)
	}
	db.DPrintf(db.AREA, "DeleteArea %v %v", id, m)
	am.unmap(m)
	return nil
}

// Give m an id, or undo the mapping if none is left.
func (am *AreaMgr) insert(m *mapping) (Tid, error) {
	id, err := am.areas.Alloc(m)
	if err != nil {
		db.DPrintf(db.AREA_ERR, "insert %v err %v", m, err)
		am.unmap(m)
		return NO_AREA, err
	}
	return id, nil
}

func (am *AreaMgr) unmap(m *mapping) {
	if err := unix.MunmapPtr(m.addr, uintptr(m.size())); err != nil {
		db.DPrintf(db.AREA_ERR, "munmap %v err %v", m, err)
	}
	am.release(m.seg)
}

// Bytes returns the memory of area id.  Writing through the slice of
// a read-only area faults.
func (am *AreaMgr) Bytes(id Tid) ([]byte, error) {
	m, ok := am.areas.Lookup(id)
	if !ok {
		return nil, serr.NewErr(serr.TErrBadHandle, id)
	}
	return m.bytes(), nil
}

func (am *AreaMgr) FindArea(name string) (Tid, error) {
	name = truncName(name)
	id, _, ok := am.areas.Find(func(id Tid, m *mapping) bool {
		return m.name == name
	})
	if !ok {
		return NO_AREA, serr.NewErr(serr.TErrBadHandle, name)
	}
	return id, nil
}

func (am *AreaMgr) AreaForAddress(addr uintptr) (Tid, error) {
	id, _, ok := am.areas.Find(func(id Tid, m *mapping) bool {
		return m.contains(addr)
	})
	if !ok {
		return NO_AREA, serr.NewErr(serr.TErrBadHandle, fmt.Sprintf("%#x", addr))
	}
	return id, nil
}

func (am *AreaMgr) Areas() []Tid {
	return am.areas.Ids()
}

func (am *AreaMgr) Close() error {
	for _, id := range am.areas.Ids() {
		am.DeleteArea(id)
	}
	return nil
}

// A memfd of any size can be created and mapped lazily, so the host
// only refuses memory when pages are touched.  Locked areas are backed
// up front; refuse those that can't fit in available memory.
func checkLockable(size uint64, lock LockSpec) *serr.Err {
	if lock != FULL_LOCK && lock != CONTIGUOUS {
		return nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		db.DPrintf(db.AREA_ERR, "VirtualMemory err %v", err)
		return nil
	}
	if size > vm.Available {
		return serr.NewErr(serr.TErrNoMem, fmt.Sprintf("%v > %v available", humanize.IBytes(size), humanize.IBytes(vm.Available)))
	}
	return nil
}

func (am *AreaMgr) newSegment(name string, size uint64) (*segment, error) {
	fn := fmt.Sprintf("%s-%s-%s", am.cfg.AreaPrefix, name, randstr.Hex(4))
	fd, err := unix.MemfdCreate(fn, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, serr.UxErrToErr(err, fn)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, serr.NewErrError(serr.TErrNoMem, humanize.IBytes(size), err)
	}
	return &segment{fd: fd, size: size, nmap: 1}, nil
}

func (am *AreaMgr) acquire(seg *segment) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	if seg.nmap == 0 {
		return false
	}
	seg.nmap++
	return true
}

func (am *AreaMgr) release(seg *segment) {
	am.mu.Lock()
	defer am.mu.Unlock()

	seg.nmap--
	if seg.nmap == 0 {
		db.DPrintf(db.AREA, "close segment fd %d", seg.fd)
		unix.Close(seg.fd)
	}
}

// The caller holds a reference on seg.
func (am *AreaMgr) mapSegment(name string, seg *segment, hint uintptr, spec AddrSpec, lock LockSpec, prot Prot) (*mapping, error) {
	var addr unsafe.Pointer
	flags := unix.MAP_SHARED
	switch spec {
	case BASE_ADDRESS:
		addr = addrPtr(hint)
	case EXACT_ADDRESS:
		if hint == 0 || uint64(hint)%am.pagesz != 0 {
			return nil, serr.NewErr(serr.TErrInval, fmt.Sprintf("exact address %#x", hint))
		}
		addr = addrPtr(hint)
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	p, err := unix.MmapPtr(seg.fd, 0, addr, uintptr(seg.size), prot.unix(), flags)
	if err != nil {
		if err == unix.EEXIST {
			return nil, serr.NewErrError(serr.TErrNoMem, fmt.Sprintf("%#x in use", hint), err)
		}
		return nil, serr.UxErrToErr(err, name)
	}
	// Kernels without MAP_FIXED_NOREPLACE treat the address as a hint.
	if spec == EXACT_ADDRESS && uintptr(p) != hint {
		unix.MunmapPtr(p, uintptr(seg.size))
		return nil, serr.NewErr(serr.TErrNoMem, fmt.Sprintf("%#x unavailable", hint))
	}
	m := &mapping{
		name: name,
		seg:  seg,
		addr: p,
		prot: prot,
		lock: lock,
	}
	if err := m.mlock(); err != nil {
		unix.MunmapPtr(p, uintptr(seg.size))
		return nil, err
	}
	return m, nil
}

// Address outside the Go heap (a caller's hint or an mmap result).
func addrPtr(a uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&a))
}

// mlock2 flag; x/sys/unix has no mlock2 wrapper on linux
const MLOCK_ONFAULT = 0x1

func (m *mapping) mlock() error {
	var err error
	switch m.lock {
	case NO_LOCK:
		return nil
	case LAZY_LOCK:
		if _, _, e := unix.Syscall(unix.SYS_MLOCK2, uintptr(m.addr), uintptr(m.size()), MLOCK_ONFAULT); e != 0 {
			err = e
		}
	default:
		err = unix.Mlock(m.bytes())
	}
	if err != nil {
		return serr.NewErrError(serr.TErrNoMem, "mlock "+m.name, err)
	}
	return nil
}
