package area_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"compatos/area"
	"compatos/config"
	"compatos/serr"
	"compatos/test"
)

func newAreaMgr(t *testing.T) *area.AreaMgr {
	am := area.NewAreaMgr(config.NewCompatConfig())
	t.Cleanup(func() { am.Close() })
	return am
}

func TestCreateRoundTrip(t *testing.T) {
	am := newAreaMgr(t)
	pg := am.PageSize()
	for _, sz := range []uint64{1, 100, pg, pg + 1, 3*pg - 1} {
		id, addr, err := am.CreateArea("rt", 0, area.ANY_ADDRESS, sz, area.NO_LOCK, area.READ|area.WRITE)
		assert.Nil(t, err, "CreateArea %d", sz)
		assert.NotEqual(t, uintptr(0), addr)

		ai, err := am.GetAreaInfo(id)
		assert.Nil(t, err)
		assert.GreaterOrEqual(t, ai.Size, sz)
		assert.Equal(t, uint64(0), ai.Size%pg)
		assert.Equal(t, addr, ai.Address)
		assert.Equal(t, area.READ|area.WRITE, ai.Protection)
		assert.Equal(t, 0, ai.CopyCount)

		b, err := am.Bytes(id)
		assert.Nil(t, err)
		assert.Equal(t, byte(0), b[0])
		assert.Equal(t, byte(0), b[sz-1])
		for i := 0; i < 2; i++ {
			b[0] = 0xAB
			b[sz-1] = 0xCD
			if sz == 1 {
				assert.Equal(t, byte(0xCD), b[0])
			} else {
				assert.Equal(t, byte(0xAB), b[0])
				assert.Equal(t, byte(0xCD), b[sz-1])
			}
		}
		assert.Nil(t, am.DeleteArea(id))
	}
}

func TestCreateBadArgs(t *testing.T) {
	am := newAreaMgr(t)
	_, _, err := am.CreateArea("zero", 0, area.ANY_ADDRESS, 0, area.NO_LOCK, area.READ|area.WRITE)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	_, _, err = am.CreateArea("wo", 0, area.ANY_ADDRESS, 10, area.NO_LOCK, area.WRITE)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	_, _, err = am.CreateArea("none", 0, area.ANY_ADDRESS, 10, area.NO_LOCK, 0)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	_, _, err = am.CreateArea("addr", 0, area.AddrSpec(7), 10, area.NO_LOCK, area.READ)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	_, _, err = am.CreateArea("lock", 0, area.ANY_ADDRESS, 10, area.LockSpec(9), area.READ)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	_, _, err = am.CreateArea("exact0", 0, area.EXACT_ADDRESS, 10, area.NO_LOCK, area.READ)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	_, _, err = am.CreateArea("unaligned", 0x7f0000001001, area.EXACT_ADDRESS, 10, area.NO_LOCK, area.READ)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	assert.Equal(t, 0, len(am.Areas()))
}

func TestExactAddress(t *testing.T) {
	am := newAreaMgr(t)
	sz := 4 * am.PageSize()
	id, addr, err := am.CreateArea("first", 0, area.ANY_ADDRESS, sz, area.NO_LOCK, area.READ)
	assert.Nil(t, err)
	assert.Nil(t, am.DeleteArea(id))

	id, addr1, err := am.CreateArea("exact", addr, area.EXACT_ADDRESS, sz, area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(t, err)
	assert.Equal(t, addr, addr1)

	_, _, err = am.CreateArea("taken", addr, area.EXACT_ADDRESS, sz, area.NO_LOCK, area.READ)
	assert.True(t, serr.IsErrCode(err, serr.TErrNoMem), "err %v", err)

	// advisory hint on an occupied range still succeeds elsewhere
	id2, addr2, err := am.CreateArea("base", addr, area.BASE_ADDRESS, sz, area.NO_LOCK, area.READ)
	assert.Nil(t, err)
	assert.NotEqual(t, addr, addr2)

	assert.Nil(t, am.DeleteArea(id))
	assert.Nil(t, am.DeleteArea(id2))
}

func TestCloneShared(t *testing.T) {
	am := newAreaMgr(t)
	a, aaddr, err := am.CreateArea("a", 0, area.ANY_ADDRESS, 8192, area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(t, err)
	b, baddr, err := am.CloneArea("b", 0, area.ANY_ADDRESS, area.READ|area.WRITE, a)
	assert.Nil(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, aaddr, baddr)

	ab, _ := am.Bytes(a)
	bb, _ := am.Bytes(b)
	ab[10] = 42
	assert.Equal(t, byte(42), bb[10])
	bb[8191] = 7
	assert.Equal(t, byte(7), ab[8191])

	ai, err := am.GetAreaInfo(a)
	assert.Nil(t, err)
	assert.Equal(t, 1, ai.CopyCount)
	bi, err := am.GetAreaInfo(b)
	assert.Nil(t, err)
	assert.Equal(t, ai.Size, bi.Size)
	assert.Equal(t, "b", bi.Name)

	_, _, err = am.CloneArea("c", 0, area.ANY_ADDRESS, area.READ, area.Tid(9999))
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))

	_, _, err = am.CloneArea("c", 0, area.ANY_ADDRESS, area.WRITE, a)
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))
}

func TestDelete(t *testing.T) {
	am := newAreaMgr(t)
	id, _, err := am.CreateArea("d", 0, area.ANY_ADDRESS, 100, area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(t, err)
	assert.Nil(t, am.DeleteArea(id))

	_, err = am.GetAreaInfo(id)
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))
	err = am.DeleteArea(id)
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))
	_, err = am.Bytes(id)
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))
}

func TestEndToEnd(t *testing.T) {
	am := newAreaMgr(t)
	a, _, err := am.CreateArea("t", 0, area.ANY_ADDRESS, 4096, area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(t, err)
	ab, err := am.Bytes(a)
	assert.Nil(t, err)
	ab[0] = 0xFF
	ab[4095] = 0xFF

	c, _, err := am.CloneArea("t-ro", 0, area.ANY_ADDRESS, area.READ, a)
	assert.Nil(t, err)
	cb, err := am.Bytes(c)
	assert.Nil(t, err)
	assert.Equal(t, byte(0xFF), cb[0])
	assert.Equal(t, byte(0xFF), cb[4095])

	assert.Nil(t, am.DeleteArea(a))
	assert.Equal(t, byte(0xFF), cb[0])
	assert.Equal(t, byte(0xFF), cb[4095])

	ci, err := am.GetAreaInfo(c)
	assert.Nil(t, err)
	assert.Equal(t, area.READ, ci.Protection)
	assert.Equal(t, 0, ci.CopyCount)
}

func TestFind(t *testing.T) {
	am := newAreaMgr(t)
	id, addr, err := am.CreateArea("findme", 0, area.ANY_ADDRESS, 3*am.PageSize(), area.NO_LOCK, area.READ)
	assert.Nil(t, err)

	fid, err := am.FindArea("findme")
	assert.Nil(t, err)
	assert.Equal(t, id, fid)
	_, err = am.FindArea("nope")
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))

	fid, err = am.AreaForAddress(addr + uintptr(am.PageSize()) + 5)
	assert.Nil(t, err)
	assert.Equal(t, id, fid)
	_, err = am.AreaForAddress(addr + uintptr(3*am.PageSize()))
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))
}

func TestLongName(t *testing.T) {
	am := newAreaMgr(t)
	id, _, err := am.CreateArea("a-name-that-is-much-longer-than-the-limit", 0, area.ANY_ADDRESS, 1, area.NO_LOCK, area.READ)
	assert.Nil(t, err)
	ai, err := am.GetAreaInfo(id)
	assert.Nil(t, err)
	assert.Equal(t, area.NAME_LENGTH-1, len(ai.Name))

	// a two-byte character straddling the limit is dropped whole
	name := strings.Repeat("a", area.NAME_LENGTH-2) + "é"
	id, _, err = am.CreateArea(name, 0, area.ANY_ADDRESS, 1, area.NO_LOCK, area.READ)
	assert.Nil(t, err)
	ai, err = am.GetAreaInfo(id)
	assert.Nil(t, err)
	assert.True(t, utf8.ValidString(ai.Name))
	assert.Equal(t, strings.Repeat("a", area.NAME_LENGTH-2), ai.Name)
	fid, err := am.FindArea(name)
	assert.Nil(t, err)
	assert.Equal(t, id, fid)
}

func TestLocked(t *testing.T) {
	am := newAreaMgr(t)
	for _, lock := range []area.LockSpec{area.LAZY_LOCK, area.FULL_LOCK, area.CONTIGUOUS} {
		id, _, err := am.CreateArea("locked", 0, area.ANY_ADDRESS, 2*am.PageSize(), lock, area.READ|area.WRITE)
		if err != nil {
			// RLIMIT_MEMLOCK may be tiny
			assert.True(t, serr.IsErrCode(err, serr.TErrNoMem), "%v err %v", lock, err)
			continue
		}
		ai, err := am.GetAreaInfo(id)
		assert.Nil(t, err)
		assert.Equal(t, lock, ai.Lock)
		b, err := am.Bytes(id)
		assert.Nil(t, err)
		b[len(b)-1] = 0x5a
		assert.Equal(t, byte(0x5a), b[len(b)-1])
		assert.Nil(t, am.DeleteArea(id))
	}
}

func TestExportImport(t *testing.T) {
	am := newAreaMgr(t)
	a, _, err := am.CreateArea("exp", 0, area.ANY_ADDRESS, 100, area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(t, err)
	desc, err := am.ExportArea(a)
	assert.Nil(t, err)

	ad, err := area.UnmarshalDesc(desc)
	assert.Nil(t, err)
	assert.Equal(t, "exp", ad.Name)
	assert.Equal(t, am.PageSize(), ad.Size)
	pn, err := am.Path(a)
	assert.Nil(t, err)
	assert.Equal(t, pn, ad.Path())

	b, _, err := am.ImportArea("imp", 0, area.ANY_ADDRESS, area.READ, desc)
	assert.Nil(t, err)
	ab, _ := am.Bytes(a)
	bb, _ := am.Bytes(b)
	ab[99] = 0x5A
	assert.Equal(t, byte(0x5A), bb[99])

	_, _, err = am.ImportArea("bad", 0, area.ANY_ADDRESS, area.READ, []byte("garbage"))
	assert.True(t, serr.IsErrCode(err, serr.TErrInval))

	ad.Fd = 100000
	stale, err := bsonDesc(ad)
	assert.Nil(t, err)
	_, _, err = am.ImportArea("stale", 0, area.ANY_ADDRESS, area.READ, stale)
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle), "err %v", err)

	_, err = am.ExportArea(area.Tid(12345))
	assert.True(t, serr.IsErrCode(err, serr.TErrBadHandle))
}

func TestLockTooBig(t *testing.T) {
	am := newAreaMgr(t)
	_, _, err := am.CreateArea("huge", 0, area.ANY_ADDRESS, 1<<50, area.FULL_LOCK, area.READ|area.WRITE)
	assert.True(t, serr.IsErrCode(err, serr.TErrNoMem), "err %v", err)
	assert.True(t, serr.IsErrRetry(err))
	assert.Equal(t, 0, len(am.Areas()))
}

func TestClonePattern(t *testing.T) {
	am := newAreaMgr(t)
	sz := 5 * am.PageSize()
	a, _, err := am.CreateArea("pat", 0, area.ANY_ADDRESS, sz, area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(t, err)
	ab, _ := am.Bytes(a)
	copy(ab, test.MkBuf(int(sz)))

	c, _, err := am.CloneArea("pat-ro", 0, area.BASE_ADDRESS, area.READ, a)
	assert.Nil(t, err)
	cb, _ := am.Bytes(c)
	assert.Equal(t, -1, test.CheckBuf(cb))

	ab[4097] = 0
	assert.Equal(t, 4097, test.CheckBuf(cb))
}
