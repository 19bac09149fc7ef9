package area

import (
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sys/unix"

	db "compatos/debug"
	"compatos/serr"
)

// Area ids are process-local.  To clone an area in another process,
// the owner sends an AreaDesc over some channel and the receiver
// imports it; the receiver reopens the owner's memfd through /proc.

type AreaDesc struct {
	Name string `bson:"name"`
	Size uint64 `bson:"size"`
	Pid  int    `bson:"pid"`
	Fd   int    `bson:"fd"`
}

func (ad *AreaDesc) Path() string {
	return fdPath(ad.Pid, ad.Fd)
}

func (ad *AreaDesc) String() string {
	return fmt.Sprintf("{%q size %d pid %d fd %d}", ad.Name, ad.Size, ad.Pid, ad.Fd)
}

func fdPath(pid, fd int) string {
	return fmt.Sprintf("/proc/%d/fd/%d", pid, fd)
}

func (am *AreaMgr) Desc(id Tid) (*AreaDesc, error) {
	m, ok := am.areas.Lookup(id)
	if !ok {
		return nil, serr.NewErr(serr.TErrBadHandle, id)
	}
	return &AreaDesc{
		Name: m.name,
		Size: m.size(),
		Pid:  os.Getpid(),
		Fd:   m.seg.fd,
	}, nil
}

// Path of the host file backing area id, which any process allowed to
// inspect this one can open to reach the area's pages.
func (am *AreaMgr) Path(id Tid) (string, error) {
	ad, err := am.Desc(id)
	if err != nil {
		return "", err
	}
	return ad.Path(), nil
}

func (am *AreaMgr) ExportArea(id Tid) ([]byte, error) {
	ad, err := am.Desc(id)
	if err != nil {
		return nil, err
	}
	b, err := bson.Marshal(ad)
	if err != nil {
		return nil, serr.NewErrError(serr.TErrError, id, err)
	}
	return b, nil
}

func UnmarshalDesc(b []byte) (*AreaDesc, error) {
	ad := &AreaDesc{}
	if err := bson.Unmarshal(b, ad); err != nil {
		return nil, serr.NewErrError(serr.TErrInval, "area desc", err)
	}
	return ad, nil
}

// ImportArea clones an area exported by ExportArea, possibly in
// another process.
func (am *AreaMgr) ImportArea(name string, hint uintptr, spec AddrSpec, prot Prot, desc []byte) (Tid, uintptr, error) {
	name = truncName(name)
	if err := checkArgs(spec, prot); err != nil {
		return NO_AREA, 0, err
	}
	ad, err := UnmarshalDesc(desc)
	if err != nil {
		return NO_AREA, 0, err
	}
	flags := unix.O_RDONLY
	if prot&WRITE != 0 {
		flags = unix.O_RDWR
	}
	fd, err := unix.Open(ad.Path(), flags|unix.O_CLOEXEC, 0)
	if err != nil {
		db.DPrintf(db.AREA_ERR, "ImportArea %v open err %v", ad, err)
		return NO_AREA, 0, serr.UxErrToErr(err, ad.Path())
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil || uint64(st.Size) < ad.Size {
		unix.Close(fd)
		return NO_AREA, 0, serr.NewErrError(serr.TErrBadHandle, ad, err)
	}
	seg := &segment{fd: fd, size: ad.Size, nmap: 1}
	m, err := am.mapSegment(name, seg, hint, spec, NO_LOCK, prot)
	if err != nil {
		am.release(seg)
		return NO_AREA, 0, err
	}
	id, err := am.insert(m)
	if err != nil {
		return NO_AREA, 0, err
	}
	db.DPrintf(db.AREA, "ImportArea %v from %v %v", id, ad, m)
	return id, uintptr(m.addr), nil
}
