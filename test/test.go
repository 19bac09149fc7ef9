package test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"compatos/addon"
	"compatos/area"
	"compatos/config"
	db "compatos/debug"
	"compatos/image"
)

//
// Shared state for tests that use the areas, images, and add-ons of
// one process.  Test binaries that launch images must call
// reexec.Init() from TestMain.
//

const SH = "/bin/sh"

var Niter int
var WaitTimeout time.Duration
var Stdio bool

func init() {
	flag.IntVar(&Niter, "niter", 20, "Iterations for launch loops")
	flag.DurationVar(&WaitTimeout, "wait", 10*time.Second, "Give up waiting for an image after this long")
	flag.BoolVar(&Stdio, "stdio", false, "Hand test stdio to launched images")
}

type Tstate struct {
	T      *testing.T
	Cfg    *config.CompatConfig
	Areas  *area.AreaMgr
	Images *image.Loader
	AddOns *addon.AddOnMgr
}

func NewTstate(t *testing.T) *Tstate {
	cfg, err := config.GetCompatConfig()
	if err != nil {
		db.DFatalf("NewTstate: %v", err)
	}
	cfg.DetachStdio = !Stdio
	cfg.Apply()
	return &Tstate{
		T:      t,
		Cfg:    cfg,
		Areas:  area.NewAreaMgr(cfg),
		Images: image.NewLoader(cfg),
		AddOns: addon.NewAddOnMgr(cfg),
	}
}

func (ts *Tstate) Shutdown() {
	ts.Images.Close()
	ts.Areas.Close()
}

func NeedShell(t *testing.T) {
	if _, err := os.Stat(SH); err != nil {
		t.Skipf("no %v", SH)
	}
}

// A page-sized read-write area that launched images can write into
// through the returned host path.
func (ts *Tstate) SentinelArea() (area.Tid, []byte, string) {
	id, _, err := ts.Areas.CreateArea("sentinel", 0, area.ANY_ADDRESS, ts.Areas.PageSize(), area.NO_LOCK, area.READ|area.WRITE)
	assert.Nil(ts.T, err, "CreateArea")
	b, err := ts.Areas.Bytes(id)
	assert.Nil(ts.T, err, "Bytes")
	pn, err := ts.Areas.Path(id)
	assert.Nil(ts.T, err, "Path")
	return id, b, pn
}

// argv for a shell that writes word at offset 0 of pn without
// truncating it.
func WriteArgv(pn, word string) []string {
	return []string{SH, "-c", "printf '%s' \"" + word + "\" 1<>" + pn}
}

func (ts *Tstate) Wait(id image.Tid) (*image.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()
	return ts.Images.WaitForImage(ctx, id)
}
