// Package image launches programs as suspended images.  LoadImage
// returns the new process's id before the program runs; the program
// starts only after the caller (or any process holding the id) resumes
// it.  A never-resumed image stays suspended indefinitely: releasing or
// killing it is the caller's job.
package image

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"compatos/config"
	db "compatos/debug"
	"compatos/handle"
	"compatos/serr"
)

// Image ids are host pids.
type Tid = handle.Tid

const NO_IMAGE Tid = handle.NO_ID

type Tstate uint8

const (
	FORKING Tstate = iota
	SUSPENDED
	RESUMED
	EXITED
)

func (st Tstate) String() string {
	switch st {
	case FORKING:
		return "FORKING"
	case SUSPENDED:
		return "SUSPENDED"
	case RESUMED:
		return "RESUMED"
	case EXITED:
		return "EXITED"
	default:
		return "unknown state"
	}
}

type ImageInfo struct {
	Id    Tid
	Argv  []string
	Env   []string
	State Tstate
	// Not launched by this loader
	Foreign bool
}

func (ii *ImageInfo) String() string {
	return fmt.Sprintf("{id %v argv %v st %v foreign %v}", ii.Id, ii.Argv, ii.State, ii.Foreign)
}

type Status struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	// Set if exec failed after resume
	ExecErr string
}

func newStatus(ps *os.ProcessState, execErr string) *Status {
	st := &Status{ExitCode: -1, ExecErr: execErr}
	if ps == nil {
		return st
	}
	st.ExitCode = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
		st.Signal = ws.Signal()
	}
	return st
}

func (st *Status) IsStatusOK() bool {
	return !st.Signaled && st.ExitCode == 0
}

// Processes that can't see the status pipe only get the exit code
// EXIT_EXEC_FAILED.
func (st *Status) ExecFailed() bool {
	return st.ExecErr != ""
}

func (st *Status) String() string {
	if st.Signaled {
		return fmt.Sprintf("{signal %v}", st.Signal)
	}
	if st.ExecErr != "" {
		return fmt.Sprintf("{exit %d exec err %q}", st.ExitCode, st.ExecErr)
	}
	return fmt.Sprintf("{exit %d}", st.ExitCode)
}

type Loader struct {
	cfg    *config.CompatConfig
	images *handle.HandleTable[*launch]
}

func NewLoader(cfg *config.CompatConfig) *Loader {
	return &Loader{
		cfg:    cfg,
		images: handle.NewHandleTable[*launch](db.IMAGE),
	}
}

func (ld *Loader) defaultOpts() *opts {
	o := &opts{}
	if !ld.cfg.DetachStdio {
		o.stdin = os.Stdin
		o.stdout = os.Stdout
		o.stderr = os.Stderr
	}
	return o
}

// LoadImage creates a suspended image that will exec argv[0] with argv
// and env once resumed.  The returned id is valid immediately, and a
// continue signal sent right after LoadImage returns is never lost.
func (ld *Loader) LoadImage(argv, env []string, options ...Opt) (Tid, error) {
	if len(argv) == 0 || argv[0] == "" {
		return NO_IMAGE, serr.NewErr(serr.TErrInval, "empty argv")
	}
	o := ld.defaultOpts()
	for _, f := range options {
		f(o)
	}
	l := newLaunch(argv, env)
	if err := l.start(o); err != nil {
		return NO_IMAGE, err
	}
	id := Tid(l.pid)
	if !ld.images.Insert(id, l) {
		// an exited, never-waited image with a recycled pid
		ld.images.Remove(id)
		ld.images.Insert(id, l)
	}
	go l.monitor()
	db.DPrintf(db.IMAGE, "LoadImage %v", l)
	return id, nil
}

// ResumeImage releases a suspended image.  Images launched elsewhere
// get the continue signal.
func (ld *Loader) ResumeImage(id Tid) error {
	if l, ok := ld.images.Lookup(id); ok {
		db.DPrintf(db.IMAGE, "ResumeImage %v", l)
		return l.resume()
	}
	return signalForeign(id, unix.SIGCONT)
}

// KillImage sends the termination signal.  A suspended image dies
// without ever running its program.
func (ld *Loader) KillImage(id Tid) error {
	if l, ok := ld.images.Lookup(id); ok {
		db.DPrintf(db.IMAGE, "KillImage %v", l)
		return l.kill()
	}
	return signalForeign(id, unix.SIGTERM)
}

func signalForeign(id Tid, sig syscall.Signal) error {
	if id <= 0 {
		return serr.NewErr(serr.TErrBadHandle, id)
	}
	if err := unix.Kill(int(id), sig); err != nil {
		db.DPrintf(db.IMAGE_ERR, "signal %v %v err %v", id, sig, err)
		return serr.UxErrToErr(err, id)
	}
	return nil
}

// WaitForImage blocks until image id exits and returns its status.  A
// status with ExecFailed set means the image was resumed but its
// program could not be executed.  After a successful wait id is no
// longer known to the loader.
func (ld *Loader) WaitForImage(ctx context.Context, id Tid) (*Status, error) {
	l, ok := ld.images.Lookup(id)
	if !ok {
		return nil, serr.NewErr(serr.TErrBadHandle, id)
	}
	select {
	case <-l.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ld.images.Remove(id)
	return l.exit, nil
}

func (ld *Loader) GetImageInfo(id Tid) (*ImageInfo, error) {
	if l, ok := ld.images.Lookup(id); ok {
		return &ImageInfo{
			Id:    id,
			Argv:  append([]string{}, l.argv...),
			Env:   append([]string{}, l.env...),
			State: l.state(),
		}, nil
	}
	return foreignInfo(id)
}

func foreignInfo(id Tid) (*ImageInfo, error) {
	if id <= 0 {
		return nil, serr.NewErr(serr.TErrBadHandle, id)
	}
	p, err := process.NewProcess(int32(id))
	if err != nil {
		return nil, serr.NewErrError(serr.TErrBadHandle, id, err)
	}
	ii := &ImageInfo{Id: id, State: RESUMED, Foreign: true}
	if argv, err := p.CmdlineSlice(); err == nil {
		ii.Argv = argv
	}
	if env, err := p.Environ(); err == nil {
		ii.Env = env
	}
	if st, err := p.Status(); err == nil && len(st) > 0 {
		switch st[0] {
		case process.Stop:
			ii.State = SUSPENDED
		case process.Zombie:
			ii.State = EXITED
		}
	}
	return ii, nil
}

func (ld *Loader) Images() []Tid {
	return ld.images.Ids()
}

// Close kills images that were never resumed and reaps them.  Resumed
// images are left running.
func (ld *Loader) Close() error {
	for _, id := range ld.images.Ids() {
		l, ok := ld.images.Lookup(id)
		if !ok {
			continue
		}
		if l.state() == SUSPENDED {
			l.kill()
			<-l.done
			ld.images.Remove(id)
		}
	}
	return nil
}
