package image

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/sasha-s/go-deadlock"

	db "compatos/debug"
	"compatos/serr"
)

// One launch: the child process plus the two pipes connecting it to
// this process.  Each launch owns its own handshake state, so
// concurrent launches can't release each other's children.
type launch struct {
	mu      deadlock.Mutex
	pid     int
	argv    []string
	env     []string
	cmd     *exec.Cmd
	resumeW *os.File // nil once the resume byte is sent
	statusR *os.File
	st      Tstate
	exit    *Status
	done    chan struct{}
}

func newLaunch(argv, env []string) *launch {
	return &launch{
		argv: append([]string{}, argv...),
		env:  append([]string{}, env...),
		st:   FORKING,
		done: make(chan struct{}),
	}
}

func (l *launch) String() string {
	return fmt.Sprintf("{pid %d argv %v st %v}", l.pid, l.argv, l.state())
}

func (l *launch) state() Tstate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st
}

func forkErr(argv0 string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE:
			return serr.NewErrError(serr.TErrNoMoreImages, argv0, err)
		}
	}
	return serr.NewErrError(serr.TErrImage, argv0, err)
}

// Start the trampoline and wait until it reports that its continue
// handler is armed.  On failure nothing is left behind.
func (l *launch) start(o *opts) error {
	resumeR, resumeW, err := os.Pipe()
	if err != nil {
		return forkErr(l.argv[0], err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		resumeR.Close()
		resumeW.Close()
		return forkErr(l.argv[0], err)
	}

	cmd := reexec.Command(append([]string{TRAMPOLINE}, l.argv...)...)
	cmd.Env = l.env
	cmd.Dir = o.dir
	cmd.Stdin = o.stdin
	cmd.Stdout = o.stdout
	cmd.Stderr = o.stderr
	cmd.ExtraFiles = []*os.File{resumeR, statusW} // RESUME_FD, STATUS_FD
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Own process group, so job control aimed at the launcher misses
	// it; reexec already asks for SIGTERM if the launcher dies.
	cmd.SysProcAttr.Setpgid = true

	s := time.Now()
	err = cmd.Start()
	resumeR.Close()
	statusW.Close()
	if err != nil {
		db.DPrintf(db.IMAGE_ERR, "start %v err %v", l.argv, err)
		resumeW.Close()
		statusR.Close()
		return forkErr(l.argv[0], err)
	}

	b := make([]byte, 1)
	if _, err := io.ReadFull(statusR, b); err != nil || b[0] != ST_READY {
		db.DPrintf(db.IMAGE_ERR, "trampoline %d not ready: %v %q", cmd.Process.Pid, err, b)
		cmd.Process.Kill()
		cmd.Wait()
		resumeW.Close()
		statusR.Close()
		if err == nil {
			err = fmt.Errorf("unexpected status byte %q", b[0])
		}
		return serr.NewErrError(serr.TErrImage, l.argv[0], err)
	}
	db.DPrintf(db.LAUNCH_LAT, "[%d] ready in %v", cmd.Process.Pid, time.Since(s))

	l.mu.Lock()
	l.pid = cmd.Process.Pid
	l.cmd = cmd
	l.resumeW = resumeW
	l.statusR = statusR
	l.st = SUSPENDED
	l.mu.Unlock()
	return nil
}

// Follow the child through resume and exec, then reap it.
func (l *launch) monitor() {
	execErr := l.readStatus()

	err := l.cmd.Wait()
	st := newStatus(l.cmd.ProcessState, execErr)
	db.DPrintf(db.IMAGE, "exited %d: %v (wait err %v)", l.pid, st, err)

	l.mu.Lock()
	l.st = EXITED
	l.exit = st
	if l.resumeW != nil {
		l.resumeW.Close()
		l.resumeW = nil
	}
	l.mu.Unlock()
	close(l.done)
}

// The status pipe carries ST_RESUMED just before exec and ST_EXEC_FAILED plus
// a message if exec fails; it reaches EOF at exec or exit.
func (l *launch) readStatus() string {
	defer l.statusR.Close()

	b := make([]byte, 1)
	for {
		if _, err := l.statusR.Read(b); err != nil {
			return ""
		}
		switch b[0] {
		case ST_RESUMED:
			l.mu.Lock()
			if l.st == SUSPENDED {
				l.st = RESUMED
			}
			l.mu.Unlock()
		case ST_EXEC_FAILED:
			msg, _ := io.ReadAll(l.statusR)
			db.DPrintf(db.IMAGE_ERR, "exec %v failed: %s", l.argv, msg)
			return string(msg)
		}
	}
}

func (l *launch) resume() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.st != SUSPENDED || l.resumeW == nil {
		return serr.NewErr(serr.TErrBadState, fmt.Sprintf("%d %v", l.pid, l.st))
	}
	_, err := l.resumeW.Write([]byte{RESUME})
	l.resumeW.Close()
	l.resumeW = nil
	if err != nil {
		// child went away, or was already released by a signal
		return serr.NewErrError(serr.TErrBadState, l.pid, err)
	}
	l.st = RESUMED
	return nil
}

func (l *launch) kill() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.st == EXITED {
		return serr.NewErr(serr.TErrBadState, fmt.Sprintf("%d %v", l.pid, l.st))
	}
	if err := l.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return serr.NewErrError(serr.TErrBadState, l.pid, err)
	}
	return nil
}
