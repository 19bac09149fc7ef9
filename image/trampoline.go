package image

import (
	"os"
	"os/exec"
	"os/signal"

	"github.com/docker/docker/pkg/reexec"
	"golang.org/x/sys/unix"

	db "compatos/debug"
)

//
// The suspended image is this binary re-executed under the name
// TRAMPOLINE.  The trampoline arms its continue handler, reports
// ST_READY, waits for a resume byte on RESUME_FD or a SIGCONT, and only
// then execs the target program.  Binaries that launch images must
// call reexec.Init() first thing in main (and in TestMain).
//

const (
	TRAMPOLINE = "compatos-image-trampoline"

	RESUME_FD = 3
	STATUS_FD = 4

	// Bytes on the status pipe
	ST_READY       byte = 'r'
	ST_RESUMED     byte = 'R'
	ST_EXEC_FAILED byte = 'E'

	// Byte on the resume pipe
	RESUME byte = 'c'

	EXIT_SETUP_FAILED = 126
	EXIT_EXEC_FAILED  = 127
)

// Held (received and dropped) while suspended, so that job-control and
// hangup signals aimed at the launcher don't stop or kill the image
// early.  SIGTERM keeps its default action and aborts the launch.
var heldSignals = []os.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGQUIT,
	unix.SIGTSTP,
	unix.SIGTTIN,
	unix.SIGTTOU,
	unix.SIGUSR1,
	unix.SIGUSR2,
	unix.SIGWINCH,
}

func init() {
	reexec.Register(TRAMPOLINE, trampoline)
}

func trampoline() {
	argv := os.Args[1:]
	status := os.NewFile(STATUS_FD, "status")
	resume := os.NewFile(RESUME_FD, "resume")
	if len(argv) == 0 {
		os.Exit(EXIT_SETUP_FAILED)
	}

	cont := make(chan os.Signal, 1)
	signal.Notify(cont, unix.SIGCONT)
	held := make(chan os.Signal, len(heldSignals))
	signal.Notify(held, heldSignals...)

	if _, err := status.Write([]byte{ST_READY}); err != nil {
		os.Exit(EXIT_SETUP_FAILED)
	}
	db.DPrintf(db.TRAMPOLINE, "suspended %v", argv)

	waitResume(cont, held, resume)

	// From here on the launcher's death or hangup must not take the
	// image down.
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, 0, 0, 0, 0); err != nil {
		db.DPrintf(db.TRAMPOLINE, "clear pdeathsig err %v", err)
	}
	signal.Reset(heldSignals...)
	signal.Reset(unix.SIGCONT)
	signal.Ignore(unix.SIGHUP)
	unix.CloseOnExec(RESUME_FD)
	unix.CloseOnExec(STATUS_FD)

	status.Write([]byte{ST_RESUMED})
	db.DPrintf(db.TRAMPOLINE, "exec %v", argv)

	pn, err := exec.LookPath(argv[0])
	if err == nil {
		err = unix.Exec(pn, argv, os.Environ())
	}
	status.Write(append([]byte{ST_EXEC_FAILED}, err.Error()...))
	os.Exit(EXIT_EXEC_FAILED)
}

func waitResume(cont, held <-chan os.Signal, resume *os.File) {
	var rc <-chan bool
	c := make(chan bool, 1)
	go readResume(resume, c)
	rc = c
	for {
		select {
		case <-cont:
			db.DPrintf(db.TRAMPOLINE, "resumed by SIGCONT")
			return
		case ok := <-rc:
			if ok {
				db.DPrintf(db.TRAMPOLINE, "resumed by launcher")
				return
			}
			// The launcher dropped the pipe without resuming; only a
			// continue signal can release us now.
			rc = nil
		case sig := <-held:
			db.DPrintf(db.TRAMPOLINE, "hold %v", sig)
		}
	}
}

func readResume(resume *os.File, rc chan<- bool) {
	b := make([]byte, 1)
	n, _ := resume.Read(b)
	rc <- n == 1 && b[0] == RESUME
}
