// imgload launches a program as a suspended image, prints its id, and
// waits for it to exit.  Without --resume the image runs only once some
// process sends it SIGCONT (e.g., kill -CONT <id>).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/pkg/reexec"
	"github.com/spf13/pflag"

	"compatos/config"
	db "compatos/debug"
	"compatos/image"
	"compatos/serr"
)

func main() {
	if reexec.Init() {
		return
	}
	resume := pflag.BoolP("resume", "r", false, "resume the image right away")
	cleanEnv := pflag.BoolP("clean-env", "c", false, "start the image with an empty environment")
	pflag.Parse()
	args := pflag.Args()
	if len(args) == 0 {
		db.DFatalf("Usage: %v [--resume] [--clean-env] program [args...]", os.Args[0])
	}
	cfg, err := config.GetCompatConfig()
	if err != nil {
		db.DFatalf("Error config: %v", err)
	}
	cfg.Apply()

	env := os.Environ()
	if *cleanEnv {
		env = nil
	}
	ld := image.NewLoader(cfg)
	id, err := ld.LoadImage(args, env)
	if err != nil {
		db.DFatalf("Error LoadImage %v: %v (status %d)", args, err, serr.Status(err))
	}
	fmt.Println(id)
	if *resume {
		if err := ld.ResumeImage(id); err != nil {
			db.DFatalf("Error ResumeImage %v: %v", id, err)
		}
	}
	st, err := ld.WaitForImage(context.Background(), id)
	if err != nil {
		db.DFatalf("Error WaitForImage %v: %v", id, err)
	}
	db.DPrintf(db.IMAGE, "image %v exited %v", id, st)
	if st.ExecFailed() {
		fmt.Fprintf(os.Stderr, "%v: %v\n", args[0], st.ExecErr)
	}
	if st.Signaled {
		os.Exit(128 + int(st.Signal))
	}
	os.Exit(st.ExitCode)
}
