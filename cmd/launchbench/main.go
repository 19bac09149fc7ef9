// launchbench repeatedly launches an image and resumes it right away,
// reporting how long each phase took.  A launch whose resume is lost
// shows up as a hang.
package main

import (
	"context"
	"os"
	"time"

	"github.com/docker/docker/pkg/reexec"
	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"compatos/config"
	db "compatos/debug"
	"compatos/image"
)

func main() {
	if reexec.Init() {
		return
	}
	n := pflag.IntP("niter", "n", 100, "number of launches")
	sig := pflag.BoolP("signal", "s", false, "resume with SIGCONT instead of the launch pipe")
	timeout := pflag.DurationP("timeout", "t", 10*time.Second, "report a hang after this long")
	pflag.Parse()
	argv := pflag.Args()
	if len(argv) == 0 {
		argv = []string{"/bin/true"}
	}
	cfg, err := config.GetCompatConfig()
	if err != nil {
		db.DFatalf("Error config: %v", err)
	}
	cfg.DetachStdio = true
	cfg.Apply()

	ld := image.NewLoader(cfg)
	defer ld.Close()

	load := make([]float64, 0, *n)
	e2e := make([]float64, 0, *n)
	hangs := 0
	start := time.Now()
	for i := 0; i < *n; i++ {
		t0 := time.Now()
		id, err := ld.LoadImage(argv, nil)
		if err != nil {
			db.DFatalf("Error LoadImage %v: %v", argv, err)
		}
		load = append(load, msec(time.Since(t0)))
		if *sig {
			err = unix.Kill(int(id), unix.SIGCONT)
		} else {
			err = ld.ResumeImage(id)
		}
		if err != nil {
			db.DFatalf("Error resume %v: %v", id, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		st, err := ld.WaitForImage(ctx, id)
		cancel()
		if err != nil {
			db.DPrintf(db.ALWAYS, "hang: image %v not done after %v", id, *timeout)
			ld.KillImage(id)
			hangs++
			continue
		}
		if !st.IsStatusOK() {
			db.DPrintf(db.BENCH, "image %v status %v", id, st)
		}
		e2e = append(e2e, msec(time.Since(t0)))
	}
	db.DPrintf(db.ALWAYS, "%s launches in %v, %d hangs", humanize.Comma(int64(*n)), time.Since(start), hangs)
	report("LoadImage", load)
	report("launch-to-exit", e2e)
	if hangs > 0 {
		os.Exit(1)
	}
}

func msec(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func report(what string, lat []float64) {
	if len(lat) == 0 {
		return
	}
	mean, _ := stats.Mean(lat)
	p50, _ := stats.Median(lat)
	p99, _ := stats.Percentile(lat, 99)
	max, _ := stats.Max(lat)
	db.DPrintf(db.ALWAYS, "%s: mean %.3fms p50 %.3fms p99 %.3fms max %.3fms", what, mean, p50, p99, max)
}
