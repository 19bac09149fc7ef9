// areatool shares an area between processes.
//
//	areatool serve [--size 64KiB] [--name n]   create an area, print its descriptor, hold it until SIGINT
//	areatool clone [--write s] <descriptor>    clone the area and print (or overwrite) its head
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"compatos/area"
	"compatos/config"
	db "compatos/debug"
)

const HEAD = 16

func main() {
	size := pflag.StringP("size", "s", "64KiB", "area size")
	name := pflag.StringP("name", "n", "areatool", "area name")
	write := pflag.StringP("write", "w", "", "string to write at offset 0 of the clone")
	pflag.Parse()
	if pflag.NArg() < 1 {
		db.DFatalf("Usage: %v serve|clone [flags] [descriptor]", os.Args[0])
	}
	cfg, err := config.GetCompatConfig()
	if err != nil {
		db.DFatalf("Error config: %v", err)
	}
	cfg.Apply()
	am := area.NewAreaMgr(cfg)
	defer am.Close()

	switch pflag.Arg(0) {
	case "serve":
		sz, err := humanize.ParseBytes(*size)
		if err != nil {
			db.DFatalf("Error ParseBytes %q: %v", *size, err)
		}
		serve(am, *name, sz)
	case "clone":
		if pflag.NArg() != 2 {
			db.DFatalf("Usage: %v clone [--write s] descriptor", os.Args[0])
		}
		clone(am, *name, pflag.Arg(1), *write)
	default:
		db.DFatalf("Unknown command %q", pflag.Arg(0))
	}
}

func serve(am *area.AreaMgr, name string, sz uint64) {
	id, addr, err := am.CreateArea(name, 0, area.ANY_ADDRESS, sz, area.NO_LOCK, area.READ|area.WRITE)
	if err != nil {
		db.DFatalf("Error CreateArea: %v", err)
	}
	desc, err := am.ExportArea(id)
	if err != nil {
		db.DFatalf("Error ExportArea: %v", err)
	}
	ai, _ := am.GetAreaInfo(id)
	db.DPrintf(db.ALWAYS, "area %v at %#x, %v", id, addr, humanize.IBytes(ai.Size))
	fmt.Println(hex.EncodeToString(desc))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, unix.SIGTERM)
	<-sigc
	b, _ := am.Bytes(id)
	fmt.Printf("%q\n", b[:HEAD])
}

func clone(am *area.AreaMgr, name, hdesc, write string) {
	desc, err := hex.DecodeString(hdesc)
	if err != nil {
		db.DFatalf("Error bad descriptor: %v", err)
	}
	prot := area.READ
	if write != "" {
		prot |= area.WRITE
	}
	id, _, err := am.ImportArea(name, 0, area.ANY_ADDRESS, prot, desc)
	if err != nil {
		db.DFatalf("Error ImportArea: %v", err)
	}
	ai, _ := am.GetAreaInfo(id)
	b, _ := am.Bytes(id)
	if write != "" {
		copy(b, write)
	}
	fmt.Printf("%v: %q\n", ai, b[:min(HEAD, len(b))])
}
