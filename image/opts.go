package image

import (
	"io"
)

type opts struct {
	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type Opt func(*opts)

func WithDir(dir string) Opt {
	return func(o *opts) { o.dir = dir }
}

func WithStdin(r io.Reader) Opt {
	return func(o *opts) { o.stdin = r }
}

func WithStdout(w io.Writer) Opt {
	return func(o *opts) { o.stdout = w }
}

func WithStderr(w io.Writer) Opt {
	return func(o *opts) { o.stderr = w }
}
