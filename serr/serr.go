// Package serr defines the error kinds shared by the area, image, and
// add-on services, and their mapping onto host errnos and legacy
// status codes.
package serr

import (
	"errors"
	"fmt"
	"syscall"
)

type Terror uint32

const (
	TErrNoError Terror = iota
	TErrInval
	TErrBadHandle
	TErrNoMem
	TErrNoMoreImages
	TErrImage
	TErrBadState
	TErrError
)

func (err Terror) String() string {
	switch err {
	case TErrNoError:
		return "No error"
	case TErrInval:
		return "invalid argument"
	case TErrBadHandle:
		return "invalid handle"
	case TErrNoMem:
		return "out of memory"
	case TErrNoMoreImages:
		return "no more images"
	case TErrImage:
		return "image error"
	case TErrBadState:
		return "bad state"
	case TErrError:
		return "error"
	default:
		return "unknown error"
	}
}

type Err struct {
	ErrCode Terror
	Obj     string
	Err     error
}

func NewErr(err Terror, obj interface{}) *Err {
	return &Err{
		ErrCode: err,
		Obj:     fmt.Sprintf("%v", obj),
		Err:     nil,
	}
}

func NewErrError(code Terror, obj interface{}, err error) *Err {
	e := NewErr(code, obj)
	e.Err = err
	return e
}

func (err *Err) Code() Terror {
	return err.ErrCode
}

func (err *Err) Unwrap() error {
	return err.Err
}

func (err *Err) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("{Err: %q Obj: %q (%v)}", err.ErrCode, err.Obj, err.Err)
	}
	return fmt.Sprintf("{Err: %q Obj: %q}", err.ErrCode, err.Obj)
}

func (err *Err) String() string {
	return err.Error()
}

// Resource exhaustion, which callers may want to retry with backoff
// rather than treat as a hard error.
func (err *Err) IsRetry() bool {
	return err.ErrCode == TErrNoMem || err.ErrCode == TErrNoMoreImages
}

func (err *Err) IsErrNoMem() bool {
	return err.ErrCode == TErrNoMem
}

func (err *Err) IsErrBadHandle() bool {
	return err.ErrCode == TErrBadHandle
}

func IsErr(error error) (*Err, bool) {
	var err *Err
	if errors.As(error, &err) {
		return err, true
	}
	return nil, false
}

func IsErrCode(error error, code Terror) bool {
	if err, ok := IsErr(error); ok {
		return err.ErrCode == code
	}
	return false
}

func IsErrRetry(error error) bool {
	if err, ok := IsErr(error); ok {
		return err.IsRetry()
	}
	return false
}

// Map a host errno to an error kind.
func UxErrnoToErr(errno syscall.Errno, obj interface{}) *Err {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE, syscall.EAGAIN:
		return NewErrError(TErrNoMem, obj, errno)
	case syscall.EINVAL, syscall.ENOTSUP, syscall.EACCES, syscall.EPERM:
		return NewErrError(TErrInval, obj, errno)
	case syscall.EBADF, syscall.ENOENT, syscall.ESRCH:
		return NewErrError(TErrBadHandle, obj, errno)
	default:
		return NewErrError(TErrError, obj, errno)
	}
}

// Map an error returned by a host call to an error kind; errors that
// don't carry an errno become TErrError.
func UxErrToErr(err error, obj interface{}) *Err {
	if e, ok := IsErr(err); ok {
		return e
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return UxErrnoToErr(errno, obj)
	}
	return NewErrError(TErrError, obj, err)
}
