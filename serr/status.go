package serr

import (
	"math"
)

// Legacy status codes. Success is 0; every failure is negative.
const (
	STATUS_OK             int32 = 0
	STATUS_ERROR          int32 = -1
	GENERAL_ERROR_BASE    int32 = math.MinInt32
	OS_ERROR_BASE         int32 = GENERAL_ERROR_BASE + 0x1000
	STATUS_NO_MEMORY      int32 = GENERAL_ERROR_BASE + 0
	STATUS_BAD_VALUE      int32 = GENERAL_ERROR_BASE + 5
	STATUS_BAD_STATE      int32 = OS_ERROR_BASE + 0x102
	STATUS_NO_MORE_IMAGES int32 = OS_ERROR_BASE + 0x202
	STATUS_BAD_IMAGE_ID   int32 = OS_ERROR_BASE + 0x300
)

func (err Terror) Status() int32 {
	switch err {
	case TErrNoError:
		return STATUS_OK
	case TErrInval:
		return STATUS_BAD_VALUE
	case TErrBadHandle:
		return STATUS_BAD_IMAGE_ID
	case TErrNoMem:
		return STATUS_NO_MEMORY
	case TErrNoMoreImages:
		return STATUS_NO_MORE_IMAGES
	case TErrBadState:
		return STATUS_BAD_STATE
	default:
		return STATUS_ERROR
	}
}

// Status folds an error returned by one of the services into a legacy
// status code.
func Status(err error) int32 {
	if err == nil {
		return STATUS_OK
	}
	if e, ok := IsErr(err); ok {
		return e.ErrCode.Status()
	}
	return STATUS_ERROR
}
