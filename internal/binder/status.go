package binder

import (
	"fmt"
	"math"
)

// StatusCode is the outcome of a remote call. Values follow the binder
// status_t code space: zero is success, negated errno values for the common
// failures, and a block starting at math.MinInt32 for binder-specific ones.
type StatusCode int32

const (
	StatusOK                 StatusCode = 0
	StatusUnknownError       StatusCode = math.MinInt32
	StatusNoMemory           StatusCode = -12  // -ENOMEM
	StatusInvalidOperation   StatusCode = -38  // -ENOSYS
	StatusBadValue           StatusCode = -22  // -EINVAL
	StatusBadType            StatusCode = StatusUnknownError + 1
	StatusNameNotFound       StatusCode = -2   // -ENOENT
	StatusPermissionDenied   StatusCode = -1   // -EPERM
	StatusNoInit             StatusCode = -19  // -ENODEV
	StatusAlreadyExists      StatusCode = -17  // -EEXIST
	StatusDeadObject         StatusCode = -32  // -EPIPE
	StatusFailedTransaction  StatusCode = StatusUnknownError + 2
	StatusBadIndex           StatusCode = -75  // -EOVERFLOW
	StatusNotEnoughData      StatusCode = -61  // -ENODATA
	StatusWouldBlock         StatusCode = -11  // -EWOULDBLOCK
	StatusTimedOut           StatusCode = -110 // -ETIMEDOUT
	StatusUnknownTransaction StatusCode = -74  // -EBADMSG
	StatusFdsNotAllowed      StatusCode = StatusUnknownError + 7
	StatusUnexpectedNull     StatusCode = StatusUnknownError + 8
)

var statusNames = map[StatusCode]string{
	StatusOK:                 "OK",
	StatusUnknownError:       "UNKNOWN_ERROR",
	StatusNoMemory:           "NO_MEMORY",
	StatusInvalidOperation:   "INVALID_OPERATION",
	StatusBadValue:           "BAD_VALUE",
	StatusBadType:            "BAD_TYPE",
	StatusNameNotFound:       "NAME_NOT_FOUND",
	StatusPermissionDenied:   "PERMISSION_DENIED",
	StatusNoInit:             "NO_INIT",
	StatusAlreadyExists:      "ALREADY_EXISTS",
	StatusDeadObject:         "DEAD_OBJECT",
	StatusFailedTransaction:  "FAILED_TRANSACTION",
	StatusBadIndex:           "BAD_INDEX",
	StatusNotEnoughData:      "NOT_ENOUGH_DATA",
	StatusWouldBlock:         "WOULD_BLOCK",
	StatusTimedOut:           "TIMED_OUT",
	StatusUnknownTransaction: "UNKNOWN_TRANSACTION",
	StatusFdsNotAllowed:      "FDS_NOT_ALLOWED",
	StatusUnexpectedNull:     "UNEXPECTED_NULL",
}

// String returns the symbolic name, or the raw value for codes outside the
// known set.
func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int32(s))
}

// Error makes a StatusCode usable as the error returned by Proxy.Dump.
func (s StatusCode) Error() string {
	return "remote status " + s.String()
}

// IsOK reports whether s signals success.
func (s StatusCode) IsOK() bool { return s == StatusOK }
