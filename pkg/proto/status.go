package proto

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Status bytes are errno values shared by both ends of a connection.
const (
	StatusOK byte = 0
)

// StatusError is a non-zero status byte, either received from a peer or
// produced locally to be sent back in a response header.
type StatusError struct {
	Status byte
	Msg    string
}

// Statusf returns a StatusError carrying errno and a formatted message.
func Statusf(errno syscall.Errno, format string, args ...any) *StatusError {
	return &StatusError{Status: byte(errno), Msg: fmt.Sprintf(format, args...)}
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s (status %d)", e.Msg, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", syscall.Errno(e.Status).Error(), e.Status)
}

// Unwrap exposes the status as a syscall.Errno so callers can match with
// errors.Is(err, syscall.ENOENT).
func (e *StatusError) Unwrap() error {
	return syscall.Errno(e.Status)
}

// StatusOf maps err onto the status byte that should be sent to a peer.
func StatusOf(err error) byte {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 && errno < 256 {
		return byte(errno)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return byte(syscall.ENOENT)
	case errors.Is(err, os.ErrExist):
		return byte(syscall.EEXIST)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return byte(syscall.ETIMEDOUT)
	}
	return byte(syscall.EIO)
}

// StorageStatus is the lifecycle state of a storage server as tracked by
// the tracker directory.
type StorageStatus byte

const (
	StatusInit     StorageStatus = 0
	StatusWaitSync StorageStatus = 1
	StatusSyncing  StorageStatus = 2
	StatusDeactive StorageStatus = 3
	StatusOffline  StorageStatus = 4
	StatusOnline   StorageStatus = 5
	StatusActive   StorageStatus = 6
)

func (s StorageStatus) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusWaitSync:
		return "WAIT_SYNC"
	case StatusSyncing:
		return "SYNCING"
	case StatusDeactive:
		return "DEACTIVE"
	case StatusOffline:
		return "OFFLINE"
	case StatusOnline:
		return "ONLINE"
	case StatusActive:
		return "ACTIVE"
	}
	return "UNKNOWN"
}

// Serving reports whether a storage in this state takes client traffic.
func (s StorageStatus) Serving() bool {
	return s == StatusOnline || s == StatusActive
}
