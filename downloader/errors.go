package downloader

import (
	"errors"
	"fmt"
)

var (
	ErrCancelled         = errors.New("downloader: transfer cancelled")
	ErrTaskNotFound      = errors.New("downloader: task not found")
	ErrInvalidState      = errors.New("downloader: invalid task state")
	ErrProbeFailed       = errors.New("downloader: probe failed")
	ErrUnsupportedScheme = errors.New("downloader: unsupported url scheme")
	ErrInvalidURL        = errors.New("downloader: invalid url")
	ErrWriterClosed      = errors.New("downloader: writer closed")
	ErrStalled           = errors.New("downloader: read stalled")
	ErrRangeIgnored      = errors.New("downloader: server ignored range request")
)

// ErrorKind classifies the error that moved a task out of the happy path
type ErrorKind string

const (
	KindProbe    ErrorKind = "probe"
	KindTransfer ErrorKind = "transfer"
	KindWrite    ErrorKind = "write"
	KindCapacity ErrorKind = "capacity"
)

// TransferError is a network or protocol failure while fetching bytes
type TransferError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfer %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// WriteError is a disk failure. It is always fatal for the task.
type WriteError struct {
	Offset int64
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write at offset %d: %v", e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CapacityError means the disk quota cannot hold the task
type CapacityError struct {
	Required  int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: need %d bytes, %d available", e.Required, e.Available)
}

// IsRetryable reports whether a failed segment may be fetched again
func IsRetryable(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Retryable
}

// Kind maps an error to its ErrorKind
func Kind(err error) ErrorKind {
	var (
		we *WriteError
		ce *CapacityError
	)
	switch {
	case errors.As(err, &we):
		return KindWrite
	case errors.As(err, &ce):
		return KindCapacity
	case errors.Is(err, ErrProbeFailed):
		return KindProbe
	default:
		return KindTransfer
	}
}

// severity orders errors so the task reports the worst one
func severity(err error) int {
	switch Kind(err) {
	case KindWrite:
		return 3
	case KindTransfer:
		return 2
	case KindCapacity:
		return 1
	default:
		return 0
	}
}
