package errors

import (
	"errors"
	"fmt"
)

var (
	ErrFetch         = errors.New("fetch failed")
	ErrExtraction    = errors.New("extraction failed")
	ErrStore         = errors.New("store write failed")
	ErrInvalidRecord = errors.New("invalid record")
	ErrUnknownFormat = errors.New("unknown source format")
	ErrUnknownSource = errors.New("unknown source")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrTimeout       = errors.New("operation timed out")
	ErrUsage         = errors.New("invalid usage")
)

// Exit codes returned by the command surface.
const (
	ExitOK           = 0
	ExitSourceFailed = 1
	ExitUsage        = 2
)

type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// ExitCode maps an error returned from a command to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage), errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrUnknownFormat), errors.Is(err, ErrUnknownSource):
		return ExitUsage
	default:
		return ExitSourceFailed
	}
}
