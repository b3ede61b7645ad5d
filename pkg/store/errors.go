package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ErrorIO         = "io_error"
	ErrorDecode     = "decode_error"
	ErrorNotFound   = "not_found"
	ErrorInvalid    = "invalid_argument"
	ErrorLock       = "lock_error"
	ErrorEncode     = "encode_error"
	ErrorPermission = "permission_denied"
)

// Error is a categorized store failure. Err keeps the underlying cause for
// errors.Is/As; it is not part of the message.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// ErrorCategory lets loggers report the category without importing store.
func (e *Error) ErrorCategory() string {
	if e == nil {
		return ""
	}

	return e.Category
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewError creates a categorized store error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

func wrapError(category string, detail string, err error) error {
	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, fs.ErrNotExist) {
		return ErrorNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrorPermission
	}

	return ErrorIO
}

// IsDecode reports whether err is a document decode failure.
func IsDecode(err error) bool {
	return CategoryFromError(err) == ErrorDecode
}

// IsNotFound reports whether err means the file does not exist.
func IsNotFound(err error) bool {
	return CategoryFromError(err) == ErrorNotFound
}

// normalizeIOError converts OS-level errors into categorized errors.
func normalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return err
	}

	category := CategoryFromError(err)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return wrapError(category, fmt.Sprintf("%s: %s", detail, pathErr.Err.Error()), err)
	}

	return wrapError(category, fmt.Sprintf("%s: %s", detail, err.Error()), err)
}
