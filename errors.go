package rewind

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store failures.
type ErrorCode string

const (
	// CodeStorage indicates an engine-level failure (open, exec, commit).
	CodeStorage ErrorCode = "STORAGE"

	// CodeEncoding indicates a substate or whole-state (de)serialization
	// failure.
	CodeEncoding ErrorCode = "ENCODING"

	// CodeMisuse indicates an invalid call sequence or invalid registration
	// (duplicate substate key, unknown update kind, use after Close).
	CodeMisuse ErrorCode = "MISUSE"

	// CodeTransform indicates the caller-supplied mutation failed; the
	// original error is wrapped unchanged.
	CodeTransform ErrorCode = "TRANSFORM"
)

// Error is the store's error type. Op names the failing operation, Key holds
// the substate key where one applies, and Err is the wrapped cause.
type Error struct {
	Code ErrorCode
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (key=%s): %v", e.Code, e.Op, e.Key, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Op, e.Key)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorage reports whether err is (or wraps) a storage-level failure.
func IsStorage(err error) bool { return hasCode(err, CodeStorage) }

// IsEncoding reports whether err is (or wraps) a (de)serialization failure.
func IsEncoding(err error) bool { return hasCode(err, CodeEncoding) }

// IsMisuse reports whether err is (or wraps) an invalid-call failure.
func IsMisuse(err error) bool { return hasCode(err, CodeMisuse) }

// IsTransform reports whether err is (or wraps) a failure from a
// caller-supplied transform.
func IsTransform(err error) bool { return hasCode(err, CodeTransform) }

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func storageErr(op string, err error) *Error {
	return &Error{Code: CodeStorage, Op: op, Err: err}
}

func encodingErr(op, key string, err error) *Error {
	return &Error{Code: CodeEncoding, Op: op, Key: key, Err: err}
}

func misuseErr(op string, err error) *Error {
	return &Error{Code: CodeMisuse, Op: op, Err: err}
}

func transformErr(err error) *Error {
	return &Error{Code: CodeTransform, Op: "transform", Err: err}
}
