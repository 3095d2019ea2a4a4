// Package apperr defines the error taxonomy shared by the clipkeep engines.
//
// Engines wrap one of the sentinel errors below so callers can branch with
// errors.Is. Each sentinel has a stable code that crosses the IPC socket;
// FromCode rebuilds an equivalent error on the client side.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrCycleDetected  = errors.New("cycle detected")
	ErrFormat         = errors.New("format error")
	ErrStorage        = errors.New("storage error")
	ErrClipboardRead  = errors.New("clipboard read error")
	ErrClipboardWrite = errors.New("clipboard write error")
	ErrInvalid        = errors.New("invalid argument")
	errUnknownFailure = errors.New("internal error")
)

// Code identifies an error class on the wire.
type Code string

const (
	CodeNotFound       Code = "not_found"
	CodeCycleDetected  Code = "cycle_detected"
	CodeFormat         Code = "format_error"
	CodeStorage        Code = "storage_error"
	CodeClipboardRead  Code = "clipboard_read_error"
	CodeClipboardWrite Code = "clipboard_write_error"
	CodeInvalid        Code = "invalid"
	CodeInternal       Code = "internal"
)

var codes = []struct {
	code Code
	err  error
}{
	{CodeNotFound, ErrNotFound},
	{CodeCycleDetected, ErrCycleDetected},
	{CodeFormat, ErrFormat},
	{CodeStorage, ErrStorage},
	{CodeClipboardRead, ErrClipboardRead},
	{CodeClipboardWrite, ErrClipboardWrite},
	{CodeInvalid, ErrInvalid},
}

// CodeOf returns the wire code for err. Errors outside the taxonomy map to
// CodeInternal; a nil error maps to "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error carrying msg that matches the sentinel for code.
func FromCode(code Code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return &remoteError{msg: msg, kind: c.err}
		}
	}
	return &remoteError{msg: msg, kind: errUnknownFailure}
}

type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

// Storage wraps a raw backend error as ErrStorage without exposing its chain.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}
