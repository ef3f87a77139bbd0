// Package objerr defines the error kinds reported while reading and writing
// object files.
package objerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. Every Kind is itself an error so that callers can
// write errors.Is(err, objerr.InvalidTable).
type Kind uint8

const (
	// OutOfBounds is returned when a read would cross the end of the input.
	OutOfBounds Kind = iota + 1
	// InvalidHeader is returned when a magic, version or fixed header field is wrong.
	InvalidHeader
	// InvalidTable is returned when a table declares more entries than fit in the input.
	InvalidTable
	// UnknownFormat is returned when no supported magic matches.
	UnknownFormat
	// UnsupportedFeature is returned for recognized but unimplemented variants.
	UnsupportedFeature
	// InvalidWriteOrder is returned when the writer lifecycle is violated.
	InvalidWriteOrder
	// IncompleteWrite is returned when a reserved region was never written.
	IncompleteWrite
)

var kindNames = map[Kind]string{
	OutOfBounds:        "out of bounds",
	InvalidHeader:      "invalid header",
	InvalidTable:       "invalid table",
	UnknownFormat:      "unknown format",
	UnsupportedFeature: "unsupported feature",
	InvalidWriteOrder:  "invalid write order",
	IncompleteWrite:    "incomplete write",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) Error() string { return k.String() }

// Error is the concrete error type returned by the object packages.
type Error struct {
	Kind   Kind
	Msg    string
	Offset uint64 // file offset the error refers to, if HasOffset
	// HasOffset reports whether Offset is meaningful.
	HasOffset bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.HasOffset {
		msg += fmt.Sprintf(" at offset 0x%x", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind against the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// At returns an error of the given kind that refers to a file offset.
func At(kind Kind, off uint64, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Offset: off, HasOffset: true}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}

// IsUsage reports whether err is a programming error in the use of the
// writer rather than a property of the data.
func IsUsage(err error) bool {
	switch KindOf(err) {
	case InvalidWriteOrder, IncompleteWrite:
		return true
	}
	return false
}
