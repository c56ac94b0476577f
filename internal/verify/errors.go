package verify

import (
	"errors"
	"fmt"
)

// Kind classifies why an invocation failed.
type Kind int

const (
	KindInternal Kind = iota
	KindPreprocess
	KindOCRUnavailable
	KindOCRFailed
	KindLookupMiss
	KindStore
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindPreprocess:
		return "preprocess_error"
	case KindOCRUnavailable:
		return "ocr_unavailable"
	case KindOCRFailed:
		return "ocr_failed"
	case KindLookupMiss:
		return "lookup_miss"
	case KindStore:
		return "store_error"
	case KindCanceled:
		return "canceled"
	default:
		return "internal_error"
	}
}

// Sentinels for errors.Is against an *Error of the matching kind.
var (
	ErrInternal       = errors.New("internal error")
	ErrPreprocess     = errors.New("image preprocessing failed")
	ErrOCRUnavailable = errors.New("ocr engine unavailable")
	ErrOCRFailed      = errors.New("ocr produced no usable output")
	ErrLookupMiss     = errors.New("no reference page for publication")
	ErrStore          = errors.New("reference store unavailable")
	ErrCanceled       = errors.New("verification canceled")
)

var sentinels = map[Kind]error{
	KindInternal:       ErrInternal,
	KindPreprocess:     ErrPreprocess,
	KindOCRUnavailable: ErrOCRUnavailable,
	KindOCRFailed:      ErrOCRFailed,
	KindLookupMiss:     ErrLookupMiss,
	KindStore:          ErrStore,
	KindCanceled:       ErrCanceled,
}

// Error is the failure outcome of an invocation: the kind, the state it
// failed in and the underlying cause.
type Error struct {
	Kind  Kind
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s during %s", e.Kind, e.State)
	}
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
