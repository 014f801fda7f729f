package scraper

import (
	"errors"
	"fmt"

	"github.com/FranksOps/snare/internal/storage"
)

var (
	ErrNotFound        = errors.New("scraper: product not found")
	ErrCaptchaRequired = errors.New("scraper: captcha required")
	ErrIPBlocked       = errors.New("scraper: ip blocked")
	ErrNetwork         = errors.New("scraper: network error")
)

// FetchError is returned by Engine.Fetch for every failed identifier.
type FetchError struct {
	Kind       storage.ErrorKind
	Identifier string
	Err        error
}

func newError(kind storage.ErrorKind, identifier string, err error) *FetchError {
	return &FetchError{Kind: kind, Identifier: identifier, Err: err}
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Identifier, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrNetwork)
// holds for any network failure whatever its cause.
func (e *FetchError) Is(target error) bool {
	switch e.Kind {
	case storage.ErrorNotFound:
		return target == ErrNotFound
	case storage.ErrorCaptchaRequired:
		return target == ErrCaptchaRequired
	case storage.ErrorIPBlocked:
		return target == ErrIPBlocked
	case storage.ErrorNetwork:
		return target == ErrNetwork
	}
	return false
}

// KindOf classifies err. nil is ErrorNone and anything that is not a
// *FetchError is ErrorFetchFailed.
func KindOf(err error) storage.ErrorKind {
	if err == nil {
		return storage.ErrorNone
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return storage.ErrorFetchFailed
}
