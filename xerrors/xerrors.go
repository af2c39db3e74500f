// Package xerrors extends Go's stdlib errors pkg.
package xerrors

import (
	"errors"
	"fmt"
)

// Tag tags the given error with the given error tag.
// This is very similar to wrapping with one crucial difference, the tag error message
// won't be present on the original err, but calling errors.Is(err, tag) will return true.
//
// This is useful to classify an error as a specific kind (like a validation failure)
// without changing its message. Calls to [errors.As] and [errors.Is] are dispatched
// to the tag first and then fallback to the original error.
func Tag(err, tag error) error {
	if err == nil {
		return nil
	}
	return tagged{err, tag}
}

// Tagf formats a new error and tags it with the given tag.
// Just like [fmt.Errorf] the format may use %w to wrap other errors.
func Tagf(tag error, format string, args ...any) error {
	return tagged{fmt.Errorf(format, args...), tag}
}

type tagged struct {
	err error
	tag error
}

func (t tagged) Is(target error) bool {
	if errors.Is(t.tag, target) {
		return true
	}
	return errors.Is(t.err, target)
}

func (t tagged) As(target any) bool {
	if errors.As(t.tag, target) {
		return true
	}
	return errors.As(t.err, target)
}

func (t tagged) Unwrap() error {
	return t.err
}

func (t tagged) Error() string {
	return t.err.Error()
}
