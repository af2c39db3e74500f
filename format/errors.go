package format

import (
	"errors"
	"fmt"
	"strings"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/xerrors"
)

type (
	// NullError indicates that a field that can't be null was written without a value.
	NullError struct {
		Field string
	}

	// InvalidError indicates that a written value doesn't match the expected format.
	InvalidError struct {
		Field  string
		Format string
	}

	// LengthError indicates that a written value is out of bounds: the length of texts or
	// the value of numbers. A nil bound is not enforced.
	LengthError struct {
		Field string
		Min   *float64
		Max   *float64
	}

	// ListError indicates that a written value is not one of the allowed values.
	ListError struct {
		Field   string
		Allowed []any
	}
)

// ErrValidation is matched by every error returned by the formatters of this package.
var ErrValidation = errors.New("validation failed")

func (e *NullError) Error() string {
	return fmt.Sprintf("field %q is required, it can't be empty", e.Field)
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("field %q must match the %q format", e.Field, e.Format)
}

func (e *LengthError) Error() string {
	switch {
	case e.Min != nil && e.Max != nil:
		return fmt.Sprintf("field %q must be between %v and %v", e.Field, *e.Min, *e.Max)
	case e.Min != nil:
		return fmt.Sprintf("field %q is too small, must be at least %v", e.Field, *e.Min)
	default:
		return fmt.Sprintf("field %q is too large, must be at most %v", e.Field, *e.Max)
	}
}

func (e *ListError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, v := range e.Allowed {
		allowed[i] = obj.Text(v)
	}
	return fmt.Sprintf("field %q must be one of: %s", e.Field, strings.Join(allowed, ","))
}

func validation(err error) error {
	return xerrors.Tag(err, ErrValidation)
}
