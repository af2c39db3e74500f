// Package obj provides the record type handled by models and helpers to traverse,
// copy and compare records. A record is basically a map[string]any.
package obj

import (
	"errors"
	"fmt"
	"strings"
)

// O represents a dynamic object, a record.
// It is just an alias to avoid typing map[string]any until your fingers bleed.
type O = map[string]any

var (
	// ErrNotFound indicates that a key was not found while traversing a [O].
	ErrNotFound = errors.New("traversing object: key not found")

	// ErrInvalidPath indicates that a traversal path is invalid.
	ErrInvalidPath = errors.New("object traversal path is invalid")
)

// Get traverses o using the given path and returns the value of type T.
// Path is defined using '.' as delimiter like: "key.nested1.nested2". Every segment but
// the last MUST be an object. Keys with a "." can be traversed by quoting them, like: `key."with.dot".value`.
//
// If the last key is not found an [ErrNotFound] is returned, if the value has a type
// other than T an error is returned.
func Get[T any](o O, path string) (T, error) {
	var z T
	key, leaf, err := traverse(o, path)
	if err != nil {
		return z, err
	}

	anyV, ok := leaf[key]
	if !ok {
		return z, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	v, ok := anyV.(T)
	if !ok {
		return z, fmt.Errorf("value at path %q: expected to have type %T but has %T", path, z, anyV)
	}

	return v, nil
}

// Lookup returns the value at the given path and true if it exists.
// Unlike [Get] it never fails: an invalid path or a non object segment is reported as absent.
// A key equal to the whole path wins over traversal, so flat keys with dots are found too.
func Lookup(o O, path string) (any, bool) {
	if o == nil {
		return nil, false
	}
	if v, ok := o[path]; ok {
		return v, true
	}
	key, leaf, err := traverse(o, path)
	if err != nil {
		return nil, false
	}
	v, ok := leaf[key]
	return v, ok
}

// Set traverses o using the given path and sets it to the given value, creating
// any intermediate objects as needed. Keys on the path that exist and are not objects
// are overwritten with an object. An invalid path or a nil o is an error.
func Set(o O, path string, value any) error {
	if o == nil {
		return fmt.Errorf("can't set %q on nil object", path)
	}
	segments := parseSegments(path)
	if len(segments) == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	leaf := createPath(o, segments[:len(segments)-1])
	leaf[segments[len(segments)-1]] = value
	return nil
}

// Del traverses o using the given path and deletes the target key.
// It does nothing when o is nil or the path does not exist.
func Del(o O, path string) error {
	if o == nil {
		return nil
	}
	key, leaf, err := traverse(o, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	delete(leaf, key)
	return nil
}

// IsValidPath returns true if the given path is valid for [Get] and [Set] operations.
func IsValidPath(path string) bool {
	return len(parseSegments(path)) > 0
}

func createPath(o O, segments []string) O {
	node := o
	for _, segment := range segments {
		v, ok := node[segment].(O)
		if !ok {
			v = O{}
			node[segment] = v
		}
		node = v
	}
	return node
}

func traverse(o O, path string) (string, O, error) {
	segments := parseSegments(path)
	if len(segments) == 0 {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	node := o

	for i, key := range segments[:len(segments)-1] {
		anyV, ok := node[key]
		if !ok {
			traversed := strings.Join(segments[:i+1], ".")
			return "", nil, fmt.Errorf("%w: %q", ErrNotFound, traversed)
		}
		v, ok := anyV.(O)
		if !ok {
			traversed := strings.Join(segments[:i+1], ".")
			return "", nil, fmt.Errorf("traversing path %q: at: %q: want object got %T", path, traversed, anyV)
		}
		node = v
	}

	return segments[len(segments)-1], node, nil
}

func parseSegments(path string) []string {
	var (
		segments []string
		current  []rune
		quoted   bool
		previous rune
	)

	for _, r := range path {
		switch {
		case r == '.' && !quoted:
			if len(current) == 0 {
				return nil
			}
			segments = append(segments, string(current))
			current = nil
		case r == '"' && previous != '\\':
			quoted = !quoted
		case r == '"' && previous == '\\':
			current = append(current[:len(current)-1], r)
		default:
			current = append(current, r)
		}
		previous = r
	}
	if len(current) == 0 {
		// empty or something like "name.".
		return nil
	}
	return append(segments, string(current))
}
