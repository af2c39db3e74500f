// Package xjson extends Go's [json] to load and dump record datasets.
package xjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"unicode"

	"github.com/birdie-ai/modelkit/obj"
)

type (
	// Decoder specializes the [json.Decoder] for streams of values of the same type,
	// leveraging parametric types and iterators to make things easier.
	// The stream is either a sequence of values (like JSON lines) or a single JSON array of values.
	Decoder[T any] struct {
		r   *bufio.Reader
		d   *json.Decoder
		err error
	}

	// UnmarshalError is returned by [Unmarshal] when an unmarshalling error happens.
	UnmarshalError struct {
		// Err is the unmarshalling error (returned by [json.Unmarshal].
		Err error
		// Data is the data that caused the unmarshalling error, useful for debugging.
		Data string
	}
)

// UnmarshalFile calls [Unmarshal] with the opened file (closing it afterwards) and returns the unmarshalled value.
// If you need more details, like the data that was read when an unmarshalling error happened, you can:
//
//	var errDetails UnmarshalError
//	if errors.As(err, &errDetails) {
//	    fmt.Println(errDetails.Data)
//	}
func UnmarshalFile[T any](path string) (T, error) {
	var z T
	f, err := os.Open(path)
	if err != nil {
		return z, fmt.Errorf("opening file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Unmarshal[T](f)
}

// Unmarshal calls [json.Unmarshal] after reading the given reader into memory
// and returns the unmarshalled value.
func Unmarshal[T any](v io.Reader) (T, error) {
	var r T
	d, err := io.ReadAll(v)
	if err != nil {
		return r, fmt.Errorf("reading stream: %w", err)
	}
	if err := json.Unmarshal(d, &r); err != nil {
		return r, UnmarshalError{err, string(d)}
	}
	return r, nil
}

// ReadRecordsFile reads all the records of the file at path. See [ReadRecords].
func ReadRecordsFile(path string) ([]obj.O, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	records, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return records, nil
}

// ReadRecords reads all the records of a stream of JSON objects or of a JSON array of objects.
func ReadRecords(r io.Reader) ([]obj.O, error) {
	dec := NewDecoder[obj.O](r)
	var records []obj.O
	for record := range dec.All() {
		if record == nil {
			return nil, fmt.Errorf("record %d is not an object", len(records))
		}
		records = append(records, record)
	}
	return records, dec.Error()
}

// NewDecoder creates a new decoder for type T.
func NewDecoder[T any](r io.Reader) *Decoder[T] {
	br := bufio.NewReader(r)
	return &Decoder[T]{r: br, d: json.NewDecoder(br)}
}

// All returns a single-use iterator for the stream.
func (d *Decoder[T]) All() iter.Seq[T] {
	return func(yield func(v T) bool) {
		array, err := d.openArray()
		if err != nil {
			d.err = err
			return
		}
		for d.d.More() {
			var v T
			if err := d.d.Decode(&v); err != nil {
				d.err = err
				return
			}
			if !yield(v) {
				return
			}
		}
		if array {
			if _, err := d.d.Token(); err != nil {
				d.err = err
			}
		}
	}
}

// Error returns the error that interrupted iteration or nil if no error happened.
func (d *Decoder[T]) Error() error {
	return d.err
}

// openArray consumes the opening bracket of the stream if it is an array.
func (d *Decoder[T]) openArray() (bool, error) {
	if d.r == nil {
		return false, nil
	}
	r := d.r
	d.r = nil
	for {
		b, err := r.Peek(1)
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if unicode.IsSpace(rune(b[0])) {
			_, _ = r.ReadByte()
			continue
		}
		if b[0] != '[' {
			return false, nil
		}
		_, err = d.d.Token()
		return true, err
	}
}

func (e UnmarshalError) Error() string {
	return e.Err.Error()
}
