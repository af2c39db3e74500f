package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/birdie-ai/modelkit/obj"
)

type (
	// Source is the ordered collection of records a [Model] runs statements against.
	// Implementations must return copies: statements are free to mutate the records they read.
	Source interface {
		// Records returns every record, in order.
		Records(ctx context.Context) ([]obj.O, error)
		// Append adds records to the end of the collection.
		Append(ctx context.Context, records ...obj.O) error
		// Replace replaces the first record matching the key.
		Replace(ctx context.Context, key Key, record obj.O) error
		// Remove removes the first record matching the key.
		Remove(ctx context.Context, key Key) error
		// Snapshot returns a copy of the whole collection, to be restored with Restore.
		Snapshot(ctx context.Context) (Snapshot, error)
		// Restore replaces the whole collection with the snapshot.
		Restore(ctx context.Context, s Snapshot) error
	}

	// Snapshot is a copy of the records of a [Source].
	Snapshot []obj.O

	// MemSource is an in-memory [Source].
	// Each call is serialized but there is no isolation between statements: concurrent
	// statements against the same source must be serialized by the caller.
	MemSource struct {
		mu      sync.Mutex
		records []obj.O
	}
)

// ErrNotFound indicates that no record matches a key.
var ErrNotFound = errors.New("record not found")

// NewMemSource creates an in-memory source holding a copy of the given records.
func NewMemSource(records ...obj.O) *MemSource {
	return &MemSource{records: obj.CloneList(records)}
}

// Records implements [Source].
func (s *MemSource) Records(context.Context) ([]obj.O, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return obj.CloneList(s.records), nil
}

// Append implements [Source].
func (s *MemSource) Append(_ context.Context, records ...obj.O) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, obj.CloneList(records)...)
	return nil
}

// Replace implements [Source].
func (s *MemSource) Replace(_ context.Context, key Key, record obj.O) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.find(key)
	if err != nil {
		return err
	}
	s.records[i] = obj.Clone(record)
	return nil
}

// Remove implements [Source].
func (s *MemSource) Remove(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.find(key)
	if err != nil {
		return err
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	return nil
}

// Snapshot implements [Source].
func (s *MemSource) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot(obj.CloneList(s.records)), nil
}

// Restore implements [Source].
func (s *MemSource) Restore(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = obj.CloneList(snapshot)
	return nil
}

func (s *MemSource) find(key Key) (int, error) {
	for i, record := range s.records {
		if MatchKey(record, key) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: key %v", ErrNotFound, key)
}

// MatchKey reports whether record has every field of the key with an equal value.
// An empty key matches nothing.
func MatchKey(record obj.O, key Key) bool {
	if len(key) == 0 {
		return false
	}
	for name, want := range key {
		got, ok := record[name]
		if !ok || !obj.Equal(got, want) {
			return false
		}
	}
	return true
}
