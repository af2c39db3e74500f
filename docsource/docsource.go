// Package docsource implements a [model.Source] over a [docstore.Collection].
//
// Any docstore driver can be used: open the collection with [docstore.OpenCollection]
// (or a driver specific constructor, like memdocstore.OpenCollection) and wrap it with [New].
// Records are stored as documents keyed by a single key field, and the collection order is
// kept on an extra order field that is never exposed on the records.
package docsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/slog"
	"gocloud.dev/docstore"
)

type (
	// Source is a [model.Source] backed by a docstore collection.
	Source struct {
		coll       *docstore.Collection
		keyField   string
		orderField string

		mu   sync.Mutex
		next int64
	}

	// Option configures a [Source].
	Option func(*Source)
)

// DefaultOrderField is the document field holding the position of a record.
const DefaultOrderField = "_order"

// ErrMissingKey indicates that a record has no value for the document key field.
var ErrMissingKey = errors.New("record has no document key")

// WithOrderField sets the document field holding the position of records.
func WithOrderField(name string) Option {
	return func(s *Source) {
		s.orderField = name
	}
}

// New creates a source over the collection. keyField is the document key field of the
// collection, every record must have a value for it.
func New(ctx context.Context, coll *docstore.Collection, keyField string, opts ...Option) (*Source, error) {
	s := &Source{
		coll:       coll,
		keyField:   keyField,
		orderField: DefaultOrderField,
	}
	for _, opt := range opts {
		opt(s)
	}
	docs, err := s.documents(ctx)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if n, ok := obj.Number(doc[s.orderField]); ok && int64(n) >= s.next {
			s.next = int64(n) + 1
		}
	}
	return s, nil
}

// Records implements [model.Source].
func (s *Source) Records(ctx context.Context) ([]obj.O, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.documents(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]obj.O, len(docs))
	for i, doc := range docs {
		records[i] = s.record(doc)
	}
	return records, nil
}

// Append implements [model.Source].
func (s *Source) Append(ctx context.Context, records ...obj.O) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actions := s.coll.Actions()
	for _, record := range records {
		if v, ok := record[s.keyField]; !ok || v == nil {
			return fmt.Errorf("%w: field %q", ErrMissingKey, s.keyField)
		}
		doc := obj.Clone(record)
		doc[s.orderField] = s.next
		s.next++
		actions = actions.Create(doc)
	}
	if err := actions.Do(ctx); err != nil {
		return fmt.Errorf("creating documents: %w", err)
	}
	return nil
}

// Replace implements [model.Source].
// The document key of the record is kept, even if the record changes it.
func (s *Source) Replace(ctx context.Context, key model.Key, record obj.O) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.find(ctx, key)
	if err != nil {
		return err
	}
	replaced := obj.Clone(record)
	replaced[s.keyField] = doc[s.keyField]
	replaced[s.orderField] = doc[s.orderField]
	if err := s.coll.Replace(ctx, replaced); err != nil {
		return fmt.Errorf("replacing document %v: %w", doc[s.keyField], err)
	}
	return nil
}

// Remove implements [model.Source].
func (s *Source) Remove(ctx context.Context, key model.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.find(ctx, key)
	if err != nil {
		return err
	}
	if err := s.coll.Delete(ctx, obj.O{s.keyField: doc[s.keyField]}); err != nil {
		return fmt.Errorf("deleting document %v: %w", doc[s.keyField], err)
	}
	return nil
}

// Snapshot implements [model.Source]. Snapshots keep the order field of the documents.
func (s *Source) Snapshot(ctx context.Context) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.documents(ctx)
	if err != nil {
		return nil, err
	}
	return model.Snapshot(docs), nil
}

// Restore implements [model.Source] by deleting every document and putting back the snapshot.
func (s *Source) Restore(ctx context.Context, snapshot model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.documents(ctx)
	if err != nil {
		return err
	}
	if len(docs) > 0 {
		deletes := s.coll.Actions()
		for _, doc := range docs {
			deletes = deletes.Delete(obj.O{s.keyField: doc[s.keyField]})
		}
		if err := deletes.Do(ctx); err != nil {
			return fmt.Errorf("deleting documents: %w", err)
		}
	}
	if len(snapshot) == 0 {
		return nil
	}
	puts := s.coll.Actions()
	for _, doc := range snapshot {
		doc = obj.Clone(doc)
		delete(doc, docstore.DefaultRevisionField)
		puts = puts.Put(doc)
	}
	if err := puts.Do(ctx); err != nil {
		return fmt.Errorf("restoring documents: %w", err)
	}
	slog.FromCtx(ctx).Debug("docsource restored", "documents", len(snapshot))
	return nil
}

// documents returns every document of the collection sorted by position.
func (s *Source) documents(ctx context.Context) ([]obj.O, error) {
	return s.query(ctx, s.coll.Query())
}

// query returns the documents of q sorted by position.
func (s *Source) query(ctx context.Context, q *docstore.Query) ([]obj.O, error) {
	iter := q.Get(ctx)
	defer iter.Stop()

	var docs []obj.O
	for {
		doc := obj.O{}
		err := iter.Next(ctx, doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading documents: %w", err)
		}
		delete(doc, docstore.DefaultRevisionField)
		docs = append(docs, doc)
	}
	slices.SortStableFunc(docs, func(a, b obj.O) int {
		return obj.Compare(a[s.orderField], b[s.orderField])
	})
	return docs, nil
}

// find returns the first document matching key. The key fields holding strings or numbers
// are queried with Where clauses, the other ones are matched on the returned documents.
func (s *Source) find(ctx context.Context, key model.Key) (obj.O, error) {
	q := s.coll.Query()
	for _, name := range slices.Sorted(maps.Keys(key)) {
		if filterable(name, key[name]) {
			q = q.Where(docstore.FieldPath(name), "=", key[name])
		}
	}
	docs, err := s.query(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if model.MatchKey(s.record(doc), key) {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("%w: key %v", model.ErrNotFound, key)
}

// filterable reports whether a Where clause can compare the top level field name with v.
func filterable(name string, v any) bool {
	if name == "" || strings.Contains(name, ".") {
		return false
	}
	if _, ok := v.(string); ok {
		return true
	}
	return obj.IsNumber(v)
}

func (s *Source) record(doc obj.O) obj.O {
	record := obj.Clone(doc)
	delete(record, s.orderField)
	return record
}
