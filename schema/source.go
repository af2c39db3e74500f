package schema

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/birdie-ai/modelkit/docsource"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/slog"
	"github.com/birdie-ai/modelkit/xjson"
	"gocloud.dev/docstore"
)

type (
	// MemOpener opens in memory sources loaded with the model dataset.
	MemOpener struct {
		// Dir is the directory of relative dataset paths.
		Dir string
	}

	// DocOpener opens docstore backed sources. Datasets are loaded only into empty collections.
	DocOpener struct {
		// URL is the collection URL, where "{model}" is replaced by the model name and
		// "{key}" by its document key, like "mem://{model}/{key}".
		URL string
		// Dir is the directory of relative dataset paths.
		Dir string

		mu    sync.Mutex
		colls []*docstore.Collection
	}
)

// ModelPlaceholder and KeyPlaceholder are replaced on [DocOpener] URLs.
const (
	ModelPlaceholder = "{model}"
	KeyPlaceholder   = "{key}"
)

// Open implements [Opener].
func (o MemOpener) Open(_ context.Context, m Model) (model.Source, error) {
	records, err := dataset(o.Dir, m)
	if err != nil {
		return nil, err
	}
	return model.NewMemSource(records...), nil
}

// Open implements [Opener].
func (o *DocOpener) Open(ctx context.Context, m Model) (model.Source, error) {
	key := m.DocumentKey()
	if key == "" {
		return nil, fmt.Errorf("%w: model %q has no document key", ErrInvalid, m.Name)
	}
	url := strings.NewReplacer(ModelPlaceholder, m.Name, KeyPlaceholder, key).Replace(o.URL)
	coll, err := docstore.OpenCollection(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", url, err)
	}
	o.mu.Lock()
	o.colls = append(o.colls, coll)
	o.mu.Unlock()

	source, err := docsource.New(ctx, coll, key)
	if err != nil {
		return nil, err
	}
	existing, err := source.Records(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return source, nil
	}
	records, err := dataset(o.Dir, m)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		if err := source.Append(ctx, records...); err != nil {
			return nil, fmt.Errorf("loading dataset of %q: %w", m.Name, err)
		}
		slog.FromCtx(ctx).Info("dataset loaded", "model", m.Name, "records", len(records))
	}
	return source, nil
}

// Shutdown closes every opened collection.
func (o *DocOpener) Shutdown(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for _, coll := range o.colls {
		if err := coll.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.colls = nil
	return errors.Join(errs...)
}

func dataset(dir string, m Model) ([]obj.O, error) {
	if m.Data == "" {
		return nil, nil
	}
	path := m.Data
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return xjson.ReadRecordsFile(path)
}
