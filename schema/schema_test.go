package schema_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/birdie-ai/modelkit/dml"
	"github.com/birdie-ai/modelkit/format"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/schema"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	// load in memory driver
	_ "gocloud.dev/docstore/memdocstore"
)

const schemaJSON = `{
  "models": [
    {
      "name": "users",
      "data": "users.jsonl",
      "key": [["id"]],
      "fields": [
        {"name": "id", "flags": ["required", "static"], "format": {"type": "sequence"}},
        {"name": "name", "format": {"type": "string", "min": 1}},
        {"name": "age", "format": {"type": "number"}}
      ],
      "filters": [{"name": "id", "operators": ["", "[]"]}, {"name": "name"}, {"name": "age"}],
      "sorts": [{"name": "id"}, {"name": "age"}, {"name": "random", "random": true, "seed": 7}],
      "foreign": [{"name": "posts", "model": "posts", "key": "id", "foreign_key": "user", "list": true, "flags": ["manual"]}]
    },
    {
      "name": "posts",
      "data": "posts.json",
      "key": [["id"]],
      "fields": [{"name": "id"}, {"name": "user"}, {"name": "title"}],
      "filters": [{"name": "id"}, {"name": "user"}],
      "sorts": [{"name": "id"}]
    }
  ]
}`

func TestBuildMem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := loadSchema(t)
	models, err := s.Build(ctx, schema.MemOpener{Dir: dir(t)})
	if err != nil {
		t.Fatal(err)
	}
	exerciseModels(t, models)
}

func TestBuildDocstore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := loadSchema(t)
	opener := &schema.DocOpener{URL: "mem://{model}-build/{key}", Dir: dir(t)}
	t.Cleanup(func() { _ = opener.Shutdown(ctx) })

	models, err := s.Build(ctx, opener)
	if err != nil {
		t.Fatal(err)
	}
	exerciseModels(t, models)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		schema schema.Schema
		want   error
	}{
		{
			name:   "no name",
			schema: schema.Schema{Models: []schema.Model{{}}},
			want:   schema.ErrInvalid,
		},
		{
			name:   "duplicate model",
			schema: schema.Schema{Models: []schema.Model{{Name: "a"}, {Name: "a"}}},
			want:   schema.ErrInvalid,
		},
		{
			name: "unknown flag",
			schema: schema.Schema{Models: []schema.Model{{
				Name:   "a",
				Fields: []schema.Field{{Definition: schema.Definition{Name: "id", Flags: []string{"hidden"}}}},
			}}},
			want: schema.ErrInvalid,
		},
		{
			name: "unknown format",
			schema: schema.Schema{Models: []schema.Model{{
				Name:   "a",
				Fields: []schema.Field{{Definition: schema.Definition{Name: "id"}, Format: &schema.Format{Type: "money"}}},
			}}},
			want: schema.ErrInvalid,
		},
		{
			name: "invalid pattern",
			schema: schema.Schema{Models: []schema.Model{{
				Name:   "a",
				Fields: []schema.Field{{Definition: schema.Definition{Name: "id"}, Format: &schema.Format{Type: "string", Pattern: "("}}},
			}}},
			want: schema.ErrInvalid,
		},
		{
			name: "unknown foreign model",
			schema: schema.Schema{Models: []schema.Model{{
				Name:    "a",
				Foreign: []schema.Foreign{{Definition: schema.Definition{Name: "b"}, Model: "b", Key: "id", ForeignKey: "a"}},
			}}},
			want: schema.ErrInvalid,
		},
		{
			name: "foreign without filter",
			schema: schema.Schema{Models: []schema.Model{
				{Name: "a", Foreign: []schema.Foreign{{Definition: schema.Definition{Name: "b"}, Model: "b", Key: "id", ForeignKey: "a"}}},
				{Name: "b"},
			}},
			want: model.ErrLogic,
		},
		{
			name: "key without filter",
			schema: schema.Schema{Models: []schema.Model{{
				Name:   "a",
				Fields: []schema.Field{{Definition: schema.Definition{Name: "id"}}},
				Key:    [][]string{{"id"}},
			}}},
			want: model.ErrLogic,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			_, err := test.schema.Build(context.Background(), schema.MemOpener{})
			if !errors.Is(err, test.want) {
				t.Fatalf("got %v; want %v", err, test.want)
			}
		})
	}
}

func TestDocOpenerRequiresKey(t *testing.T) {
	t.Parallel()

	opener := &schema.DocOpener{URL: "mem://{model}-nokey/{key}"}
	_, err := opener.Open(context.Background(), schema.Model{Name: "a"})
	if !errors.Is(err, schema.ErrInvalid) {
		t.Fatalf("got %v; want %v", err, schema.ErrInvalid)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := schema.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("want error for missing file")
	}
	path := filepath.Join(t.TempDir(), "schema.json")
	if err := os.WriteFile(path, []byte(`{"models": [}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := schema.Load(path); err == nil {
		t.Fatal("want error for invalid schema")
	}
}

func exerciseModels(t *testing.T, models dml.Models) {
	t.Helper()

	ctx := context.Background()
	stmts, err := dml.Parse([]byte(`
		CREATE users SET name = "cid", age = 19;
		SEARCH users FIELDS posts WHERE id IN [1, 3] SORT id;
		UPDATE users SET name = "" WHERE id = 1;
	`))
	if err != nil {
		t.Fatal(err)
	}

	results, err := dml.Exec(ctx, models, stmts)
	if !errors.Is(err, format.ErrValidation) {
		t.Fatalf("got %v; want %v", err, format.ErrValidation)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results; want 2", len(results))
	}
	assertEqual(t, results[0].Keys, []model.Key{{"id": int64(3)}})
	assertEqual(t, results[1].Records, []obj.O{
		{"id": int64(1), "name": "ann", "age": int64(31), "posts": []obj.O{{"id": "p1", "user": 1.0, "title": "hello"}}},
		{"id": int64(3), "name": "cid", "age": int64(19), "posts": []obj.O{}},
	})
}

func loadSchema(t *testing.T) schema.Schema {
	t.Helper()

	path := filepath.Join(dir(t), "schema.json")
	s, err := schema.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// dir creates a test directory with the schema and its datasets.
func dir(t *testing.T) string {
	t.Helper()

	d := t.TempDir()
	files := map[string]string{
		"schema.json": schemaJSON,
		"users.jsonl": `{"id": 1, "name": "ann", "age": 31}` + "\n" + `{"id": 2, "name": "ben", "age": 25}`,
		"posts.json":  `[{"id": "p1", "user": 1, "title": "hello"}, {"id": "p2", "user": 2, "title": "bye"}]`,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(d, name), []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func assertEqual[T any](t *testing.T, got, want T) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("-want +got:\n%s", diff)
	}
}
