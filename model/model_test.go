package model_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/birdie-ai/modelkit/format"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := model.New("items", model.NewMemSource())
	define(t, m,
		must(model.NewField("id", model.WithFlag(model.FlagRequired|model.FlagStatic), model.WithFormatter(format.Sequence()))),
		must(model.NewField("name", model.WithFlag(model.FlagRequired), model.WithFormatter(format.String(format.NotNull())))),
		must(model.NewFilter("id")),
	)
	if err := m.SetKey(model.KeySpec{"id"}); err != nil {
		t.Fatal(err)
	}

	keys, err := m.AddField(0, obj.O{"name": "a"}).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, keys, []model.Key{{"id": int64(1)}})
	assertSearch(t, m, []obj.O{{"id": int64(1), "name": "a"}})

	keys, err = m.AddFilter("id", 1).AddField(0, obj.O{"name": "b"}).Update(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, keys, []model.Key{{"id": int64(1)}})
	assertSearch(t, m, []obj.O{{"id": int64(1), "name": "b"}})

	keys, err = m.AddFilter("id", 1).Remove(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, keys, []model.Key{{"id": int64(1)}})
	assertSearch(t, m, nil)
}

func TestKey(t *testing.T) {
	t.Parallel()

	m := newPeople(t)
	if err := m.SetKey(model.KeySpec{"id"}, model.KeySpec{"name", "city"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		record  obj.O
		primary bool
		want    model.Key
	}{
		{
			name:   "primary",
			record: obj.O{"id": 1, "name": "alice", "city": "Lisbon"},
			want:   model.Key{"id": 1},
		},
		{
			name:   "alternate",
			record: obj.O{"name": "alice", "city": "Lisbon"},
			want:   model.Key{"name": "alice", "city": "Lisbon"},
		},
		{
			name:   "nil values are absent",
			record: obj.O{"id": nil, "name": "alice", "city": "Lisbon"},
			want:   model.Key{"name": "alice", "city": "Lisbon"},
		},
		{
			name:    "primary only",
			record:  obj.O{"name": "alice", "city": "Lisbon"},
			primary: true,
		},
		{
			name:   "incomplete",
			record: obj.O{"name": "alice"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := m.Key(test.record, test.primary)
			assertEqual(t, got, test.want)
		})
	}
}

func TestSetKeyRequiresFilters(t *testing.T) {
	t.Parallel()

	m := newPeople(t)
	if err := m.SetKey(model.KeySpec{"age", "nope"}); !errors.Is(err, model.ErrLogic) {
		t.Fatalf("got %v; want %v", err, model.ErrLogic)
	}
	if err := m.SetKey(model.KeySpec{}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("got %v; want %v", err, model.ErrInvalidArgument)
	}
}

func TestDefineDuplicate(t *testing.T) {
	t.Parallel()

	m := newPeople(t)
	err := m.Define(must(model.NewFilter("age")))
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("got %v; want %v", err, model.ErrInvalidArgument)
	}
	// same name on another kind is fine.
	if err := m.Define(must(model.NewSort("city"))); err != nil {
		t.Fatal(err)
	}
}

func TestPlanningErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method model.Method
		query  model.Query
		want   error
	}{
		{
			name:   "undeclared field",
			method: model.MethodSearch,
			query:  model.Query{Fields: []obj.O{{"nope": nil}}},
			want:   model.ErrLogic,
		},
		{
			name:   "undeclared filter",
			method: model.MethodSearch,
			query:  model.Query{Filters: obj.O{"nope>": 1}},
			want:   model.ErrLogic,
		},
		{
			name:   "undeclared sort",
			method: model.MethodRemove,
			query:  model.Query{Sorts: []string{"nope"}},
			want:   model.ErrLogic,
		},
		{
			name:   "operator not allowed by sort",
			method: model.MethodSearch,
			query:  model.Query{Sorts: []string{"age>"}},
			want:   model.ErrInvalidArgument,
		},
		{
			name:   "operator not allowed by filter",
			method: model.MethodSearch,
			query:  model.Query{Filters: obj.O{"id>": 1}},
			want:   model.ErrInvalidArgument,
		},
		{
			name:   "nil slot",
			method: model.MethodCreate,
			query:  model.Query{Fields: []obj.O{nil}},
			want:   model.ErrInvalidArgument,
		},
		{
			name:   "unknown method",
			method: model.Method("upsert"),
			want:   model.ErrInvalidArgument,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := newPeople(t)
			_, err := m.Run(context.Background(), test.method, test.query, 0, 0)
			if !errors.Is(err, test.want) {
				t.Fatalf("got %v; want %v", err, test.want)
			}
		})
	}
}

func TestWriteRequiresKeys(t *testing.T) {
	t.Parallel()

	m := model.New("nokeys", model.NewMemSource())
	define(t, m, must(model.NewField("id")))

	_, err := m.AddField(0, obj.O{"id": 1}).Create(context.Background())
	if !errors.Is(err, model.ErrLogic) {
		t.Fatalf("got %v; want %v", err, model.ErrLogic)
	}
}

func TestFluentStateReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newPeople(t)

	if _, err := m.AddFilter("city", "Porto").Search(ctx); err != nil {
		t.Fatal(err)
	}
	if q := m.Query(); !q.IsZero() {
		t.Fatalf("state not reset: %+v", q)
	}

	got, err := m.AddFilter("city", "Porto").Count(ctx, model.KeepState())
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Fatalf("got %d records; want 2", got)
	}
	assertEqual(t, m.Query(), model.Query{Filters: obj.O{"city": "Porto"}})

	// failed operations reset the state too.
	if _, err := m.AddFilter("nope", 1).Search(ctx); !errors.Is(err, model.ErrLogic) {
		t.Fatalf("got %v; want %v", err, model.ErrLogic)
	}
	if q := m.Query(); !q.IsZero() {
		t.Fatalf("state not reset after failure: %+v", q)
	}
}

func TestSetField(t *testing.T) {
	t.Parallel()

	m := newPeople(t)
	m.AddFilter("id", 1)
	if err := m.SetField(obj.O{"name": "x"}, nil); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("got %v; want %v", err, model.ErrInvalidArgument)
	}
	assertEqual(t, m.Query(), model.Query{Filters: obj.O{"id": 1}})
}

func TestObserver(t *testing.T) {
	t.Parallel()

	var changes []model.Change
	observer := model.ObserverFunc(func(_ context.Context, change model.Change) error {
		changes = append(changes, change)
		return errors.New("observer errors don't fail writes")
	})
	ctx := context.Background()
	m := newPeople(t, model.WithObserver(observer))

	if _, err := m.AddField(0, obj.O{"id": 6, "name": "fay"}).Create(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddFilter("id", 2).Remove(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Search(ctx); err != nil {
		t.Fatal(err)
	}

	assertEqual(t, changes, []model.Change{
		{Model: "people", Method: model.MethodCreate, Keys: []model.Key{{"id": 6}}},
		{Model: "people", Method: model.MethodRemove, Keys: []model.Key{{"id": 2}}},
	})
}

func ExampleModel() {
	ctx := context.Background()

	items := model.New("items", model.NewMemSource())
	_ = items.Define(
		must(model.NewField("id", model.WithFlag(model.FlagRequired), model.WithFormatter(format.Sequence()))),
		must(model.NewField("name")),
		must(model.NewFilter("id")),
		must(model.NewSort("name")),
	)
	_ = items.SetKey(model.KeySpec{"id"})

	_ = items.SetField(obj.O{"name": "b"}, obj.O{"name": "a"})
	keys, _ := items.Create(ctx)
	fmt.Println(keys)

	records, _ := items.SetSort("name").Search(ctx)
	fmt.Println(records)

	// Output:
	// [map[id:1] map[id:2]]
	// [map[id:2 name:a] map[id:1 name:b]]
}

// newPeople creates a model with records of people, keyed by id.
func newPeople(t *testing.T, opts ...model.ModelOption) *model.Model {
	t.Helper()

	source := model.NewMemSource(
		obj.O{"id": 1, "name": "alice", "age": 31, "city": "Lisbon"},
		obj.O{"id": 2, "name": "bob", "age": 25, "city": "Porto"},
		obj.O{"id": 3, "name": "carol", "age": 40, "city": "lisbon"},
		obj.O{"id": 4, "name": "dave", "age": "9", "city": "Braga"},
		obj.O{"id": 5, "name": "eve", "age": 25, "city": "Porto"},
	)
	return newPeopleOn(t, source, opts...)
}

func newPeopleOn(t *testing.T, source model.Source, opts ...model.ModelOption) *model.Model {
	t.Helper()

	m := model.New("people", source, opts...)
	older := func(record obj.O, _ operator.Operator, test any) (bool, error) {
		return obj.Compare(record["age"], test) > 0, nil
	}
	define(t, m,
		must(model.NewField("id", model.WithFlag(model.FlagStatic))),
		must(model.NewField("name", model.WithFlag(model.FlagRequired), model.WithDefault("anonymous"))),
		must(model.NewField("age")),
		must(model.NewField("city")),
		must(model.NewField("secret", model.WithFlag(model.FlagManual))),
		must(model.NewFilter("id", model.WithOperators("", "!", "[]", "[]!"))),
		must(model.NewFilter("name")),
		must(model.NewFilter("age")),
		must(model.NewFilter("city")),
		must(model.NewCustomFilter("older", older)),
		must(model.NewSort("id")),
		must(model.NewSort("name")),
		must(model.NewSort("age")),
		must(model.NewRandomSort("random", ptr(int64(42)))),
	)
	if err := m.SetKey(model.KeySpec{"id"}); err != nil {
		t.Fatal(err)
	}
	return m
}

func define(t *testing.T, m *model.Model, defs ...model.Definition) {
	t.Helper()
	if err := m.Define(defs...); err != nil {
		t.Fatal(err)
	}
}

func assertSearch(t *testing.T, m *model.Model, want []obj.O) {
	t.Helper()
	got, err := m.Search(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, got, want)
}

func assertEqual[T any](t *testing.T, got, want T) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("-want +got:\n%s", diff)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ptr[T any](v T) *T {
	return &v
}
