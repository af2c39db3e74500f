package format_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/birdie-ai/modelkit/format"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestRead(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		name      string
		formatter model.Formatter
		value     any
		want      any
	}{
		{name: "base default", formatter: format.Base(format.WithDefault("x")), value: nil, want: "x"},
		{name: "base keeps value", formatter: format.Base(format.WithDefault("x")), value: "y", want: "y"},
		{name: "base null is fine on reads", formatter: format.Base(format.NotNull()), value: nil, want: nil},
		{name: "number rounds to integer", formatter: format.Number(), value: 2.6, want: int64(3)},
		{name: "number precision", formatter: format.Number(format.Precision(2)), value: "3.14159", want: 3.14},
		{name: "number bounds are ignored on reads", formatter: format.Number(format.Max(1)), value: 5, want: int64(5)},
		{name: "number keeps invalid values on reads", formatter: format.Number(), value: "abc", want: "abc"},
		{name: "string", formatter: format.String(), value: 42, want: "42"},
		{name: "list", formatter: format.List([]any{"a"}), value: "b", want: "b"},
		{name: "datetime", formatter: format.Datetime(time.DateOnly), value: ts, want: "2024-05-06"},
		{name: "datetime from text", formatter: format.Datetime(""), value: "2024-05-06 07:08:09", want: "2024-05-06T07:08:09Z"},
		{name: "datetime from unix", formatter: format.Datetime(""), value: ts.Unix(), want: "2024-05-06T07:08:09Z"},
		{name: "datetime keeps invalid values on reads", formatter: format.Datetime(""), value: "soon", want: "soon"},
		{name: "sequence only assigns on create", formatter: format.Sequence(), value: nil, want: nil},
	}

	field := must(model.NewField("v"))
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.formatter(test.value, nil, field, 0)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("-want +got:\n%s", diff)
			}
		})
	}
}

func TestWriteValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		formatter model.Formatter
		value     any
		want      error
	}{
		{name: "null", formatter: format.Base(format.NotNull()), value: nil, want: &format.NullError{Field: "v"}},
		{name: "not a number", formatter: format.Number(), value: "abc", want: &format.InvalidError{Field: "v", Format: "number"}},
		{name: "number too small", formatter: format.Number(format.Min(1)), value: 0, want: &format.LengthError{Field: "v", Min: ptr(1.0)}},
		{name: "number out of range", formatter: format.Number(format.Min(1), format.Max(2)), value: 3, want: &format.LengthError{Field: "v", Min: ptr(1.0), Max: ptr(2.0)}},
		{name: "text too long", formatter: format.String(format.Max(3)), value: "ação!", want: &format.LengthError{Field: "v", Max: ptr(3.0)}},
		{name: "text pattern", formatter: format.String(format.Pattern(regexp.MustCompile(`^\d+$`))), value: "12a", want: &format.InvalidError{Field: "v", Format: `^\d+$`}},
		{name: "list", formatter: format.List([]any{"a", 1}), value: "b", want: &format.ListError{Field: "v", Allowed: []any{"a", 1}}},
		{name: "datetime", formatter: format.Datetime(time.DateOnly), value: "soon", want: &format.InvalidError{Field: "v", Format: time.DateOnly}},
		{name: "uuid", formatter: format.UUID(), value: "nope", want: &format.InvalidError{Field: "v", Format: "uuid"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m := newModel(t, test.formatter)
			_, err := m.AddField(0, obj.O{"id": 1, "v": test.value}).Create(context.Background())
			if !errors.Is(err, format.ErrValidation) {
				t.Fatalf("got %v; want %v", err, format.ErrValidation)
			}
			got := asTarget(test.want)
			if !errors.As(err, got) {
				t.Fatalf("got %T; want %T", err, test.want)
			}
			if diff := cmp.Diff(test.want, deref(got)); diff != "" {
				t.Fatalf("-want +got:\n%s", diff)
			}
		})
	}
}

func TestWriteAccepted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		formatter model.Formatter
		value     any
		want      any
	}{
		{name: "null with default", formatter: format.Base(format.WithDefault("d")), value: nil, want: "d"},
		{name: "number", formatter: format.Number(format.Min(1), format.Max(10), format.Precision(1)), value: "2.25", want: 2.3},
		{name: "text length counts characters", formatter: format.String(format.Max(4)), value: "ação", want: "ação"},
		{name: "list is loose", formatter: format.List([]any{1, 2}), value: "2", want: "2"},
		{name: "list accepts null", formatter: format.List([]any{1, 2}), value: nil, want: nil},
		{name: "datetime", formatter: format.Datetime(time.RFC3339), value: "2024-05-06", want: "2024-05-06T00:00:00Z"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			m := newModel(t, test.formatter)
			if _, err := m.AddField(0, obj.O{"id": 1, "v": test.value}).Create(ctx); err != nil {
				t.Fatal(err)
			}
			records, err := m.Source().Records(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, records[0]["v"]); diff != "" {
				t.Fatalf("-want +got:\n%s", diff)
			}
		})
	}
}

func TestSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := model.New("seq", model.NewMemSource(obj.O{"id": 7}))
	if err := m.Define(
		must(model.NewField("id", model.WithFlag(model.FlagRequired), model.WithFormatter(format.Sequence()))),
		must(model.NewFilter("id")),
	); err != nil {
		t.Fatal(err)
	}
	if err := m.SetKey(model.KeySpec{"id"}); err != nil {
		t.Fatal(err)
	}

	if err := m.SetField(obj.O{}, obj.O{"id": 20}, obj.O{}); err != nil {
		t.Fatal(err)
	}
	keys, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.Key{{"id": int64(8)}, {"id": int64(20)}, {"id": int64(21)}}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("-want +got:\n%s", diff)
	}
}

func TestUUID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := model.New("uuids", model.NewMemSource())
	if err := m.Define(
		must(model.NewField("id", model.WithFlag(model.FlagRequired), model.WithFormatter(format.UUID()))),
		must(model.NewFilter("id")),
	); err != nil {
		t.Fatal(err)
	}
	if err := m.SetKey(model.KeySpec{"id"}); err != nil {
		t.Fatal(err)
	}

	given := "6BA7B810-9DAD-11D1-80B4-00C04FD430C8"
	if err := m.SetField(obj.O{}, obj.O{"id": given}); err != nil {
		t.Fatal(err)
	}
	keys, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys; want 2", len(keys))
	}
	if _, err := uuid.Parse(keys[0]["id"].(string)); err != nil {
		t.Fatalf("generated id %v: %v", keys[0]["id"], err)
	}
	if got, want := keys[1]["id"], "6ba7b810-9dad-11d1-80b4-00c04fd430c8"; got != want {
		t.Fatalf("got %v; want %v", got, want)
	}
}

func TestUpdateValidates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := newModel(t, format.Number(format.Max(5)))
	if _, err := m.AddField(0, obj.O{"id": 1, "v": 1}).Create(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := m.AddFilter("id", 1).AddField(0, obj.O{"v": 6}).Update(ctx)
	if !errors.Is(err, format.ErrValidation) {
		t.Fatalf("got %v; want %v", err, format.ErrValidation)
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: &format.NullError{Field: "a"}, want: `field "a" is required, it can't be empty`},
		{err: &format.InvalidError{Field: "a", Format: "number"}, want: `field "a" must match the "number" format`},
		{err: &format.LengthError{Field: "a", Min: ptr(1.0), Max: ptr(2.0)}, want: `field "a" must be between 1 and 2`},
		{err: &format.LengthError{Field: "a", Min: ptr(1.0)}, want: `field "a" is too small, must be at least 1`},
		{err: &format.LengthError{Field: "a", Max: ptr(2.5)}, want: `field "a" is too large, must be at most 2.5`},
		{err: &format.ListError{Field: "a", Allowed: []any{"x", 1}}, want: `field "a" must be one of: x,1`},
	}
	for _, test := range tests {
		if got := test.err.Error(); got != test.want {
			t.Errorf("got %q; want %q", got, test.want)
		}
	}
}

func newModel(t *testing.T, formatter model.Formatter) *model.Model {
	t.Helper()

	m := model.New("values", model.NewMemSource())
	if err := m.Define(
		must(model.NewField("id")),
		must(model.NewField("v", model.WithFormatter(formatter))),
		must(model.NewFilter("id")),
	); err != nil {
		t.Fatal(err)
	}
	if err := m.SetKey(model.KeySpec{"id"}); err != nil {
		t.Fatal(err)
	}
	return m
}

// asTarget returns an errors.As target for the type of err.
func asTarget(err error) any {
	switch err.(type) {
	case *format.NullError:
		return new(*format.NullError)
	case *format.InvalidError:
		return new(*format.InvalidError)
	case *format.LengthError:
		return new(*format.LengthError)
	case *format.ListError:
		return new(*format.ListError)
	}
	panic("unexpected error type")
}

func deref(target any) error {
	switch t := target.(type) {
	case **format.NullError:
		return *t
	case **format.InvalidError:
		return *t
	case **format.LengthError:
		return *t
	case **format.ListError:
		return *t
	}
	return nil
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
