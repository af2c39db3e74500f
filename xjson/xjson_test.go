package xjson_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/xjson"
	"github.com/google/go-cmp/cmp"
)

func TestUnmarshal(t *testing.T) {
	type item struct {
		Name string
	}
	const example = `{"name": "test"}`

	v, err := xjson.Unmarshal[item](strings.NewReader(example))
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "test" {
		t.Fatalf("got wrong name %q", v.Name)
	}
}

func TestUnmarshalError(t *testing.T) {
	type item struct {
		Name string
	}
	const example = `{"name": "test}`

	v, err := xjson.Unmarshal[item](strings.NewReader(example))
	if err == nil {
		t.Fatalf("got value %v; want error", v)
	}
	var errDetails xjson.UnmarshalError
	if errors.As(err, &errDetails) {
		if errDetails.Data != example {
			t.Fatalf("got %q; want %q", errDetails.Data, example)
		}
	}
}

func TestDecoder(t *testing.T) {
	type item struct {
		Name  string
		Count int
	}
	const jsonlStream = `
{"name": "test0", "count": 0}
{"name": "test1", "count": 1}
{"name": "test2", "count": 2}
	`

	i := 0
	dec := xjson.NewDecoder[item](strings.NewReader(jsonlStream))

	for v := range dec.All() {
		wantName := fmt.Sprintf("test%d", i)
		if v.Name != wantName {
			t.Fatalf("got %q; want %q", v.Name, wantName)
		}
		if v.Count != i {
			t.Fatalf("got %q; want %q", v.Count, i)
		}
		i++
	}

	if i != 3 {
		t.Fatalf("got %d iterations; want 3", i)
	}

	if dec.Error() != nil {
		t.Fatalf("unexpected iteration error: %v", dec.Error())
	}

	for v := range dec.All() {
		t.Fatalf("unexpected re-iteration with val: %v", v)
	}
}

func TestDecoderFailureInterruptStream(t *testing.T) {
	type item struct {
		Name  string
		Count int
	}
	const jsonlStream = `
{"name": "test0", "count": 0}
{"name": "test1", "definitely not JSON 1212
{"name": "test1", "count": 1}
	`

	i := 0
	dec := xjson.NewDecoder[item](strings.NewReader(jsonlStream))

	for v := range dec.All() {
		wantName := fmt.Sprintf("test%d", i)
		if v.Name != wantName {
			t.Fatalf("got %q; want %q", v.Name, wantName)
		}
		if v.Count != i {
			t.Fatalf("got %q; want %q", v.Count, i)
		}
		i++
	}

	if i != 1 {
		t.Fatalf("got %d iterations; want 1", i)
	}

	if dec.Error() == nil {
		t.Fatal("want iteration error but got none")
	}

	for v := range dec.All() {
		t.Fatalf("unexpected re-iteration with val: %v", v)
	}
}

func TestDecoderArray(t *testing.T) {
	type item struct {
		Name string
	}
	const array = ` [{"name": "a"}, {"name": "b"}] `

	dec := xjson.NewDecoder[item](strings.NewReader(array))
	var got []string
	for v := range dec.All() {
		got = append(got, v.Name)
	}
	if dec.Error() != nil {
		t.Fatalf("unexpected iteration error: %v", dec.Error())
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Fatalf("-want +got:\n%s", diff)
	}
}

func TestReadRecords(t *testing.T) {
	t.Parallel()

	want := []obj.O{{"id": 1.0, "tags": []any{"a"}}, {"id": 2.0}}
	for _, data := range []string{
		`{"id": 1, "tags": ["a"]}` + "\n" + `{"id": 2}`,
		`[{"id": 1, "tags": ["a"]}, {"id": 2}]`,
	} {
		got, err := xjson.ReadRecords(strings.NewReader(data))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("-want +got:\n%s", diff)
		}
	}

	for _, data := range []string{`{"id": 1} null`, `[1, 2]`, `{"id":`} {
		if _, err := xjson.ReadRecords(strings.NewReader(data)); err == nil {
			t.Errorf("want error reading %q", data)
		}
	}
}

func TestReadRecordsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "records.jsonl")
	if err := os.WriteFile(path, []byte(`{"id": "a"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := xjson.ReadRecordsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]obj.O{{"id": "a"}}, got); diff != "" {
		t.Fatalf("-want +got:\n%s", diff)
	}

	if _, err := xjson.ReadRecordsFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("want error for missing file")
	}
}
