// Package schema builds models from a JSON description of their definitions.
//
// A schema looks like:
//
//	{
//	  "models": [
//	    {
//	      "name": "users",
//	      "data": "users.jsonl",
//	      "key": [["id"]],
//	      "fields": [
//	        {"name": "id", "flags": ["required", "static"], "format": {"type": "sequence"}},
//	        {"name": "name", "format": {"type": "string", "min": 1}}
//	      ],
//	      "filters": [{"name": "id", "operators": ["", "[]"]}, {"name": "name"}],
//	      "sorts": [{"name": "id"}, {"name": "random", "random": true}],
//	      "foreign": [{"name": "posts", "model": "posts", "key": "id", "foreign_key": "user", "list": true, "flags": ["manual"]}]
//	    }
//	  ]
//	}
package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/birdie-ai/modelkit/dml"
	"github.com/birdie-ai/modelkit/format"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/xjson"
)

type (
	// Schema describes a set of models.
	Schema struct {
		Models []Model `json:"models"`
	}

	// Model describes a model and its definitions.
	Model struct {
		Name string `json:"name"`
		// Data is an optional dataset file loaded into new sources.
		Data string `json:"data,omitempty"`
		// DocKey is the document key field used by docstore sources, defaults to the
		// first field of the first key.
		DocKey  string     `json:"doc_key,omitempty"`
		Key     [][]string `json:"key,omitempty"`
		Fields  []Field    `json:"fields,omitempty"`
		Filters []Filter   `json:"filters,omitempty"`
		Sorts   []Sort     `json:"sorts,omitempty"`
		Foreign []Foreign  `json:"foreign,omitempty"`
	}

	// Definition holds the options shared by every kind of definition.
	Definition struct {
		Name      string   `json:"name"`
		Flags     []string `json:"flags,omitempty"`
		Operator  string   `json:"operator,omitempty"`
		Operators []string `json:"operators,omitempty"`
	}

	// Field describes a [model.Field].
	Field struct {
		Definition
		Default any     `json:"default,omitempty"`
		Path    string  `json:"path,omitempty"`
		Format  *Format `json:"format,omitempty"`
	}

	// Format describes the formatter of a field.
	Format struct {
		// Type is one of base, number, string, list, datetime, sequence and uuid.
		Type      string   `json:"type"`
		Default   any      `json:"default,omitempty"`
		NotNull   bool     `json:"not_null,omitempty"`
		Min       *float64 `json:"min,omitempty"`
		Max       *float64 `json:"max,omitempty"`
		Precision *int     `json:"precision,omitempty"`
		Pattern   string   `json:"pattern,omitempty"`
		Allowed   []any    `json:"allowed,omitempty"`
		Layout    string   `json:"layout,omitempty"`
	}

	// Filter describes a [model.Filter].
	Filter struct {
		Definition
		Path string `json:"path,omitempty"`
	}

	// Sort describes a [model.Sort] or, when random, a [model.RandomSort].
	Sort struct {
		Definition
		Path   string `json:"path,omitempty"`
		Random bool   `json:"random,omitempty"`
		Seed   *int64 `json:"seed,omitempty"`
	}

	// Foreign describes a [model.Foreign] joining the model named Model.
	Foreign struct {
		Definition
		Model      string       `json:"model"`
		Key        string       `json:"key"`
		ForeignKey string       `json:"foreign_key"`
		List       bool         `json:"list,omitempty"`
		Map        string       `json:"map,omitempty"`
		Search     *model.Query `json:"search,omitempty"`
	}

	// Opener opens the source of a model.
	Opener interface {
		Open(ctx context.Context, m Model) (model.Source, error)
	}
)

// ErrInvalid indicates an invalid schema.
var ErrInvalid = errors.New("invalid schema")

// Load loads the schema file at path.
func Load(path string) (Schema, error) {
	s, err := xjson.UnmarshalFile[Schema](path)
	if err != nil {
		return Schema{}, fmt.Errorf("loading schema %q: %w", path, err)
	}
	return s, nil
}

// Build creates the models of the schema, opening their sources with opener.
// The options are given to every model.
func (s Schema) Build(ctx context.Context, opener Opener, opts ...model.ModelOption) (dml.Models, error) {
	models := dml.Models{}
	for _, desc := range s.Models {
		if desc.Name == "" {
			return nil, fmt.Errorf("%w: model without name", ErrInvalid)
		}
		if _, ok := models[desc.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate model %q", ErrInvalid, desc.Name)
		}
		source, err := opener.Open(ctx, desc)
		if err != nil {
			return nil, fmt.Errorf("opening source of %q: %w", desc.Name, err)
		}
		m := model.New(desc.Name, source, opts...)
		defs, err := desc.definitions()
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", desc.Name, err)
		}
		if err := m.Define(defs...); err != nil {
			return nil, fmt.Errorf("model %q: %w", desc.Name, err)
		}
		if len(desc.Key) > 0 {
			specs := make([]model.KeySpec, len(desc.Key))
			for i, key := range desc.Key {
				specs[i] = model.KeySpec(key)
			}
			if err := m.SetKey(specs...); err != nil {
				return nil, fmt.Errorf("model %q: %w", desc.Name, err)
			}
		}
		models[desc.Name] = m
	}

	// foreign definitions need every model and its filters.
	for _, desc := range s.Models {
		for _, f := range desc.Foreign {
			foreign, ok := models[f.Model]
			if !ok {
				return nil, fmt.Errorf("%w: model %q: foreign %q joins unknown model %q", ErrInvalid, desc.Name, f.Name, f.Model)
			}
			opts, err := f.options()
			if err != nil {
				return nil, fmt.Errorf("model %q: foreign %q: %w", desc.Name, f.Name, err)
			}
			def, err := model.NewForeign(f.Name, foreign, f.Key, f.ForeignKey, opts...)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", desc.Name, err)
			}
			if err := models[desc.Name].Define(def); err != nil {
				return nil, fmt.Errorf("model %q: %w", desc.Name, err)
			}
		}
	}
	return models, nil
}

// DocumentKey returns the document key field of the model.
func (m Model) DocumentKey() string {
	if m.DocKey != "" {
		return m.DocKey
	}
	if len(m.Key) > 0 && len(m.Key[0]) > 0 {
		return m.Key[0][0]
	}
	return ""
}

func (m Model) definitions() ([]model.Definition, error) {
	var defs []model.Definition
	for _, f := range m.Fields {
		opts, err := f.options()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		def, err := model.NewField(f.Name, opts...)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	for _, f := range m.Filters {
		opts, err := f.Definition.options()
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", f.Name, err)
		}
		if f.Path != "" {
			opts = append(opts, model.WithPath(f.Path))
		}
		def, err := model.NewFilter(f.Name, opts...)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	for _, s := range m.Sorts {
		if s.Random {
			def, err := model.NewRandomSort(s.Name, s.Seed)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
			continue
		}
		opts, err := s.Definition.options()
		if err != nil {
			return nil, fmt.Errorf("sort %q: %w", s.Name, err)
		}
		if s.Path != "" {
			opts = append(opts, model.WithPath(s.Path))
		}
		def, err := model.NewSort(s.Name, opts...)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d Definition) options() ([]model.Option, error) {
	flag, err := parseFlags(d.Flags)
	if err != nil {
		return nil, err
	}
	var opts []model.Option
	if flag != model.FlagNone {
		opts = append(opts, model.WithFlag(flag))
	}
	if d.Operator != "" {
		opts = append(opts, model.WithOperator(d.Operator))
	}
	if len(d.Operators) > 0 {
		opts = append(opts, model.WithOperators(d.Operators...))
	}
	return opts, nil
}

func (f Field) options() ([]model.Option, error) {
	opts, err := f.Definition.options()
	if err != nil {
		return nil, err
	}
	if f.Default != nil {
		opts = append(opts, model.WithDefault(f.Default))
	}
	if f.Path != "" {
		opts = append(opts, model.WithPath(f.Path))
	}
	if f.Format != nil {
		formatter, err := f.Format.formatter()
		if err != nil {
			return nil, err
		}
		opts = append(opts, model.WithFormatter(formatter))
	}
	return opts, nil
}

func (f Foreign) options() ([]model.Option, error) {
	opts, err := f.Definition.options()
	if err != nil {
		return nil, err
	}
	switch {
	case f.List && f.Map != "":
		return nil, fmt.Errorf("%w: list and map can't be combined", ErrInvalid)
	case f.List:
		opts = append(opts, model.AsList())
	case f.Map != "":
		opts = append(opts, model.AsMap(f.Map))
	}
	if f.Search != nil {
		opts = append(opts, model.WithSearch(*f.Search))
	}
	return opts, nil
}

func (f Format) formatter() (model.Formatter, error) {
	var opts []format.Option
	if f.Default != nil {
		opts = append(opts, format.WithDefault(f.Default))
	}
	if f.NotNull {
		opts = append(opts, format.NotNull())
	}
	if f.Min != nil {
		opts = append(opts, format.Min(*f.Min))
	}
	if f.Max != nil {
		opts = append(opts, format.Max(*f.Max))
	}
	if f.Precision != nil {
		opts = append(opts, format.Precision(*f.Precision))
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern: %v", ErrInvalid, err)
		}
		opts = append(opts, format.Pattern(re))
	}

	switch strings.ToLower(f.Type) {
	case "", "base":
		return format.Base(opts...), nil
	case "number":
		return format.Number(opts...), nil
	case "string":
		return format.String(opts...), nil
	case "list":
		return format.List(f.Allowed, opts...), nil
	case "datetime":
		return format.Datetime(f.Layout, opts...), nil
	case "sequence":
		return format.Sequence(opts...), nil
	case "uuid":
		return format.UUID(opts...), nil
	}
	return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, f.Type)
}

func parseFlags(names []string) (model.Flag, error) {
	flag := model.FlagNone
	for _, name := range names {
		switch strings.ToLower(name) {
		case "manual":
			flag |= model.FlagManual
		case "static":
			flag |= model.FlagStatic
		case "required":
			flag |= model.FlagRequired
		default:
			return 0, fmt.Errorf("%w: unknown flag %q", ErrInvalid, name)
		}
	}
	return flag, nil
}
