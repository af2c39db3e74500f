package model

import (
	"fmt"
	"maps"
	"slices"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

// MakeDefinitionList resolves the definitions a statement of the given method runs with.
//
// Every registered definition is instanced and specialized for the method:
//   - search selects every field not flagged [FlagManual] on top of the queried ones;
//   - create fills every slot with the fields flagged [FlagRequired] it lacks, using their default;
//   - update drops the fields flagged [FlagStatic] from the patch.
//
// The query values are then assigned to their definitions, filters and sorts only for
// search, update and remove. Referencing an undeclared definition is an [ErrLogic].
// Definitions left without values are dropped. The result is ordered by kind (fields,
// filters, sorts); fields and filters keep registration order and sorts keep the query order.
func (m *Model) MakeDefinitionList(method Method, q Query) ([]Definition, error) {
	fields, err := m.planFields(method, q.Fields)
	if err != nil {
		return nil, err
	}

	instances := map[Definition]Definition{}
	instance := func(kind Kind, name string) (Definition, error) {
		tmpl, ok := m.index[kind][name]
		if !ok {
			return nil, fmt.Errorf("%w: model %q: undeclared %s %q", ErrLogic, m.name, kind, name)
		}
		def, ok := instances[tmpl]
		if !ok {
			def = tmpl.Instance()
			instances[tmpl] = def
		}
		return def, nil
	}

	for slot, values := range fields {
		for _, name := range slices.Sorted(maps.Keys(values)) {
			def, err := instance(KindField, name)
			if err != nil {
				return nil, err
			}
			if err := def.Set(values[name], operator.Operator{}, slot); err != nil {
				return nil, err
			}
		}
	}

	var sorts []Definition
	if method != MethodCreate {
		for _, name := range slices.Sorted(maps.Keys(q.Filters)) {
			bare, op := operator.Detach(name)
			def, err := instance(KindFilter, bare)
			if err != nil {
				return nil, err
			}
			if err := def.Set(q.Filters[name], op, 0); err != nil {
				return nil, err
			}
		}
		for _, name := range (Query{}).SetSort(q.Sorts...).Sorts {
			bare, op := operator.Detach(name)
			def, err := instance(KindSort, bare)
			if err != nil {
				return nil, err
			}
			if err := def.Set(true, op, 0); err != nil {
				return nil, err
			}
			sorts = append(sorts, def)
		}
	}

	var defs []Definition
	for _, kind := range []Kind{KindField, KindFilter} {
		for _, tmpl := range m.defs {
			if tmpl.Kind() != kind {
				continue
			}
			if def, ok := instances[tmpl]; ok && len(def.Slots()) > 0 {
				defs = append(defs, def)
			}
		}
	}
	for _, def := range sorts {
		if len(def.Slots()) > 0 {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// planFields applies the method rules to a copy of the field slots.
func (m *Model) planFields(method Method, slots []obj.O) ([]obj.O, error) {
	fields := make([]obj.O, len(slots))
	for i, slot := range slots {
		if slot == nil {
			return nil, fmt.Errorf("%w: field slot %d is nil", ErrInvalidArgument, i)
		}
		fields[i] = obj.Clone(slot)
		if _, ok := fields[i][FieldAll]; ok {
			delete(fields[i], FieldAll)
			m.selectAll(fields[i])
		}
	}

	switch method {
	case MethodSearch:
		if len(fields) == 0 {
			fields = []obj.O{{}}
		}
		m.selectAll(fields[0])
	case MethodCreate:
		for _, slot := range fields {
			for _, def := range m.Definitions(KindField) {
				if !def.Flag().Has(FlagRequired) {
					continue
				}
				if _, ok := slot[def.Name()]; ok {
					continue
				}
				var value any
				if f, ok := def.(interface{ Default() (any, bool) }); ok {
					value, _ = f.Default()
				}
				slot[def.Name()] = obj.CloneValue(value)
			}
		}
	case MethodUpdate:
		if len(fields) > 0 {
			for _, def := range m.Definitions(KindField) {
				if def.Flag().Has(FlagStatic) {
					delete(fields[0], def.Name())
				}
			}
			// only the first slot patches the records.
			fields = fields[:1]
		}
	}
	return fields, nil
}

func (m *Model) selectAll(slot obj.O) {
	for _, def := range m.Definitions(KindField) {
		if def.Flag().Has(FlagManual) {
			continue
		}
		if _, ok := slot[def.Name()]; !ok {
			slot[def.Name()] = nil
		}
	}
}
