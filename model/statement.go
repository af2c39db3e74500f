package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/slog"
)

type (
	// Statement is a single use execution of a method against the source of a [Model].
	// It owns the definition instances it runs with and must not be invoked concurrently.
	Statement struct {
		model   *Model
		method  Method
		defs    []Definition
		size    int
		slots   []int
		invoked bool

		// cascaded holds the committed writes of nested statements on other models.
		cascaded []pendingChange
	}

	// Result is the outcome of a statement.
	// For searches Records are the shaped records. For writes Keys are the keys of the
	// affected records, in operation order, and Records the records as written (removed
	// records for remove).
	Result struct {
		Records []obj.O
		Keys    []Key
	}

	// cascader is implemented by definitions that write to other models.
	cascader interface {
		cascades() bool
	}
)

// Method returns the statement method.
func (st *Statement) Method() Method { return st.method }

// Model returns the model the statement runs against.
func (st *Statement) Model() *Model { return st.model }

// Definitions returns the definitions bound to the statement.
func (st *Statement) Definitions() []Definition { return st.defs }

// Slots returns the field slots written by a create statement, in record order.
func (st *Statement) Slots() []int { return st.slots }

// cascade records the changes of a nested statement, notified once st commits.
func (st *Statement) cascade(changes ...pendingChange) {
	st.cascaded = append(st.cascaded, changes...)
}

// Invoke runs the statement. A limit of zero means no limit.
//
// Write statements are all or nothing: if anything fails every definition is reverted
// and the source is restored to the state it had before the statement.
// Observers are not notified, see [Model.Run].
func (st *Statement) Invoke(ctx context.Context, limit, offset int) (Result, error) {
	if st.invoked {
		return Result{}, fmt.Errorf("%w: statement already invoked", ErrLogic)
	}
	st.invoked = true

	if limit < 0 || offset < 0 {
		return Result{}, fmt.Errorf("%w: negative limit %d or offset %d", ErrInvalidArgument, limit, offset)
	}
	write := st.method.IsWrite()
	if write {
		if len(st.model.keys) == 0 {
			return Result{}, fmt.Errorf("%w: model %q: %s requires key definitions", ErrLogic, st.model.name, st.method)
		}
		if err := st.checkCascades(); err != nil {
			return Result{}, err
		}
	}

	log := slog.FromCtx(ctx).With("model", st.model.name, "method", string(st.method))
	start := time.Now()

	var snapshot Snapshot
	if write {
		var err error
		snapshot, err = st.model.source.Snapshot(ctx)
		if err != nil {
			sample(st.model.name, st.method, time.Since(start), 0, err)
			return Result{}, fmt.Errorf("snapshot of model %q: %w", st.model.name, err)
		}
	}

	var (
		res      Result
		original []obj.O
	)
	defer func() {
		for _, def := range st.defs {
			if err := def.Detach(ctx, res.Records, original); err != nil {
				log.Warn("detaching definition", "definition", def.Name(), "kind", string(def.Kind()), "error", err)
			}
		}
	}()

	res, original, err := st.run(ctx, limit, offset)
	if err != nil && write {
		st.cascaded = nil
		for _, def := range st.defs {
			def.Revert(ctx, err, original)
		}
		if rerr := st.model.source.Restore(ctx, snapshot); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restoring model %q: %w", st.model.name, rerr))
		}
		log.Error("statement reverted", "error", err)
	}

	elapsed := time.Since(start)
	affected := len(res.Keys)
	if st.method == MethodSearch {
		affected = len(res.Records)
	}
	sample(st.model.name, st.method, elapsed, affected, err)
	if err != nil {
		return Result{}, err
	}
	log.Debug("statement done", "elapsed", elapsed, "records", affected)
	return res, nil
}

func (st *Statement) run(ctx context.Context, limit, offset int) (Result, []obj.O, error) {
	original, err := st.model.source.Records(ctx)
	if err != nil {
		return Result{}, nil, fmt.Errorf("reading model %q: %w", st.model.name, err)
	}
	for _, def := range st.defs {
		if err := def.Attach(ctx, st); err != nil {
			return Result{}, original, err
		}
	}

	var res Result
	switch st.method {
	case MethodSearch:
		res, err = st.search(ctx, original, limit, offset)
	case MethodCreate:
		res, err = st.create(ctx, original, limit, offset)
	case MethodUpdate:
		res, err = st.update(ctx, original, limit, offset)
	case MethodRemove:
		res, err = st.remove(ctx, original, limit, offset)
	default:
		err = fmt.Errorf("%w: unknown method %q", ErrInvalidArgument, st.method)
	}
	if err != nil {
		return res, original, err
	}

	if st.method.IsWrite() {
		for _, def := range st.defs {
			if err := def.Apply(ctx, res.Records, original); err != nil {
				return res, original, fmt.Errorf("applying %s %q: %w", def.Kind(), def.Name(), err)
			}
		}
	}
	return res, original, nil
}

func (st *Statement) search(ctx context.Context, original []obj.O, limit, offset int) (Result, error) {
	selected, err := st.selectRecords(ctx, original, limit, offset)
	if err != nil {
		return Result{}, err
	}
	out := make([]obj.O, len(selected))
	for i := range out {
		out[i] = obj.O{}
	}
	for _, def := range st.of(KindField) {
		if h, ok := def.(Handler); ok {
			shaped, handled, err := h.Handle(ctx, out, selected)
			if err != nil {
				return Result{}, fmt.Errorf("field %q: %w", def.Name(), err)
			}
			if handled {
				out = shaped
				continue
			}
		}
		s, ok := def.(shaper)
		if !ok {
			continue
		}
		for i := range out {
			if err := s.Shape(ctx, out[i], selected[i], selected, i); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{Records: out}, nil
}

func (st *Statement) create(ctx context.Context, original []obj.O, limit, offset int) (Result, error) {
	// every slot creates a record, even the ones without values.
	n := st.size
	for _, def := range st.of(KindField) {
		n = max(n, def.Slots().slotCount())
	}
	end := n
	if limit > 0 {
		end = min(n, offset+limit)
	}

	// records built so far are visible to formatters, like sequences.
	list := slices.Clone(original)
	var res Result
	for slot := offset; slot < end; slot++ {
		record := obj.O{}
		for _, def := range st.of(KindField) {
			s, ok := def.(shaper)
			if !ok {
				continue
			}
			if err := s.Build(ctx, record, list, slot); err != nil {
				return Result{}, err
			}
		}
		list = append(list, record)
		st.slots = append(st.slots, slot)
		res.Records = append(res.Records, record)
		res.Keys = append(res.Keys, st.model.Key(record, false))
	}
	if len(res.Records) == 0 {
		return res, nil
	}
	if err := st.model.source.Append(ctx, obj.CloneList(res.Records)...); err != nil {
		return Result{}, fmt.Errorf("appending to model %q: %w", st.model.name, err)
	}
	return res, nil
}

func (st *Statement) update(ctx context.Context, original []obj.O, limit, offset int) (Result, error) {
	patch := obj.O{}
	for _, def := range st.of(KindField) {
		if s, ok := def.(shaper); ok {
			if err := s.Build(ctx, patch, original, 0); err != nil {
				return Result{}, err
			}
		}
	}
	targets, err := st.selectRecords(ctx, original, limit, offset)
	if err != nil {
		return Result{}, err
	}
	// every target is resolved before the source changes.
	keys := make([]Key, len(targets))
	merged := make([]obj.O, len(targets))
	for i, target := range targets {
		keys[i] = st.model.Key(target, false)
		if keys[i] == nil {
			return Result{}, fmt.Errorf("%w: model %q: record without key: %v", ErrLogic, st.model.name, target)
		}
		merged[i] = obj.Clone(target)
		obj.Merge(merged[i], patch)
	}
	if err := st.checkKeys(original, keys, merged); err != nil {
		return Result{}, err
	}

	var res Result
	for i, record := range merged {
		if err := st.model.source.Replace(ctx, keys[i], record); err != nil {
			return Result{}, fmt.Errorf("replacing on model %q: %w", st.model.name, err)
		}
		res.Records = append(res.Records, record)
		res.Keys = append(res.Keys, st.model.Key(record, false))
	}
	return res, nil
}

// checkKeys rejects an update that gives a record the key of another record. keys are the
// keys of the targets before the update and merged the targets after it.
// Targets are replaced one at a time by their previous key, so a merged record must not
// match the previous key of another target either.
func (st *Statement) checkKeys(original []obj.O, keys []Key, merged []obj.O) error {
	targeted := func(record obj.O) bool {
		return slices.ContainsFunc(keys, func(key Key) bool { return MatchKey(record, key) })
	}
	for i, record := range merged {
		key := st.model.Key(record, false)
		for j, other := range merged {
			if i == j {
				continue
			}
			if MatchKey(record, keys[j]) || (key != nil && MatchKey(other, key)) {
				return fmt.Errorf("%w: model %q: update gives %v the key of another record", ErrInvalidArgument, st.model.name, keys[i])
			}
		}
		if key == nil {
			continue
		}
		for _, other := range original {
			if !targeted(other) && MatchKey(other, key) {
				return fmt.Errorf("%w: model %q: update gives %v the existing key %v", ErrInvalidArgument, st.model.name, keys[i], key)
			}
		}
	}
	return nil
}

func (st *Statement) remove(ctx context.Context, original []obj.O, limit, offset int) (Result, error) {
	targets, err := st.selectRecords(ctx, original, limit, offset)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, target := range targets {
		key := st.model.Key(target, false)
		if key == nil {
			return Result{}, fmt.Errorf("%w: model %q: record without key: %v", ErrLogic, st.model.name, target)
		}
		if err := st.model.source.Remove(ctx, key); err != nil {
			return Result{}, fmt.Errorf("removing from model %q: %w", st.model.name, err)
		}
		res.Records = append(res.Records, target)
		res.Keys = append(res.Keys, key)
	}
	return res, nil
}

// selectRecords filters, sorts and paginates the records.
func (st *Statement) selectRecords(ctx context.Context, original []obj.O, limit, offset int) ([]obj.O, error) {
	list := slices.Clone(original)
	for _, def := range st.of(KindFilter) {
		if h, ok := def.(Handler); ok {
			filtered, handled, err := h.Handle(ctx, list, original)
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", def.Name(), err)
			}
			if handled {
				list = filtered
				continue
			}
		}
		m, ok := def.(matcher)
		if !ok {
			continue
		}
		var kept []obj.O
		for _, record := range list {
			ok, err := m.Match(record)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, record)
			}
		}
		list = kept
	}

	// the first sort is the primary one: apply them from the last with a stable sort.
	sorts := st.of(KindSort)
	for i := len(sorts) - 1; i >= 0; i-- {
		def := sorts[i]
		if h, ok := def.(Handler); ok {
			sorted, handled, err := h.Handle(ctx, list, original)
			if err != nil {
				return nil, fmt.Errorf("sort %q: %w", def.Name(), err)
			}
			if handled {
				list = sorted
				continue
			}
		}
		if c, ok := def.(comparer); ok {
			slices.SortStableFunc(list, c.Compare)
		}
	}

	if offset >= len(list) {
		return nil, nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list, nil
}

func (st *Statement) of(kind Kind) []Definition {
	var defs []Definition
	for _, def := range st.defs {
		if def.Kind() == kind {
			defs = append(defs, def)
		}
	}
	return defs
}

// checkCascades rejects write statements with more than one cascading definition:
// a failure of the second cascade could not be reverted.
func (st *Statement) checkCascades() error {
	var names []string
	for _, def := range st.defs {
		if c, ok := def.(cascader); ok && c.cascades() {
			names = append(names, def.Name())
		}
	}
	if len(names) > 1 {
		return fmt.Errorf("%w: model %q: %s with more than one cascading field: %v", ErrLogic, st.model.name, st.method, names)
	}
	return nil
}
