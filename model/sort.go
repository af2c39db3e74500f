package model

import (
	"cmp"
	"context"
	"hash/fnv"
	"math/rand/v2"
	"slices"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

type (
	// Sort orders records by the value at its path: numerically when both values are
	// numeric, by text otherwise. The not operator ("!") reverses the direction.
	Sort struct {
		Base
		path string
	}

	// RandomSort shuffles the records. With a seed the order is reproducible for
	// the same input, without one it changes on every statement.
	RandomSort struct {
		Base
		seed   uint64
		seeded bool
	}

	// comparer is the default behavior of sort definitions.
	comparer interface {
		Compare(a, b obj.O) int
	}
)

var sortOperators = []string{operator.Equal, operator.NotEqual}

// NewSort creates a sort definition. Only the ascending ("") and descending ("!") operators are accepted.
// Accepted options: [WithPath].
func NewSort(name string, opts ...Option) (*Sort, error) {
	cfg := newConfig(append(opts, WithOperators(sortOperators...)))
	base, err := newBase(KindSort, name, cfg)
	if err != nil {
		return nil, err
	}
	path := cfg.path
	if path == "" {
		path = name
	}
	return &Sort{Base: base, path: path}, nil
}

// NewRandomSort creates a random sort definition. A nil seed shuffles unconditionally.
func NewRandomSort(name string, seed *int64) (*RandomSort, error) {
	base, err := newBase(KindSort, name, newConfig([]Option{WithOperators(sortOperators...)}))
	if err != nil {
		return nil, err
	}
	s := &RandomSort{Base: base}
	if seed != nil {
		s.seed = uint64(*seed)
		s.seeded = true
	}
	return s, nil
}

// Instance implements [Definition].
func (s *Sort) Instance() Definition {
	c := *s
	c.Base = s.instance()
	return &c
}

// Compare compares two records on the sort path honoring the assigned direction.
func (s *Sort) Compare(a, b obj.O) int {
	va, _ := obj.Lookup(a, s.path)
	vb, _ := obj.Lookup(b, s.path)
	c := obj.Compare(va, vb)
	if s.reversed() {
		return -c
	}
	return c
}

func (s *Sort) reversed() bool {
	for op := range s.slots[0] {
		if op.Not {
			return true
		}
	}
	return false
}

// Instance implements [Definition].
func (s *RandomSort) Instance() Definition {
	c := *s
	c.Base = s.instance()
	return &c
}

// Handle implements [Handler] by shuffling the list.
func (s *RandomSort) Handle(_ context.Context, list, _ []obj.O) ([]obj.O, bool, error) {
	list = slices.Clone(list)
	if !s.seeded {
		rand.Shuffle(len(list), func(i, j int) {
			list[i], list[j] = list[j], list[i]
		})
		return list, true, nil
	}
	// the order depends on the seed and the records only, not on their input order.
	keys := make([]uint64, len(list))
	for i := range list {
		keys[i] = s.weight(list[i])
	}
	idx := make([]int, len(list))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(i, j int) int {
		return cmp.Compare(keys[i], keys[j])
	})
	sorted := make([]obj.O, len(list))
	for i, j := range idx {
		sorted[i] = list[j]
	}
	return sorted, true, nil
}

func (s *RandomSort) weight(record obj.O) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(obj.Text(record)))
	r := rand.New(rand.NewPCG(s.seed, h.Sum64()))
	return r.Uint64()
}
