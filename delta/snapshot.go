package delta

import (
	"fmt"
	"sort"
)

// Snapshot is a fully materialized, immutable document state at a given
// revision: a mapping from key to the bind op that produced its current
// value. Every apparent mutator returns a new Snapshot; when an edit is a
// no-op and the revision would not move, the receiver itself is returned
// so callers can detect "nothing changed" by pointer comparison.
type Snapshot struct {
	fam      *Family
	rev      int64
	contents map[string]Op
}

// NewSnapshot folds a construction delta into a snapshot. Snapshot
// contents may bind and overwrite keys but never remove them: a remove op
// here fails with ErrRemoveInSnapshot, a duplicate bind with
// ErrDuplicateKey.
func NewSnapshot(fam *Family, rev int64, d *Delta) (*Snapshot, error) {
	if rev < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadRevision, rev)
	}
	contents := make(map[string]Op, d.Len())
	for _, op := range d.Ops() {
		def, err := fam.def(op)
		if err != nil {
			return nil, err
		}
		key := def.class.Key(op.Arg(0).(string))
		switch def.kind {
		case kindBind:
			if _, dup := contents[key]; dup {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
			}
			contents[key] = op
		case kindUpdate:
			bound, ok := contents[key]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
			}
			folded, err := foldUpdate(def, bound, op)
			if err != nil {
				return nil, err
			}
			contents[key] = folded
		case kindRemove:
			return nil, fmt.Errorf("%w: %s", ErrRemoveInSnapshot, op.Name())
		}
	}
	return &Snapshot{fam: fam, rev: rev, contents: contents}, nil
}

func foldUpdate(def opDef, bound, update Op) (Op, error) {
	field, _ := update.Arg(1).(string)
	fi := def.class.fieldIndex(field)
	if fi < 0 {
		return Op{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, def.class.Name, field)
	}
	return bound.withArg(1+fi, update.Arg(2)), nil
}

func (s *Snapshot) Family() *Family { return s.fam }

func (s *Snapshot) Rev() int64 { return s.rev }

func (s *Snapshot) Len() int { return len(s.contents) }

func (s *Snapshot) Get(key string) (Op, bool) {
	op, ok := s.contents[key]
	return op, ok
}

// Record returns a key's value as a field-name map.
func (s *Snapshot) Record(key string) (map[string]any, bool) {
	op, ok := s.contents[key]
	if !ok {
		return nil, false
	}
	def := s.fam.byOp[op.Name()]
	rec := make(map[string]any, len(def.class.Fields))
	for i, f := range def.class.Fields {
		rec[f] = op.Arg(1 + i)
	}
	return rec, true
}

func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.contents))
	for k := range s.contents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delta returns the construction delta: the snapshot's bind ops in
// deterministic key order.
func (s *Snapshot) Delta() *Delta {
	keys := s.Keys()
	ops := make([]Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, s.contents[k])
	}
	return New(ops...)
}

// Equal is structural and order-insensitive: same revision, same keys,
// same bound values.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	if s.rev != other.rev || len(s.contents) != len(other.contents) {
		return false
	}
	for k, op := range s.contents {
		oop, ok := other.contents[k]
		if !ok || !op.Equal(oop) {
			return false
		}
	}
	return true
}

// Compose applies a change's ops in order, producing the snapshot at the
// change's revision. Binds insert or replace; updates require the key to
// be present; removes of absent keys are no-ops. If nothing changes and
// the revision already matches, the receiver itself is returned.
func (s *Snapshot) Compose(c Change) (*Snapshot, error) {
	if c.Rev < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadRevision, c.Rev)
	}
	contents := make(map[string]Op, len(s.contents)+c.Delta.Len())
	for k, op := range s.contents {
		contents[k] = op
	}
	changed := false
	for _, op := range c.Delta.Ops() {
		def, err := s.fam.def(op)
		if err != nil {
			return nil, err
		}
		key := def.class.Key(op.Arg(0).(string))
		switch def.kind {
		case kindBind:
			if prev, ok := contents[key]; !ok || !prev.Equal(op) {
				contents[key] = op
				changed = true
			}
		case kindUpdate:
			bound, ok := contents[key]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
			}
			folded, err := foldUpdate(def, bound, op)
			if err != nil {
				return nil, err
			}
			if !bound.Equal(folded) {
				contents[key] = folded
				changed = true
			}
		case kindRemove:
			if _, ok := contents[key]; ok {
				delete(contents, key)
				changed = true
			}
		}
	}
	if !changed && c.Rev == s.rev {
		return s, nil
	}
	return &Snapshot{fam: s.fam, rev: c.Rev, contents: contents}, nil
}

// Diff computes the minimal change that takes this snapshot to the other:
// binds for keys only there, removes for keys only here, and per-field
// updates (where the class supports them) for keys whose values differ.
// The contract is s.Compose(s.Diff(other)).Equal(other).
func (s *Snapshot) Diff(other *Snapshot) (Change, error) {
	if s.fam != other.fam {
		return Change{}, ErrFamilyMismatch
	}
	keys := make(map[string]struct{}, len(s.contents)+len(other.contents))
	for k := range s.contents {
		keys[k] = struct{}{}
	}
	for k := range other.contents {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var ops []Op
	for _, k := range sorted {
		mine, here := s.contents[k]
		theirs, there := other.contents[k]
		switch {
		case here && !there:
			def := s.fam.byOp[mine.Name()]
			ops = append(ops, NewOp(def.class.Remove, mine.Arg(0)))
		case !here && there:
			ops = append(ops, theirs)
		case mine.Equal(theirs):
			// omitted: minimal diff
		default:
			def := s.fam.byOp[theirs.Name()]
			if def.class.Update == "" {
				ops = append(ops, theirs)
				break
			}
			for i, f := range def.class.Fields {
				if !valueEqual(mine.Arg(1+i), theirs.Arg(1+i)) {
					ops = append(ops, NewOp(def.class.Update, theirs.Arg(0), f, theirs.Arg(1+i)))
				}
			}
		}
	}
	return Change{Rev: other.rev, Delta: New(ops...)}, nil
}
