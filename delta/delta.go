package delta

import (
	"strings"
)

// Delta is an immutable, ordered sequence of ops transforming one document
// state into another. The zero-length delta is the canonical Empty
// singleton; code all over the tree compares against it by pointer.
type Delta struct {
	ops []Op
}

var Empty = &Delta{}

func New(ops ...Op) *Delta {
	if len(ops) == 0 {
		return Empty
	}
	copied := make([]Op, len(ops))
	copy(copied, ops)
	return &Delta{ops: copied}
}

func (d *Delta) Len() int {
	if d == nil {
		return 0
	}
	return len(d.ops)
}

func (d *Delta) IsEmpty() bool { return d.Len() == 0 }

func (d *Delta) Ops() []Op {
	if d.Len() == 0 {
		return nil
	}
	out := make([]Op, len(d.ops))
	copy(out, d.ops)
	return out
}

func (d *Delta) Op(i int) Op { return d.ops[i] }

func (d *Delta) Equal(other *Delta) bool {
	if d.Len() != other.Len() {
		return false
	}
	for i := range d.ops {
		if !d.ops[i].Equal(other.ops[i]) {
			return false
		}
	}
	return true
}

func (d *Delta) String() string {
	if d.IsEmpty() {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, op := range d.ops {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(op.String())
	}
	b.WriteByte(']')
	return b.String()
}

// Compose concatenates two deltas and collapses them to their net effect:
// at most one op survives per unique key path. A later bind or remove of a
// key supersedes every earlier op touching that key; a later field update
// folds into an earlier bind of the same key, or replaces an earlier
// update of the same field. Ops that cannot be folded (an update trailing
// a remove) are kept in order and left for snapshot composition to judge.
func Compose(fam *Family, a, b *Delta) (*Delta, error) {
	total := a.Len() + b.Len()
	if total == 0 {
		return Empty, nil
	}

	type entry struct {
		op   Op
		def  opDef
		key  string
		path string
		dead bool
	}
	entries := make([]*entry, 0, total)
	feed := func(d *Delta) error {
		for _, op := range d.Ops() {
			def, err := fam.def(op)
			if err != nil {
				return err
			}
			key, _ := fam.key(op)
			path, err := fam.path(op)
			if err != nil {
				return err
			}
			next := &entry{op: op, def: def, key: key, path: path}
			switch def.kind {
			case kindBind, kindRemove:
				for _, prev := range entries {
					if !prev.dead && prev.key == key {
						prev.dead = true
					}
				}
				entries = append(entries, next)
			case kindUpdate:
				folded := false
				for i := len(entries) - 1; i >= 0; i-- {
					prev := entries[i]
					if prev.dead || prev.key != key {
						continue
					}
					switch prev.def.kind {
					case kindBind:
						fi := def.class.fieldIndex(op.Arg(1).(string))
						prev.op = prev.op.withArg(1+fi, op.Arg(2))
						folded = true
					case kindUpdate:
						if prev.path == path {
							prev.op = op
							folded = true
						}
					case kindRemove:
						// update trailing a remove: keep both,
						// snapshot composition rejects it
					}
					if folded {
						break
					}
					if prev.def.kind == kindRemove {
						break
					}
				}
				if !folded {
					entries = append(entries, next)
				}
			}
		}
		return nil
	}
	if err := feed(a); err != nil {
		return nil, err
	}
	if err := feed(b); err != nil {
		return nil, err
	}

	ops := make([]Op, 0, len(entries))
	for _, e := range entries {
		if !e.dead {
			ops = append(ops, e.op)
		}
	}
	if len(ops) == 0 {
		return Empty, nil
	}
	return &Delta{ops: ops}, nil
}
