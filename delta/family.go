package delta

import (
	"fmt"
)

// A Class declares one keyed record shape and the ops that manipulate it.
// Bind ops carry the key followed by one value per field; Update ops carry
// (key, field, value); Remove ops carry just the key. Update and Remove are
// legal only inside change deltas, never in a snapshot's own contents.
type Class struct {
	Name   string
	Bind   string
	Update string
	Remove string
	Fields []string
}

func (c *Class) fieldIndex(field string) int {
	for i, f := range c.Fields {
		if f == field {
			return i
		}
	}
	return -1
}

// Key returns the snapshot key for an instance of this class.
func (c *Class) Key(id string) string {
	return c.Name + "/" + id
}

type opKind int

const (
	kindBind opKind = iota
	kindUpdate
	kindRemove
)

type opDef struct {
	class *Class
	kind  opKind
}

// Family is the explicit op registry an algebra instance is constructed
// with. It maps op names to their class and kind; nothing here is global.
type Family struct {
	name    string
	classes []*Class
	byOp    map[string]opDef
}

func NewFamily(name string, classes ...Class) *Family {
	fam := &Family{name: name, byOp: make(map[string]opDef)}
	for i := range classes {
		c := &classes[i]
		fam.classes = append(fam.classes, c)
		fam.register(c.Bind, opDef{class: c, kind: kindBind})
		if c.Update != "" {
			fam.register(c.Update, opDef{class: c, kind: kindUpdate})
		}
		fam.register(c.Remove, opDef{class: c, kind: kindRemove})
	}
	return fam
}

func (fam *Family) register(op string, def opDef) {
	if op == "" {
		panic("delta: class op name missing")
	}
	if _, dup := fam.byOp[op]; dup {
		panic(fmt.Sprintf("delta: op %q declared twice in family %q", op, fam.name))
	}
	fam.byOp[op] = def
}

func (fam *Family) Name() string { return fam.name }

func (fam *Family) def(op Op) (opDef, error) {
	def, ok := fam.byOp[op.Name()]
	if !ok {
		return opDef{}, fmt.Errorf("%w: %q in family %q", ErrUnknownOp, op.Name(), fam.name)
	}
	want := 0
	switch def.kind {
	case kindBind:
		want = 1 + len(def.class.Fields)
	case kindUpdate:
		want = 3
	case kindRemove:
		want = 1
	}
	if op.Arity() != want {
		return opDef{}, fmt.Errorf("%w: %s wants %d args", ErrBadOpShape, op.Name(), want)
	}
	if _, ok := op.Arg(0).(string); !ok {
		return opDef{}, fmt.Errorf("%w: %s key must be a string", ErrBadOpShape, op.Name())
	}
	return def, nil
}

// key returns the whole-record key an op targets.
func (fam *Family) key(op Op) (string, error) {
	def, err := fam.def(op)
	if err != nil {
		return "", err
	}
	return def.class.Key(op.Arg(0).(string)), nil
}

// path returns the conflict path of an op: the whole key for bind and
// remove ops, key plus field for updates.
func (fam *Family) path(op Op) (string, error) {
	def, err := fam.def(op)
	if err != nil {
		return "", err
	}
	key := def.class.Key(op.Arg(0).(string))
	if def.kind != kindUpdate {
		return key, nil
	}
	field, ok := op.Arg(1).(string)
	if !ok || def.class.fieldIndex(field) < 0 {
		return "", fmt.Errorf("%w: %s.%v", ErrUnknownField, def.class.Name, op.Arg(1))
	}
	return key + "." + field, nil
}

// Sessions is the caret/selection op family: one record per editing
// session, keyed by session id.
func Sessions() *Family {
	return NewFamily("sessions", Class{
		Name:   "session",
		Bind:   "op_beginSession",
		Update: "op_setField",
		Remove: "op_endSession",
		Fields: []string{"index", "length", "color", "author"},
	})
}

// Document is the full editing op family: session carets plus document
// properties in one registry.
func Document() *Family {
	return NewFamily("document",
		Class{
			Name:   "session",
			Bind:   "op_beginSession",
			Update: "op_setField",
			Remove: "op_endSession",
			Fields: []string{"index", "length", "color", "author"},
		},
		Class{
			Name:   "property",
			Bind:   "op_set",
			Remove: "op_delete",
			Fields: []string{"value"},
		})
}

// Properties is the name/value op family.
func Properties() *Family {
	return NewFamily("properties", Class{
		Name:   "property",
		Bind:   "op_set",
		Remove: "op_delete",
		Fields: []string{"value"},
	})
}

// BeginSession builds a session bind op.
func BeginSession(id string, index, length int64, color, author string) Op {
	return NewOp("op_beginSession", id, index, length, color, author)
}

// SetField builds a session field update op.
func SetField(id, field string, value any) Op {
	return NewOp("op_setField", id, field, value)
}

// EndSession builds a session remove op.
func EndSession(id string) Op {
	return NewOp("op_endSession", id)
}

// SetProperty builds a property bind op.
func SetProperty(name string, value any) Op {
	return NewOp("op_set", name, value)
}

// DeleteProperty builds a property remove op.
func DeleteProperty(name string) Op {
	return NewOp("op_delete", name)
}
