package delta

import (
	"fmt"
	"strings"
)

// Op is an immutable, named operation with an ordered argument list.
// Construction deep-copies any nested list or map argument, so a built
// Op can be shared between goroutines without locking. Equality is
// structural: same name, same args, in order.
type Op struct {
	name string
	args []any
}

func NewOp(name string, args ...any) Op {
	copied := make([]any, len(args))
	for i, a := range args {
		copied[i] = deepCopy(a)
	}
	return Op{name: name, args: copied}
}

func (op Op) Name() string { return op.name }

func (op Op) Arity() int { return len(op.args) }

// Arg returns the i-th argument. Nested lists and maps are copied on the
// way out so callers cannot reach into the op's own storage.
func (op Op) Arg(i int) any { return deepCopy(op.args[i]) }

func (op Op) Args() []any {
	out := make([]any, len(op.args))
	for i, a := range op.args {
		out[i] = deepCopy(a)
	}
	return out
}

func (op Op) Equal(other Op) bool {
	if op.name != other.name || len(op.args) != len(other.args) {
		return false
	}
	for i := range op.args {
		if !valueEqual(op.args[i], other.args[i]) {
			return false
		}
	}
	return true
}

func (op Op) String() string {
	var b strings.Builder
	b.WriteString(op.name)
	b.WriteByte('(')
	for i, a := range op.args {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%v", a)
	}
	b.WriteByte(')')
	return b.String()
}

// withArg returns a copy of the op with argument i replaced.
func (op Op) withArg(i int, v any) Op {
	args := make([]any, len(op.args))
	copy(args, op.args)
	args[i] = deepCopy(v)
	return Op{name: op.name, args: args}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case nil, bool, int64, float64, string:
		return t
	case int:
		return int64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	default:
		panic(fmt.Sprintf("delta: unsupported op argument type %T", v))
	}
}

func valueEqual(a, b any) bool {
	switch ta := a.(type) {
	case nil:
		return b == nil
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case int64:
		tb, ok := b.(int64)
		return ok && ta == tb
	case float64:
		tb, ok := b.(float64)
		return ok && ta == tb
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !valueEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !valueEqual(va, vb) {
				return false
			}
		}
		return true
	}
	return false
}
