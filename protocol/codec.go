// Package protocol is the wire boundary: a ToyTLV encoding of the delta
// algebra's types plus the pull-based HTTP transport built on it. The
// algebra itself stays encoding-agnostic; nothing outside this package
// knows the wire form.
//
// Record shapes:
//
//	O(N(name) value*)   op; values are S/I/F/B/Z/L/M records
//	D(O*)               delta
//	C(R(rev) D)         change
//	P(R(rev) D)         snapshot, D holding the construction delta
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/learn-decentralized-systems/toytlv"

	"github.com/syncpad/syncpad/delta"
)

var (
	ErrBadORecord = errors.New("protocol: bad O (op) record")
	ErrBadDRecord = errors.New("protocol: bad D (delta) record")
	ErrBadCRecord = errors.New("protocol: bad C (change) record")
	ErrBadPRecord = errors.New("protocol: bad P (snapshot) record")
	ErrBadValue   = errors.New("protocol: bad value record")
)

// takeRecord slices one TLV record off data.
func takeRecord(data []byte) (lit byte, body, rest []byte, err error) {
	lit, hlen, blen := toytlv.ProbeHeader(data)
	if lit == 0 || lit == '-' || hlen+blen > len(data) {
		return 0, nil, nil, ErrBadValue
	}
	return lit, data[hlen : hlen+blen], data[hlen+blen:], nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, toytlv.Record('Z')...), nil
	case string:
		return append(buf, toytlv.Record('S', []byte(t))...), nil
	case int64:
		return append(buf, toytlv.Record('I', ZipInt64(t))...), nil
	case float64:
		var fb [8]byte
		binary.LittleEndian.PutUint64(fb[:], math.Float64bits(t))
		return append(buf, toytlv.Record('F', fb[:])...), nil
	case bool:
		b := byte(0)
		if t {
			b = 1
		}
		return append(buf, toytlv.Record('B', []byte{b})...), nil
	case []any:
		var body []byte
		var err error
		for _, e := range t {
			if body, err = appendValue(body, e); err != nil {
				return nil, err
			}
		}
		return append(buf, toytlv.Record('L', body)...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var body []byte
		var err error
		for _, k := range keys {
			body = append(body, toytlv.Record('S', []byte(k))...)
			if body, err = appendValue(body, t[k]); err != nil {
				return nil, err
			}
		}
		return append(buf, toytlv.Record('M', body)...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrBadValue, v)
	}
}

func takeValue(data []byte) (v any, rest []byte, err error) {
	lit, body, rest, err := takeRecord(data)
	if err != nil {
		return nil, nil, err
	}
	switch lit {
	case 'Z':
		return nil, rest, nil
	case 'S':
		return string(body), rest, nil
	case 'I':
		return UnzipInt64(body), rest, nil
	case 'F':
		if len(body) != 8 {
			return nil, nil, ErrBadValue
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), rest, nil
	case 'B':
		if len(body) != 1 || body[0] > 1 {
			return nil, nil, ErrBadValue
		}
		return body[0] == 1, rest, nil
	case 'L':
		list := []any{}
		for len(body) > 0 {
			var e any
			if e, body, err = takeValue(body); err != nil {
				return nil, nil, err
			}
			list = append(list, e)
		}
		return list, rest, nil
	case 'M':
		m := map[string]any{}
		for len(body) > 0 {
			var klit byte
			var kbody []byte
			if klit, kbody, body, err = takeRecord(body); err != nil {
				return nil, nil, err
			}
			if klit != 'S' && klit != '0' {
				return nil, nil, ErrBadValue
			}
			var e any
			if e, body, err = takeValue(body); err != nil {
				return nil, nil, err
			}
			m[string(kbody)] = e
		}
		return m, rest, nil
	default:
		return nil, nil, fmt.Errorf("%w: lit %c", ErrBadValue, lit)
	}
}

func AppendOp(buf []byte, op delta.Op) ([]byte, error) {
	body := toytlv.Record('N', []byte(op.Name()))
	var err error
	for _, a := range op.Args() {
		if body, err = appendValue(body, a); err != nil {
			return nil, err
		}
	}
	return append(buf, toytlv.Record('O', body)...), nil
}

func ParseOp(rec []byte) (op delta.Op, rest []byte, err error) {
	lit, body, rest, err := takeRecord(rec)
	if err != nil || lit != 'O' {
		return delta.Op{}, nil, ErrBadORecord
	}
	nlit, name, body, err := takeRecord(body)
	if err != nil || nlit != 'N' && nlit != '0' {
		return delta.Op{}, nil, ErrBadORecord
	}
	var args []any
	for len(body) > 0 {
		var a any
		if a, body, err = takeValue(body); err != nil {
			return delta.Op{}, nil, fmt.Errorf("%w: %v", ErrBadORecord, err)
		}
		args = append(args, a)
	}
	return delta.NewOp(string(name), args...), rest, nil
}

func EncodeDelta(d *delta.Delta) ([]byte, error) {
	var body []byte
	var err error
	for _, op := range d.Ops() {
		if body, err = AppendOp(body, op); err != nil {
			return nil, err
		}
	}
	return toytlv.Record('D', body), nil
}

func DecodeDelta(rec []byte) (*delta.Delta, error) {
	lit, body, _, err := takeRecord(rec)
	if err != nil || lit != 'D' {
		return nil, ErrBadDRecord
	}
	var ops []delta.Op
	for len(body) > 0 {
		var op delta.Op
		if op, body, err = ParseOp(body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDRecord, err)
		}
		ops = append(ops, op)
	}
	return delta.New(ops...), nil
}

func encodeTagged(lit byte, rev int64, d *delta.Delta) ([]byte, error) {
	dr, err := EncodeDelta(d)
	if err != nil {
		return nil, err
	}
	return toytlv.Record(lit,
		toytlv.TinyRecord('R', ZipInt64(rev)),
		dr,
	), nil
}

func decodeTagged(lit byte, rec []byte) (rev int64, d *delta.Delta, err error) {
	flit, body, _, err := takeRecord(rec)
	if err != nil || flit != lit {
		return 0, nil, ErrBadCRecord
	}
	rlit, rbody, body, err := takeRecord(body)
	if err != nil || rlit != 'R' && rlit != '0' {
		return 0, nil, ErrBadCRecord
	}
	rev = UnzipInt64(rbody)
	d, err = DecodeDelta(body)
	if err != nil {
		return 0, nil, err
	}
	return rev, d, nil
}

func EncodeChange(c delta.Change) ([]byte, error) {
	return encodeTagged('C', c.Rev, c.Delta)
}

func DecodeChange(rec []byte) (delta.Change, error) {
	rev, d, err := decodeTagged('C', rec)
	if err != nil {
		return delta.Change{}, err
	}
	return delta.Change{Rev: rev, Delta: d}, nil
}

func EncodeSnapshot(s *delta.Snapshot) ([]byte, error) {
	return encodeTagged('P', s.Rev(), s.Delta())
}

func DecodeSnapshot(fam *delta.Family, rec []byte) (*delta.Snapshot, error) {
	rev, d, err := decodeTagged('P', rec)
	if err != nil {
		return nil, ErrBadPRecord
	}
	return delta.NewSnapshot(fam, rev, d)
}
