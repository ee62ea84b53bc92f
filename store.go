package syncpad

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/protocol"
)

// Pebble keyspace, one letter per record family:
//
//	C<doc>\x00<rev BE64>  committed change at rev: xxhash(8B BE) + C record
//	S<doc>                latest materialized snapshot: P record
var WriteOptions = pebble.WriteOptions{Sync: false}

func CKey(doc string, rev int64) []byte {
	key := make([]byte, 0, 1+len(doc)+1+8)
	key = append(key, 'C')
	key = append(key, doc...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, uint64(rev))
}

// CKeyRev picks the revision back out of a change key.
func CKeyRev(key []byte) int64 {
	if len(key) < 1+1+8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func SKey(doc string) []byte {
	key := make([]byte, 0, 1+len(doc))
	key = append(key, 'S')
	return append(key, doc...)
}

func checkDocName(name string) error {
	if name == "" || len(name) > 128 || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrBadDocName, name)
	}
	return nil
}

func (h *Host) putChange(batch *pebble.Batch, doc string, c delta.Change) error {
	rec, err := protocol.EncodeChange(c)
	if err != nil {
		return err
	}
	val := make([]byte, 8, 8+len(rec))
	binary.BigEndian.PutUint64(val, xxhash.Sum64(rec))
	val = append(val, rec...)
	return batch.Set(CKey(doc, c.Rev), val, nil)
}

func parseChangeValue(val []byte) (delta.Change, error) {
	if len(val) < 8 {
		return delta.Change{}, ErrBadCRecord
	}
	sum, rec := binary.BigEndian.Uint64(val[:8]), val[8:]
	if xxhash.Sum64(rec) != sum {
		return delta.Change{}, ErrBadChecksum
	}
	c, err := protocol.DecodeChange(rec)
	if err != nil {
		return delta.Change{}, fmt.Errorf("%w: %v", ErrBadCRecord, err)
	}
	return c, nil
}

func (h *Host) putSnapshot(batch *pebble.Batch, doc string, s *delta.Snapshot) error {
	rec, err := protocol.EncodeSnapshot(s)
	if err != nil {
		return err
	}
	return batch.Set(SKey(doc), rec, nil)
}

// loadChanges reads the committed changes of a doc in (from, till],
// checksum-verified, in revision order.
func (h *Host) loadChanges(doc string, from, till int64) ([]delta.Change, error) {
	it, err := h.db.NewIter(&pebble.IterOptions{
		LowerBound: CKey(doc, from+1),
		UpperBound: CKey(doc, till+1),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []delta.Change
	for it.First(); it.Valid(); it.Next() {
		c, err := parseChangeValue(it.Value())
		if err != nil {
			return nil, fmt.Errorf("doc %q rev %d: %w", doc, CKeyRev(it.Key()), err)
		}
		out = append(out, c)
	}
	return out, it.Error()
}

// loadDoc materializes a doc from the store: the stored snapshot, plus a
// replay of any change records past it. Absent doc comes up empty at
// revision zero.
func (h *Host) loadDoc(name string) (*delta.Snapshot, error) {
	snap, err := delta.NewSnapshot(h.fam, 0, delta.Empty)
	if err != nil {
		return nil, err
	}
	val, closer, err := h.db.Get(SKey(name))
	switch err {
	case nil:
		stored, derr := protocol.DecodeSnapshot(h.fam, val)
		_ = closer.Close()
		if derr != nil {
			return nil, fmt.Errorf("%w: doc %q: %v", ErrBadSRecord, name, derr)
		}
		snap = stored
	case pebble.ErrNotFound:
		// fresh doc
	default:
		return nil, err
	}
	tail, err := h.loadChanges(name, snap.Rev(), int64(1)<<62)
	if err != nil {
		return nil, err
	}
	for _, c := range tail {
		if snap, err = snap.Compose(c); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
