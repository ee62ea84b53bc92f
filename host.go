package syncpad

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/protocol"
	"github.com/syncpad/syncpad/utils"
)

const OutQueueLimit = 1 << 20

type Options struct {
	// Window is how many revisions behind the head a client may lag
	// before it gets ErrRevisionSkew and has to resync.
	Window int64
	// CacheSize is the per-doc LRU of materialized past revisions.
	CacheSize int
	Logger    utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Window == 0 {
		o.Window = 4096
	}
	if o.CacheSize == 0 {
		o.CacheSize = 64
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Host is the sequencing side of the system: it owns the pebble store,
// the registry of live docs and the packet hoses feeding committed
// changes to attached peers.
type Host struct {
	src  uuid.UUID
	dir  string
	opts Options
	log  utils.Logger
	fam  *delta.Family

	db   *pebble.DB
	docs *xsync.MapOf[string, *Doc]

	outlock sync.Mutex
	outq    map[string]toyqueue.DrainCloser

	applies     atomic.Int64
	corrections atomic.Int64
	longpolls   atomic.Int64
	applyNanos  *utils.AvgVal
}

// Open opens or creates a host store at dir.
func Open(dir string, fam *delta.Family, opts Options) (*Host, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Host{
		src:        uuid.New(),
		dir:        dir,
		opts:       opts,
		log:        opts.Logger,
		fam:        fam,
		db:         db,
		docs:       xsync.NewMapOf[string, *Doc](),
		outq:       make(map[string]toyqueue.DrainCloser),
		applyNanos: utils.NewAvgVal(0),
	}, nil
}

func (h *Host) Close() error {
	h.outlock.Lock()
	for name, hose := range h.outq {
		_ = hose.Close()
		delete(h.outq, name)
	}
	h.outlock.Unlock()
	if h.db == nil {
		return ErrClosed
	}
	err := h.db.Close()
	h.db = nil
	return err
}

func (h *Host) Source() uuid.UUID { return h.src }

// Doc returns the named doc, loading it from the store on first use.
func (h *Host) Doc(name string) (*Doc, error) {
	if err := checkDocName(name); err != nil {
		return nil, err
	}
	var lerr error
	doc, _ := h.docs.LoadOrCompute(name, func() *Doc {
		snap, err := h.loadDoc(name)
		if err != nil {
			lerr = err
			return nil
		}
		h.log.Info("doc loaded", "doc", name, "rev", snap.Rev())
		return newDoc(h, name, snap)
	})
	if doc == nil {
		h.docs.Delete(name)
		return nil, lerr
	}
	return doc, nil
}

// Resolver adapts the host to the transport layer's doc lookup.
func (h *Host) Resolver() protocol.DocResolver { return hostResolver{h} }

type hostResolver struct{ h *Host }

func (r hostResolver) Doc(name string) (protocol.Doc, error) {
	doc, err := r.h.Doc(name)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// commit persists a freshly composed revision atomically with its
// change record, then feeds the change to every attached hose.
func (h *Host) commit(doc string, snap *delta.Snapshot, c delta.Change) error {
	batch := h.db.NewBatch()
	defer batch.Close()
	if err := h.putChange(batch, doc, c); err != nil {
		return err
	}
	if err := h.putSnapshot(batch, doc, snap); err != nil {
		return err
	}
	if err := batch.Commit(&WriteOptions); err != nil {
		return err
	}
	rec, err := protocol.EncodeChange(c)
	if err == nil {
		h.Broadcast(toyqueue.Records{rec}, "")
	}
	return nil
}

func (h *Host) AddPacketHose(name string) (feed toyqueue.FeedCloser) {
	queue := toyqueue.RecordQueue{Limit: OutQueueLimit}
	h.outlock.Lock()
	q := h.outq[name]
	h.outq[name] = &queue
	h.outlock.Unlock()
	if q != nil {
		h.log.Info("closing the old hose", "name", name)
		_ = q.Close()
	}
	return queue.Blocking()
}

func (h *Host) RemovePacketHose(name string) error {
	h.outlock.Lock()
	q := h.outq[name]
	delete(h.outq, name)
	h.outlock.Unlock()
	if q == nil {
		return fmt.Errorf("%w: %q", ErrHoseUnknown, name)
	}
	return q.Close()
}

func (h *Host) Broadcast(records toyqueue.Records, except string) {
	h.outlock.Lock()
	for name, hose := range h.outq {
		if name == except {
			continue
		}
		if err := hose.Drain(records); err != nil {
			delete(h.outq, name)
		}
	}
	h.outlock.Unlock()
}
