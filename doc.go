package syncpad

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/protocol"
)

// Doc is a single sequenced document hosted by a Host. All commits go
// through ApplyDelta under the doc lock; the lock order is doc before
// host, never the reverse.
type Doc struct {
	name string
	host *Host

	lock sync.Mutex
	snap *delta.Snapshot
	// recent materializations by revision, for rebase diffs
	past *lru.Cache[int64, *delta.Snapshot]
	// closed and replaced on every commit
	wake chan struct{}
}

func newDoc(host *Host, name string, snap *delta.Snapshot) *Doc {
	past, _ := lru.New[int64, *delta.Snapshot](host.opts.CacheSize)
	past.Add(snap.Rev(), snap)
	return &Doc{
		name: name,
		host: host,
		snap: snap,
		past: past,
		wake: make(chan struct{}),
	}
}

func (doc *Doc) Name() string { return doc.name }

// Rev returns the current committed revision.
func (doc *Doc) Rev() int64 {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return doc.snap.Rev()
}

// Snapshot returns the current materialized state.
func (doc *Doc) Snapshot() *delta.Snapshot {
	doc.lock.Lock()
	defer doc.lock.Unlock()
	return doc.snap
}

// Construction returns the full document as a single change against
// revision zero.
func (doc *Doc) Construction() delta.Change {
	doc.lock.Lock()
	snap := doc.snap
	doc.lock.Unlock()
	return delta.Change{Rev: snap.Rev(), Delta: snap.Delta()}
}

// DeltaAfter returns everything committed past rev, composed into one
// change, blocking on ctx while the doc is already at rev. Asking for a
// revision older than the retained window fails with ErrRevisionSkew.
func (doc *Doc) DeltaAfter(ctx context.Context, rev int64) (delta.Change, error) {
	for {
		doc.lock.Lock()
		cur, wake := doc.snap.Rev(), doc.wake
		doc.lock.Unlock()
		if rev > cur {
			return delta.Change{}, protocol.ErrRevisionSkew
		}
		if rev < cur {
			return doc.composeAfter(rev, cur)
		}
		doc.host.longpolls.Add(1)
		select {
		case <-wake:
			doc.host.longpolls.Add(-1)
		case <-ctx.Done():
			doc.host.longpolls.Add(-1)
			return delta.Change{}, ctx.Err()
		}
	}
}

func (doc *Doc) composeAfter(rev, cur int64) (delta.Change, error) {
	if cur-rev > doc.host.opts.Window {
		return delta.Change{}, protocol.ErrRevisionSkew
	}
	changes, err := doc.host.loadChanges(doc.name, rev, cur)
	if err != nil {
		return delta.Change{}, err
	}
	d := delta.Empty
	for _, c := range changes {
		if d, err = delta.Compose(doc.host.fam, d, c.Delta); err != nil {
			return delta.Change{}, err
		}
	}
	return delta.Change{Rev: cur, Delta: d}, nil
}

// at materializes the document as of rev, preferring the recency cache
// and falling back to a replay of the change log. Caller holds the lock.
func (doc *Doc) at(rev int64) (*delta.Snapshot, error) {
	if rev == doc.snap.Rev() {
		return doc.snap, nil
	}
	if snap, ok := doc.past.Get(rev); ok {
		return snap, nil
	}
	snap, err := delta.NewSnapshot(doc.host.fam, 0, delta.Empty)
	if err != nil {
		return nil, err
	}
	changes, err := doc.host.loadChanges(doc.name, 0, rev)
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		if snap, err = snap.Compose(c); err != nil {
			return nil, err
		}
	}
	doc.past.Add(rev, snap)
	return snap, nil
}

// ApplyDelta commits d against base. When base is the current revision
// the delta lands as is. When other clients got in first, d is rebased
// over the interleaved changes (the late client wins field ties) and the
// returned correction carries whatever the caller must fold into its own
// expected state to converge; an up-to-date commit returns an empty one.
func (doc *Doc) ApplyDelta(base int64, d *delta.Delta) (int64, *delta.Delta, error) {
	start := time.Now()
	doc.lock.Lock()
	defer doc.lock.Unlock()

	cur := doc.snap.Rev()
	if base > cur || cur-base > doc.host.opts.Window {
		return 0, nil, protocol.ErrRevisionSkew
	}

	landed, correction := d, delta.Empty
	if base < cur {
		interleaved, err := doc.composeAfter(base, cur)
		if err != nil {
			return 0, nil, err
		}
		// the late client's ops win ties against interleaved changes
		landed, err = delta.Transform(doc.host.fam, interleaved.Delta, d, true)
		if err != nil {
			return 0, nil, err
		}
	}
	next, err := doc.snap.Compose(delta.Change{Rev: cur + 1, Delta: landed})
	if err != nil {
		return 0, nil, err
	}
	if base < cur {
		baseSnap, err := doc.at(base)
		if err != nil {
			return 0, nil, err
		}
		expected, err := baseSnap.Compose(delta.Change{Rev: cur + 1, Delta: d})
		if err != nil {
			return 0, nil, err
		}
		fix, err := expected.Diff(next)
		if err != nil {
			return 0, nil, err
		}
		correction = fix.Delta
		if !correction.IsEmpty() {
			doc.host.corrections.Add(1)
		}
	}

	committed := delta.Change{Rev: next.Rev(), Delta: landed}
	if err = doc.host.commit(doc.name, next, committed); err != nil {
		return 0, nil, err
	}
	doc.snap = next
	doc.past.Add(next.Rev(), next)
	close(doc.wake)
	doc.wake = make(chan struct{})

	doc.host.applies.Add(1)
	doc.host.applyNanos.Add(float64(time.Since(start).Nanoseconds()))
	return next.Rev(), correction, nil
}
