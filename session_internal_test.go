package syncpad

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/protocol"
	"github.com/syncpad/syncpad/utils"
)

type applyCall struct {
	d      *delta.Delta
	rev    int64
	source uuid.UUID
}

// fakeEditor keeps a composed surface state and records programmatic
// writes; tests inject "user" edits straight into the queue.
type fakeEditor struct {
	mu      sync.Mutex
	snap    *delta.Snapshot
	applied []applyCall
	q       *utils.FDQueue[*Edit]
}

func newFakeEditor() *fakeEditor {
	return &fakeEditor{q: utils.NewFDQueue[*Edit](64)}
}

func (f *fakeEditor) SetDocument(snap *delta.Snapshot, source uuid.UUID) error {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
	return nil
}

func (f *fakeEditor) ApplyDelta(d *delta.Delta, rev int64, source uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.snap.Compose(delta.Change{Rev: rev, Delta: d})
	if err != nil {
		return err
	}
	f.snap = next
	f.applied = append(f.applied, applyCall{d: d, rev: rev, source: source})
	return nil
}

// userEdit mimics a genuine user action: the surface applies it
// optimistically and the edit queues up for the session.
func (f *fakeEditor) userEdit(e *Edit) error {
	f.mu.Lock()
	next, err := f.snap.Compose(delta.Change{Rev: f.snap.Rev(), Delta: e.Delta})
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.snap = next
	f.mu.Unlock()
	return f.q.Drain(e)
}

func (f *fakeEditor) Feed(ctx context.Context) (*Edit, error) { return f.q.Feed(ctx) }

func (f *fakeEditor) TryFeed() (*Edit, bool) { return f.q.TryFeed() }

func (f *fakeEditor) surface() *delta.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEditor) applies() []applyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]applyCall(nil), f.applied...)
}

type fakeAPI struct {
	snapshotFn   func(ctx context.Context) (delta.Change, error)
	deltaAfterFn func(ctx context.Context, rev int64) (delta.Change, error)
	applyFn      func(ctx context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error)
}

func (f *fakeAPI) Snapshot(ctx context.Context) (delta.Change, error) {
	return f.snapshotFn(ctx)
}

func (f *fakeAPI) DeltaAfter(ctx context.Context, rev int64) (delta.Change, error) {
	if f.deltaAfterFn != nil {
		return f.deltaAfterFn(ctx, rev)
	}
	<-ctx.Done()
	return delta.Change{}, &protocol.APIError{Method: "deltaAfter", Kind: protocol.ErrKindConn, Err: ctx.Err()}
}

func (f *fakeAPI) ApplyDelta(ctx context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
	return f.applyFn(ctx, rev, d)
}

func snapshotAt(rev int64) func(context.Context) (delta.Change, error) {
	return func(context.Context) (delta.Change, error) {
		return delta.Change{Rev: rev, Delta: delta.New(delta.SetProperty("title", "draft"))}, nil
	}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		PollPacing: 5 * time.Millisecond,
		Coalesce:   5 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
		Logger:     utils.NewDefaultLogger(slog.LevelError),
	}
}

func startSession(t *testing.T, api protocol.API, ed Editor) *Session {
	t.Helper()
	s := NewSession(t.Name(), delta.Document(), api, ed, testSessionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + what)
}

func TestSessionStartsIdle(t *testing.T) {
	api := &fakeAPI{snapshotFn: snapshotAt(5)}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))
	require.NotNil(t, s.Doc())
	assert.Equal(t, int64(5), s.Doc().Rev())
	assert.True(t, s.Doc().Equal(ed.surface()))
}

func TestSessionSimplePush(t *testing.T) {
	var mu sync.Mutex
	var pushes []applyCall
	api := &fakeAPI{
		snapshotFn: snapshotAt(5),
		applyFn: func(_ context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
			mu.Lock()
			pushes = append(pushes, applyCall{d: d, rev: rev})
			mu.Unlock()
			return rev + 1, delta.Empty, nil
		},
	}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))

	edit := delta.New(delta.SetProperty("x", int64(2)))
	require.NoError(t, ed.userEdit(&Edit{Rev: 5, Delta: edit, Source: uuid.New()}))

	eventually(t, func() bool { return s.Doc() != nil && s.Doc().Rev() == 6 }, "rev 6")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushes, 1)
	assert.Equal(t, int64(5), pushes[0].rev)
	assert.True(t, pushes[0].d.Equal(edit))
	rec, ok := s.Doc().Record("property/x")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec["value"])
}

func TestSessionStaleLocalEditDiscarded(t *testing.T) {
	pushed := make(chan struct{}, 1)
	api := &fakeAPI{
		snapshotFn: snapshotAt(5),
		applyFn: func(_ context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
			pushed <- struct{}{}
			return rev + 1, delta.Empty, nil
		},
	}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))

	stale := &Edit{Rev: 4, Delta: delta.New(delta.SetProperty("x", int64(1))), Source: uuid.New()}
	require.NoError(t, ed.q.Drain(stale))

	select {
	case <-pushed:
		t.Fatal("stale edit was pushed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(5), s.Doc().Rev())
}

func TestSessionSelfEchoConsumed(t *testing.T) {
	pushed := make(chan *delta.Delta, 1)
	api := &fakeAPI{
		snapshotFn: snapshotAt(5),
		applyFn: func(_ context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
			pushed <- d
			return rev + 1, delta.Empty, nil
		},
	}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))

	echo := &Edit{Rev: 5, Delta: delta.New(delta.SetProperty("x", int64(1))), Source: s.Source()}
	require.NoError(t, ed.q.Drain(echo))
	select {
	case <-pushed:
		t.Fatal("own echo was pushed")
	case <-time.After(50 * time.Millisecond):
	}

	genuine := delta.New(delta.SetProperty("y", int64(2)))
	require.NoError(t, ed.q.Drain(&Edit{Rev: 5, Delta: genuine, Source: uuid.New()}))
	select {
	case d := <-pushed:
		assert.True(t, d.Equal(genuine))
	case <-time.After(2 * time.Second):
		t.Fatal("genuine edit never pushed")
	}
}

func TestSessionErrorWaitRecovers(t *testing.T) {
	var calls int
	var mu sync.Mutex
	api := &fakeAPI{
		snapshotFn: func(ctx context.Context) (delta.Change, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return delta.Change{}, &protocol.APIError{
					Method: "snapshot", Kind: protocol.ErrKindConn, Err: errors.New("refused"),
				}
			}
			return snapshotAt(3)(ctx)
		},
	}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))
	assert.Equal(t, int64(3), s.Doc().Rev())
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestSessionServerRaceRebase(t *testing.T) {
	fam := delta.Document()
	dMore := delta.New(delta.SetProperty("more", "typed"))
	corr := delta.New(delta.SetProperty("raced", "other"))
	moreQueued := make(chan struct{})
	pushes := make(chan applyCall, 2)

	var ed *fakeEditor
	api := &fakeAPI{
		snapshotFn: snapshotAt(5),
		applyFn: func(_ context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
			pushes <- applyCall{d: d, rev: rev}
			if rev == 5 {
				// while the push is in flight the user types again
				_ = ed.userEdit(&Edit{Rev: 5, Delta: dMore, Source: uuid.New()})
				close(moreQueued)
				return 6, corr, nil
			}
			return rev + 1, delta.Empty, nil
		},
	}
	ed = newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))

	first := delta.New(delta.SetProperty("mine", "edit"))
	require.NoError(t, ed.userEdit(&Edit{Rev: 5, Delta: first, Source: uuid.New()}))

	p1 := <-pushes
	assert.Equal(t, int64(5), p1.rev)
	assert.True(t, p1.d.Equal(first))
	<-moreQueued

	// the next cycle pushes the user's newer edits re-expressed against
	// the corrected document
	p2 := <-pushes
	assert.Equal(t, int64(6), p2.rev)
	want, err := delta.Transform(fam, corr, dMore, true)
	require.NoError(t, err)
	assert.True(t, p2.d.Equal(want))

	eventually(t, func() bool { return s.Doc() != nil && s.Doc().Rev() == 7 }, "rev 7")
	doc := s.Doc()
	_, hasCorr := doc.Get("property/raced")
	assert.True(t, hasCorr)
	assert.True(t, doc.Equal(ed.surface()))
}

func TestSessionAppliesServerChanges(t *testing.T) {
	poll := make(chan delta.Change, 1)
	api := &fakeAPI{
		snapshotFn: snapshotAt(5),
		deltaAfterFn: func(ctx context.Context, rev int64) (delta.Change, error) {
			select {
			case c := <-poll:
				return c, nil
			case <-ctx.Done():
				return delta.Change{}, &protocol.APIError{Method: "deltaAfter", Kind: protocol.ErrKindConn, Err: ctx.Err()}
			}
		},
	}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))

	// another session's change lands and reaches the surface
	poll <- delta.Change{Rev: 6, Delta: delta.New(delta.SetProperty("p", int64(1)))}
	eventually(t, func() bool { return s.Doc().Rev() == 6 }, "rev 6")
	assert.True(t, s.Doc().Equal(ed.surface()))
	rec, ok := ed.surface().Record("property/p")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec["value"])
}

func TestSessionStaleDeltaAfterDiscarded(t *testing.T) {
	release := make(chan delta.Change, 1)
	api := &fakeAPI{
		snapshotFn: snapshotAt(5),
		deltaAfterFn: func(ctx context.Context, rev int64) (delta.Change, error) {
			if rev == 5 {
				select {
				case c := <-release:
					return c, nil
				case <-ctx.Done():
				}
			} else {
				<-ctx.Done()
			}
			return delta.Change{}, &protocol.APIError{Method: "deltaAfter", Kind: protocol.ErrKindConn, Err: ctx.Err()}
		},
		applyFn: func(_ context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
			return rev + 1, delta.Empty, nil
		},
	}
	ed := newFakeEditor()
	s := startSession(t, api, ed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, Idle))

	// a push moves the doc past the poll's captured base
	edit := delta.New(delta.SetProperty("x", int64(1)))
	require.NoError(t, ed.userEdit(&Edit{Rev: 5, Delta: edit, Source: uuid.New()}))
	eventually(t, func() bool { return s.Doc().Rev() == 6 }, "rev 6")

	// now the poll for base 5 answers; it no longer matches and must
	// produce no state mutation
	release <- delta.Change{Rev: 6, Delta: delta.New(delta.SetProperty("p", int64(9)))}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(6), s.Doc().Rev())
	_, has := s.Doc().Get("property/p")
	assert.False(t, has)
}
