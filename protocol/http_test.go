package protocol

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/utils"
)

// fakeDoc is the simplest possible sequencer: a snapshot plus a list of
// changes, no rebasing (the tests for that live with the real Doc).
type fakeDoc struct {
	mu      sync.Mutex
	fam     *delta.Family
	snap    *delta.Snapshot
	wake    chan struct{}
	applyFn func(rev int64, d *delta.Delta) (int64, *delta.Delta, error)
}

func newFakeDoc(t *testing.T) *fakeDoc {
	snap, err := delta.NewSnapshot(delta.Properties(), 0, delta.Empty)
	require.NoError(t, err)
	return &fakeDoc{fam: delta.Properties(), snap: snap, wake: make(chan struct{})}
}

func (f *fakeDoc) Construction() delta.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return delta.Change{Rev: f.snap.Rev(), Delta: f.snap.Delta()}
}

func (f *fakeDoc) DeltaAfter(ctx context.Context, rev int64) (delta.Change, error) {
	for {
		f.mu.Lock()
		cur := f.snap
		wake := f.wake
		f.mu.Unlock()
		if cur.Rev() > rev {
			return delta.Change{Rev: cur.Rev(), Delta: cur.Delta()}, nil
		}
		select {
		case <-ctx.Done():
			return delta.Change{}, ctx.Err()
		case <-wake:
		}
	}
}

func (f *fakeDoc) ApplyDelta(rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
	if f.applyFn != nil {
		return f.applyFn(rev, d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rev != f.snap.Rev() {
		return 0, nil, ErrRevisionSkew
	}
	next, err := f.snap.Compose(delta.Change{Rev: rev + 1, Delta: d})
	if err != nil {
		return 0, nil, err
	}
	f.snap = next
	close(f.wake)
	f.wake = make(chan struct{})
	return next.Rev(), delta.Empty, nil
}

type fakeResolver struct{ doc *fakeDoc }

func (r *fakeResolver) Doc(name string) (Doc, error) {
	if name != "pad" {
		return nil, ErrUnknownDoc
	}
	return r.doc, nil
}

func testClient(t *testing.T, cfg ServerConfig) (*Client, *fakeDoc) {
	log := utils.NewDefaultLogger(slog.LevelError)
	doc := newFakeDoc(t)
	srv := NewServerWithConfig(&fakeResolver{doc: doc}, cfg, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client, err := NewClient(ts.URL, "pad", log)
	require.NoError(t, err)
	return client, doc
}

func TestClientSnapshotAndApply(t *testing.T) {
	client, _ := testClient(t, ServerConfig{})
	ctx := context.Background()

	ch, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ch.Rev)
	assert.True(t, ch.IsEmpty())

	rev, correction, err := client.ApplyDelta(ctx, 0, delta.New(delta.SetProperty("x", int64(1))))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
	assert.True(t, correction.IsEmpty())

	ch, err = client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ch.Rev)
	assert.Equal(t, 1, ch.Delta.Len())
}

func TestClientDeltaAfterBlocksUntilChange(t *testing.T) {
	client, _ := testClient(t, ServerConfig{PollTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	got := make(chan delta.Change, 1)
	go func() {
		ch, err := client.DeltaAfter(ctx, 0)
		if err == nil {
			got <- ch
		}
	}()

	// let at least one empty poll round-trip happen first
	time.Sleep(120 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("poll returned without a change")
	default:
	}

	_, _, err := client.ApplyDelta(ctx, 0, delta.New(delta.SetProperty("x", int64(1))))
	require.NoError(t, err)

	select {
	case ch := <-got:
		assert.Equal(t, int64(1), ch.Rev)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll never woke")
	}
}

func TestClientErrors(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	client, doc := testClient(t, ServerConfig{})
	ctx := context.Background()

	// unknown doc is a protocol error
	badDoc, err := NewClient(client.base.String(), "nope", log)
	require.NoError(t, err)
	_, aerr := badDoc.Snapshot(ctx)
	var apiErr *APIError
	require.ErrorAs(t, aerr, &apiErr)
	assert.Equal(t, ErrKindProto, apiErr.Kind)
	assert.ErrorIs(t, apiErr, ErrUnknownDoc)

	// stale base revision surfaces as revision skew
	doc.applyFn = func(rev int64, d *delta.Delta) (int64, *delta.Delta, error) {
		return 0, nil, ErrRevisionSkew
	}
	_, _, aerr = client.ApplyDelta(ctx, 99, delta.New(delta.SetProperty("x", int64(1))))
	require.ErrorAs(t, aerr, &apiErr)
	assert.Equal(t, ErrKindProto, apiErr.Kind)
	assert.ErrorIs(t, apiErr, ErrRevisionSkew)

	// a dead server is a connection error
	dead, err := NewClient("http://127.0.0.1:1", "pad", log)
	require.NoError(t, err)
	_, aerr = dead.Snapshot(ctx)
	require.ErrorAs(t, aerr, &apiErr)
	assert.Equal(t, ErrKindConn, apiErr.Kind)
}

func TestServerRejectsBadApplyBody(t *testing.T) {
	client, _ := testClient(t, ServerConfig{})
	resp, err := client.hc.Post(
		client.endpoint("apply", url.Values{"base": {"0"}}),
		ContentType, strings.NewReader("not a delta"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}
