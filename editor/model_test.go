package editor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/utils"
)

func docAt(t *testing.T, rev int64, ops ...delta.Op) *delta.Snapshot {
	t.Helper()
	snap, err := delta.NewSnapshot(delta.Document(), rev, delta.New(ops...))
	require.NoError(t, err)
	return snap
}

func TestModelQueuesUserEdits(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.SetDocument(docAt(t, 3), uuid.New()))

	require.NoError(t, m.SetProperty("title", "draft"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	edit, err := m.Feed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), edit.Rev)
	assert.Equal(t, m.Source(), edit.Source)
	assert.True(t, edit.Delta.Equal(delta.New(delta.SetProperty("title", "draft"))))

	// the surface applied it optimistically
	rec, ok := m.Snapshot().Record("property/title")
	require.True(t, ok)
	assert.Equal(t, "draft", rec["value"])
}

func TestModelProgrammaticWritesNotEchoed(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.SetDocument(docAt(t, 3), uuid.New()))

	session := uuid.New()
	d := delta.New(delta.SetProperty("remote", int64(1)))
	require.NoError(t, m.ApplyDelta(d, 4, session))

	_, ok := m.TryFeed()
	assert.False(t, ok)
	assert.Equal(t, int64(4), m.Rev())

	// the next user edit bases on the pushed-in revision
	require.NoError(t, m.SetProperty("mine", int64(2)))
	edit, ok := m.TryFeed()
	require.True(t, ok)
	assert.Equal(t, int64(4), edit.Rev)
}

func TestModelCaretHelpers(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.SetDocument(docAt(t, 0), uuid.New()))

	require.NoError(t, m.BeginSession("s1", 0, 0, "red", "ann"))
	require.NoError(t, m.MoveCaret("s1", 7, 2))

	rec, ok := m.Snapshot().Record("session/s1")
	require.True(t, ok)
	assert.Equal(t, int64(7), rec["index"])
	assert.Equal(t, int64(2), rec["length"])
	assert.Equal(t, "ann", rec["author"])

	require.NoError(t, m.EndSession("s1"))
	_, ok = m.Snapshot().Get("session/s1")
	assert.False(t, ok)
	// three user edits queued
	assert.Equal(t, 3, func() int {
		n := 0
		for {
			if _, ok := m.TryFeed(); !ok {
				return n
			}
			n++
		}
	}())
}

func TestModelNeedsDocument(t *testing.T) {
	m := NewModel()
	assert.ErrorIs(t, m.SetProperty("x", 1), ErrNoDocument)
}

func TestModelClose(t *testing.T) {
	m := NewModel()
	require.NoError(t, m.SetDocument(docAt(t, 0), uuid.New()))
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.SetProperty("x", 1), utils.ErrClosed)
}
