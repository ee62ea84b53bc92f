// Package editor is an in-process editing surface: a document model that
// applies local edits optimistically and feeds them to a sync session
// through a single-consumer queue.
package editor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/syncpad/syncpad"
	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/utils"
)

const editQueueLimit = 1 << 12

var ErrNoDocument = errors.New("editor: no document attached")

// Model holds the surface state: the server-confirmed base plus any
// optimistic local edits composed on top. Edits made through the Op
// helpers are queued for the session; writes arriving tagged with
// another source (the session's programmatic updates) are not echoed.
type Model struct {
	mu     sync.Mutex
	snap   *delta.Snapshot
	rev    int64
	source uuid.UUID
	edits  *utils.FDQueue[*syncpad.Edit]
}

func NewModel() *Model {
	return &Model{
		source: uuid.New(),
		edits:  utils.NewFDQueue[*syncpad.Edit](editQueueLimit),
	}
}

// Source is the marker the model stamps on user edits.
func (m *Model) Source() uuid.UUID { return m.source }

func (m *Model) Close() error { return m.edits.Close() }

// Snapshot returns the current surface state, nil before SetDocument.
func (m *Model) Snapshot() *delta.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Rev is the revision of the last write the session pushed in; user
// edits are stamped with it as their base.
func (m *Model) Rev() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rev
}

func (m *Model) SetDocument(snap *delta.Snapshot, source uuid.UUID) error {
	m.mu.Lock()
	m.snap = snap
	m.rev = snap.Rev()
	m.mu.Unlock()
	return nil
}

func (m *Model) ApplyDelta(d *delta.Delta, rev int64, source uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return ErrNoDocument
	}
	next, err := m.snap.Compose(delta.Change{Rev: rev, Delta: d})
	if err != nil {
		return err
	}
	m.snap = next
	m.rev = rev
	return nil
}

func (m *Model) Feed(ctx context.Context) (*syncpad.Edit, error) {
	return m.edits.Feed(ctx)
}

func (m *Model) TryFeed() (*syncpad.Edit, bool) {
	return m.edits.TryFeed()
}

// Edit applies a user delta to the surface and queues it for the session.
func (m *Model) Edit(d *delta.Delta) error {
	m.mu.Lock()
	if m.snap == nil {
		m.mu.Unlock()
		return ErrNoDocument
	}
	next, err := m.snap.Compose(delta.Change{Rev: m.snap.Rev(), Delta: d})
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.snap = next
	edit := &syncpad.Edit{Rev: m.rev, Delta: d, Source: m.source}
	m.mu.Unlock()
	return m.edits.Drain(edit)
}

func (m *Model) Ops(ops ...delta.Op) error {
	return m.Edit(delta.New(ops...))
}

func (m *Model) BeginSession(id string, index, length int64, color, author string) error {
	return m.Ops(delta.BeginSession(id, index, length, color, author))
}

func (m *Model) MoveCaret(id string, index, length int64) error {
	return m.Ops(
		delta.SetField(id, "index", index),
		delta.SetField(id, "length", length),
	)
}

func (m *Model) EndSession(id string) error {
	return m.Ops(delta.EndSession(id))
}

func (m *Model) SetProperty(name string, value any) error {
	return m.Ops(delta.SetProperty(name, value))
}

func (m *Model) DeleteProperty(name string) error {
	return m.Ops(delta.DeleteProperty(name))
}
