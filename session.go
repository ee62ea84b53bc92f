package syncpad

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syncpad/syncpad/delta"
	"github.com/syncpad/syncpad/fsm"
	"github.com/syncpad/syncpad/protocol"
	"github.com/syncpad/syncpad/utils"
)

// Edit is one locally observed change: a delta, the revision of the
// document it was computed against, and a marker for who produced it.
// The sync engine tags its own programmatic writes with the session's
// source so the editor never echoes them back as user input.
type Edit struct {
	Rev    int64
	Delta  *delta.Delta
	Source uuid.UUID
}

// Editor is the editing surface a session drives. SetDocument and
// ApplyDelta push state in; Feed and TryFeed pull local edits out, each
// edit surfacing exactly once.
type Editor interface {
	SetDocument(snap *delta.Snapshot, source uuid.UUID) error
	ApplyDelta(d *delta.Delta, rev int64, source uuid.UUID) error
	Feed(ctx context.Context) (*Edit, error)
	TryFeed() (*Edit, bool)
}

// Session states.
const (
	Detached   fsm.State = "detached"
	Starting   fsm.State = "starting"
	Idle       fsm.State = "idle"
	Collecting fsm.State = "collecting"
	Merging    fsm.State = "merging"
	ErrorWait  fsm.State = "errorWait"
)

type evStart struct{}

func (evStart) Kind() string { return "start" }

type evAPIError struct {
	method string
	err    error
}

func (evAPIError) Kind() string { return "apiError" }

type evGotSnapshot struct{ change delta.Change }

func (evGotSnapshot) Kind() string { return "gotSnapshot" }

type evWantChanges struct{}

func (evWantChanges) Kind() string { return "wantChanges" }

type evGotDeltaAfter struct {
	base   int64
	change delta.Change
}

func (evGotDeltaAfter) Kind() string { return "gotDeltaAfter" }

type evGotLocalDelta struct{ edit *Edit }

func (evGotLocalDelta) Kind() string { return "gotLocalDelta" }

type evWantApplyDelta struct{}

func (evWantApplyDelta) Kind() string { return "wantApplyDelta" }

type evGotApplyDelta struct {
	rev        int64
	correction *delta.Delta
}

func (evGotApplyDelta) Kind() string { return "gotApplyDelta" }

type SessionConfig struct {
	// PollPacing is the delay before the next change poll after one lands.
	PollPacing time.Duration
	// Coalesce batches rapid keystrokes into one round trip.
	Coalesce time.Duration
	// RetryDelay is the restart delay after an api error.
	RetryDelay time.Duration
	Logger     utils.Logger
}

func (c *SessionConfig) SetDefaults() {
	if c.PollPacing == 0 {
		c.PollPacing = 100 * time.Millisecond
	}
	if c.Coalesce == 0 {
		c.Coalesce = 250 * time.Millisecond
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Session is the client side of the protocol: it pulls server changes,
// pushes coalesced local edits, and rebases in-flight local work over
// server corrections. All session state below the machine is touched
// only from the machine's run goroutine, so none of it is locked except
// the doc pointer, which outside readers may inspect.
type Session struct {
	fam    *delta.Family
	api    protocol.API
	editor Editor
	log    utils.Logger
	cfg    SessionConfig
	source uuid.UUID
	m      *fsm.Machine

	mu  sync.Mutex
	doc *delta.Snapshot

	pending []*Edit
	// in-flight push: the doc it was based on and the composed delta sent
	pushDoc *delta.Snapshot
	pushed  *delta.Delta
	// at most one outstanding request per kind
	pollBusy bool
	editBusy bool
	pushBusy bool
}

func NewSession(name string, fam *delta.Family, api protocol.API, editor Editor, cfg SessionConfig) *Session {
	cfg.SetDefaults()
	s := &Session{
		fam:    fam,
		api:    api,
		editor: editor,
		log:    cfg.Logger,
		cfg:    cfg,
		source: uuid.New(),
		m:      fsm.New(name, Detached, cfg.Logger),
	}
	s.m.On(Detached, "start", s.onStart)
	s.m.On(ErrorWait, "start", s.onStart)
	s.m.On(Starting, "gotSnapshot", s.onGotSnapshot)
	s.m.On(Idle, "wantChanges", s.onWantChanges)
	s.m.On(Idle, "gotDeltaAfter", s.onGotDeltaAfter)
	s.m.On(Idle, "gotLocalDelta", s.onGotLocalDelta)
	s.m.On(Collecting, "gotLocalDelta", s.onMoreLocalDelta)
	s.m.On(Merging, "gotLocalDelta", s.onMoreLocalDelta)
	s.m.On(Collecting, "wantApplyDelta", s.onWantApplyDelta)
	s.m.On(Merging, "gotApplyDelta", s.onGotApplyDelta)
	s.m.On(fsm.Any, "apiError", s.onAPIError)
	// late or mid-flight arrivals of these are expected race outcomes
	s.m.On(fsm.Any, "wantChanges", s.onIgnore)
	s.m.On(fsm.Any, "wantApplyDelta", s.onIgnore)
	s.m.On(fsm.Any, "gotSnapshot", s.onIgnore)
	s.m.On(fsm.Any, "gotDeltaAfter", s.onDropDeltaAfter)
	s.m.On(fsm.Any, "gotLocalDelta", s.onDropLocalDelta)
	s.m.On(fsm.Any, "gotApplyDelta", s.onDropApplyDelta)
	return s
}

// Run attaches the session and drives it until the context is done or
// the machine halts on an unrecoverable fault.
func (s *Session) Run(ctx context.Context) error {
	s.m.Post(evStart{})
	return s.m.Run(ctx)
}

// WaitFor blocks until the session enters the given state.
func (s *Session) WaitFor(ctx context.Context, state fsm.State) error {
	return s.m.WaitFor(ctx, state)
}

func (s *Session) State() fsm.State { return s.m.State() }

func (s *Session) Source() uuid.UUID { return s.source }

// Doc returns the last server-confirmed document state, nil before the
// first snapshot lands.
func (s *Session) Doc() *delta.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *Session) setDoc(snap *delta.Snapshot) {
	s.mu.Lock()
	s.doc = snap
	s.mu.Unlock()
}

func (s *Session) onStart(ctx context.Context, _ fsm.Event) error {
	s.m.SetState(Starting)
	go func() {
		c, err := s.api.Snapshot(ctx)
		if err != nil {
			s.m.Post(evAPIError{method: "snapshot", err: err})
			return
		}
		s.m.Post(evGotSnapshot{change: c})
	}()
	return nil
}

func (s *Session) onGotSnapshot(ctx context.Context, e fsm.Event) error {
	ev := e.(evGotSnapshot)
	snap, err := delta.NewSnapshot(s.fam, ev.change.Rev, ev.change.Delta)
	if err != nil {
		return err
	}
	s.setDoc(snap)
	s.pending = nil
	if err := s.editor.SetDocument(snap, s.source); err != nil {
		return err
	}
	s.m.SetState(Idle)
	s.m.Post(evWantChanges{})
	return nil
}

// onWantChanges arms the two pull legs, each at most once in flight:
// the server long-poll and the local edit wait. Both capture the base
// revision at dispatch so late responses can be checked for staleness.
func (s *Session) onWantChanges(ctx context.Context, _ fsm.Event) error {
	if !s.pollBusy {
		s.pollBusy = true
		base := s.Doc().Rev()
		go func() {
			c, err := s.api.DeltaAfter(ctx, base)
			if err != nil {
				s.m.Post(evAPIError{method: "deltaAfter", err: err})
				return
			}
			s.m.Post(evGotDeltaAfter{base: base, change: c})
		}()
	}
	if !s.editBusy {
		s.editBusy = true
		go func() {
			edit, err := s.editor.Feed(ctx)
			if err != nil {
				s.m.Post(evAPIError{method: "nextEdit", err: err})
				return
			}
			s.m.Post(evGotLocalDelta{edit: edit})
		}()
	}
	return nil
}

func (s *Session) onGotDeltaAfter(ctx context.Context, e fsm.Event) error {
	ev := e.(evGotDeltaAfter)
	s.pollBusy = false
	doc := s.Doc()
	if ev.base == doc.Rev() && !ev.change.IsEmpty() {
		next, err := doc.Compose(ev.change)
		if err != nil {
			return err
		}
		s.setDoc(next)
		if err := s.editor.ApplyDelta(ev.change.Delta, ev.change.Rev, s.source); err != nil {
			return err
		}
	} else if ev.base != doc.Rev() {
		s.log.Debug("stale poll response discarded", "base", ev.base, "rev", doc.Rev())
	}
	time.AfterFunc(s.cfg.PollPacing, func() { s.m.Post(evWantChanges{}) })
	return nil
}

/// admit filters a local edit: the session's own programmatic writes and
// edits against a superseded revision are consumed without effect.
func (s *Session) admit(edit *Edit) bool {
	if edit.Source == s.source {
		s.log.Debug("own edit echo consumed")
		return false
	}
	if edit.Rev != s.Doc().Rev() {
		s.log.Debug("stale local edit discarded", "base", edit.Rev, "rev", s.Doc().Rev())
		return false
	}
	return true
}

func (s *Session) onGotLocalDelta(ctx context.Context, e fsm.Event) error {
	ev := e.(evGotLocalDelta)
	s.editBusy = false
	if !s.admit(ev.edit) {
		s.m.Post(evWantChanges{})
		return nil
	}
	s.pending = append(s.pending, ev.edit)
	s.m.SetState(Collecting)
	time.AfterFunc(s.cfg.Coalesce, func() { s.m.Post(evWantApplyDelta{}) })
	return nil
}

// onMoreLocalDelta accumulates edits that land while a push cycle is
// already underway; they ride along or get rebased at merge time.
func (s *Session) onMoreLocalDelta(ctx context.Context, e fsm.Event) error {
	ev := e.(evGotLocalDelta)
	s.editBusy = false
	if s.admit(ev.edit) {
		s.pending = append(s.pending, ev.edit)
	}
	return nil
}

// drainLocal sweeps edits that queued up in the editor without waiting
// for the event loop. Skipped while a blocking feed is outstanding, as
// that one owns the queue head.
func (s *Session) drainLocal() {
	if s.editBusy {
		return
	}
	for {
		edit, ok := s.editor.TryFeed()
		if !ok {
			return
		}
		if s.admit(edit) {
			s.pending = append(s.pending, edit)
		}
	}
}

func (s *Session) onWantApplyDelta(ctx context.Context, _ fsm.Event) error {
	s.drainLocal()
	d := delta.Empty
	var err error
	for _, ed := range s.pending {
		if d, err = delta.Compose(s.fam, d, ed.Delta); err != nil {
			return err
		}
	}
	s.pending = nil
	if d.IsEmpty() {
		// typed then undid
		s.m.SetState(Idle)
		s.m.Post(evWantChanges{})
		return nil
	}
	doc := s.Doc()
	s.pushDoc, s.pushed = doc, d
	s.pushBusy = true
	base := doc.Rev()
	go func() {
		rev, corr, err := s.api.ApplyDelta(ctx, base, d)
		if err != nil {
			s.m.Post(evAPIError{method: "applyDelta", err: err})
			return
		}
		s.m.Post(evGotApplyDelta{rev: rev, correction: corr})
	}()
	s.m.SetState(Merging)
	return nil
}

// onGotApplyDelta is the three-way merge point. The server has committed
// our push at ev.rev; the correction is what we must fold into our
// expected state to match it. Edits made while the push was in flight
// (dMore) are preserved by transforming the correction around them and
// re-expressing them against the corrected document.
func (s *Session) onGotApplyDelta(ctx context.Context, e fsm.Event) error {
	ev := e.(evGotApplyDelta)
	s.pushBusy = false
	s.drainLocal()

	expected, err := s.pushDoc.Compose(delta.Change{Rev: ev.rev, Delta: s.pushed})
	if err != nil {
		return err
	}
	corr := ev.correction
	if corr == nil {
		corr = delta.Empty
	}
	switch {
	case corr.IsEmpty():
		// nobody raced us; the editor already shows this content, only
		// the revision stamp moves
		s.setDoc(expected)
		if err := s.editor.ApplyDelta(delta.Empty, ev.rev, s.source); err != nil {
			return err
		}
	case len(s.pending) == 0:
		next, err := expected.Compose(delta.Change{Rev: ev.rev, Delta: corr})
		if err != nil {
			return err
		}
		s.setDoc(next)
		if err := s.editor.ApplyDelta(corr, ev.rev, s.source); err != nil {
			return err
		}
	default:
		dMore := delta.Empty
		for _, ed := range s.pending {
			if dMore, err = delta.Compose(s.fam, dMore, ed.Delta); err != nil {
				return err
			}
		}
		src := s.pending[0].Source
		next, err := expected.Compose(delta.Change{Rev: ev.rev, Delta: corr})
		if err != nil {
			return err
		}
		s.setDoc(next)
		integrated, err := delta.Transform(s.fam, dMore, corr, false)
		if err != nil {
			return err
		}
		if err := s.editor.ApplyDelta(integrated, ev.rev, s.source); err != nil {
			return err
		}
		// the user's newer edits, re-expressed against the corrected doc
		newMore, err := delta.Transform(s.fam, corr, dMore, true)
		if err != nil {
			return err
		}
		s.pending = []*Edit{{Rev: ev.rev, Delta: newMore, Source: src}}
	}
	s.pushDoc, s.pushed = nil, nil

	if len(s.pending) > 0 {
		s.m.SetState(Collecting)
		time.AfterFunc(s.cfg.Coalesce, func() { s.m.Post(evWantApplyDelta{}) })
		return nil
	}
	s.m.SetState(Idle)
	s.m.Post(evWantChanges{})
	return nil
}

// onAPIError fully resets the session: in-memory doc, pending edits and
// in-flight flags are dropped, and a clean restart is scheduled. No
// partial recovery mid-merge.
func (s *Session) onAPIError(ctx context.Context, e fsm.Event) error {
	ev := e.(evAPIError)
	var ae *protocol.APIError
	if errors.As(ev.err, &ae) && ae.Kind == protocol.ErrKindConn {
		s.log.Info("connection lost, will retry", "method", ev.method, "err", ev.err)
	} else {
		s.log.Error("api failure, will retry", "method", ev.method, "err", ev.err)
	}
	s.setDoc(nil)
	s.pending = nil
	s.pushDoc, s.pushed = nil, nil
	s.pollBusy, s.editBusy, s.pushBusy = false, false, false
	s.m.SetState(ErrorWait)
	time.AfterFunc(s.cfg.RetryDelay, func() { s.m.Post(evStart{}) })
	return nil
}

func (s *Session) onIgnore(ctx context.Context, e fsm.Event) error {
	s.log.Debug("event ignored", "event", e.Kind(), "state", string(s.m.State()))
	return nil
}

func (s *Session) onDropDeltaAfter(ctx context.Context, e fsm.Event) error {
	s.pollBusy = false
	s.log.Debug("poll response dropped", "state", string(s.m.State()))
	return nil
}

func (s *Session) onDropLocalDelta(ctx context.Context, e fsm.Event) error {
	s.editBusy = false
	s.log.Debug("local edit dropped", "state", string(s.m.State()))
	return nil
}

func (s *Session) onDropApplyDelta(ctx context.Context, e fsm.Event) error {
	s.pushBusy = false
	s.log.Debug("push response dropped", "state", string(s.m.State()))
	return nil
}
