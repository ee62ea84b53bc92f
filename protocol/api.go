package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/syncpad/syncpad/delta"
)

var (
	ErrUnknownDoc = errors.New("protocol: unknown document")
	// ErrRevisionSkew marks a base revision outside the window the
	// sequencer retains; sessions treat it as fatal and resync.
	ErrRevisionSkew = errors.New("protocol: revision outside the allowed window")
)

// API is the transport contract a synchronization session drives. All
// three calls may fail with *APIError; DeltaAfter blocks (server side)
// until at least one change exists past the given revision.
type API interface {
	Snapshot(ctx context.Context) (delta.Change, error)
	DeltaAfter(ctx context.Context, rev int64) (delta.Change, error)
	ApplyDelta(ctx context.Context, rev int64, d *delta.Delta) (int64, *delta.Delta, error)
}

type ErrKind int

const (
	// ErrKindConn covers the network layer: drops, timeouts, refused
	// connections. Expected, logged low, retried after a delay.
	ErrKindConn ErrKind = iota
	// ErrKindProto covers everything else: bad records, rejected
	// revisions, server faults.
	ErrKindProto
)

func (k ErrKind) String() string {
	if k == ErrKindConn {
		return "conn"
	}
	return "proto"
}

type APIError struct {
	Method string
	Kind   ErrKind
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s (%s): %v", e.Method, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }
