package delta

import "errors"

var (
	ErrUnknownOp        = errors.New("delta: op not declared by the family")
	ErrBadOpShape       = errors.New("delta: op argument list does not match its declaration")
	ErrDuplicateKey     = errors.New("delta: duplicate key binding")
	ErrRemoveInSnapshot = errors.New("delta: remove op is not legal in snapshot contents")
	ErrUnknownKey       = errors.New("delta: op targets an unknown key")
	ErrUnknownField     = errors.New("delta: op targets an unknown field")
	ErrFamilyMismatch   = errors.New("delta: mixing values of different families")
	ErrBadRevision      = errors.New("delta: revision must be non-negative")
)
