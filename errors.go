package syncpad

import "errors"

var (
	ErrClosed      = errors.New("syncpad: host is not open")
	ErrAlreadyOpen = errors.New("syncpad: the db is already open")
	ErrBadDocName  = errors.New("syncpad: bad document name")
	ErrBadChecksum = errors.New("syncpad: change record checksum mismatch")
	ErrBadCRecord  = errors.New("syncpad: bad stored change record")
	ErrBadSRecord  = errors.New("syncpad: bad stored snapshot record")
	ErrHoseUnknown = errors.New("syncpad: packet hose unknown")
)
