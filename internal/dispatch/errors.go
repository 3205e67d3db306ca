package dispatch

import "errors"

var (
	ErrAlreadyStarted = errors.New("dispatch: already started")
	ErrNotStarted     = errors.New("dispatch: not started")
	ErrStopped        = errors.New("dispatch: stop requested")
	ErrNilBody        = errors.New("dispatch: work item has no body")
)
