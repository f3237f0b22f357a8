package pagecache

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreadable marks a session whose document could not be opened.
	ErrUnreadable = errors.New("document unreadable")
	// ErrPageOutOfRange is returned for indices outside [0, pageCount).
	ErrPageOutOfRange = errors.New("page index out of range")
	// ErrNoSession is returned when no document is open.
	ErrNoSession = errors.New("no document session")
	// ErrSessionReset is delivered to waiters whose session was replaced.
	ErrSessionReset = errors.New("document session reset")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("page cache closed")
)

// PageError ties a failure to a page index.
type PageError struct {
	Index int
	Err   error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Index, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }
