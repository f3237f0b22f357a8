package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/local/pageviewer/internal/pagecache"
)

// Pinger models the minimal page store capability we need for status checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sessions reports the page cache state.
type Sessions interface {
	Status(ctx context.Context) (pagecache.Snapshot, error)
}

// Checker aggregates health checks for the viewer's dependencies.
type Checker struct {
	store      Pinger
	scratchDir string
	sessions   Sessions
}

// Options configures the Checker. A nil Store means the page store is disabled.
type Options struct {
	Store      Pinger
	ScratchDir string
	Sessions   Sessions
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	PageStore Status `json:"page_store"`
	Scratch   Status `json:"scratch"`
	Document  Status `json:"document"`
}

// Healthy is true when nothing the viewer needs is broken. A disabled page
// store or an empty viewer still count as healthy.
func (s Summary) Healthy() bool { return s.PageStore.OK && s.Scratch.OK }

func New(opts Options) *Checker {
	return &Checker{store: opts.Store, scratchDir: opts.ScratchDir, sessions: opts.Sessions}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		PageStore: c.checkStore(ctx),
		Scratch:   c.checkScratch(),
		Document:  c.checkDocument(ctx),
	}
}

func (c *Checker) checkStore(ctx context.Context) Status {
	if c.store == nil {
		return Status{OK: true, Message: "Disabled"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.store.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkScratch() Status {
	if c.scratchDir == "" {
		return Status{OK: false, Message: "Not configured"}
	}
	f, err := os.CreateTemp(c.scratchDir, ".writable-*")
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return Status{OK: true, Message: "Writable"}
}

func (c *Checker) checkDocument(ctx context.Context) Status {
	if c.sessions == nil {
		return Status{OK: false, Message: "cache unavailable"}
	}
	snap, err := c.sessions.Status(ctx)
	switch {
	case err != nil:
		return Status{OK: false, Message: trimError(err)}
	case snap.Err != nil:
		return Status{OK: false, Message: trimError(snap.Err)}
	case snap.Session == nil:
		return Status{OK: true, Message: "No document open"}
	}
	ready := 0
	for _, p := range snap.Pages {
		if p.State == pagecache.Ready {
			ready++
		}
	}
	return Status{OK: true, Message: fmt.Sprintf("%d/%d pages ready", ready, snap.Session.PageCount)}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
