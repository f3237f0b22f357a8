// Package pagecache serves rasterized PDF pages on demand, rendering each page
// at most once per document session.
//
// All cache state is owned by a single loop goroutine. Callers and render
// workers talk to it over channels; render results are tagged with the
// session generation they were started for and dropped on arrival if the
// session has since been reset.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pageviewer/internal/metrics"
)

// State is the render status of one page index.
type State int

const (
	Idle State = iota
	Pending
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// PageResult reports the state of a page. Image is set when State is Ready,
// Err when State is Failed.
type PageResult struct {
	SessionID string
	Index     int
	State     State
	Image     *image.RGBA
	Err       error
}

// DocumentRef identifies the document to open. Key, when set, names the
// document's content in the Store.
type DocumentRef struct {
	Path string
	Key  string
}

// Session describes the active document.
type Session struct {
	ID        string
	Path      string
	Key       string
	PageCount int
	OpenedAt  time.Time
}

// Store is an optional second-level page store consulted before rasterizing.
type Store interface {
	Load(ctx context.Context, key string, index int) (*image.RGBA, bool, error)
	Save(ctx context.Context, key string, index int, img *image.RGBA) error
}

// Options configures a Cache.
type Options struct {
	// Concurrency bounds simultaneous rasterizations. Defaults to 4.
	Concurrency  int
	Store        Store
	StoreTimeout time.Duration
	// UpdateBuffer sizes the Updates channel. Updates are dropped when it is full.
	UpdateBuffer int
}

// PageStatus is one row of a Snapshot.
type PageStatus struct {
	Index int
	State State
	Err   error
}

// Snapshot is a point-in-time view of the cache.
type Snapshot struct {
	Session *Session
	// Err is set when the last Open failed; no pages are displayable.
	Err   error
	Pages []PageStatus
}

type completion struct {
	gen   uint64
	index int
	img   *image.RGBA
	err   error
}

type outcome struct {
	res PageResult
	err error
}

type entry struct {
	state   State
	img     *image.RGBA
	err     error
	waiters []chan outcome
}

// loopState is only touched from the loop goroutine.
type loopState struct {
	gen     uint64
	session *Session
	failure error
	pages   map[int]*entry
}

// Cache is a page render cache for one document session at a time.
type Cache struct {
	r    Rasterizer
	opts Options

	cmds    chan func(*loopState)
	results chan completion
	updates chan PageResult
	sem     chan struct{}
	gen     atomic.Uint64

	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New starts a cache rendering through r.
func New(r Rasterizer, opts Options) *Cache {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 64
	}
	c := &Cache{
		r:        r,
		opts:     opts,
		cmds:     make(chan func(*loopState)),
		results:  make(chan completion),
		updates:  make(chan PageResult, opts.UpdateBuffer),
		sem:      make(chan struct{}, opts.Concurrency),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go c.loop()
	return c
}

// Close stops the cache. Pending waiters receive ErrClosed; renders still
// running finish and are discarded.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.loopDone
	})
}

// Updates delivers every page that becomes Ready or Failed in the current session.
func (c *Cache) Updates() <-chan PageResult { return c.updates }

// PageCount opens path, reads its page count and releases the handle.
// It returns early if ctx is done.
func (c *Cache) PageCount(ctx context.Context, path string) (int, error) {
	type res struct {
		n   int
		err error
	}
	ch := make(chan res, 1)
	go func() {
		n, err := CountPages(c.r, path)
		ch <- res{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Open resets the cache and starts a session for ref. If the document cannot
// be read the cache stays in the failed state until the next Open or Reset.
func (c *Cache) Open(ctx context.Context, ref DocumentRef) (Session, error) {
	var gen uint64
	if err := c.do(ctx, func(st *loopState) { gen = c.reset(st) }); err != nil {
		return Session{}, err
	}

	n, err := c.PageCount(ctx, ref.Path)
	sess := Session{ID: uuid.NewString(), Path: ref.Path, Key: ref.Key, PageCount: n, OpenedAt: time.Now()}

	superseded := false
	if derr := c.do(ctx, func(st *loopState) {
		if st.gen != gen {
			superseded = true
			return
		}
		switch {
		case err == nil:
			st.session = &sess
		case errors.Is(err, ErrUnreadable):
			st.failure = err
		}
	}); derr != nil {
		return Session{}, derr
	}
	if superseded {
		return Session{}, ErrSessionReset
	}
	if err != nil {
		if errors.Is(err, ErrUnreadable) {
			metrics.IncSession("unreadable")
			log.Warn().Err(err).Str("path", ref.Path).Msg("document unreadable")
		}
		return Session{}, err
	}

	metrics.IncSession("ok")
	log.Info().Str("session", sess.ID).Str("path", ref.Path).Int("pages", n).Msg("document session opened")
	return sess, nil
}

// Reset discards every cached page and the current session. Renders still
// in flight are discarded when they complete.
func (c *Cache) Reset() {
	_ = c.do(context.Background(), func(st *loopState) { c.reset(st) })
}

// Request returns the page immediately if it is cached, otherwise starts a
// render (unless one is already running) and reports Pending. A Failed page
// stays failed until Retry.
func (c *Cache) Request(ctx context.Context, index int) (PageResult, error) {
	var (
		res PageResult
		err error
	)
	if derr := c.do(ctx, func(st *loopState) { res, err = c.request(st, index, false) }); derr != nil {
		return PageResult{Index: index}, derr
	}
	return res, err
}

// Retry re-requests a Failed page. For any other state it behaves like Request.
func (c *Cache) Retry(ctx context.Context, index int) (PageResult, error) {
	var (
		res PageResult
		err error
	)
	if derr := c.do(ctx, func(st *loopState) { res, err = c.request(st, index, true) }); derr != nil {
		return PageResult{Index: index}, derr
	}
	return res, err
}

// RequestRange requests every index in [from, to), clamped to the document.
func (c *Cache) RequestRange(ctx context.Context, from, to int) ([]PageResult, error) {
	var (
		out []PageResult
		err error
	)
	if derr := c.do(ctx, func(st *loopState) {
		switch {
		case st.failure != nil:
			err = st.failure
			return
		case st.session == nil:
			err = ErrNoSession
			return
		}
		from, to = max(from, 0), min(to, st.session.PageCount)
		for i := from; i < to; i++ {
			res, _ := c.request(st, i, false)
			out = append(out, res)
		}
	}); derr != nil {
		return nil, derr
	}
	return out, err
}

// Wait is Request followed by blocking until the page is Ready or Failed.
func (c *Cache) Wait(ctx context.Context, index int) (PageResult, error) {
	var (
		res PageResult
		err error
		ch  chan outcome
	)
	if derr := c.do(ctx, func(st *loopState) {
		res, err = c.request(st, index, false)
		if err == nil && res.State == Pending {
			ch = make(chan outcome, 1)
			e := st.pages[index]
			e.waiters = append(e.waiters, ch)
		}
	}); derr != nil {
		return PageResult{Index: index}, derr
	}
	if err != nil || ch == nil {
		return res, err
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return res, ctx.Err()
	}
}

// Get reports the page without starting a render.
func (c *Cache) Get(ctx context.Context, index int) (PageResult, error) {
	var (
		res PageResult
		err error
	)
	if derr := c.do(ctx, func(st *loopState) {
		if err = st.check(index); err != nil {
			return
		}
		res = st.result(index, st.pages[index])
	}); derr != nil {
		return PageResult{Index: index}, derr
	}
	return res, err
}

// Status returns a snapshot of the session and every page state.
func (c *Cache) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func(st *loopState) {
		snap.Err = st.failure
		if st.session == nil {
			return
		}
		sess := *st.session
		snap.Session = &sess
		snap.Pages = make([]PageStatus, sess.PageCount)
		for i := range snap.Pages {
			snap.Pages[i] = PageStatus{Index: i}
			if e := st.pages[i]; e != nil {
				snap.Pages[i].State = e.state
				snap.Pages[i].Err = e.err
			}
		}
	})
	return snap, err
}

func (c *Cache) loop() {
	defer close(c.loopDone)
	st := &loopState{pages: make(map[int]*entry)}
	for {
		select {
		case fn := <-c.cmds:
			fn(st)
		case res := <-c.results:
			c.complete(st, res)
		case <-c.done:
			st.release(ErrClosed)
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it to return.
func (c *Cache) do(ctx context.Context, fn func(*loopState)) error {
	ran := make(chan struct{})
	cmd := func(st *loopState) {
		defer close(ran)
		fn(st)
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (c *Cache) reset(st *loopState) uint64 {
	st.release(ErrSessionReset)
	st.gen++
	c.gen.Store(st.gen)
	st.session = nil
	st.failure = nil
	st.pages = make(map[int]*entry)
	metrics.SetCachedPages(0)
	return st.gen
}

func (c *Cache) request(st *loopState, index int, retry bool) (PageResult, error) {
	if err := st.check(index); err != nil {
		return PageResult{Index: index}, err
	}
	e := st.pages[index]
	if e == nil {
		e = &entry{}
		st.pages[index] = e
	}
	switch e.state {
	case Ready:
		metrics.IncRequest("hit")
		return st.result(index, e), nil
	case Pending:
		metrics.IncRequest("pending")
		return st.result(index, e), nil
	case Failed:
		if !retry {
			metrics.IncRequest("failed")
			return st.result(index, e), nil
		}
		log.Info().Str("session", st.session.ID).Int("page", index).Msg("retrying failed page")
	}

	metrics.IncRequest("miss")
	e.state = Pending
	e.err = nil
	go c.render(st.gen, *st.session, index)
	return st.result(index, e), nil
}

func (c *Cache) complete(st *loopState, res completion) {
	if res.gen != st.gen {
		metrics.IncStale()
		log.Debug().Int("page", res.index).Uint64("gen", res.gen).Msg("discarding stale render")
		return
	}
	e := st.pages[res.index]
	if e == nil || e.state != Pending {
		return
	}
	if res.err != nil {
		e.state = Failed
		e.err = &PageError{Index: res.index, Err: res.err}
	} else {
		e.state = Ready
		e.img = res.img
	}

	pr := st.result(res.index, e)
	for _, w := range e.waiters {
		w <- outcome{res: pr}
	}
	e.waiters = nil
	metrics.SetCachedPages(st.readyCount())

	select {
	case c.updates <- pr:
	default:
	}
}

func (c *Cache) render(gen uint64, sess Session, index int) {
	select {
	case c.sem <- struct{}{}:
	case <-c.done:
		return
	}
	defer func() { <-c.sem }()

	// skip work for a session that is already gone
	if c.gen.Load() != gen {
		metrics.IncStale()
		return
	}

	img, err := c.produce(sess, index)
	select {
	case c.results <- completion{gen: gen, index: index, img: img, err: err}:
	case <-c.done:
	}
}

func (c *Cache) produce(sess Session, index int) (*image.RGBA, error) {
	store := c.opts.Store
	if store != nil && sess.Key != "" {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
		img, ok, err := store.Load(ctx, sess.Key, index)
		cancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Int("page", index).Msg("page store load failed")
		case ok:
			metrics.ObserveRender("store", time.Since(start))
			return img, nil
		}
	}

	start := time.Now()
	metrics.RenderStarted()
	img, err := safeRasterize(c.r, sess.Path, index)
	metrics.RenderFinished()
	dur := time.Since(start)

	if err != nil {
		metrics.ObserveRender("error", dur)
		log.Warn().Err(err).Str("session", sess.ID).Int("page", index).Msg("page render failed")
		return nil, err
	}
	metrics.ObserveRender("ok", dur)
	log.Debug().
		Str("session", sess.ID).
		Int("page", index).
		Int("width", img.Rect.Dx()).
		Int("height", img.Rect.Dy()).
		Int64("dur_ms", dur.Milliseconds()).
		Msg("rendered page")

	if store != nil && sess.Key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
		if err := store.Save(ctx, sess.Key, index, img); err != nil {
			log.Warn().Err(err).Int("page", index).Msg("page store save failed")
		}
		cancel()
	}
	return img, nil
}

func safeRasterize(r Rasterizer, path string, index int) (img *image.RGBA, err error) {
	defer func() {
		if p := recover(); p != nil {
			img, err = nil, fmt.Errorf("rasterizer panic: %v", p)
		}
	}()
	return Rasterize(r, path, index)
}

func (st *loopState) check(index int) error {
	if st.failure != nil {
		return st.failure
	}
	if st.session == nil {
		return ErrNoSession
	}
	if index < 0 || index >= st.session.PageCount {
		return &PageError{Index: index, Err: ErrPageOutOfRange}
	}
	return nil
}

func (st *loopState) result(index int, e *entry) PageResult {
	res := PageResult{Index: index}
	if st.session != nil {
		res.SessionID = st.session.ID
	}
	if e == nil {
		return res
	}
	res.State = e.state
	res.Image = e.img
	res.Err = e.err
	return res
}

func (st *loopState) readyCount() int {
	n := 0
	for _, e := range st.pages {
		if e.state == Ready {
			n++
		}
	}
	return n
}

// release fails every waiter with err.
func (st *loopState) release(err error) {
	for i, e := range st.pages {
		for _, w := range e.waiters {
			w <- outcome{res: st.result(i, e), err: err}
		}
		e.waiters = nil
	}
}
