// Package viewer exposes the page cache over HTTP: open a document, then
// fetch its pages as images.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pageviewer/internal/imagerender"
	"github.com/local/pageviewer/internal/metrics"
	"github.com/local/pageviewer/internal/pagecache"
	"github.com/local/pageviewer/internal/source"
	"github.com/local/pageviewer/internal/statuscheck"
)

// DefaultTitle is shown when a document has no usable name.
const DefaultTitle = "PDF Viewer"

const (
	defaultThumbWidth = 160
	maxThumbWidth     = 1024
)

// Pages is the subset of *pagecache.Cache the handlers use.
type Pages interface {
	Open(ctx context.Context, ref pagecache.DocumentRef) (pagecache.Session, error)
	Reset()
	Request(ctx context.Context, index int) (pagecache.PageResult, error)
	Retry(ctx context.Context, index int) (pagecache.PageResult, error)
	Wait(ctx context.Context, index int) (pagecache.PageResult, error)
	RequestRange(ctx context.Context, from, to int) ([]pagecache.PageResult, error)
	Status(ctx context.Context) (pagecache.Snapshot, error)
}

// Resolver turns a document reference into a local file.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*source.Local, error)
}

// Titler reads a document's embedded title.
type Titler interface {
	Title(path string) (string, bool)
}

// Forgetter drops a document's pages from the shared page store.
type Forgetter interface {
	Forget(ctx context.Context, docKey string) error
}

// Checker summarises dependency health.
type Checker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
	Pages    Pages
	Resolver Resolver
	Titler   Titler    // optional
	Store    Forgetter // optional
	Status   Checker   // optional
}

type Options struct {
	WaitTimeout time.Duration
	JPEGQuality int
}

// Viewer owns the currently open document and serves its pages.
type Viewer struct {
	deps Dependencies
	opts Options

	// openMu serialises document switches.
	openMu  sync.Mutex
	mu      sync.Mutex
	current *source.Local
	title   string
}

func New(deps Dependencies, opts Options) *Viewer {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 30 * time.Second
	}
	return &Viewer{deps: deps, opts: opts}
}

func (v *Viewer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /status", v.handleStatus)
	mux.HandleFunc("POST /documents", v.handleOpen)
	mux.HandleFunc("GET /documents/current", v.handleCurrent)
	mux.HandleFunc("DELETE /documents/current", v.handleClose)
	mux.HandleFunc("GET /pages", v.handleRange)
	mux.HandleFunc("GET /pages/{index}", v.handlePage)
	mux.HandleFunc("POST /pages/{index}/retry", v.handleRetry)
	mux.HandleFunc("GET /pages/{index}/thumbnail", v.handleThumbnail)
}

// Close releases the current document's scratch file.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.Cleanup()
	v.current = nil
}

// CurrentPath is the local file of the open document, or "" when none is open.
func (v *Viewer) CurrentPath() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return ""
	}
	return v.current.Path
}

func (v *Viewer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if v.deps.Status == nil {
		writeError(w, http.StatusNotFound, "status checks disabled")
		return
	}
	sum := v.deps.Status.Summary(r.Context())
	code := http.StatusOK
	if !sum.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

type openReq struct {
	Ref      string `json:"ref"`
	Prefetch bool   `json:"prefetch"`
}

type openResp struct {
	SessionID     string `json:"session_id"`
	PageCount     int    `json:"page_count"`
	Title         string `json:"title"`
	Fingerprint   string `json:"fingerprint"`
	DeclaredPages int    `json:"declared_pages,omitempty"`
}

func (v *Viewer) handleOpen(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req openReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	v.openMu.Lock()
	defer v.openMu.Unlock()

	loc, err := v.deps.Resolver.Resolve(r.Context(), req.Ref)
	if err != nil {
		log.Warn().Err(err).Str("ref", req.Ref).Msg("cannot resolve document")
		writeError(w, sourceStatus(err), err.Error())
		return
	}

	sess, err := v.deps.Pages.Open(r.Context(), pagecache.DocumentRef{Path: loc.Path, Key: loc.Fingerprint})
	if err != nil {
		// the cache was reset either way, so the previous file is no longer needed
		v.swap(nil, "")
		loc.Cleanup()
		writeError(w, cacheStatus(err), err.Error())
		return
	}

	if loc.DeclaredPages > 0 && loc.DeclaredPages != sess.PageCount {
		log.Warn().
			Str("session", sess.ID).
			Int("declared", loc.DeclaredPages).
			Int("pages", sess.PageCount).
			Msg("page count mismatch between pdfcpu and rasterizer")
	}

	title := v.titleFor(loc)
	v.swap(loc, title)

	if req.Prefetch {
		if _, err := v.deps.Pages.RequestRange(r.Context(), 0, sess.PageCount); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("prefetch failed")
		}
	}

	writeJSON(w, http.StatusCreated, openResp{
		SessionID:     sess.ID,
		PageCount:     sess.PageCount,
		Title:         title,
		Fingerprint:   loc.Fingerprint,
		DeclaredPages: loc.DeclaredPages,
	})
}

func (v *Viewer) titleFor(loc *source.Local) string {
	if loc.DisplayName != "" {
		return loc.DisplayName
	}
	if v.deps.Titler != nil {
		if t, ok := v.deps.Titler.Title(loc.Path); ok {
			return t
		}
	}
	return DefaultTitle
}

func (v *Viewer) swap(loc *source.Local, title string) {
	v.mu.Lock()
	prev := v.current
	v.current, v.title = loc, title
	v.mu.Unlock()
	if prev != loc {
		prev.Cleanup()
	}
}

type pageStatus struct {
	Index int    `json:"index"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func (v *Viewer) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, err := v.deps.Pages.Status(r.Context())
	if err != nil {
		writeError(w, cacheStatus(err), err.Error())
		return
	}
	if snap.Err != nil {
		writeError(w, http.StatusUnprocessableEntity, snap.Err.Error())
		return
	}
	if snap.Session == nil {
		writeError(w, http.StatusNotFound, "no document open")
		return
	}

	v.mu.Lock()
	title := v.title
	v.mu.Unlock()

	pages := make([]pageStatus, len(snap.Pages))
	for i, p := range snap.Pages {
		pages[i] = pageStatus{Index: p.Index, State: p.State.String()}
		if p.Err != nil {
			pages[i].Error = p.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": snap.Session.ID,
		"page_count": snap.Session.PageCount,
		"title":      title,
		"opened_at":  snap.Session.OpenedAt,
		"pages":      pages,
	})
}

func (v *Viewer) handleClose(w http.ResponseWriter, r *http.Request) {
	v.openMu.Lock()
	defer v.openMu.Unlock()

	v.mu.Lock()
	var key string
	if v.current != nil {
		key = v.current.Fingerprint
	}
	v.mu.Unlock()

	v.deps.Pages.Reset()
	v.swap(nil, "")

	if r.URL.Query().Get("purge") == "1" && v.deps.Store != nil && key != "" {
		if err := v.deps.Store.Forget(r.Context(), key); err != nil {
			log.Warn().Err(err).Str("doc", key).Msg("failed to purge stored pages")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (v *Viewer) handlePage(w http.ResponseWriter, r *http.Request) {
	index, ok := pageIndex(w, r)
	if !ok {
		return
	}

	var (
		res pagecache.PageResult
		err error
	)
	if r.URL.Query().Get("wait") == "1" {
		ctx, cancel := context.WithTimeout(r.Context(), v.opts.WaitTimeout)
		res, err = v.deps.Pages.Wait(ctx, index)
		cancel()
		// a wait that timed out still has a Pending result to report
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			err = nil
		}
	} else {
		res, err = v.deps.Pages.Request(r.Context(), index)
	}
	if err != nil {
		writeError(w, cacheStatus(err), err.Error())
		return
	}
	v.writePage(w, r, res, 0)
}

func (v *Viewer) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	index, ok := pageIndex(w, r)
	if !ok {
		return
	}
	width := defaultThumbWidth
	if s := r.URL.Query().Get("width"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid width")
			return
		}
		width = min(n, maxThumbWidth)
	}

	res, err := v.deps.Pages.Request(r.Context(), index)
	if err != nil {
		writeError(w, cacheStatus(err), err.Error())
		return
	}
	v.writePage(w, r, res, width)
}

func (v *Viewer) handleRetry(w http.ResponseWriter, r *http.Request) {
	index, ok := pageIndex(w, r)
	if !ok {
		return
	}
	res, err := v.deps.Pages.Retry(r.Context(), index)
	if err != nil {
		writeError(w, cacheStatus(err), err.Error())
		return
	}
	code := http.StatusAccepted
	if res.State == pagecache.Ready {
		code = http.StatusOK
	}
	writeJSON(w, code, toStatus(res))
}

func (v *Viewer) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.Atoi(q.Get("from"))
	if q.Get("from") == "" {
		from, err = 0, nil
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := strconv.Atoi(q.Get("to"))
	if q.Get("to") == "" {
		to, err = math.MaxInt, nil
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}

	results, err := v.deps.Pages.RequestRange(r.Context(), from, to)
	if err != nil {
		writeError(w, cacheStatus(err), err.Error())
		return
	}
	out := make([]pageStatus, len(results))
	for i, res := range results {
		out[i] = toStatus(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": out})
}

// writePage answers with the image when Ready, otherwise with the page state.
// A positive thumbWidth scales the image down first.
func (v *Viewer) writePage(w http.ResponseWriter, r *http.Request, res pagecache.PageResult, thumbWidth int) {
	switch res.State {
	case pagecache.Pending, pagecache.Idle:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, toStatus(res))
		return
	case pagecache.Failed:
		writeJSON(w, http.StatusUnprocessableEntity, toStatus(res))
		return
	}

	format, err := imagerender.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quality := v.opts.JPEGQuality
	if s := r.URL.Query().Get("quality"); s != "" {
		if q, err := strconv.Atoi(s); err == nil {
			quality = q
		}
	}

	img := res.Image
	out := imagerender.Thumbnail(img, thumbWidth)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("X-Page-Width", strconv.Itoa(img.Rect.Dx()))
	w.Header().Set("X-Page-Height", strconv.Itoa(img.Rect.Dy()))
	w.Header().Set("X-Session-Id", res.SessionID)
	if err := imagerender.Encode(w, out, format, quality); err != nil {
		log.Error().Err(err).Int("page", res.Index).Msg("failed to write page image")
	}
}

func pageIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page index")
		return 0, false
	}
	return index, true
}

func toStatus(res pagecache.PageResult) pageStatus {
	ps := pageStatus{Index: res.Index, State: res.State.String()}
	if res.Err != nil {
		ps.Error = res.Err.Error()
	}
	return ps
}

func sourceStatus(err error) int {
	switch {
	case errors.Is(err, source.ErrEmptyRef), errors.Is(err, source.ErrInvalidRef):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrNotPDF):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, source.ErrUnavailable):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func cacheStatus(err error) int {
	switch {
	case errors.Is(err, pagecache.ErrPageOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, pagecache.ErrUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pagecache.ErrNoSession), errors.Is(err, pagecache.ErrSessionReset):
		return http.StatusConflict
	case errors.Is(err, pagecache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
