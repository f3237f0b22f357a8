// Package pagecachetest provides an in-memory Rasterizer for tests.
package pagecachetest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/local/pageviewer/internal/pagecache"
)

// ErrNoDocument is returned by Open for unknown paths.
var ErrNoDocument = errors.New("no such document")

// Doc describes a synthetic document: one rectangle per page. Seed tints
// the drawn content so two documents render differently.
type Doc struct {
	Pages []image.Rectangle
	Seed  uint8
}

// Letter returns a Doc of n US-letter pages at 72 DPI.
func Letter(n int, seed uint8) Doc {
	d := Doc{Seed: seed}
	for i := 0; i < n; i++ {
		d.Pages = append(d.Pages, image.Rect(0, 0, 612, 792))
	}
	return d
}

// Gate holds one page's Draw until released.
type Gate struct {
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
	entered sync.Once
}

// Release lets the gated Draw continue.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

type key struct {
	path  string
	index int
}

// Fake is a thread-safe Rasterizer over synthetic documents.
type Fake struct {
	mu      sync.Mutex
	docs    map[string]Doc
	gates   map[key]*Gate
	fail    map[key]error
	panics  map[key]bool
	renders map[key]int
	opens   int
	live    int
}

func New() *Fake {
	return &Fake{
		docs:    map[string]Doc{},
		gates:   map[key]*Gate{},
		fail:    map[key]error{},
		panics:  map[key]bool{},
		renders: map[key]int{},
	}
}

func (f *Fake) AddDocument(path string, d Doc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[path] = d
}

func (f *Fake) RemoveDocument(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, path)
}

// Gate blocks the next Draw calls for path/index until Release.
func (f *Fake) Gate(path string, index int) *Gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &Gate{Entered: make(chan struct{}), release: make(chan struct{})}
	f.gates[key{path, index}] = g
	return g
}

// FailPage makes Draw for path/index return err.
func (f *Fake) FailPage(path string, index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key{path, index}] = err
}

func (f *Fake) ClearFailure(path string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fail, key{path, index})
}

// PanicPage makes Draw for path/index panic.
func (f *Fake) PanicPage(path string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics[key{path, index}] = true
}

// Renders counts Draw calls for path/index.
func (f *Fake) Renders(path string, index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renders[key{path, index}]
}

// Opens counts successful Open calls.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// LiveHandles counts documents and pages opened but not yet closed.
func (f *Fake) LiveHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *Fake) Open(path string) (pagecache.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDocument, path)
	}
	f.opens++
	f.live++
	return &fakeDoc{f: f, path: path, doc: d}, nil
}

func (f *Fake) closed() {
	f.mu.Lock()
	f.live--
	f.mu.Unlock()
}

type fakeDoc struct {
	f    *Fake
	path string
	doc  Doc
	once sync.Once
}

func (d *fakeDoc) NumPage() int { return len(d.doc.Pages) }

func (d *fakeDoc) Page(i int) (pagecache.Page, error) {
	if i < 0 || i >= len(d.doc.Pages) {
		return nil, fmt.Errorf("page %d out of range", i)
	}
	d.f.mu.Lock()
	d.f.live++
	d.f.mu.Unlock()
	return &fakePage{doc: d, index: i}, nil
}

func (d *fakeDoc) Close() error {
	d.once.Do(d.f.closed)
	return nil
}

type fakePage struct {
	doc   *fakeDoc
	index int
	once  sync.Once
}

func (p *fakePage) Bounds() image.Rectangle { return p.doc.doc.Pages[p.index] }

// Draw leaves the left half untouched (transparent content) and paints the
// right half with a pattern derived from the seed and page index.
func (p *fakePage) Draw(dst draw.Image) error {
	f := p.doc.f
	k := key{p.doc.path, p.index}

	f.mu.Lock()
	f.renders[k]++
	g := f.gates[k]
	failErr := f.fail[k]
	shouldPanic := f.panics[k]
	f.mu.Unlock()

	if g != nil {
		g.entered.Do(func() { close(g.Entered) })
		<-g.release
	}
	if shouldPanic {
		panic(fmt.Sprintf("corrupt page %d", p.index))
	}
	if failErr != nil {
		return failErr
	}

	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X + b.Dx()/2; x < b.Max.X; x++ {
			dst.Set(x, y, color.RGBA{R: p.doc.doc.Seed, G: uint8(p.index), B: uint8(x + y), A: 0xff})
		}
	}
	return nil
}

func (p *fakePage) Close() error {
	p.once.Do(p.doc.f.closed)
	return nil
}

// MemStore is an in-memory pagecache.Store.
type MemStore struct {
	mu    sync.Mutex
	pages map[key]*image.RGBA
	loads int
	saves int
}

func NewMemStore() *MemStore { return &MemStore{pages: map[key]*image.RGBA{}} }

func (s *MemStore) Load(_ context.Context, docKey string, index int) (*image.RGBA, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	img, ok := s.pages[key{docKey, index}]
	return img, ok, nil
}

func (s *MemStore) Save(_ context.Context, docKey string, index int, img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.pages[key{docKey, index}] = img
	return nil
}

// Counts returns the number of Load and Save calls.
func (s *MemStore) Counts() (loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.saves
}
