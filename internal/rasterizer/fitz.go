// Package rasterizer adapts MuPDF (through go-fitz) to the page cache.
package rasterizer

import (
	"fmt"
	"image"
	"image/draw"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/pageviewer/internal/pagecache"
)

// DefaultDPI renders pages at their intrinsic size.
const DefaultDPI = 72

// Fitz implements pagecache.Rasterizer with go-fitz. Each Open returns an
// independent MuPDF document.
type Fitz struct {
	dpi float64
}

// NewFitz creates a rasterizer rendering at dpi; non-positive means DefaultDPI.
func NewFitz(dpi float64) *Fitz {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &Fitz{dpi: dpi}
}

// DPI reports the render resolution.
func (f *Fitz) DPI() float64 { return f.dpi }

func (f *Fitz) Open(path string) (pagecache.Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return &fitzDoc{doc: doc, dpi: f.dpi}, nil
}

// Title returns the document's metadata title, if it has one.
func (f *Fitz) Title(path string) (string, bool) {
	doc, err := fitz.New(path)
	if err != nil {
		log.Debug().Err(err).Str("pdf", path).Msg("title lookup: open failed")
		return "", false
	}
	defer doc.Close()

	title := strings.TrimSpace(doc.Metadata()["title"])
	return title, title != ""
}

type fitzDoc struct {
	doc *fitz.Document
	dpi float64
}

func (d *fitzDoc) NumPage() int { return d.doc.NumPage() }

// Page renders the page pixmap up front so Bounds matches MuPDF's own
// rounding of the page box.
func (d *fitzDoc) Page(i int) (pagecache.Page, error) {
	if i < 0 || i >= d.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", i, d.doc.NumPage())
	}
	img, err := d.doc.ImageDPI(i, d.dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", i, err)
	}
	return &fitzPage{img: img}, nil
}

func (d *fitzDoc) Close() error { return d.doc.Close() }

type fitzPage struct {
	img *image.RGBA
}

func (p *fitzPage) Bounds() image.Rectangle {
	if p.img == nil {
		return image.Rectangle{}
	}
	return p.img.Bounds().Sub(p.img.Bounds().Min)
}

func (p *fitzPage) Draw(dst draw.Image) error {
	if p.img == nil {
		return fmt.Errorf("page already closed")
	}
	draw.Draw(dst, dst.Bounds(), p.img, p.img.Bounds().Min, draw.Over)
	return nil
}

func (p *fitzPage) Close() error {
	p.img = nil
	return nil
}
