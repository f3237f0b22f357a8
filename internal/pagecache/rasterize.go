package pagecache

import (
	"fmt"
	"image"
	"image/draw"
)

// Rasterizer opens PDF sources. Documents it returns are not required to be
// safe for concurrent use; every render opens its own.
type Rasterizer interface {
	Open(path string) (Document, error)
}

// Document is an open, resource-owning handle on a PDF source.
type Document interface {
	NumPage() int
	Page(i int) (Page, error)
	Close() error
}

// Page is a single open page.
type Page interface {
	// Bounds is the page's natural size at default scale.
	Bounds() image.Rectangle
	// Draw rasterizes the page into dst, whose origin is (0,0) and whose
	// size equals Bounds.
	Draw(dst draw.Image) error
	Close() error
}

// CountPages opens path, reads its page count and releases the handle.
func CountPages(r Rasterizer, path string) (int, error) {
	doc, err := r.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n < 0 {
		return 0, fmt.Errorf("%w: negative page count %d", ErrUnreadable, n)
	}
	return n, nil
}

// Rasterize renders one page of path into a fresh opaque RGBA image.
// The document and page handles are released on every return path.
func Rasterize(r Rasterizer, path string, index int) (*image.RGBA, error) {
	doc, err := r.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	if index < 0 || index >= doc.NumPage() {
		return nil, &PageError{Index: index, Err: ErrPageOutOfRange}
	}

	page, err := doc.Page(index)
	if err != nil {
		return nil, fmt.Errorf("open page %d: %w", index, err)
	}
	defer page.Close()

	b := page.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("page %d has empty bounds %v", index, b)
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	// rasterizers may leave the background transparent
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)

	if err := page.Draw(dst); err != nil {
		return nil, fmt.Errorf("render page %d: %w", index, err)
	}
	return dst, nil
}
