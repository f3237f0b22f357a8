// Package pdftest writes small, well-formed PDF files for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Page is a page size in PDF points.
type Page struct {
	Width, Height float64
}

// Letter is a US-letter page.
var Letter = Page{Width: 612, Height: 792}

// Spec describes the document to build.
type Spec struct {
	Title string
	Pages []Page
}

// Pages returns n pages of size p.
func Pages(n int, p Page) []Page {
	out := make([]Page, n)
	for i := range out {
		out[i] = p
	}
	return out
}

// Build returns the bytes of a PDF with one filled square per page and a
// cross-reference table with exact offsets.
func Build(spec Spec) []byte {
	var buf bytes.Buffer
	var offsets []int

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	kids := make([]string, len(spec.Pages))
	for i := range spec.Pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<</Type/Catalog/Pages 2 0 R>>")
	obj(fmt.Sprintf("<</Type/Pages/Kids[%s]/Count %d>>", strings.Join(kids, " "), len(spec.Pages)))
	obj(fmt.Sprintf("<</Title(%s)/Producer(pdftest)>>", escape(spec.Title)))

	for i, p := range spec.Pages {
		obj(fmt.Sprintf("<</Type/Page/Parent 2 0 R/MediaBox[0 0 %g %g]/Contents %d 0 R/Resources<<>>>>",
			p.Width, p.Height, 5+2*i))
		content := fmt.Sprintf("0 0 1 rg %g %g %g %g re f", p.Width/4, p.Height/4, p.Width/2, p.Height/2)
		obj(fmt.Sprintf("<</Length %d>>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	// each entry is exactly 20 bytes
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<</Size %d/Root 1 0 R/Info 3 0 R>>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// WriteFile builds spec and writes it to path.
func WriteFile(path string, spec Spec) error {
	return os.WriteFile(path, Build(spec), 0o644)
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
