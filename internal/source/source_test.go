package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pageviewer/internal/pdftest"
)

func newResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	if opts.ScratchDir == "" {
		opts.ScratchDir = t.TempDir()
	}
	r, err := NewResolver(opts)
	require.NoError(t, err)
	return r
}

func writePDF(t *testing.T, dir, name string, pages int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, pdftest.WriteFile(p, pdftest.Spec{Title: name, Pages: pdftest.Pages(pages, pdftest.Letter)}))
	return p
}

func scratchFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, scratchPrefix+"*"))
	require.NoError(t, err)
	return matches
}

func TestResolveLocalPath(t *testing.T) {
	dir := t.TempDir()
	p := writePDF(t, dir, "report.pdf", 3)
	r := newResolver(t, Options{})

	for _, ref := range []string{p, "file://" + p, p + "#page=2"} {
		loc, err := r.Resolve(context.Background(), ref)
		require.NoError(t, err, ref)
		assert.Equal(t, p, loc.Path)
		assert.Equal(t, "report.pdf", loc.DisplayName)
		assert.Equal(t, 3, loc.DeclaredPages)
		assert.Len(t, loc.Fingerprint, 64)
		assert.Positive(t, loc.Size)

		// local files are never deleted
		loc.Cleanup()
		assert.FileExists(t, p)
	}
}

func TestResolveKeepsHashInFileName(t *testing.T) {
	dir := t.TempDir()
	p := writePDF(t, dir, "report#1.pdf", 2)
	writePDF(t, dir, "issue#2.pdf", 1)
	r := newResolver(t, Options{AssetsDir: dir})
	ctx := context.Background()

	for _, ref := range []string{p, "file://" + p, p + "#page=2"} {
		loc, err := r.Resolve(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, p, loc.Path)
		assert.Equal(t, "report#1.pdf", loc.DisplayName)
		assert.Equal(t, 2, loc.DeclaredPages)
	}

	for _, ref := range []string{"asset://issue#2.pdf", "asset://issue#2.pdf#page=1"} {
		loc, err := r.Resolve(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, "issue#2.pdf", loc.DisplayName)
		loc.Cleanup()
	}
}

func TestResolveRejects(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("just some words\n"), 0o644))
	r := newResolver(t, Options{AssetsDir: dir})

	tests := []struct {
		ref  string
		want error
	}{
		{"", ErrEmptyRef},
		{"   ", ErrEmptyRef},
		{"#page=2", ErrEmptyRef},
		{txt, ErrNotPDF},
		{filepath.Join(dir, "missing.pdf"), ErrUnavailable},
		{dir, ErrInvalidRef},
		{"asset://../escape.pdf", ErrInvalidRef},
		{"asset://", ErrInvalidRef},
		{"asset://absent.pdf", ErrUnavailable},
		{"s3://bucket-only", ErrInvalidRef},
	}
	for _, tt := range tests {
		_, err := r.Resolve(context.Background(), tt.ref)
		assert.ErrorIs(t, err, tt.want, "ref %q", tt.ref)
	}
}

func TestResolveAssetCopiesToScratch(t *testing.T) {
	assets := t.TempDir()
	scratch := t.TempDir()
	writePDF(t, assets, "sample.pdf", 2)
	r := newResolver(t, Options{AssetsDir: assets, ScratchDir: scratch})

	loc, err := r.Resolve(context.Background(), "asset://sample.pdf")
	require.NoError(t, err)
	assert.Equal(t, "sample.pdf", loc.DisplayName)
	assert.Equal(t, scratch, filepath.Dir(loc.Path))
	assert.Equal(t, 2, loc.DeclaredPages)

	loc.Cleanup()
	loc.Cleanup()
	assert.NoFileExists(t, loc.Path)
	assert.FileExists(t, filepath.Join(assets, "sample.pdf"))
}

func TestResolveHTTP(t *testing.T) {
	body := pdftest.Build(pdftest.Spec{Pages: pdftest.Pages(4, pdftest.Letter)})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/named":
			w.Header().Set("Content-Disposition", `attachment; filename="Quarterly Report.pdf"`)
			_, _ = w.Write(body)
		case "/files/plain.pdf":
			_, _ = w.Write(body)
		case "/files/manual.pdf":
			w.Header().Set("Content-Disposition", "inline")
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	scratch := t.TempDir()
	r := newResolver(t, Options{ScratchDir: scratch})

	loc, err := r.Resolve(context.Background(), srv.URL+"/named")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly Report.pdf", loc.DisplayName)
	assert.Equal(t, 4, loc.DeclaredPages)
	loc.Cleanup()

	loc, err = r.Resolve(context.Background(), srv.URL+"/files/plain.pdf")
	require.NoError(t, err)
	assert.Equal(t, "plain.pdf", loc.DisplayName)
	loc.Cleanup()

	// a disposition without a filename falls back to the URL path
	loc, err = r.Resolve(context.Background(), srv.URL+"/files/manual.pdf#page=3")
	require.NoError(t, err)
	assert.Equal(t, "manual.pdf", loc.DisplayName)
	loc.Cleanup()

	_, err = r.Resolve(context.Background(), srv.URL+"/gone")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, scratchFiles(t, scratch))
}

func TestResolveHTTPNotPDFRemovesScratch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>login required</body></html>"))
	}))
	defer srv.Close()

	scratch := t.TempDir()
	r := newResolver(t, Options{ScratchDir: scratch})

	_, err := r.Resolve(context.Background(), srv.URL+"/doc.pdf")
	assert.ErrorIs(t, err, ErrNotPDF)
	assert.Empty(t, scratchFiles(t, scratch))
}

type fakeObjects struct {
	objects map[string][]byte
	names   map[string]string
}

func (f *fakeObjects) Fetch(_ context.Context, bucket, key string, dst io.WriterAt) (string, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return "", errors.New("NoSuchKey")
	}
	if _, err := dst.WriteAt(data, 0); err != nil {
		return "", err
	}
	return f.names[bucket+"/"+key], nil
}

func TestResolveS3(t *testing.T) {
	body := pdftest.Build(pdftest.Spec{Pages: pdftest.Pages(2, pdftest.Letter)})
	objects := &fakeObjects{
		objects: map[string][]byte{
			"docs/a/b/upload-123": body,
			"docs/plain.pdf":      body,
		},
		names: map[string]string{"docs/a/b/upload-123": "Contract.pdf"},
	}
	scratch := t.TempDir()
	r := newResolver(t, Options{ScratchDir: scratch, Objects: objects})

	loc, err := r.Resolve(context.Background(), "s3://docs/a/b/upload-123")
	require.NoError(t, err)
	assert.Equal(t, "Contract.pdf", loc.DisplayName)
	assert.Equal(t, 2, loc.DeclaredPages)
	loc.Cleanup()

	loc, err = r.Resolve(context.Background(), "s3://docs/plain.pdf")
	require.NoError(t, err)
	assert.Equal(t, "plain.pdf", loc.DisplayName)
	loc.Cleanup()

	_, err = r.Resolve(context.Background(), "s3://docs/missing")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, scratchFiles(t, scratch))
}

func TestFingerprintFollowsContent(t *testing.T) {
	dir := t.TempDir()
	a := writePDF(t, dir, "a.pdf", 1)
	b := writePDF(t, dir, "b.pdf", 2)
	c := filepath.Join(dir, "c.pdf")
	data, err := os.ReadFile(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c, bytes.Clone(data), 0o644))

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	fc, err := Fingerprint(c)
	require.NoError(t, err)

	assert.NotEqual(t, fa, fb)
	assert.Equal(t, fa, fc)
}

func TestDisplayName(t *testing.T) {
	tests := map[string]string{
		"/srv/docs/guide.pdf":              "guide.pdf",
		"file:///srv/docs/guide.pdf":       "guide.pdf",
		"asset://sample.pdf":               "sample.pdf",
		"s3://bucket/deep/key.pdf":         "key.pdf",
		"https://example.com/x/y.pdf?dl=1": "y.pdf",
		"https://example.com/":             "",
		"/srv/docs/":                       "docs",
		"/":                                "",
		"..":                               "",
	}
	for ref, want := range tests {
		assert.Equal(t, want, DisplayName(ref), ref)
	}
}

func TestParseS3Ref(t *testing.T) {
	bucket, key, err := ParseS3Ref("s3://docs/a/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, "docs", bucket)
	assert.Equal(t, "a/b.pdf", key)

	for _, bad := range []string{"s3://", "s3://docs", "s3://docs/", "https://docs/a"} {
		_, _, err := ParseS3Ref(bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}
}

func TestCleanupScratch(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, scratchPrefix+"old.pdf")
	fresh := filepath.Join(dir, scratchPrefix+"fresh.pdf")
	foreign := filepath.Join(dir, "keep.pdf")
	for _, p := range []string{old, fresh, foreign} {
		require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4"), 0o644))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(foreign, past, past))

	assert.Equal(t, 1, CleanupScratch(dir, 24*time.Hour))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, foreign)

	assert.Zero(t, CleanupScratch(filepath.Join(dir, "nope"), time.Hour))
}

func TestCleanupScratchSparesOpenDocument(t *testing.T) {
	dir := t.TempDir()
	open := filepath.Join(dir, scratchPrefix+"open.pdf")
	stale := filepath.Join(dir, scratchPrefix+"stale.pdf")
	past := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{open, stale} {
		require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4"), 0o644))
		require.NoError(t, os.Chtimes(p, past, past))
	}

	assert.Equal(t, 1, CleanupScratch(dir, time.Hour, open, ""))
	assert.FileExists(t, open)
	assert.NoFileExists(t, stale)
}
