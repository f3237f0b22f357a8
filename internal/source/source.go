// Package source resolves document references (paths, assets, URLs and S3
// objects) to readable local PDF files.
package source

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"

	"github.com/local/pageviewer/internal/filetype"
)

// scratchPrefix marks files this package creates; CleanupScratch only touches those.
const scratchPrefix = "src-"

var (
	ErrEmptyRef    = errors.New("empty document reference")
	ErrNotPDF      = errors.New("not a PDF document")
	ErrInvalidRef  = errors.New("invalid document reference")
	ErrUnavailable = errors.New("document source unavailable")
)

// Local is a resolved document on the local filesystem.
type Local struct {
	Ref  string
	Path string
	// DisplayName is a human-readable name, empty when none is known.
	DisplayName string
	// Fingerprint is the blake2b-256 of the file contents, hex encoded.
	Fingerprint string
	// DeclaredPages is pdfcpu's page count, 0 when its stricter parser gave up.
	DeclaredPages int
	Size          int64

	scratch bool
	once    sync.Once
}

// Cleanup removes the scratch copy, if one was made.
func (l *Local) Cleanup() {
	if l == nil || !l.scratch {
		return
	}
	l.once.Do(func() {
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", l.Path).Msg("failed to remove scratch copy")
		}
	})
}

// Options configures a Resolver.
type Options struct {
	ScratchDir string
	AssetsDir  string
	HTTPClient *http.Client
	// Objects fetches s3:// references. Nil builds an AWS client on first use.
	Objects ObjectFetcher
	S3      S3Options
}

// Resolver turns references into Local files.
type Resolver struct {
	opts     Options
	detector *filetype.Detector

	s3once sync.Once
	s3err  error
}

// NewResolver prepares the scratch directory.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "pageviewer")
	}
	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Resolver{opts: opts, detector: filetype.New()}, nil
}

// Resolve makes ref available as a local PDF. Supported forms: a plain
// path, file://path, asset://name, http(s)://... and s3://bucket/key.
// The caller owns the result and must call Cleanup.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Local, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, ErrEmptyRef
	}

	var (
		loc *Local
		err error
	)
	switch {
	case strings.HasPrefix(ref, "s3://"):
		loc, err = r.fromS3(ctx, ref)
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		loc, err = r.fromHTTP(ctx, ref)
	case strings.HasPrefix(ref, "asset://"):
		name := strings.TrimPrefix(ref, "asset://")
		loc, err = r.fromAsset(withoutFragment(name, func(n string) string { return filepath.Join(r.opts.AssetsDir, n) }))
	case strings.HasPrefix(ref, "file://"):
		p := withoutFragment(strings.TrimPrefix(ref, "file://"), nil)
		loc = &Local{Path: p, DisplayName: DisplayName(p)}
	default:
		p := withoutFragment(ref, nil)
		loc = &Local{Path: p, DisplayName: DisplayName(p)}
	}
	if err != nil {
		return nil, err
	}
	loc.Ref = ref
	if loc.DisplayName == "" {
		loc.DisplayName = DisplayName(ref)
	}

	if err := r.inspect(loc); err != nil {
		loc.Cleanup()
		return nil, err
	}
	log.Info().
		Str("ref", ref).
		Str("file", loc.Path).
		Str("name", loc.DisplayName).
		Int64("size", loc.Size).
		Int("declared_pages", loc.DeclaredPages).
		Msg("resolved document")
	return loc, nil
}

// withoutFragment drops a trailing "#..." viewer fragment from a file name,
// unless a file with the full name exists. at maps the name to a disk path.
func withoutFragment(name string, at func(string) string) string {
	i := strings.LastIndex(name, "#")
	if i < 0 {
		return name
	}
	full := name
	if at != nil {
		full = at(name)
	}
	if _, err := os.Stat(full); err == nil {
		return name
	}
	return name[:i]
}

func (r *Resolver) inspect(loc *Local) error {
	st, err := os.Stat(loc.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidRef, loc.Path)
	}
	loc.Size = st.Size()

	info, err := r.detector.Detect(loc.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !info.IsPDF {
		return fmt.Errorf("%w: %s", ErrNotPDF, info.Description)
	}

	fp, err := Fingerprint(loc.Path)
	if err != nil {
		return err
	}
	loc.Fingerprint = fp

	// MuPDF repairs files pdfcpu rejects, so this is informational only
	if n, err := api.PageCountFile(loc.Path); err != nil {
		log.Debug().Err(err).Str("file", loc.Path).Msg("pdfcpu page count failed")
	} else {
		loc.DeclaredPages = n
	}
	return nil
}

func (r *Resolver) fromHTTP(ctx context.Context, ref string) (*Local, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	loc, err := r.scratchCopy(resp.Body)
	if err != nil {
		return nil, err
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			loc.DisplayName = baseName(params["filename"])
		}
	}
	return loc, nil
}

func (r *Resolver) fromAsset(name string) (*Local, error) {
	clean := filepath.Clean(name)
	if name == "" || clean != filepath.Base(clean) || clean == "." || clean == ".." {
		return nil, fmt.Errorf("%w: asset name %q", ErrInvalidRef, name)
	}
	f, err := os.Open(filepath.Join(r.opts.AssetsDir, clean))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	loc, err := r.scratchCopy(f)
	if err != nil {
		return nil, err
	}
	loc.DisplayName = clean
	return loc, nil
}

// scratchCopy writes src into a new scratch file.
func (r *Resolver) scratchCopy(src io.Reader) (*Local, error) {
	f, err := os.CreateTemp(r.opts.ScratchDir, scratchPrefix+"*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	loc := &Local{Path: f.Name(), scratch: true}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		loc.Cleanup()
		return nil, fmt.Errorf("%w: copy: %v", ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		loc.Cleanup()
		return nil, fmt.Errorf("close scratch file: %w", err)
	}
	return loc, nil
}

// Fingerprint hashes the file at p.
func Fingerprint(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DisplayName derives a human-readable name from a reference, or "" if none.
func DisplayName(ref string) string {
	var name string
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil {
			return ""
		}
		name = path.Base(u.Path)
	case strings.HasPrefix(ref, "s3://"), strings.HasPrefix(ref, "asset://"):
		name = path.Base(ref[strings.Index(ref, "://")+3:])
	default:
		return baseName(strings.TrimPrefix(ref, "file://"))
	}
	return baseName(name)
}

// baseName is the last element of p, or "" when p names no file.
func baseName(p string) string {
	if p == "" {
		return ""
	}
	name := filepath.Base(p)
	if name == "." || name == ".." || name == "/" || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// CleanupScratch removes scratch copies in dir older than maxAge. Paths in
// keep are documents still in use and are never removed.
func CleanupScratch(dir string, maxAge time.Duration, keep ...string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	inUse := make(map[string]bool, len(keep))
	for _, k := range keep {
		if k != "" {
			inUse[filepath.Clean(k)] = true
		}
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		if inUse[filepath.Join(dir, e.Name())] {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Str("dir", dir).Msg("cleaned scratch copies")
	}
	return removed
}
