package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rake-ingest/rake/engine/model"
	"github.com/rake-ingest/rake/pkg/rakeerr"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// TextExtractor extracts text and metadata from a binary document format.
// This is the opaque "extract text + metadata" boundary the specification
// treats as an external collaborator; FileAdapter delegates to it for
// anything that is not a plain-text format.
type TextExtractor interface {
	Extract(ctx context.Context, path string, ext string) (text string, metadata map[string]any, err error)
}

// PlainTextOnlyExtractor rejects every format, leaving binary extraction to
// an operator-supplied implementation of TextExtractor.
type PlainTextOnlyExtractor struct{}

func (PlainTextOnlyExtractor) Extract(_ context.Context, path, ext string) (string, map[string]any, error) {
	return "", nil, fmt.Errorf("file: no text extractor configured for %s files", ext)
}

var recognizedExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".md": true, ".docx": true, ".pptx": true,
}

var plainTextExtensions = map[string]bool{".txt": true, ".md": true}

// FileConfig configures the file adapter.
type FileConfig struct {
	MaxSizeBytes int64
	Extractor    TextExtractor
}

// DefaultFileConfig is 50 MiB with no binary extractor wired.
func DefaultFileConfig() FileConfig {
	return FileConfig{MaxSizeBytes: 50 << 20, Extractor: PlainTextOnlyExtractor{}}
}

// FileAdapter reads local files.
type FileAdapter struct {
	cfg FileConfig
}

// NewFileAdapter builds a FileAdapter.
func NewFileAdapter(cfg FileConfig) *FileAdapter {
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultFileConfig().MaxSizeBytes
	}
	if cfg.Extractor == nil {
		cfg.Extractor = PlainTextOnlyExtractor{}
	}
	return &FileAdapter{cfg: cfg}
}

func (a *FileAdapter) Kind() string { return "file_upload" }

func (a *FileAdapter) Validate(params Params) error {
	path := params.str("file_path")
	if path == "" {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("file_path", "", rakeerr.ErrMissingParam))
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !recognizedExtensions[ext] {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("file_path", path, rakeerr.ErrUnsupportedExt))
	}
	info, err := os.Stat(path)
	if err != nil {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("file_path", path, err))
	}
	if info.Size() > a.cfg.MaxSizeBytes {
		return rakeerr.New(rakeerr.KindValidation, rakeerr.NewValidation("file_path", path, rakeerr.ErrOversize))
	}
	return nil
}

func (a *FileAdapter) Fetch(ctx context.Context, params Params) ([]model.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	path := params.str("file_path")
	ext := strings.ToLower(filepath.Ext(path))

	var content string
	metadata := map[string]any{"filename": filepath.Base(path), "extension": ext}

	if plainTextExtensions[ext] {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, rakeerr.New(rakeerr.KindTransientFetch, err)
		}
		text, encUsed, err := decodeText(raw)
		if err != nil {
			return nil, rakeerr.New(rakeerr.KindPermanentFetch, err)
		}
		content = text
		metadata["encoding"] = encUsed
	} else {
		text, extra, err := a.cfg.Extractor.Extract(ctx, path, ext)
		if err != nil {
			return nil, rakeerr.New(rakeerr.KindPermanentFetch, err)
		}
		content = text
		for k, v := range extra {
			metadata[k] = v
		}
	}

	if strings.TrimSpace(content) == "" {
		return nil, rakeerr.New(rakeerr.KindPermanentFetch, rakeerr.ErrEmptyContent)
	}

	return []model.RawDocument{{
		ID:         filepath.Base(path),
		SourceKind: a.Kind(),
		Content:    content,
		Metadata:   metadata,
		FetchedAt:  time.Now().UTC(),
		TenantID:   params.str("tenant_id"),
		URL:        path,
	}}, nil
}

// decodeText tries UTF-8, then Latin-1, then CP1252, in that order.
func decodeText(raw []byte) (string, string, error) {
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}
	for _, c := range []struct {
		name string
		enc  *charmap.Charmap
	}{{"latin-1", charmap.ISO8859_1}, {"cp1252", charmap.Windows1252}} {
		decoded, _, err := transform.Bytes(c.enc.NewDecoder(), raw)
		if err == nil {
			return string(decoded), c.name, nil
		}
	}
	return "", "", rakeerr.ErrDecodeFailed
}

func (a *FileAdapter) HealthCheck(context.Context) error { return nil }
func (a *FileAdapter) Close() error                      { return nil }

var _ Adapter = (*FileAdapter)(nil)
