// Package clean implements Stage E: per-document text normalization and
// statistics, run between Fetch and Chunk.
package clean

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rake-ingest/rake/engine/model"
)

// Options configures the clean stage. The zero value skips NFKC
// normalization and leaves URLs and emails in place; newline and whitespace
// normalization always run.
type Options struct {
	NormalizeUnicode  bool
	RemoveURLs        bool
	RemoveEmails      bool
	MinContentLength  int
}

// DefaultOptions matches the distilled spec's default behavior.
func DefaultOptions() Options {
	return Options{NormalizeUnicode: true, MinContentLength: 10}
}

var urlPattern = regexp.MustCompile(`https?://\S+`)
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
var multiNewline = regexp.MustCompile(`\n{3,}`)
var multiSpace = regexp.MustCompile(`[ \t]{2,}`)

// Stage cleans one RawDocument into a CleanedDocument. Under-length content
// is not an error: it is logged as a warning and passed through, matching
// the behavior the original implementation exhibits.
func Stage(log *slog.Logger, opts Options) func(ctx context.Context, in model.RawDocument) model.CleanedDocument {
	return func(ctx context.Context, in model.RawDocument) model.CleanedDocument {
		original := in.Content
		text := original

		if opts.NormalizeUnicode {
			text = norm.NFKC.String(text)
		}
		if opts.RemoveURLs {
			text = urlPattern.ReplaceAllString(text, " ")
		}
		if opts.RemoveEmails {
			text = emailPattern.ReplaceAllString(text, " ")
		}
		text = multiNewline.ReplaceAllString(text, "\n\n")
		text = multiSpace.ReplaceAllString(text, " ")
		text = strings.TrimSpace(text)

		minLen := opts.MinContentLength
		if minLen <= 0 {
			minLen = DefaultOptions().MinContentLength
		}
		if len(text) < minLen {
			log.WarnContext(ctx, "document below minimum content length after cleaning",
				"document_id", in.ID, "cleaned_length", len(text), "min_content_length", minLen)
		}

		originalLen := len(original)
		cleanedLen := len(text)
		reduction := 0.0
		if originalLen > 0 {
			reduction = (1 - float64(cleanedLen)/float64(originalLen)) * 100
		}

		metadata := make(map[string]any, len(in.Metadata)+3)
		for k, v := range in.Metadata {
			metadata[k] = v
		}
		metadata["original_length"] = originalLen
		metadata["cleaned_length"] = cleanedLen
		metadata["reduction_percent"] = reduction

		return model.CleanedDocument{
			ID:         in.ID,
			SourceKind: in.SourceKind,
			TenantID:   in.TenantID,
			Content:    text,
			WordCount:  wordCount(text),
			CharCount:  len(text),
			Metadata:   metadata,
		}
	}
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
