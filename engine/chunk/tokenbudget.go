package chunk

import (
	"math"
	"strings"

	"github.com/rake-ingest/rake/engine/model"
)

// tokenBudgetChunk implements the paragraph/sentence token-budget algorithm
// (§4.6.1): greedily fill chunks up to chunk_size tokens, carrying a tail
// overlap of prior segments forward into the next chunk, hard-splitting any
// single segment that alone exceeds chunk_size.
func tokenBudgetChunk(doc model.CleanedDocument, opts Options, counter func(string) int) []model.Chunk {
	segs := segmentsFor(doc.Content, opts)
	if len(segs) == 0 {
		return nil
	}

	var outputs [][]segment
	var cur []segment
	curToks := 0

	// flush closes out the current chunk unconditionally: only the trailing
	// flush after the loop applies the min_chunk_size drop (§4.6.1's
	// pseudocode guards just the final flush, not every in-loop one).
	flush := func() {
		if len(cur) == 0 {
			return
		}
		outputs = append(outputs, cur)
		cur = nil
		curToks = 0
	}

	for _, s := range segs {
		sToks := counter(s.Text)

		if sToks > opts.ChunkSize {
			flush()
			if opts.RespectSentences {
				outputs = append(outputs, chunkOversizedBySentences(s, opts, counter)...)
			} else {
				outputs = append(outputs, chunkOversizedByStride(s, opts)...)
			}
			continue
		}

		if curToks+sToks <= opts.ChunkSize {
			cur = append(cur, s)
			curToks += sToks
			continue
		}

		prev := cur
		flush()
		tailLen := int(math.Ceil(float64(len(prev)) / 4))
		var tail []segment
		if tailLen > 0 && tailLen <= len(prev) {
			tail = append(tail, prev[len(prev)-tailLen:]...)
		}
		cur = append(tail, s)
		curToks = 0
		for _, seg := range cur {
			curToks += counter(seg.Text)
		}
	}

	if len(cur) > 0 && counter(joinSegments(cur)) >= opts.MinChunkSize {
		outputs = append(outputs, cur)
	}

	return buildChunks(doc, outputs, counter, StrategyTokenBased, opts)
}

// chunkOversizedBySentences splits one over-budget segment into sentences
// and greedily fills chunks, seeding each new chunk with a roughly
// overlap/4-sentence tail of the previous one.
func chunkOversizedBySentences(s segment, opts Options, counter func(string) int) [][]segment {
	sentences := splitSentences(s.Text)
	for i := range sentences {
		sentences[i].Start += s.Start
		sentences[i].End += s.Start
	}
	if len(sentences) == 0 {
		return [][]segment{{s}}
	}

	overlapSentences := opts.ChunkOverlap / 4
	if overlapSentences < 0 {
		overlapSentences = 0
	}

	var outputs [][]segment
	var cur []segment
	curToks := 0

	for _, sent := range sentences {
		toks := counter(sent.Text)
		if curToks+toks > opts.ChunkSize && len(cur) > 0 {
			outputs = append(outputs, cur)
			tailLen := overlapSentences
			if tailLen > len(cur) {
				tailLen = len(cur)
			}
			tail := append([]segment{}, cur[len(cur)-tailLen:]...)
			cur = tail
			curToks = 0
			for _, seg := range cur {
				curToks += counter(seg.Text)
			}
		}
		cur = append(cur, sent)
		curToks += toks
	}
	if len(cur) > 0 {
		outputs = append(outputs, cur)
	}
	return outputs
}

// chunkOversizedByStride splits one over-budget segment by fixed character
// stride when sentence-respecting splitting is disabled.
func chunkOversizedByStride(s segment, opts Options) [][]segment {
	stride := opts.ChunkSize * 4
	if stride <= 0 {
		stride = 1
	}
	runes := []rune(s.Text)
	var outputs [][]segment
	for i := 0; i < len(runes); i += stride {
		end := i + stride
		if end > len(runes) {
			end = len(runes)
		}
		piece := string(runes[i:end])
		outputs = append(outputs, []segment{{
			Text:  piece,
			Start: s.Start + len(string(runes[:i])),
			End:   s.Start + len(string(runes[:end])),
		}})
	}
	return outputs
}

// segmentsFor partitions document content at the granularity the options
// request: paragraphs, sentences, or the whole document as one segment.
func segmentsFor(content string, opts Options) []segment {
	switch {
	case opts.RespectParagraphs:
		if segs := splitParagraphs(content); len(segs) > 0 {
			return segs
		}
		fallthrough
	case opts.RespectSentences:
		if segs := splitSentences(content); len(segs) > 0 {
			return segs
		}
		fallthrough
	default:
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []segment{{Text: content, Start: 0, End: len(content)}}
	}
}

func joinSegments(segs []segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Text
	}
	return strings.Join(parts, " ")
}

// buildChunks turns grouped segments into positioned model.Chunk records
// with best-effort start/end offsets, per §9 open question #2.
func buildChunks(doc model.CleanedDocument, groups [][]segment, counter func(string) int, strategy Strategy, opts Options) []model.Chunk {
	chunks := make([]model.Chunk, 0, len(groups))
	for i, g := range groups {
		if len(g) == 0 {
			continue
		}
		text := joinSegments(g)
		chunks = append(chunks, model.Chunk{
			ID:         newChunkID(),
			DocumentID: doc.ID,
			Content:    text,
			Position:   i,
			TokenCount: counter(text),
			StartChar:  g[0].Start,
			EndChar:    g[len(g)-1].End,
			TenantID:   doc.TenantID,
			Metadata: map[string]any{
				"chunk_strategy":    string(strategy),
				"chunk_size_tokens": opts.ChunkSize,
				"overlap_tokens":    opts.ChunkOverlap,
			},
		})
	}
	return chunks
}
