package chunk

import (
	"math"

	"github.com/rake-ingest/rake/engine/model"
)

// semanticChunk implements §4.6.2: sentences are grouped using
// sentence-embedding boundary detection. When hybrid is true, a hard token
// limit takes priority over the semantic boundary, per the hybrid priority
// order; when false, only the pure-semantic rule (boundary or 1.5x safety
// bound) applies.
func semanticChunk(doc model.CleanedDocument, opts Options, tok *BPETokenizer, emb *LocalSentenceEmbedder, hybrid bool) []model.Chunk {
	sentences := splitSentences(doc.Content)
	if len(sentences) == 0 {
		return nil
	}

	boundaries := make([]bool, len(sentences))
	similarities := make([]float64, len(sentences))
	var prevVec []float32
	for i, s := range sentences {
		vec := emb.Embed(s.Text)
		if i > 0 {
			sim := CosineSimilarity(prevVec, vec)
			similarities[i-1] = sim
			boundaries[i-1] = sim < opts.SimilarityThreshold
		}
		prevVec = vec
	}

	strategy := StrategySemantic
	if hybrid {
		strategy = StrategyHybrid
	}

	type accumChunk struct {
		segs       []segment
		splitReason string
		similarity  float64
	}

	var outputs []accumChunk
	var cur []segment
	curToks := 0

	// overlapSentences carries a trailing slice of the flushed group forward
	// into the next one, the same ~overlap/4-sentence rule
	// tokenBudgetChunk uses, but only for the hard token_limit split: a
	// semantic_boundary split is already topic-aligned and takes no overlap.
	overlapSentences := opts.ChunkOverlap / 4
	if overlapSentences < 0 {
		overlapSentences = 0
	}

	flushWithReason := func(reason string, sim float64) {
		if len(cur) == 0 {
			return
		}
		flushed := cur
		outputs = append(outputs, accumChunk{segs: flushed, splitReason: reason, similarity: sim})

		if reason == "token_limit" && overlapSentences > 0 {
			tailLen := overlapSentences
			if tailLen > len(flushed) {
				tailLen = len(flushed)
			}
			cur = append([]segment{}, flushed[len(flushed)-tailLen:]...)
			curToks = 0
			for _, seg := range cur {
				curToks += tok.Count(seg.Text)
			}
			return
		}
		cur = nil
		curToks = 0
	}

	safetyBound := int(math.Ceil(float64(opts.ChunkSize) * 1.5))
	hybridThreshold := int(math.Ceil(float64(opts.ChunkSize) * 0.7))

	for i, s := range sentences {
		toks := tok.Count(s.Text)
		cur = append(cur, s)
		curToks += toks

		if hybrid {
			if curToks > opts.ChunkSize {
				flushWithReason("token_limit", 0)
				continue
			}
			if i < len(boundaries) && boundaries[i] && curToks >= hybridThreshold {
				flushWithReason("semantic_boundary", similarities[i])
			}
			continue
		}

		atBoundary := i < len(boundaries) && boundaries[i]
		if atBoundary {
			flushWithReason("semantic_boundary", similarities[i])
		} else if curToks > safetyBound {
			flushWithReason("token_limit_safety", 0)
		}
	}
	if len(cur) > 0 {
		outputs = append(outputs, accumChunk{segs: cur, splitReason: "end_of_document"})
	}

	chunks := make([]model.Chunk, 0, len(outputs))
	for i, o := range outputs {
		text := joinSegments(o.segs)
		tokCount := tok.Count(text)
		if tokCount < opts.MinChunkSize && i == len(outputs)-1 && len(outputs) > 1 {
			continue
		}
		metadata := map[string]any{
			"chunk_strategy": string(strategy),
			"split_reason":   o.splitReason,
		}
		if o.splitReason == "semantic_boundary" {
			metadata["boundary_similarity"] = o.similarity
		}
		chunks = append(chunks, model.Chunk{
			ID:         newChunkID(),
			DocumentID: doc.ID,
			Content:    text,
			Position:   len(chunks),
			TokenCount: tokCount,
			StartChar:  o.segs[0].Start,
			EndChar:    o.segs[len(o.segs)-1].End,
			TenantID:   doc.TenantID,
			Metadata:   metadata,
		})
	}
	return chunks
}
