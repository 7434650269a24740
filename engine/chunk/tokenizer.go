package chunk

import (
	"strings"
	"unicode"
)

// BPETokenizer is a small greedy-merge byte-pair tokenizer used only to
// count tokens for the semantic and hybrid chunking strategies. It is not a
// general-purpose tokenizer for any particular embedding model; its vocabulary
// is built once from a bundled merge table of common English subword pairs,
// sized to approximate typical embedding-model token boundaries closely
// enough for chunk-boundary decisions, which is the only thing it is used
// for — the stored embedding vector always comes from the embedding
// provider, never from this tokenizer.
type BPETokenizer struct {
	merges map[string]string // "a b" -> "ab", in merge-priority order
	order  []string
}

// NewBPETokenizer builds the tokenizer and runs its one-time vocabulary
// construction pass over the bundled merge table.
func NewBPETokenizer() *BPETokenizer {
	t := &BPETokenizer{merges: make(map[string]string)}
	for _, pair := range bundledMergeTable {
		key := pair[0] + " " + pair[1]
		t.merges[key] = pair[0] + pair[1]
		t.order = append(t.order, key)
	}
	return t
}

// Count returns the number of BPE tokens text would be split into.
func (t *BPETokenizer) Count(text string) int {
	count := 0
	for _, word := range strings.FieldsFunc(text, func(r rune) bool { return unicode.IsSpace(r) }) {
		count += len(t.tokenizeWord(word))
	}
	if count == 0 {
		count = 1
	}
	return count
}

// tokenizeWord splits one whitespace-delimited word into symbols, then
// greedily applies merges in priority order until no merge applies.
func (t *BPETokenizer) tokenizeWord(word string) []string {
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}

	for _, mergeKey := range t.order {
		if len(symbols) <= 1 {
			break
		}
		parts := strings.SplitN(mergeKey, " ", 2)
		left, right := parts[0], parts[1]
		merged := make([]string, 0, len(symbols))
		i := 0
		for i < len(symbols) {
			if i < len(symbols)-1 && symbols[i] == left && symbols[i+1] == right {
				merged = append(merged, left+right)
				i += 2
				continue
			}
			merged = append(merged, symbols[i])
			i++
		}
		symbols = merged
	}
	return symbols
}

// bundledMergeTable is a small, fixed set of common English subword merges,
// ordered from most to least general. It exists purely so Count() produces
// a token count in the right ballpark for boundary decisions, not to
// reproduce any specific model's vocabulary.
var bundledMergeTable = [][2]string{
	{"t", "h"}, {"th", "e"}, {"i", "n"}, {"e", "r"}, {"a", "n"},
	{"r", "e"}, {"o", "n"}, {"a", "t"}, {"e", "n"}, {"i", "s"},
	{"o", "r"}, {"e", "s"}, {"i", "t"}, {"a", "l"}, {"n", "g"},
	{"t", "i"}, {"ti", "on"}, {"i", "ng"}, {"e", "d"}, {"a", "r"},
	{"s", "t"}, {"t", "o"}, {"o", "u"}, {"a", "s"}, {"l", "e"},
	{"c", "h"}, {"v", "e"}, {"l", "y"}, {"c", "o"}, {"m", "e"},
}
