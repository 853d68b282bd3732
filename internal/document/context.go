package document

import (
	"fmt"
	"sort"
	"strings"
)

// Selection is the retrieval output for one question: the chosen chunks in
// score order, the distinct source pages for citations, and the assembled
// context block handed to the completion request.
type Selection struct {
	Chunks  []ScoredChunk
	Pages   []int
	Context string
}

// SelectContext scores the chunk set against the query and keeps the top k.
// When nothing scores positively it falls back to the first fallbackN chunks
// so the question still gets some grounding context.
func SelectContext(query string, chunks []Chunk, topK, fallbackN int) Selection {
	if topK <= 0 {
		topK = DefaultTopChunks
	}
	if fallbackN <= 0 {
		fallbackN = DefaultFallbackLen
	}

	scored := ScoreChunks(query, chunks)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	if len(scored) == 0 {
		n := fallbackN
		if n > len(chunks) {
			n = len(chunks)
		}
		for _, c := range chunks[:n] {
			scored = append(scored, ScoredChunk{Chunk: c})
		}
	}

	var (
		ctx   strings.Builder
		seen  = map[int]struct{}{}
		pages []int
	)
	for _, c := range scored {
		fmt.Fprintf(&ctx, "[Page %d] %s\n\n", c.PageNumber, strings.TrimSpace(c.Text))
		if _, ok := seen[c.PageNumber]; !ok {
			seen[c.PageNumber] = struct{}{}
			pages = append(pages, c.PageNumber)
		}
	}
	sort.Ints(pages)

	return Selection{
		Chunks:  scored,
		Pages:   pages,
		Context: strings.TrimSpace(ctx.String()),
	}
}
