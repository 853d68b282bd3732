package document

import (
	"strings"
	"testing"
)

func fixtureChunks() []Chunk {
	return []Chunk{
		{Text: "The mitochondria is the powerhouse of the cell. It produces energy.", PageNumber: 1},
		{Text: "Photosynthesis converts light energy into chemical energy in plants.", PageNumber: 2},
		{Text: "Completely unrelated text about medieval architecture and cathedrals.", PageNumber: 3},
	}
}

func TestScoreChunksExactSubstringWins(t *testing.T) {
	chunks := fixtureChunks()
	scored := ScoreChunks("powerhouse of the cell", chunks)
	if len(scored) == 0 {
		t.Fatalf("expected at least one scored chunk")
	}
	top := scored[0]
	if top.PageNumber != 1 {
		t.Fatalf("chunk containing the verbatim query must sort first, got page %d", top.PageNumber)
	}
	if top.Score < 100 {
		t.Fatalf("exact substring match must score at least 100, got %f", top.Score)
	}
}

func TestScoreChunksDropsNonPositive(t *testing.T) {
	scored := ScoreChunks("quantum entanglement", fixtureChunks())
	for _, s := range scored {
		if s.Score <= 0 {
			t.Fatalf("non-positive score leaked through: %+v", s)
		}
	}
}

func TestScoreChunksWholeWordOnly(t *testing.T) {
	chunks := []Chunk{
		{Text: "the cat sat on the mat", PageNumber: 1},
		{Text: "concatenate strings in category theory", PageNumber: 2},
	}
	scored := ScoreChunks("cat mat", chunks)
	if len(scored) != 1 {
		t.Fatalf("substring-only hits must not count, got %d scored chunks", len(scored))
	}
	if scored[0].PageNumber != 1 {
		t.Fatalf("expected the whole-word page, got %d", scored[0].PageNumber)
	}
}

func TestScoreChunksProximityBonus(t *testing.T) {
	chunks := []Chunk{
		{Text: "binary search runs fast", PageNumber: 1},
		{Text: "binary numbers are useful. " + strings.Repeat("filler words here. ", 20) + "search engines differ.", PageNumber: 2},
	}
	scored := ScoreChunks("binary search", chunks)
	if len(scored) != 2 {
		t.Fatalf("both chunks contain the tokens, got %d", len(scored))
	}
	if scored[0].PageNumber != 1 {
		t.Fatalf("adjacent tokens must outrank distant ones, top was page %d", scored[0].PageNumber)
	}
	if scored[0].Score <= scored[1].Score {
		t.Fatalf("expected proximity bonus: %f vs %f", scored[0].Score, scored[1].Score)
	}
}

func TestScoreChunksStableTieOrder(t *testing.T) {
	chunks := []Chunk{
		{Text: "gopher gopher", PageNumber: 1, StartIndex: 0},
		{Text: "gopher gopher", PageNumber: 1, StartIndex: 800},
	}
	scored := ScoreChunks("gopher", chunks)
	if len(scored) != 2 {
		t.Fatalf("expected both chunks, got %d", len(scored))
	}
	if scored[0].StartIndex != 0 {
		t.Fatalf("ties must keep original chunk order, first was %d", scored[0].StartIndex)
	}
}

func TestQueryTokensDropsStopwordsAndShort(t *testing.T) {
	tokens := queryTokens("What is the BIG deal with an API?")
	for _, tok := range tokens {
		if len(tok) <= 2 {
			t.Fatalf("short token survived: %q", tok)
		}
		if _, stop := stopwords[tok]; stop {
			t.Fatalf("stopword survived: %q", tok)
		}
	}
	found := false
	for _, tok := range tokens {
		if tok == "big" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tokens must be lowercased, got %v", tokens)
	}
}

func TestSelectContextTopKAndCitations(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, Chunk{
			Text:       "nothing relevant " + strings.Repeat("pad ", i),
			PageNumber: i + 1,
		})
	}
	chunks[7].Text = "the elusive aardvark appears here"
	sel := SelectContext("elusive aardvark", chunks, 5, 3)
	if len(sel.Chunks) != 1 {
		t.Fatalf("only one chunk is relevant, got %d", len(sel.Chunks))
	}
	if len(sel.Pages) != 1 || sel.Pages[0] != 8 {
		t.Fatalf("expected citation for page 8, got %v", sel.Pages)
	}
	if !strings.HasPrefix(sel.Context, "[Page 8]") {
		t.Fatalf("context must label pages: %q", sel.Context)
	}
}

func TestSelectContextFallbackPrefix(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 6; i++ {
		chunks = append(chunks, Chunk{Text: "lorem ipsum dolor", PageNumber: i + 1})
	}
	sel := SelectContext("zebra xylophone", chunks, 5, 3)
	if len(sel.Chunks) != 3 {
		t.Fatalf("expected fallback prefix of 3 chunks, got %d", len(sel.Chunks))
	}
	for i, c := range sel.Chunks {
		if c.PageNumber != i+1 {
			t.Fatalf("fallback must preserve original order, got page %d at %d", c.PageNumber, i)
		}
		if c.Score != 0 {
			t.Fatalf("fallback chunks carry no score, got %f", c.Score)
		}
	}
}
