package document

import (
	"regexp"
	"sort"
	"strings"
)

// ScoredChunk annotates a chunk with its relevance to one query. Ephemeral,
// recomputed per question, never persisted.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "day": {}, "get": {}, "has": {},
	"him": {}, "his": {}, "how": {}, "man": {}, "new": {}, "now": {},
	"old": {}, "see": {}, "two": {}, "way": {}, "who": {}, "with": {},
	"from": {}, "that": {}, "this": {}, "have": {}, "what": {},
}

var wordSplit = regexp.MustCompile(`[^a-z0-9]+`)

// queryTokens lowercases and splits a free-text query, dropping short tokens
// and stopwords.
func queryTokens(query string) []string {
	var tokens []string
	for _, tok := range wordSplit.Split(strings.ToLower(query), -1) {
		if len(tok) <= 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

const (
	exactMatchBonus    = 100.0
	occurrenceWeight   = 10.0
	proximityWindow    = 100
	proximityDivisor   = 10.0
	DefaultTopChunks   = 5
	DefaultFallbackLen = 3
)

// ScoreChunks ranks chunks against a query with lexical heuristics: an exact
// substring match of the whole query, per-token whole-word occurrence counts,
// and a proximity bonus for adjacent query tokens appearing close together.
// Chunks scoring zero or below are dropped; the rest sort descending with the
// original chunk order breaking ties.
func ScoreChunks(query string, chunks []Chunk) []ScoredChunk {
	loweredQuery := strings.ToLower(strings.TrimSpace(query))
	tokens := queryTokens(query)

	matchers := make([]*regexp.Regexp, len(tokens))
	for i, tok := range tokens {
		matchers[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(tok) + `\b`)
	}

	var scored []ScoredChunk
	for _, chunk := range chunks {
		score := 0.0
		lowered := strings.ToLower(chunk.Text)

		if loweredQuery != "" && strings.Contains(lowered, loweredQuery) {
			score += exactMatchBonus
		}

		firstAt := make([]int, len(tokens))
		for i, m := range matchers {
			locs := m.FindAllStringIndex(chunk.Text, -1)
			firstAt[i] = -1
			if len(locs) > 0 {
				firstAt[i] = locs[0][0]
				score += occurrenceWeight * float64(len(locs))
			}
		}
		for i := 0; i+1 < len(tokens); i++ {
			a, b := firstAt[i], firstAt[i+1]
			if a < 0 || b < 0 {
				continue
			}
			dist := a - b
			if dist < 0 {
				dist = -dist
			}
			if dist < proximityWindow {
				score += float64(proximityWindow-dist) / proximityDivisor
			}
		}

		if score > 0 {
			scored = append(scored, ScoredChunk{Chunk: chunk, Score: score})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	return scored
}
