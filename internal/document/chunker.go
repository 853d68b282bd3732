package document

// Page is one page of extracted document text, 1-based.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Chunk is a fixed-size window of one page's text. Start and end are
// character offsets within that page; windows never cross a page boundary.
type Chunk struct {
	Text       string `json:"text"`
	PageNumber int    `json:"page_number"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	// Pages with less text than this are skipped outright.
	minPageChars = 20
)

// ChunkPages slides a fixed window across each page with the given overlap
// between consecutive windows. Zero or negative parameters fall back to the
// defaults; an overlap at or above the window size is clamped to half of it.
func ChunkPages(pages []Page, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		overlap = size / 2
	}

	var chunks []Chunk
	for _, page := range pages {
		n := len(page.Text)
		if n < minPageChars {
			continue
		}
		start := 0
		for start < n {
			end := start + size
			if end > n {
				end = n
			}
			chunks = append(chunks, Chunk{
				Text:       page.Text[start:end],
				PageNumber: page.Number,
				StartIndex: start,
				EndIndex:   end,
			})
			if end == n {
				break
			}
			start += size - overlap
		}
	}
	return chunks
}
