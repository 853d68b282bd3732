package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrEmptyDocument   = errors.New("document contains no extractable text")
)

// sparseTextThreshold is the minimum number of non-whitespace characters for
// extracted text to be useful on its own. Below it, a PDF can still proceed
// when page preview images are available.
const sparseTextThreshold = 100

var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".markdown": {}, ".json": {}, ".csv": {},
	".yaml": {}, ".yml": {}, ".toml": {}, ".xml": {}, ".log": {},
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".jsx": {}, ".tsx": {},
	".java": {}, ".c": {}, ".h": {}, ".cpp": {}, ".hpp": {}, ".cs": {},
	".rs": {}, ".rb": {}, ".php": {}, ".swift": {}, ".kt": {}, ".scala": {},
	".sh": {}, ".sql": {}, ".html": {}, ".css": {},
}

// Extraction is the plain-text view of one uploaded document.
type Extraction struct {
	Pages []Page
}

// TextChars counts non-whitespace characters across all pages.
func (e *Extraction) TextChars() int {
	n := 0
	for _, p := range e.Pages {
		for _, r := range p.Text {
			if !unicode.IsSpace(r) {
				n++
			}
		}
	}
	return n
}

// Sparse reports whether the extracted text is too thin to answer from.
func (e *Extraction) Sparse() bool {
	return e.TextChars() < sparseTextThreshold
}

// FullText joins all pages into one string, used when a whole small document
// is injected directly instead of retrieved chunks.
func (e *Extraction) FullText() string {
	parts := make([]string, 0, len(e.Pages))
	for _, p := range e.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Supported reports whether the filename's extension names a kind this
// extractor understands.
func Supported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".pdf" || ext == ".docx" || ext == ".xlsx" {
		return true
	}
	_, ok := textExtensions[ext]
	return ok
}

// Extract pulls per-page plain text from the stored file. PDFs keep their
// native page boundaries; DOCX and plain files are a single page; XLSX treats
// each sheet as a page.
func Extract(path, filename string) (*Extraction, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".pdf":
		return extractPDF(path)
	case ext == ".docx":
		return extractDOCX(path)
	case ext == ".xlsx":
		return extractXLSX(path)
	default:
		if _, ok := textExtensions[ext]; ok {
			return extractPlain(path)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
}

func extractPDF(path string) (*Extraction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pdf: %w", err)
	}
	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	ex := &Extraction{}
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		ex.Pages = append(ex.Pages, Page{Number: i, Text: pageText})
	}
	if len(ex.Pages) == 0 {
		return nil, ErrEmptyDocument
	}
	return ex, nil
}

func extractDOCX(path string) (*Extraction, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	defer r.Close()

	content := stripDocxTags(r.Editable().GetContent())
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyDocument
	}
	return &Extraction{Pages: []Page{{Number: 1, Text: content}}}, nil
}

// stripDocxTags removes the raw WordprocessingML markup GetContent leaves in.
func stripDocxTags(content string) string {
	var (
		b      strings.Builder
		inside bool
	)
	for _, r := range content {
		switch {
		case r == '<':
			inside = true
		case r == '>':
			inside = false
		case !inside:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func extractXLSX(path string) (*Extraction, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("read xlsx: %w", err)
	}
	defer f.Close()

	ex := &Extraction{}
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		var text strings.Builder
		text.WriteString("Sheet: " + sheet + "\n")
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		ex.Pages = append(ex.Pages, Page{Number: i + 1, Text: text.String()})
	}
	if len(ex.Pages) == 0 {
		return nil, ErrEmptyDocument
	}
	return ex, nil
}

func extractPlain(path string) (*Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyDocument
	}
	return &Extraction{Pages: []Page{{Number: 1, Text: string(data)}}}, nil
}
