package llm

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"studychat/internal/models"
)

// lessonTitles are the five fixed pedagogical sections of a study-mode
// response, used as placeholders when the model's answer yields fewer.
var lessonTitles = [5]string{
	"Understanding the Problem",
	"Building Intuition",
	"Brute-Force Approach",
	"Optimized Solution",
	"Test Your Understanding",
}

var bigONotation = regexp.MustCompile(`\bO\([^)]*\)`)

var quizKeywords = []string{"quiz", "question", "test your", "try to answer", "what would", "which of"}

var complexityKeywords = []string{"complexity", "big-o", "big o", "time and space"}

// ParseLessonSections splits a study-mode completion into its five lesson
// sections along second-level markdown headings. This is best-effort: missing
// sections become titled placeholders, and a response with no recognizable
// headings collapses into a single explanation section rather than an error.
func ParseLessonSections(content string) []models.LessonSection {
	heads := findLevel2Headings(content)
	if len(heads) == 0 {
		return []models.LessonSection{{
			Title:   lessonTitles[0],
			Kind:    models.LessonExplanation,
			Content: strings.TrimSpace(content),
		}}
	}

	type span struct {
		title string
		body  string
	}
	spans := make([]span, 0, len(heads))
	for i, h := range heads {
		end := len(content)
		if i+1 < len(heads) {
			end = heads[i+1].lineStart
		}
		body := content[h.bodyStart:end]
		spans = append(spans, span{title: h.title, body: strings.TrimSpace(body)})
	}
	// Anything past the fifth heading folds into the last section.
	if len(spans) > len(lessonTitles) {
		var extra strings.Builder
		for _, s := range spans[len(lessonTitles):] {
			extra.WriteString("\n\n## " + s.title + "\n\n" + s.body)
		}
		spans[len(lessonTitles)-1].body += extra.String()
		spans = spans[:len(lessonTitles)]
	}

	sections := make([]models.LessonSection, 0, len(lessonTitles))
	for _, s := range spans {
		sections = append(sections, models.LessonSection{
			Title:   s.title,
			Kind:    classifySection(s.body),
			Content: s.body,
		})
	}
	for i := len(sections); i < len(lessonTitles); i++ {
		sections = append(sections, models.LessonSection{
			Title: lessonTitles[i],
			Kind:  models.LessonExplanation,
		})
	}
	return sections
}

type headingPos struct {
	title     string
	lineStart int
	bodyStart int
}

// findLevel2Headings walks the markdown AST and reports every top-level h2
// with its byte offsets in the source.
func findLevel2Headings(content string) []headingPos {
	src := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var heads []headingPos
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 2 || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		lineStart := seg.Start
		for lineStart > 0 && src[lineStart-1] != '\n' {
			lineStart--
		}
		heads = append(heads, headingPos{
			title:     strings.TrimSpace(string(seg.Value(src))),
			lineStart: lineStart,
			bodyStart: seg.Stop,
		})
	}
	return heads
}

// classifySection sniffs a section body into one of the four lesson kinds.
// A fenced code block wins, then question-like phrasing, then complexity
// vocabulary; everything else is an explanation.
func classifySection(body string) models.LessonSectionKind {
	if strings.Contains(body, "```") {
		return models.LessonCode
	}
	lower := strings.ToLower(body)
	for _, kw := range quizKeywords {
		if strings.Contains(lower, kw) {
			return models.LessonQuiz
		}
	}
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return models.LessonComplexity
		}
	}
	if bigONotation.MatchString(body) {
		return models.LessonComplexity
	}
	return models.LessonExplanation
}
