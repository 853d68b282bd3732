package models

// LessonSectionKind classifies a study-mode lesson section.
type LessonSectionKind string

const (
	LessonExplanation LessonSectionKind = "explanation"
	LessonCode        LessonSectionKind = "code"
	LessonQuiz        LessonSectionKind = "quiz"
	LessonComplexity  LessonSectionKind = "complexity"
)

// LessonSection is one of the five fixed pedagogical parts of a study-mode
// response.
type LessonSection struct {
	Title   string            `json:"title"`
	Kind    LessonSectionKind `json:"kind"`
	Content string            `json:"content"`
}
