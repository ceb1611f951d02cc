// Package domain defines the entity types shared by the grading pipeline.
package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// GradeLevel is the school grade of the student who wrote the essay.
type GradeLevel string

const (
	Grade1 GradeLevel = "grade_1"
	Grade2 GradeLevel = "grade_2"
	Grade3 GradeLevel = "grade_3"
	Grade4 GradeLevel = "grade_4"
	Grade5 GradeLevel = "grade_5"
	Grade6 GradeLevel = "grade_6"
)

// GradeLevels lists the supported grades in ascending order.
var GradeLevels = []GradeLevel{Grade1, Grade2, Grade3, Grade4, Grade5, Grade6}

// Valid reports whether g is one of the supported grades.
func (g GradeLevel) Valid() bool {
	for _, known := range GradeLevels {
		if g == known {
			return true
		}
	}
	return false
}

// Number returns the numeric grade (1-6), or 0 for unknown grades.
func (g GradeLevel) Number() int {
	n, err := strconv.Atoi(strings.TrimPrefix(string(g), "grade_"))
	if err != nil || !g.Valid() {
		return 0
	}
	return n
}

// ParseGradeLevel accepts "grade_3", "3" or "Grade 3".
func ParseGradeLevel(s string) (GradeLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "grade")
	s = strings.TrimLeft(s, "_ ")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > len(GradeLevels) {
		return "", fmt.Errorf("unknown grade level %q", s)
	}
	return GradeLevels[n-1], nil
}

// EssayType is the genre of the essay.
type EssayType string

const (
	EssayNarrative     EssayType = "narrative"
	EssayDescriptive   EssayType = "descriptive"
	EssayExpository    EssayType = "expository"
	EssayArgumentative EssayType = "argumentative"
	EssayPractical     EssayType = "practical"
)

// EssayTypes lists the supported essay types.
var EssayTypes = []EssayType{EssayNarrative, EssayDescriptive, EssayExpository, EssayArgumentative, EssayPractical}

// Valid reports whether t is one of the supported essay types.
func (t EssayType) Valid() bool {
	for _, known := range EssayTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEssayType parses a case-insensitive essay type name.
func ParseEssayType(s string) (EssayType, error) {
	t := EssayType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown essay type %q", s)
	}
	return t, nil
}

// GradingRequest is one essay submitted for grading.
// It is passed by value and never modified once the workflow accepts it.
type GradingRequest struct {
	ID       string     `json:"id,omitempty"` // Essay identifier; generated when empty.
	Text     string     `json:"text"`
	Grade    GradeLevel `json:"grade"`
	Type     EssayType  `json:"type"`
	Focus    string     `json:"focus,omitempty"`     // Teacher-supplied evaluation focus.
	SchemaID string     `json:"schema_id,omitempty"` // e.g. "grade_3/narrative/v1".
}

// WithID returns a copy of r carrying an essay identifier.
func (r GradingRequest) WithID() GradingRequest {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r
}

// Status is the outcome of a stage invocation or of a whole report.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Stage names the workflow state a run is in.
type Stage string

const (
	StageSchemaResolution Stage = "schema_resolution"
	StageAnalysis         Stage = "analysis"
	StageEvaluation       Stage = "evaluation"
	StageSynthesis        Stage = "synthesis"
	StageDone             Stage = "done"
	StageFailed           Stage = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Statistics are cheap text measurements computed before any model call.
type Statistics struct {
	Characters int    `json:"characters"` // Runes, excluding whitespace.
	Paragraphs int    `json:"paragraphs"`
	Sentences  int    `json:"sentences"`
	Complexity string `json:"complexity"` // low, medium or high.
}

// Complexity buckets a text length (in runes) the way the run history reports it.
func Complexity(runes int) string {
	switch {
	case runes < 200:
		return "low"
	case runes < 500:
		return "medium"
	default:
		return "high"
	}
}
