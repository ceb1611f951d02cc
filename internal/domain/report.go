package domain

import (
	"time"

	"github.com/google/uuid"
)

// UnavailableMarker replaces the content of a section whose agent failed.
const UnavailableMarker = "[unavailable]"

// Section is one generated part of a report.
type Section struct {
	Available bool     `json:"available"`
	Content   string   `json:"content"`
	Items     []string `json:"items,omitempty"`
	Reason    string   `json:"reason,omitempty"` // Why the section is unavailable.
}

// UnavailableSection builds the placeholder for a degraded branch.
func UnavailableSection(reason string) Section {
	return Section{Content: UnavailableMarker, Reason: reason}
}

// GradingReport is the terminal artifact of a grading run.
type GradingReport struct {
	ID         uuid.UUID                   `json:"id"`
	EssayID    string                      `json:"essay_id"`
	Grade      GradeLevel                  `json:"grade"`
	Type       EssayType                   `json:"type"`
	SchemaKey  string                      `json:"schema_key"`
	Schema     *Schema                     `json:"schema"`
	Extraction []ExtractionItem            `json:"extraction"`
	Categories map[string][]ExtractionItem `json:"categories"`
	Statistics Statistics                  `json:"statistics"`
	Commentary string                      `json:"commentary,omitempty"`
	Praise     Section                     `json:"praise"`
	Guidance   Section                     `json:"guidance"`
	Summary    Section                     `json:"summary"`
	Status     Status                      `json:"status"`
	CreatedAt  time.Time                   `json:"created_at"`
}

// ReportSummary is the listing view of a stored report.
type ReportSummary struct {
	ID        uuid.UUID  `json:"id"`
	EssayID   string     `json:"essay_id"`
	Grade     GradeLevel `json:"grade"`
	Type      EssayType  `json:"type"`
	SchemaKey string     `json:"schema_key"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Summarize returns the listing view of r.
func (r *GradingReport) Summarize() ReportSummary {
	return ReportSummary{
		ID:        r.ID,
		EssayID:   r.EssayID,
		Grade:     r.Grade,
		Type:      r.Type,
		SchemaKey: r.SchemaKey,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
}
