package domain

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Value types a schema dimension may declare.
const (
	ValueText    = "text"
	ValueNumber  = "number"
	ValueBoolean = "boolean"
	ValueList    = "list"
)

// Report categories that findings are grouped into.
const (
	CategoryBasicNorms       = "basic_norms"
	CategoryContentStructure = "content_structure"
	CategoryLanguage         = "language_highlights"
	CategoryImprovement      = "improvement_suggestions"
)

// Categories lists report categories in presentation order.
var Categories = []string{CategoryBasicNorms, CategoryContentStructure, CategoryLanguage, CategoryImprovement}

// Dimension is one evaluation field of a schema.
type Dimension struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ValueType   string `json:"value_type"`
	Category    string `json:"category,omitempty"`
	Example     string `json:"example,omitempty"`
}

// ExampleExtraction is a single labelled span inside a few-shot example.
type ExampleExtraction struct {
	Class      string            `json:"extraction_class"`
	Text       string            `json:"extraction_text"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Example is a few-shot demonstration for the extraction service.
type Example struct {
	Text        string              `json:"text"`
	Extractions []ExampleExtraction `json:"extractions"`
}

// SchemaKey identifies a schema version.
type SchemaKey struct {
	Grade   GradeLevel
	Type    EssayType
	Version int
}

// String renders the key in the form accepted as a schema id.
func (k SchemaKey) String() string {
	return fmt.Sprintf("%s/%s/v%d", k.Grade, k.Type, k.Version)
}

// ParseSchemaKey parses "grade_3/narrative/v1".
func ParseSchemaKey(id string) (SchemaKey, error) {
	parts := strings.Split(strings.TrimSpace(id), "/")
	if len(parts) != 3 {
		return SchemaKey{}, fmt.Errorf("schema id %q: want grade/type/vN", id)
	}
	grade, err := ParseGradeLevel(parts[0])
	if err != nil {
		return SchemaKey{}, fmt.Errorf("schema id %q: %w", id, err)
	}
	typ, err := ParseEssayType(parts[1])
	if err != nil {
		return SchemaKey{}, fmt.Errorf("schema id %q: %w", id, err)
	}
	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v"))
	if err != nil || version < 1 {
		return SchemaKey{}, fmt.Errorf("schema id %q: invalid version", id)
	}
	return SchemaKey{Grade: grade, Type: typ, Version: version}, nil
}

// Schema is a versioned extraction template. Read-only once stored.
type Schema struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Grade       GradeLevel  `json:"grade"`
	Type        EssayType   `json:"type"`
	Version     int         `json:"version"`
	Prompt      string      `json:"prompt,omitempty"`
	Dimensions  []Dimension `json:"dimensions"`
	Examples    []Example   `json:"examples,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitzero"`
}

// Key returns the store key of s.
func (s *Schema) Key() SchemaKey {
	return SchemaKey{Grade: s.Grade, Type: s.Type, Version: s.Version}
}

// Dimension looks up a dimension by name.
func (s *Schema) Dimension(name string) (Dimension, bool) {
	for _, d := range s.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Clone returns a deep copy so callers can never alias stored schemas.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	c := *s
	c.Dimensions = append([]Dimension(nil), s.Dimensions...)
	c.Examples = make([]Example, len(s.Examples))
	for i, ex := range s.Examples {
		c.Examples[i] = Example{Text: ex.Text, Extractions: make([]ExampleExtraction, len(ex.Extractions))}
		for j, e := range ex.Extractions {
			c.Examples[i].Extractions[j] = ExampleExtraction{Class: e.Class, Text: e.Text, Attributes: maps.Clone(e.Attributes)}
		}
	}
	return &c
}

// ExtractionItem is one located finding in the essay. Start and End are
// half-open rune offsets into the full essay text.
type ExtractionItem struct {
	Dimension  string            `json:"dimension"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Category   string            `json:"category,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
}

// Len returns the span length in runes.
func (it ExtractionItem) Len() int { return it.End - it.Start }

// Overlaps reports whether the two spans share at least one rune, or are the
// same empty position.
func (it ExtractionItem) Overlaps(other ExtractionItem) bool {
	if it.Start == it.End || other.Start == other.End {
		return it.Start == other.Start && it.End == other.End
	}
	return it.Start < other.End && other.Start < it.End
}

// CloneItems copies a sequence of items including their attribute maps.
func CloneItems(items []ExtractionItem) []ExtractionItem {
	if items == nil {
		return nil
	}
	out := make([]ExtractionItem, len(items))
	for i, it := range items {
		out[i] = it
		out[i].Attributes = maps.Clone(it.Attributes)
	}
	return out
}

