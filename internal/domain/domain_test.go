package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseGradeLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    GradeLevel
		wantErr bool
	}{
		{"grade_3", Grade3, false},
		{"3", Grade3, false},
		{"Grade 6", Grade6, false},
		{"grade_7", "", true},
		{"zero", "", true},
	}
	for _, tt := range tests {
		got, err := ParseGradeLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseGradeLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseGradeLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSchemaKeyRoundTrip(t *testing.T) {
	key := SchemaKey{Grade: Grade3, Type: EssayNarrative, Version: 2}
	parsed, err := ParseSchemaKey(key.String())
	if err != nil {
		t.Fatalf("ParseSchemaKey: %v", err)
	}
	if parsed != key {
		t.Errorf("got %+v, want %+v", parsed, key)
	}

	for _, bad := range []string{"grade_3/narrative", "grade_3/poem/v1", "grade_3/narrative/v0"} {
		if _, err := ParseSchemaKey(bad); err == nil {
			t.Errorf("ParseSchemaKey(%q) succeeded, want error", bad)
		}
	}
}

func TestExtractionItemOverlaps(t *testing.T) {
	tests := []struct {
		a, b ExtractionItem
		want bool
	}{
		{ExtractionItem{Start: 0, End: 5}, ExtractionItem{Start: 4, End: 8}, true},
		{ExtractionItem{Start: 0, End: 5}, ExtractionItem{Start: 5, End: 8}, false},
		{ExtractionItem{Start: 2, End: 3}, ExtractionItem{Start: 0, End: 10}, true},
		{ExtractionItem{Start: 3, End: 3}, ExtractionItem{Start: 3, End: 3}, true},
		{ExtractionItem{Start: 3, End: 3}, ExtractionItem{Start: 0, End: 10}, false},
	}
	for i, tt := range tests {
		if got := tt.a.Overlaps(tt.b); got != tt.want {
			t.Errorf("case %d: Overlaps = %v, want %v", i, got, tt.want)
		}
		if got := tt.b.Overlaps(tt.a); got != tt.want {
			t.Errorf("case %d: Overlaps not symmetric", i)
		}
	}
}

func TestCauseOf(t *testing.T) {
	timeoutExtraction := &ExtractionError{Cause: fmt.Errorf("chunk 0: %w", ErrTimeout)}
	tests := []struct {
		name string
		err  error
		want Cause
	}{
		{"nil", nil, CauseNone},
		{"timeout through extraction", timeoutExtraction, CauseTimeout},
		{"workflow wraps timeout", &WorkflowError{Stage: StageAnalysis, Cause: timeoutExtraction}, CauseTimeout},
		{"transport", &TransportError{Service: "llm", StatusCode: 502, Err: errors.New("bad gateway")}, CauseTransport},
		{"validation", &ValidationError{Role: RoleAnalyst, MissingFields: []string{"items"}}, CauseValidation},
		{"extraction", &ExtractionError{Cause: errors.New("no extractions")}, CauseExtraction},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), CauseCanceled},
		{"config", &ConfigurationError{Field: "llm.api_key", Reason: "required"}, CauseConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CauseOf(tt.err); got != tt.want {
				t.Errorf("CauseOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportErrorTemporary(t *testing.T) {
	for code, want := range map[int]bool{0: true, 429: true, 500: true, 503: true, 400: false, 401: false} {
		e := &TransportError{Service: "llm", StatusCode: code, Err: errors.New("x")}
		if got := e.Temporary(); got != want {
			t.Errorf("status %d: Temporary = %v, want %v", code, got, want)
		}
	}
}

func TestSchemaCloneIsDeep(t *testing.T) {
	s := &Schema{
		Name:       "n",
		Dimensions: []Dimension{{Name: "时间", ValueType: ValueText}},
		Examples: []Example{{Text: "t", Extractions: []ExampleExtraction{
			{Class: "时间", Text: "昨天", Attributes: map[string]string{"k": "v"}},
		}}},
	}
	c := s.Clone()
	c.Dimensions[0].Name = "changed"
	c.Examples[0].Extractions[0].Attributes["k"] = "changed"
	if s.Dimensions[0].Name != "时间" || s.Examples[0].Extractions[0].Attributes["k"] != "v" {
		t.Error("Clone shares memory with the original")
	}
}

func TestDecodeInput(t *testing.T) {
	in, err := DecodeInput(RolePraiser, []byte(`{"text":"小明去公园。","grade":"grade_3","type":"narrative"}`))
	if err != nil {
		t.Fatalf("DecodeInput: %v", err)
	}
	p, ok := in.(PraiserInput)
	if !ok || p.Grade != Grade3 || p.Text != "小明去公园。" {
		t.Errorf("input = %#v", in)
	}

	if _, err := DecodeInput("critic", []byte(`{}`)); err == nil {
		t.Error("unknown role decoded")
	}
	if _, err := DecodeInput(RoleGuide, []byte(`{"text":`)); err == nil {
		t.Error("truncated JSON decoded")
	}
}
