package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StructuredExtract is the schema-constrained record produced by the
// extraction stage for one chunk. Unknown keys are rejected at decode time;
// nullable fields are explicit pointers.
type StructuredExtract struct {
	SourceTitle      string   `json:"source_title"`
	SourceURL        string   `json:"source_url"`
	ArticleNo        string   `json:"article_no"`
	ShortDescription string   `json:"short_description"`
	Consequences     *string  `json:"consequences"`
	PossibleReasons  []string `json:"possible_reasons"`
	CitationQuote    string   `json:"citation_quote"`
	CitationSection  *string  `json:"citation_section"`
}

// DecodeStructuredExtract strictly decodes raw JSON into a StructuredExtract,
// rejecting unknown fields.
func DecodeStructuredExtract(raw []byte) (*StructuredExtract, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var out StructuredExtract
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding structured output: %w", err)
	}
	return &out, nil
}

// AsMap converts the record into the generic map form persisted as jsonb.
func (s *StructuredExtract) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling structured output: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("remarshaling structured output: %w", err)
	}
	return m, nil
}
