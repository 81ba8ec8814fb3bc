package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStructuredExtract(t *testing.T) {
	raw := []byte(`{
		"source_title": "GDPR",
		"source_url": "https://example.org",
		"article_no": "Art. 5",
		"short_description": "Lawfulness of processing.",
		"consequences": null,
		"possible_reasons": ["no legal basis"],
		"citation_quote": "processed lawfully",
		"citation_section": "Article 5"
	}`)
	out, err := DecodeStructuredExtract(raw)
	require.NoError(t, err)
	assert.Equal(t, "GDPR", out.SourceTitle)
	assert.Nil(t, out.Consequences)
	require.NotNil(t, out.CitationSection)
	assert.Equal(t, "Article 5", *out.CitationSection)
	assert.Equal(t, []string{"no legal basis"}, out.PossibleReasons)
}

func TestDecodeStructuredExtractRejectsUnknownFields(t *testing.T) {
	_, err := DecodeStructuredExtract([]byte(`{"source_title": "x", "surprise": true}`))
	assert.Error(t, err)
}

func TestStructuredExtractAsMap(t *testing.T) {
	section := "Article 5"
	s := &StructuredExtract{
		SourceTitle:      "GDPR",
		SourceURL:        "https://example.org",
		ArticleNo:        "Art. 5",
		ShortDescription: "d",
		PossibleReasons:  []string{"a"},
		CitationQuote:    "q",
		CitationSection:  &section,
	}
	m, err := s.AsMap()
	require.NoError(t, err)
	assert.Equal(t, "GDPR", m["source_title"])
	assert.Nil(t, m["consequences"])
	assert.Equal(t, "Article 5", m["citation_section"])
}
