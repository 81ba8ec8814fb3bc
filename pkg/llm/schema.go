package llm

import (
	"bytes"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// structuredOutputSchema is the contract for the extraction response. Extra
// keys are forbidden; consequences and citation_section are nullable.
const structuredOutputSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "KbStructureOutput",
  "type": "object",
  "additionalProperties": false,
  "required": [
    "source_title",
    "source_url",
    "article_no",
    "short_description",
    "possible_reasons",
    "citation_quote"
  ],
  "properties": {
    "source_title": {
      "type": "string",
      "description": "Exact source title copied from SOURCE_TITLE metadata."
    },
    "source_url": {
      "type": "string",
      "description": "Exact source URL copied from SOURCE_URL metadata."
    },
    "article_no": {
      "type": "string",
      "description": "Article/clause/section identifier, or best matching label."
    },
    "short_description": {
      "type": "string",
      "description": "1-2 line summary of why this text matters for DPA checks."
    },
    "consequences": {
      "type": ["string", "null"],
      "description": "Practical or legal consequences of non-compliance."
    },
    "possible_reasons": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 0,
      "maxItems": 3,
      "description": "2-3 likely violation patterns or failure modes. Can be empty if not inferable."
    },
    "citation_quote": {
      "type": "string",
      "description": "Short verbatim quote from CURRENT_CHUNK_TEXT supporting the output."
    },
    "citation_section": {
      "type": ["string", "null"],
      "description": "Nearest heading/article label if visible, else null."
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("kb_structure_output.json", structuredOutputSchema)

// indentedSchema returns the schema pretty-printed for prompt embedding.
func indentedSchema() string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(structuredOutputSchema), "", "  "); err != nil {
		return structuredOutputSchema
	}
	return buf.String()
}

// schemaDocument returns the schema as a generic value for the
// response_format request field.
func schemaDocument() map[string]any {
	var doc map[string]any
	// The constant is known-valid JSON; MustCompileString above proves it.
	_ = json.Unmarshal([]byte(structuredOutputSchema), &doc)
	return doc
}
