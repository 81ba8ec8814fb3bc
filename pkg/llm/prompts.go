package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ai-dpa/kb-pipeline/pkg/models"
)

// exampleClear and exampleAmbiguous anchor the expected output shape in the
// system prompt: one unambiguous extraction and one grounded-but-ambiguous one.
var exampleClear = map[string]any{
	"source_title":      "GDPR (Regulation (EU) 2016/679) - EUR-Lex EN",
	"source_url":        "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=CELEX:32016R0679",
	"article_no":        "Article 28(3)",
	"short_description": "Requires processor terms to include mandatory clauses and bind processor actions to controller instructions.",
	"consequences":      "Missing or weak processor clauses can create GDPR non-compliance and contract remediation risk.",
	"possible_reasons": []string{
		"No clause limiting processing to documented controller instructions",
		"Processor obligations are stated only at a high level without required specifics",
		"Template omits audit/assistance requirements in processor terms",
	},
	"citation_quote":   "The processing by a processor shall be governed by a contract ... processes the personal data only on documented instructions from the controller...",
	"citation_section": "Article 28(3)",
}

var exampleAmbiguous = map[string]any{
	"source_title":      "EDPB Opinion 22/2024 on processor/sub-processor obligations (EN PDF)",
	"source_url":        "https://www.edpb.europa.eu/system/files/2024-10/edpb_opinion_202422_relianceonprocessors-sub-processors_en.pdf",
	"article_no":        "Section 4.2",
	"short_description": "Explains practical interpretation boundaries for processor/sub-processor obligation chains.",
	"consequences":      nil,
	"possible_reasons": []string{
		"Flow-down clauses are incomplete across the processor/sub-processor chain",
		"Responsibilities are allocated ambiguously between processor and sub-processor",
	},
	"citation_quote":   "The Board considers that the contractual chain must ensure that the obligations remain effective in practice...",
	"citation_section": "Section 4.2",
}

// systemPrompt instructs contextual compression over one chunk.
func systemPrompt() string {
	clear, _ := json.MarshalIndent(exampleClear, "", "  ")
	ambiguous, _ := json.MarshalIndent(exampleAmbiguous, "", "  ")
	var b strings.Builder
	b.WriteString("You perform contextual compression for regulatory/legal text chunks used in a DPA compliance knowledge base.\n")
	b.WriteString("Task: convert one CURRENT_CHUNK_TEXT into a compact, faithful structured record for downstream RAG retrieval.\n")
	b.WriteString("Return only JSON matching the provided schema. No markdown, no prose, no code fences.\n")
	b.WriteString("Ground the output in CURRENT_CHUNK_TEXT first. Use extra context only for disambiguation.\n")
	b.WriteString("Prioritize faithfulness over completeness. Do not invent obligations, article numbers, citations, or legal claims.\n")
	b.WriteString("Copy source_title and source_url exactly from SOURCE_TITLE and SOURCE_URL metadata.\n")
	b.WriteString("citation_quote must be a short verbatim quote from CURRENT_CHUNK_TEXT.\n")
	b.WriteString("citation_section should be the nearest visible article/clause/heading label if present, else null.\n")
	b.WriteString("If consequences are not explicit, infer practical consequences briefly or set it to null.\n")
	b.WriteString("Keep short_description to 1-2 lines and possible_reasons concise (0-3 items).\n")
	b.WriteString("Internal method (do not output): identify legal point in chunk -> disambiguate using context -> compress -> attach exact quote.\n")
	fmt.Fprintf(&b, "Example JSON (clear):\n%s\n\n", clear)
	fmt.Fprintf(&b, "Example JSON (ambiguous but grounded):\n%s", ambiguous)
	return b.String()
}

// userPrompt carries the task metadata, the target schema, the chunk text, and
// the selected context block.
func userPrompt(task models.TaskPayload) string {
	var contextHeader string
	if task.ContextMode == models.ContextFullDoc {
		contextHeader = fmt.Sprintf("FULL_DOCUMENT_CONTEXT (doc tokens=%d)\n%s", task.DocTokenCount, task.ContextText)
	} else {
		contextHeader = fmt.Sprintf(
			"SURROUNDING_CHUNK_CONTEXT (chunks %d..%d)\n%s",
			task.ContextWindowStart+1, task.ContextWindowEnd+1, task.ContextText,
		)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE_ID: %s\n", task.SourceID)
	fmt.Fprintf(&b, "SOURCE_TITLE: %s\n", task.SourceTitle)
	fmt.Fprintf(&b, "SOURCE_URL: %s\n", task.SourceURL)
	fmt.Fprintf(&b, "CHUNK_INDEX: %d/%d\n", task.ChunkIndex+1, task.ChunkCount)
	fmt.Fprintf(&b, "CHUNK_TOKEN_COUNT_EST: %d\n", task.ChunkTokenCount)
	fmt.Fprintf(&b, "CONTEXT_MODE: %s\n\n", task.ContextMode)
	fmt.Fprintf(&b, "JSON_SCHEMA:\n%s\n\n", indentedSchema())
	fmt.Fprintf(&b, "CURRENT_CHUNK_TEXT:\n%s\n\n", task.RawText)
	fmt.Fprintf(&b, "%s\n", contextHeader)
	return b.String()
}
