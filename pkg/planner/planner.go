// Package planner turns the corpus manifest into a deterministic ingestion
// plan: one SourcePlan per selected document and one ChunkTaskPlan per token
// window, each with its chosen context mode. Planning is pure and I/O-local;
// it never calls remote services, so the plan command doubles as a dry run.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ai-dpa/kb-pipeline/pkg/models"
	"github.com/ai-dpa/kb-pipeline/pkg/tokenizer"
)

// neighborRadius is the number of chunks included on each side of a chunk in
// SURROUNDING_CHUNKS context mode.
const neighborRadius = 3

// Params are the inputs of one planning pass.
type Params struct {
	// KBDir is the corpus directory containing manifest.json.
	KBDir string
	// SourceIDs optionally restricts planning to the named sources.
	SourceIDs []string
	// MaxChunks caps the global task count when > 0.
	MaxChunks int

	ChunkSize              int
	ChunkOverlap           int
	FullDocThresholdTokens int
}

type manifestFile struct {
	Sources []manifestSource `json:"sources"`
}

type manifestSource struct {
	SourceID  string `json:"source_id"`
	Title     string `json:"title"`
	Authority string `json:"authority"`
	Kind      string `json:"kind"`
	URL       string `json:"url"`
	TxtPath   string `json:"txt_path"`
	MdPath    string `json:"md_path"`
}

// ChunkText slides a chunkSize token window with step chunkSize-overlap over
// the text and decodes each window back to a string. The final window stops
// once its start index reaches the token count.
func ChunkText(codec tokenizer.Codec, text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("overlap must satisfy 0 <= overlap < chunk_size, got %d", overlap)
	}
	tokens := codec.Encode(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	step := chunkSize - overlap
	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, codec.Decode(tokens[start:end]))
		if start+chunkSize >= len(tokens) {
			break
		}
	}
	return chunks, nil
}

// BuildPlan reads the manifest, tokenizes each selected document, and emits
// the full planning result.
func BuildPlan(codec tokenizer.Codec, p Params) (*models.PlanningResult, error) {
	manifestPath := filepath.Join(p.KBDir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found; build the corpus first: %w", manifestPath, err)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", manifestPath, err)
	}
	var manifest manifestFile
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", manifestPath, err)
	}

	var filter map[string]bool
	if len(p.SourceIDs) > 0 {
		filter = make(map[string]bool, len(p.SourceIDs))
		for _, id := range p.SourceIDs {
			filter[id] = true
		}
	}

	baseDir := filepath.Dir(manifestPath)
	result := &models.PlanningResult{
		ManifestSHA256: sha256Bytes(raw),
		Summary: models.PlanSummary{
			ChunkSize:        p.ChunkSize,
			Overlap:          p.ChunkOverlap,
			FullDocThreshold: p.FullDocThresholdTokens,
			TokenizerScheme:  codec.Scheme(),
			BySource:         make(map[string]*models.SourceSummary),
		},
	}

	for _, item := range manifest.Sources {
		if filter != nil && !filter[item.SourceID] {
			continue
		}
		txtPath := resolvePath(baseDir, item.TxtPath)
		mdPath := resolvePath(baseDir, item.MdPath)

		docBytes, err := os.ReadFile(txtPath)
		if err != nil {
			return nil, fmt.Errorf("reading source %s text %s: %w", item.SourceID, txtPath, err)
		}
		docText := string(docBytes)
		docTokens := len(codec.Encode(docText))
		chunks, err := ChunkText(codec, docText, p.ChunkSize, p.ChunkOverlap)
		if err != nil {
			return nil, fmt.Errorf("chunking source %s: %w", item.SourceID, err)
		}

		result.Sources = append(result.Sources, models.SourcePlan{
			SourceID:      item.SourceID,
			Title:         item.Title,
			Authority:     item.Authority,
			SourceKind:    strings.ToUpper(item.Kind),
			SourceURL:     item.URL,
			LocalTxtPath:  txtPath,
			LocalMdPath:   mdPath,
			ContentSHA256: sha256Text(docText),
			CharCount:     len(docText),
			TokenCount:    docTokens,
		})

		summary := &models.SourceSummary{
			Chunks:    len(chunks),
			DocTokens: docTokens,
			ContextModeCounts: map[models.ContextMode]int{
				models.ContextFullDoc:           0,
				models.ContextSurroundingChunks: 0,
			},
		}
		result.Summary.BySource[item.SourceID] = summary

		for idx, rawChunk := range chunks {
			if p.MaxChunks > 0 && len(result.Tasks) >= p.MaxChunks {
				break
			}
			mode, contextText, windowStart, windowEnd := contextFor(docText, chunks, idx, docTokens, p.FullDocThresholdTokens)
			summary.ContextModeCounts[mode]++
			result.Tasks = append(result.Tasks, models.ChunkTaskPlan{
				SourceID:           item.SourceID,
				ChunkIndex:         idx,
				ChunkCount:         len(chunks),
				RawText:            rawChunk,
				RawTextSHA256:      sha256Text(rawChunk),
				ChunkTokenCount:    len(codec.Encode(rawChunk)),
				DocTokenCount:      docTokens,
				ContextMode:        mode,
				ContextWindowStart: windowStart,
				ContextWindowEnd:   windowEnd,
				ContextText:        contextText,
			})
		}
		if p.MaxChunks > 0 && len(result.Tasks) >= p.MaxChunks {
			break
		}
	}

	result.Summary.Sources = len(result.Sources)
	result.Summary.Chunks = len(result.Tasks)
	return result, nil
}

// contextFor selects the context block for chunk idx. Small documents carry
// the whole document; large ones carry the +-neighborRadius neighbor chunks
// joined with "[Chunk k/N]" headers.
func contextFor(docText string, chunks []string, idx, docTokens, threshold int) (models.ContextMode, string, int, int) {
	if docTokens <= threshold {
		return models.ContextFullDoc, docText, 0, len(chunks) - 1
	}
	top := idx - neighborRadius
	if top < 0 {
		top = 0
	}
	bottom := idx + neighborRadius
	if bottom > len(chunks)-1 {
		bottom = len(chunks) - 1
	}
	var neighbors []string
	for n := top; n <= bottom; n++ {
		if n == idx {
			continue
		}
		neighbors = append(neighbors, fmt.Sprintf("[Chunk %d/%d]\n%s", n+1, len(chunks), chunks[n]))
	}
	return models.ContextSurroundingChunks, strings.Join(neighbors, "\n\n"), top, bottom
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(filepath.Join(baseDir, path))
	if err != nil {
		return filepath.Join(baseDir, path)
	}
	return abs
}

func sha256Text(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func sha256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
