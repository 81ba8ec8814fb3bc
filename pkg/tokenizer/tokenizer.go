// Package tokenizer provides deterministic BPE tokenization for chunk sizing
// and context budgets. Token identity is stable across runs for a given
// scheme, which keeps chunk boundaries and raw-text hashes reproducible.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultScheme is the tokenizer scheme used for planning. The scheme name is
// part of the plan fingerprint.
const DefaultScheme = "cl100k_base"

// Codec encodes text to a token sequence and back.
type Codec interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Scheme() string
}

type tiktokenCodec struct {
	enc    *tiktoken.Tiktoken
	scheme string
}

// New returns a Codec for the named tiktoken scheme.
func New(scheme string) (Codec, error) {
	enc, err := tiktoken.GetEncoding(scheme)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer scheme %q: %w", scheme, err)
	}
	return &tiktokenCodec{enc: enc, scheme: scheme}, nil
}

func (c *tiktokenCodec) Encode(text string) []int {
	return c.enc.Encode(text, nil, nil)
}

func (c *tiktokenCodec) Decode(tokens []int) string {
	return c.enc.Decode(tokens)
}

func (c *tiktokenCodec) Scheme() string {
	return c.scheme
}
