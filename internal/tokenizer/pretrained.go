package tokenizer

import (
	"fmt"

	hftokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Decoder turns generated token ids back into text.
type Decoder interface {
	Size() int
	IsSpecial(id int64) bool
	Decode(ids []int64, skipSpecial bool) string
}

var (
	_ Decoder = (*Vocab)(nil)
	_ Decoder = (*Pretrained)(nil)
)

// Pretrained decodes with the full tokenizer.json pipeline of a model
// repository. It is read-only after LoadPretrained.
type Pretrained struct {
	tk      *hftokenizer.Tokenizer
	size    int
	special map[int64]struct{}
}

// LoadPretrained reads the tokenizer.json at path. specialIDs are dropped
// when decoding with skipSpecial, on top of the BERT control tokens and the
// added tokens the file marks special.
func LoadPretrained(path string, specialIDs []int64) (*Pretrained, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid tokenizer.json: %w", err)
	}
	p := &Pretrained{
		tk:      tk,
		size:    tk.GetVocabSize(true),
		special: make(map[int64]struct{}),
	}
	if p.size == 0 {
		return nil, fmt.Errorf("tokenizer.json has an empty vocabulary")
	}
	for _, tok := range DefaultSpecialTokens {
		if id, ok := tk.TokenToId(tok); ok {
			p.special[int64(id)] = struct{}{}
		}
	}
	for _, id := range specialIDs {
		p.special[id] = struct{}{}
	}
	return p, nil
}

// Size is the number of ids the vocabulary covers, added tokens included.
func (p *Pretrained) Size() int {
	return p.size
}

// IsSpecial reports whether id is a control token.
func (p *Pretrained) IsSpecial(id int64) bool {
	_, ok := p.special[id]
	return ok
}

// Decode runs the tokenizer's decoder over ids. With skipSpecial, control
// tokens and ids outside the vocabulary are dropped first.
func (p *Pretrained) Decode(ids []int64, skipSpecial bool) string {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if skipSpecial && (p.IsSpecial(id) || id < 0 || id >= int64(p.size)) {
			continue
		}
		out = append(out, int(id))
	}
	return cleanUp(p.tk.Decode(out, skipSpecial))
}
