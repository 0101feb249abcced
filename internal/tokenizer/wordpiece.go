// Package tokenizer decodes WordPiece token ids back into text.
package tokenizer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultSpecialTokens are the BERT control tokens.
var DefaultSpecialTokens = []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}

const continuationPrefix = "##"

// Vocab maps token ids to WordPiece tokens. It is read-only after Load and
// safe for concurrent use.
type Vocab struct {
	tokens  []string
	ids     map[string]int64
	special map[int64]struct{}
}

// Options carries the optional tokenizer files of a model repository.
type Options struct {
	// AddedTokens is the content of added_tokens.json.
	AddedTokens []byte
	// SpecialTokensMap is the content of special_tokens_map.json.
	SpecialTokensMap []byte
	// SpecialIDs are always treated as special, e.g. the generation bos/eos.
	SpecialIDs []int64
}

// Load parses a vocab.txt (one token per line, line number is the id).
func Load(vocab []byte, opts Options) (*Vocab, error) {
	v := &Vocab{
		ids:     make(map[string]int64),
		special: make(map[int64]struct{}),
	}

	scanner := bufio.NewScanner(bytes.NewReader(vocab))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r")
		v.ids[tok] = int64(len(v.tokens))
		v.tokens = append(v.tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}
	if len(v.tokens) == 0 {
		return nil, fmt.Errorf("vocab is empty")
	}

	var added []string
	if len(opts.AddedTokens) > 0 {
		var m map[string]int64
		if err := json.Unmarshal(opts.AddedTokens, &m); err != nil {
			return nil, fmt.Errorf("invalid added_tokens.json: %w", err)
		}
		for tok, id := range m {
			v.set(tok, id)
			added = append(added, tok)
		}
	}

	specials := append([]string{}, DefaultSpecialTokens...)
	specials = append(specials, added...)
	if len(opts.SpecialTokensMap) > 0 {
		mapped, err := parseSpecialTokensMap(opts.SpecialTokensMap)
		if err != nil {
			return nil, err
		}
		specials = append(specials, mapped...)
	}
	for _, tok := range specials {
		if id, ok := v.ids[tok]; ok {
			v.special[id] = struct{}{}
		}
	}
	for _, id := range opts.SpecialIDs {
		v.special[id] = struct{}{}
	}
	return v, nil
}

func (v *Vocab) set(tok string, id int64) {
	if id < 0 {
		return
	}
	for int64(len(v.tokens)) <= id {
		v.tokens = append(v.tokens, "")
	}
	v.tokens[id] = tok
	v.ids[tok] = id
}

// Size is the number of ids the vocabulary covers.
func (v *Vocab) Size() int {
	return len(v.tokens)
}

// ID returns the id of tok.
func (v *Vocab) ID(tok string) (int64, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// IsSpecial reports whether id is a control token.
func (v *Vocab) IsSpecial(id int64) bool {
	_, ok := v.special[id]
	return ok
}

// Decode joins the tokens of ids into text. With skipSpecial, control tokens
// and ids outside the vocabulary are dropped.
func (v *Vocab) Decode(ids []int64, skipSpecial bool) string {
	var sb strings.Builder
	for _, id := range ids {
		tok := "[UNK]"
		if id >= 0 && id < int64(len(v.tokens)) && v.tokens[id] != "" {
			tok = v.tokens[id]
		}
		if skipSpecial && (v.IsSpecial(id) || id < 0 || id >= int64(len(v.tokens))) {
			continue
		}
		if strings.HasPrefix(tok, continuationPrefix) && sb.Len() > 0 {
			sb.WriteString(tok[len(continuationPrefix):])
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(tok)
	}
	return cleanUp(sb.String())
}

var cleanUpReplacer = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

// cleanUp removes the spaces WordPiece joining leaves before punctuation and
// English contractions.
func cleanUp(s string) string {
	return strings.TrimSpace(cleanUpReplacer.Replace(s))
}

func parseSpecialTokensMap(data []byte) ([]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid special_tokens_map.json: %w", err)
	}
	var out []string
	for _, msg := range raw {
		out = append(out, tokenContents(msg)...)
	}
	return out, nil
}

// tokenContents accepts "tok", {"content": "tok"} or a list of either.
func tokenContents(msg json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return []string{s}
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(msg, &obj); err == nil && obj.Content != "" {
		return []string{obj.Content}
	}
	var list []json.RawMessage
	if err := json.Unmarshal(msg, &list); err == nil {
		var out []string
		for _, item := range list {
			out = append(out, tokenContents(item)...)
		}
		return out
	}
	return nil
}
