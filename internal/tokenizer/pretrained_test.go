package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenizerJSON is a BERT style tokenizer.json over the ids of testVocab,
// plus [DEC] as an added special token.
const testTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 3, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 4, "content": "[MASK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 16, "content": "[DEC]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "clean_text": true, "handle_chinese_chars": true, "strip_accents": false, "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "post_processor": {"type": "BertProcessing", "sep": ["[SEP]", 3], "cls": ["[CLS]", 2]},
  "decoder": {"type": "WordPiece", "prefix": "##", "cleanup": true},
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {
      "[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "[MASK]": 4,
      "a": 5, "dog": 6, "sitting": 7, "in": 8, "the": 9, "grass": 10,
      ".": 11, "##s": 12, "it": 13, "'": 14, "s": 15
    }
  }
}`

func loadPretrained(t *testing.T, specialIDs ...int64) *Pretrained {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(testTokenizerJSON), 0o644))
	p, err := LoadPretrained(path, specialIDs)
	require.NoError(t, err)
	return p
}

func TestPretrained_Decode(t *testing.T) {
	p := loadPretrained(t, 16)

	assert.GreaterOrEqual(t, p.Size(), 17)
	assert.True(t, p.IsSpecial(3))
	assert.True(t, p.IsSpecial(16))
	assert.False(t, p.IsSpecial(6))

	assert.Equal(t, "a dog sitting in the grass", p.Decode([]int64{16, 5, 6, 7, 8, 9, 10, 3, 0}, true))
	assert.Equal(t, "dogs in the grass.", p.Decode([]int64{6, 12, 8, 9, 10, 11}, true))
	assert.Equal(t, "a dog", p.Decode([]int64{5, 6, 999}, true))
}

func TestPretrained_MatchesVocabDecoding(t *testing.T) {
	p := loadPretrained(t)
	v := load(t, Options{})

	ids := []int64{2, 5, 6, 12, 7, 8, 9, 10, 11, 3}
	assert.Equal(t, v.Decode(ids, true), p.Decode(ids, true))
}

func TestLoadPretrained_Invalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "tokenizer.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	_, err := LoadPretrained(bad, nil)
	assert.Error(t, err)

	_, err = LoadPretrained(filepath.Join(dir, "missing.json"), nil)
	assert.Error(t, err)
}
