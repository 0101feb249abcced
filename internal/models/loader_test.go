package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/core/ports"
	"github.com/nulzo/image-captioner/internal/hub"
	"github.com/nulzo/image-captioner/internal/tokenizer"
)

// MockBackend implements ports.InferenceBackend for testing
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Ready(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBackend) ServerVersion(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBackend) ModelReady(ctx context.Context, model string) error {
	return m.Called(ctx, model).Error(0)
}

func (m *MockBackend) Infer(ctx context.Context, req *ports.InferRequest) (*ports.InferResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.InferResponse), args.Error(1)
}

// memoryStore serves artifacts from a map, written to disk on demand.
type memoryStore struct {
	dir   string
	files map[string]string
}

func (s *memoryStore) Fetch(_ context.Context, repo, revision, file string) (string, error) {
	data, ok := s.files[repo+"/"+file]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s@%s", hub.ErrNotFound, repo, file, revision)
	}
	path := filepath.Join(s.dir, repo, file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(data), 0o644)
}

const (
	classifierID = "facebook/convnext-large-224"
	captionerID  = "Salesforce/blip-image-captioning-large"
)

func testFiles() map[string]string {
	return map[string]string{
		classifierID + "/config.json": `{"id2label":{"0":"tench","1":"goldfish","2":"great white shark"}}`,
		classifierID + "/preprocessor_config.json": `{
			"crop_pct": 0.875, "do_normalize": true, "do_resize": true,
			"image_mean": [0.485, 0.456, 0.406], "image_std": [0.229, 0.224, 0.225],
			"resample": 3, "size": {"shortest_edge": 224}}`,
		captionerID + "/config.json": `{"text_config":{"bos_token_id":6,"sep_token_id":3,"pad_token_id":0}}`,
		captionerID + "/preprocessor_config.json": `{
			"do_normalize": true, "do_resize": true, "resample": 3,
			"image_mean": [0.48145466, 0.4578275, 0.40821073],
			"image_std": [0.26862954, 0.26130258, 0.27577711],
			"size": {"height": 384, "width": 384}}`,
		captionerID + "/vocab.txt":               "[PAD]\n[UNK]\n[CLS]\n[SEP]\na\ndog\n",
		captionerID + "/special_tokens_map.json": `{"bos_token":"[DEC]","sep_token":"[SEP]"}`,
		captionerID + "/added_tokens.json":       `{"[DEC]": 6}`,
	}
}

func testOptions() Options {
	return Options{
		Classifier: ClassifierSpec{ID: classifierID, BackendModel: "convnext"},
		Captioner: CaptionerSpec{
			ID:           captionerID,
			Mode:         ModeHost,
			EncoderModel: "blip_vision",
			DecoderModel: "blip_text_decoder",
		},
		Device:            domain.DeviceAuto,
		Probe:             func() bool { return false },
		VersionConstraint: ">= 2.0.0",
	}
}

func readyBackend() *MockBackend {
	b := new(MockBackend)
	b.On("Ready", mock.Anything).Return(nil)
	b.On("ServerVersion", mock.Anything).Return("2.41.0", nil)
	b.On("ModelReady", mock.Anything, mock.Anything).Return(nil)
	return b
}

func TestLoad_BuildsBothBindings(t *testing.T) {
	backend := readyBackend()
	store := &memoryStore{dir: t.TempDir(), files: testFiles()}

	b, err := NewLoader(store, backend, nil).Load(context.Background(), testOptions())
	require.NoError(t, err)

	assert.Equal(t, classifierID, b.Classifier.ID)
	assert.Equal(t, domain.DeviceCPU, b.Classifier.Device)
	assert.Equal(t, []string{"tench", "goldfish", "great white shark"}, b.Classifier.Labels)
	assert.Equal(t, 224, b.Classifier.Image.ShortestEdge)
	assert.InDelta(t, 0.875, b.Classifier.Image.CropPct, 1e-9)
	assert.Equal(t, "goldfish", b.Classifier.Label(1))
	assert.Equal(t, "LABEL_9", b.Classifier.Label(9))

	assert.Equal(t, domain.SpecialTokens{BOS: 6, EOS: 3, Pad: 0}, b.Captioner.Tokens)
	assert.Equal(t, 384, b.Captioner.Image.Height)
	require.IsType(t, &tokenizer.Vocab{}, b.Captioner.Vocab)
	assert.Equal(t, 7, b.Captioner.Vocab.Size())
	assert.True(t, b.Captioner.Vocab.IsSpecial(6))
	assert.Equal(t, "a dog", b.Captioner.Vocab.Decode([]int64{6, 4, 5, 3}, true))

	backend.AssertCalled(t, "ModelReady", mock.Anything, "convnext")
	backend.AssertCalled(t, "ModelReady", mock.Anything, "blip_vision")
	backend.AssertCalled(t, "ModelReady", mock.Anything, "blip_text_decoder")
}

func TestLoad_UsesDefaultTokensAndToleratesMissingOptionalFiles(t *testing.T) {
	files := testFiles()
	files[captionerID+"/config.json"] = `{}`
	delete(files, captionerID+"/special_tokens_map.json")
	delete(files, captionerID+"/added_tokens.json")
	var vocab strings.Builder
	for i := 0; i < 30523; i++ {
		fmt.Fprintf(&vocab, "tok%d\n", i)
	}
	files[captionerID+"/vocab.txt"] = vocab.String()

	b, err := NewLoader(&memoryStore{dir: t.TempDir(), files: files}, readyBackend(), nil).
		Load(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, domain.SpecialTokens{BOS: 30522, EOS: 102, Pad: 0}, b.Captioner.Tokens)
}

const captionerTokenizerJSON = `{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 1, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 2, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 3, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 6, "content": "[DEC]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
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
    "vocab": {"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "a": 4, "dog": 5, "##s": 7}
  }
}`

func TestLoad_PrefersTokenizerJSON(t *testing.T) {
	files := testFiles()
	files[captionerID+"/tokenizer.json"] = captionerTokenizerJSON
	delete(files, captionerID+"/vocab.txt")

	b, err := NewLoader(&memoryStore{dir: t.TempDir(), files: files}, readyBackend(), nil).
		Load(context.Background(), testOptions())
	require.NoError(t, err)

	require.IsType(t, &tokenizer.Pretrained{}, b.Captioner.Vocab)
	assert.True(t, b.Captioner.Vocab.IsSpecial(6))
	assert.Equal(t, "a dogs", b.Captioner.Vocab.Decode([]int64{6, 4, 5, 7, 3}, true))
}

func TestLoad_RejectsMalformedTokenizerJSON(t *testing.T) {
	files := testFiles()
	files[captionerID+"/tokenizer.json"] = `{"model": 42`

	_, err := NewLoader(&memoryStore{dir: t.TempDir(), files: files}, readyBackend(), nil).
		Load(context.Background(), testOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelLoad)
}

func TestLoad_BackendGenerationMode(t *testing.T) {
	backend := readyBackend()
	opts := testOptions()
	opts.Captioner = CaptionerSpec{ID: captionerID, Mode: ModeBackend, GenerateModel: "blip_generate"}
	opts.Device = domain.DeviceCUDA

	b, err := NewLoader(&memoryStore{dir: t.TempDir(), files: testFiles()}, backend, nil).
		Load(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, ModeBackend, b.Captioner.Mode)
	assert.Equal(t, domain.DeviceCUDA, b.Captioner.Device)
	assert.Empty(t, b.Captioner.DecoderModel)
	backend.AssertCalled(t, "ModelReady", mock.Anything, "blip_generate")
	backend.AssertNotCalled(t, "ModelReady", mock.Anything, "blip_vision")
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name    string
		files   func(map[string]string)
		opts    func(*Options)
		backend func() *MockBackend
	}{
		{
			name:  "missing classifier config",
			files: func(f map[string]string) { delete(f, classifierID+"/config.json") },
		},
		{
			name:  "missing vocab",
			files: func(f map[string]string) { delete(f, captionerID+"/vocab.txt") },
		},
		{
			name:  "malformed preprocessor config",
			files: func(f map[string]string) { f[captionerID+"/preprocessor_config.json"] = `{"image_mean":[1]}` },
		},
		{
			name:  "sparse label space",
			files: func(f map[string]string) { f[classifierID+"/config.json"] = `{"id2label":{"0":"a","5":"b"}}` },
		},
		{
			name: "unknown generation mode",
			opts: func(o *Options) { o.Captioner.Mode = "remote" },
		},
		{
			name: "host mode without decoder",
			opts: func(o *Options) { o.Captioner.DecoderModel = "" },
		},
		{
			name: "backend not ready",
			backend: func() *MockBackend {
				b := new(MockBackend)
				b.On("Ready", mock.Anything).Return(errors.New("connection refused"))
				return b
			},
		},
		{
			name: "version constraint not satisfied",
			backend: func() *MockBackend {
				b := new(MockBackend)
				b.On("Ready", mock.Anything).Return(nil)
				b.On("ServerVersion", mock.Anything).Return("1.9.3", nil)
				return b
			},
		},
		{
			name: "model not ready",
			backend: func() *MockBackend {
				b := new(MockBackend)
				b.On("Ready", mock.Anything).Return(nil)
				b.On("ServerVersion", mock.Anything).Return("2.41.0", nil)
				b.On("ModelReady", mock.Anything, "convnext").Return(nil)
				b.On("ModelReady", mock.Anything, "blip_vision").Return(errors.New("UNAVAILABLE"))
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := testFiles()
			if tt.files != nil {
				tt.files(files)
			}
			opts := testOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			backend := readyBackend()
			if tt.backend != nil {
				backend = tt.backend()
			}

			_, err := NewLoader(&memoryStore{dir: t.TempDir(), files: files}, backend, nil).
				Load(context.Background(), opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrModelLoad)
		})
	}
}

func TestLoad_EmptyConstraintSkipsVersionCheck(t *testing.T) {
	b := new(MockBackend)
	b.On("Ready", mock.Anything).Return(nil)
	b.On("ModelReady", mock.Anything, mock.Anything).Return(nil)

	opts := testOptions()
	opts.VersionConstraint = ""
	_, err := NewLoader(&memoryStore{dir: t.TempDir(), files: testFiles()}, b, nil).
		Load(context.Background(), opts)
	require.NoError(t, err)
	b.AssertNotCalled(t, "ServerVersion", mock.Anything)
}
