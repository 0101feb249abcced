// Package models resolves the classifier and captioner bindings once at
// process start.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/core/ports"
	"github.com/nulzo/image-captioner/internal/device"
	"github.com/nulzo/image-captioner/internal/hub"
	"github.com/nulzo/image-captioner/internal/imaging"
	"github.com/nulzo/image-captioner/internal/tokenizer"
)

// Generation modes.
const (
	ModeHost    = "host"
	ModeBackend = "backend"
)

const (
	fileConfig       = "config.json"
	filePreprocessor = "preprocessor_config.json"
	fileTokenizer    = "tokenizer.json"
	fileVocab        = "vocab.txt"
	fileSpecialMap   = "special_tokens_map.json"
	fileAddedTokens  = "added_tokens.json"
)

// BLIP text decoder token ids used when config.json does not name them.
const (
	defaultBOS int64 = 30522
	defaultEOS int64 = 102
	defaultPad int64 = 0
)

// Classifier is the feature extractor binding.
type Classifier struct {
	domain.ModelBinding
	BackendModel string
	Labels       []string
}

// Label returns the class name for idx.
func (c *Classifier) Label(idx int) string {
	if idx >= 0 && idx < len(c.Labels) && c.Labels[idx] != "" {
		return c.Labels[idx]
	}
	return "LABEL_" + strconv.Itoa(idx)
}

// Captioner is the caption generator binding.
type Captioner struct {
	domain.ModelBinding
	Mode          string
	EncoderModel  string
	DecoderModel  string
	GenerateModel string
	Tokens        domain.SpecialTokens
	Vocab         tokenizer.Decoder
}

// Bindings is the immutable context handed to the caption service.
type Bindings struct {
	Classifier *Classifier
	Captioner  *Captioner
}

type ClassifierSpec struct {
	ID           string
	Revision     string
	BackendModel string
}

type CaptionerSpec struct {
	ID            string
	Revision      string
	Mode          string
	EncoderModel  string
	DecoderModel  string
	GenerateModel string
}

type Options struct {
	Classifier ClassifierSpec
	Captioner  CaptionerSpec
	Device     domain.Device
	// Probe detects an accelerator when Device is auto. Defaults to device.NVIDIAProbe.
	Probe device.Probe
	// VersionConstraint gates the backend server version. Empty disables the check.
	VersionConstraint string
}

type Loader struct {
	store   ports.ArtifactStore
	backend ports.InferenceBackend
	logger  *zap.Logger
}

func NewLoader(store ports.ArtifactStore, backend ports.InferenceBackend, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, backend: backend, logger: logger}
}

// Load builds both bindings. Every failure is a domain.ErrModelLoad.
func (l *Loader) Load(ctx context.Context, opts Options) (*Bindings, error) {
	probe := opts.Probe
	if probe == nil {
		probe = device.NVIDIAProbe
	}
	dev := device.Select(opts.Device, probe)
	l.logger.Info("compute device selected",
		zap.String("requested", string(opts.Device)),
		zap.String("device", string(dev)),
	)

	classifier, err := l.loadClassifier(ctx, opts.Classifier, dev)
	if err != nil {
		return nil, domain.ModelLoadError(opts.Classifier.ID, err)
	}
	captioner, err := l.loadCaptioner(ctx, opts.Captioner, dev)
	if err != nil {
		return nil, domain.ModelLoadError(opts.Captioner.ID, err)
	}

	if err := l.checkBackend(ctx, opts.VersionConstraint); err != nil {
		return nil, domain.ModelLoadError(l.backend.Name(), err)
	}
	for _, pair := range []struct{ id, model string }{
		{classifier.ID, classifier.BackendModel},
		{captioner.ID, captioner.EncoderModel},
		{captioner.ID, captioner.DecoderModel},
		{captioner.ID, captioner.GenerateModel},
	} {
		if pair.model == "" {
			continue
		}
		if err := l.backend.ModelReady(ctx, pair.model); err != nil {
			return nil, domain.ModelLoadError(pair.id, err)
		}
	}

	l.logger.Info("models loaded",
		zap.String("classifier", classifier.ID),
		zap.Int("labels", len(classifier.Labels)),
		zap.String("captioner", captioner.ID),
		zap.String("mode", captioner.Mode),
		zap.Int("vocab", captioner.Vocab.Size()),
	)
	return &Bindings{Classifier: classifier, Captioner: captioner}, nil
}

func (l *Loader) loadClassifier(ctx context.Context, spec ClassifierSpec, dev domain.Device) (*Classifier, error) {
	if spec.ID == "" || spec.BackendModel == "" {
		return nil, errors.New("classifier id and backend model are required")
	}

	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := l.readJSON(ctx, spec.ID, spec.Revision, fileConfig, &cfg); err != nil {
		return nil, err
	}
	labels, err := labelSpace(cfg.ID2Label)
	if err != nil {
		return nil, err
	}

	imgCfg, err := l.imageConfig(ctx, spec.ID, spec.Revision)
	if err != nil {
		return nil, err
	}

	return &Classifier{
		ModelBinding: domain.ModelBinding{ID: spec.ID, Revision: spec.Revision, Device: dev, Image: imgCfg},
		BackendModel: spec.BackendModel,
		Labels:       labels,
	}, nil
}

func (l *Loader) loadCaptioner(ctx context.Context, spec CaptionerSpec, dev domain.Device) (*Captioner, error) {
	if spec.ID == "" {
		return nil, errors.New("captioner id is required")
	}
	mode := spec.Mode
	if mode == "" {
		mode = ModeHost
	}
	var backendModels CaptionerSpec
	switch mode {
	case ModeHost:
		if spec.EncoderModel == "" || spec.DecoderModel == "" {
			return nil, errors.New("host generation needs encoder and decoder backend models")
		}
		backendModels.EncoderModel, backendModels.DecoderModel = spec.EncoderModel, spec.DecoderModel
	case ModeBackend:
		if spec.GenerateModel == "" {
			return nil, errors.New("backend generation needs a generate backend model")
		}
		backendModels.GenerateModel = spec.GenerateModel
	default:
		return nil, fmt.Errorf("unknown generation mode %q", mode)
	}

	var cfg struct {
		TextConfig struct {
			BOS *int64 `json:"bos_token_id"`
			SEP *int64 `json:"sep_token_id"`
			Pad *int64 `json:"pad_token_id"`
		} `json:"text_config"`
	}
	if err := l.readJSON(ctx, spec.ID, spec.Revision, fileConfig, &cfg); err != nil {
		return nil, err
	}
	tokens := domain.SpecialTokens{
		BOS: int64Or(cfg.TextConfig.BOS, defaultBOS),
		EOS: int64Or(cfg.TextConfig.SEP, defaultEOS),
		Pad: int64Or(cfg.TextConfig.Pad, defaultPad),
	}

	imgCfg, err := l.imageConfig(ctx, spec.ID, spec.Revision)
	if err != nil {
		return nil, err
	}

	vocab, err := l.loadTokenizer(ctx, spec, tokens)
	if err != nil {
		return nil, err
	}
	if tokens.EOS < 0 || int(tokens.EOS) >= vocab.Size() {
		return nil, fmt.Errorf("end token %d outside vocabulary of %d", tokens.EOS, vocab.Size())
	}

	return &Captioner{
		ModelBinding:  domain.ModelBinding{ID: spec.ID, Revision: spec.Revision, Device: dev, Image: imgCfg},
		Mode:          mode,
		EncoderModel:  backendModels.EncoderModel,
		DecoderModel:  backendModels.DecoderModel,
		GenerateModel: backendModels.GenerateModel,
		Tokens:        tokens,
		Vocab:         vocab,
	}, nil
}

// loadTokenizer prefers the repository's tokenizer.json and falls back to
// vocab.txt with the optional special and added token files.
func (l *Loader) loadTokenizer(ctx context.Context, spec CaptionerSpec, tokens domain.SpecialTokens) (tokenizer.Decoder, error) {
	specialIDs := []int64{tokens.BOS, tokens.EOS, tokens.Pad}

	path, err := l.store.Fetch(ctx, spec.ID, spec.Revision, fileTokenizer)
	switch {
	case err == nil:
		return tokenizer.LoadPretrained(path, specialIDs)
	case !errors.Is(err, hub.ErrNotFound) && !errors.Is(err, hub.ErrNotCached):
		return nil, err
	}
	l.logger.Debug("no tokenizer.json, decoding with vocab.txt", zap.String("repo", spec.ID))

	vocabData, err := l.read(ctx, spec.ID, spec.Revision, fileVocab)
	if err != nil {
		return nil, err
	}
	specialMap, err := l.readOptional(ctx, spec.ID, spec.Revision, fileSpecialMap)
	if err != nil {
		return nil, err
	}
	added, err := l.readOptional(ctx, spec.ID, spec.Revision, fileAddedTokens)
	if err != nil {
		return nil, err
	}
	return tokenizer.Load(vocabData, tokenizer.Options{
		AddedTokens:      added,
		SpecialTokensMap: specialMap,
		SpecialIDs:       specialIDs,
	})
}

func (l *Loader) checkBackend(ctx context.Context, constraint string) error {
	if err := l.backend.Ready(ctx); err != nil {
		return err
	}
	if constraint == "" {
		return nil
	}

	want, err := version.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid backend version constraint %q: %w", constraint, err)
	}
	raw, err := l.backend.ServerVersion(ctx)
	if err != nil {
		return err
	}
	got, err := version.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("backend reported unparsable version %q: %w", raw, err)
	}
	if !want.Check(got) {
		return fmt.Errorf("backend version %s does not satisfy %q", got, constraint)
	}
	l.logger.Info("inference backend ready",
		zap.String("backend", l.backend.Name()),
		zap.String("version", got.String()),
	)
	return nil
}

func (l *Loader) imageConfig(ctx context.Context, repo, revision string) (domain.ImageConfig, error) {
	data, err := l.read(ctx, repo, revision, filePreprocessor)
	if err != nil {
		return domain.ImageConfig{}, err
	}
	cfg, err := imaging.ParseConfig(data)
	if err != nil {
		return domain.ImageConfig{}, fmt.Errorf("%s: %w", filePreprocessor, err)
	}
	return cfg, nil
}

func (l *Loader) read(ctx context.Context, repo, revision, file string) ([]byte, error) {
	path, err := l.store.Fetch(ctx, repo, revision, file)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// readOptional returns nil data for files the repository does not have.
func (l *Loader) readOptional(ctx context.Context, repo, revision, file string) ([]byte, error) {
	data, err := l.read(ctx, repo, revision, file)
	if errors.Is(err, hub.ErrNotFound) || errors.Is(err, hub.ErrNotCached) {
		l.logger.Debug("optional artifact missing", zap.String("repo", repo), zap.String("file", file))
		return nil, nil
	}
	return data, err
}

func (l *Loader) readJSON(ctx context.Context, repo, revision, file string, v interface{}) error {
	data, err := l.read(ctx, repo, revision, file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s: %w", file, err)
	}
	return nil
}

func labelSpace(id2label map[string]string) ([]string, error) {
	if len(id2label) == 0 {
		return nil, errors.New("config.json has no id2label")
	}
	labels := make([]string, len(id2label))
	for key, name := range id2label {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(labels) {
			return nil, fmt.Errorf("id2label key %q is not a dense index", key)
		}
		labels[idx] = name
	}
	return labels, nil
}

func int64Or(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}
