package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/core/ports"
	"github.com/nulzo/image-captioner/internal/generation"
	"github.com/nulzo/image-captioner/internal/imaging"
	"github.com/nulzo/image-captioner/internal/models"
)

// Backend tensor names.
const (
	OutputLogits        = "logits"
	OutputImageEmbeds   = "image_embeds"
	OutputSequences     = "sequences"
	InputInputIDs       = "input_ids"
	InputEncoderHidden  = "encoder_hidden_states"
	ParamDevice         = "device"
	ParamMaxNewTokens   = "max_new_tokens"
	ParamNumBeams       = "num_beams"
	ParamEarlyStopping  = "early_stopping"
	ParamLengthPenalty  = "length_penalty"
	tracerName          = "github.com/nulzo/image-captioner/internal/core/services"
	maxGenerationTokens = 512
	maxGenerationBeams  = 16
)

// requestState is the lifecycle of one caption request.
type requestState string

const (
	stateIdle          requestState = "idle"
	statePreprocessing requestState = "preprocessing"
	stateGenerating    requestState = "generating"
	stateDone          requestState = "done"
	stateFailed        requestState = "failed"
)

// CaptionService runs feature extraction and caption generation against the
// loaded bindings. The bindings are never mutated, so it is safe for
// concurrent use.
type CaptionService struct {
	bindings  *models.Bindings
	backend   ports.InferenceBackend
	logger    *zap.Logger
	tracer    trace.Tracer
	maxPixels int
}

var _ ports.CaptionService = (*CaptionService)(nil)

type Option func(*CaptionService)

// WithMaxImagePixels bounds width*height of accepted uploads.
func WithMaxImagePixels(n int) Option {
	return func(s *CaptionService) {
		s.maxPixels = n
	}
}

func NewCaptionService(bindings *models.Bindings, backend ports.InferenceBackend, logger *zap.Logger, opts ...Option) (*CaptionService, error) {
	if bindings == nil || bindings.Classifier == nil || bindings.Captioner == nil {
		return nil, errors.New("caption service needs both model bindings")
	}
	if backend == nil {
		return nil, errors.New("caption service needs an inference backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CaptionService{
		bindings:  bindings,
		backend:   backend,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		maxPixels: imaging.DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Models lists the bindings in classifier, captioner order.
func (s *CaptionService) Models() []ports.ModelInfo {
	return []ports.ModelInfo{
		{Role: "classifier", ID: s.bindings.Classifier.ID, Device: s.bindings.Classifier.Device},
		{Role: "captioner", ID: s.bindings.Captioner.ID, Device: s.bindings.Captioner.Device},
	}
}

// ExtractFeatures returns the classifier logits for image.
func (s *CaptionService) ExtractFeatures(ctx context.Context, image []byte) (*domain.Features, error) {
	ctx, span := s.tracer.Start(ctx, "CaptionService.ExtractFeatures")
	defer span.End()

	cls := s.bindings.Classifier
	pixels, err := s.preprocess(ctx, image, cls.ModelBinding)
	if err != nil {
		return nil, fail(span, err)
	}

	resp, err := s.backend.Infer(ctx, &ports.InferRequest{
		ID:         uuid.NewString(),
		Model:      cls.BackendModel,
		Inputs:     []ports.InferTensor{ports.FromTensor(pixels)},
		Outputs:    []string{OutputLogits},
		Parameters: map[string]interface{}{ParamDevice: string(cls.Device)},
	})
	if err != nil {
		return nil, fail(span, domain.InferenceError("classify", err))
	}
	out, err := resp.Output(OutputLogits)
	if err != nil {
		return nil, fail(span, domain.InferenceError("classify", err))
	}
	if len(out.FP32) == 0 {
		return nil, fail(span, domain.InferenceError("classify", errors.New("empty logits")))
	}
	if len(cls.Labels) > 0 && len(out.FP32) != len(cls.Labels) {
		return nil, fail(span, domain.InferenceError("classify",
			fmt.Errorf("got %d logits for %d labels", len(out.FP32), len(cls.Labels))))
	}

	top := 0
	for i, v := range out.FP32 {
		if v > out.FP32[top] {
			top = i
		}
	}
	features := &domain.Features{
		Logits:   out.FP32,
		TopIndex: top,
		TopLabel: cls.Label(top),
		TopScore: out.FP32[top],
	}
	span.SetAttributes(
		attribute.Int("features.num_classes", features.NumClasses()),
		attribute.String("features.top_label", features.TopLabel),
	)
	return features, nil
}

// GenerateCaption preprocesses image for the captioner and decodes a caption.
// Zero params fall back to the defaults.
func (s *CaptionService) GenerateCaption(ctx context.Context, image []byte, params domain.GenerationParams) (*domain.Caption, error) {
	params, err := withDefaults(params)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "CaptionService.GenerateCaption", trace.WithAttributes(
		attribute.Int("generation.max_new_tokens", params.MaxNewTokens),
		attribute.Int("generation.num_beams", params.NumBeams),
	))
	defer span.End()

	id := uuid.NewString()
	log := s.logger.With(zap.String("caption_id", id))
	state := func(st requestState) { log.Debug("caption request state", zap.String("state", string(st))) }
	state(stateIdle)

	capt := s.bindings.Captioner
	state(statePreprocessing)
	pixels, err := s.preprocess(ctx, image, capt.ModelBinding)
	if err != nil {
		state(stateFailed)
		return nil, fail(span, err)
	}

	state(stateGenerating)
	var tokens []int64
	if capt.Mode == models.ModeBackend {
		tokens, err = s.generateOnBackend(ctx, id, pixels, params)
	} else {
		tokens, err = s.generateOnHost(ctx, id, pixels, params)
	}
	if err != nil {
		state(stateFailed)
		return nil, fail(span, err)
	}

	text := strings.TrimSpace(capt.Vocab.Decode(tokens, true))
	state(stateDone)
	log.Debug("caption generated", zap.Int("tokens", len(tokens)), zap.String("caption", text))
	span.SetAttributes(attribute.Int("caption.tokens", len(tokens)))

	return &domain.Caption{Text: text, TokenIDs: tokens, Params: params}, nil
}

func (s *CaptionService) preprocess(ctx context.Context, image []byte, binding domain.ModelBinding) (domain.Tensor, error) {
	_, span := s.tracer.Start(ctx, "preprocess", trace.WithAttributes(attribute.String("model.id", binding.ID)))
	defer span.End()

	img, err := imaging.Decode(image, s.maxPixels)
	if err != nil {
		return domain.Tensor{}, fail(span, err)
	}
	t, err := imaging.Preprocess(img, binding.Image, binding.Device)
	if err != nil {
		return domain.Tensor{}, fail(span, domain.InferenceError("preprocess", err))
	}
	return t, nil
}

// generateOnHost runs the vision encoder once, then drives the text decoder
// one step per beam-search iteration.
func (s *CaptionService) generateOnHost(ctx context.Context, id string, pixels domain.Tensor, params domain.GenerationParams) ([]int64, error) {
	capt := s.bindings.Captioner

	encCtx, span := s.tracer.Start(ctx, "encode")
	resp, err := s.backend.Infer(encCtx, &ports.InferRequest{
		ID:         id + "-encode",
		Model:      capt.EncoderModel,
		Inputs:     []ports.InferTensor{ports.FromTensor(pixels)},
		Outputs:    []string{OutputImageEmbeds},
		Parameters: map[string]interface{}{ParamDevice: string(capt.Device)},
	})
	if err != nil {
		span.End()
		return nil, domain.InferenceError("encode", err)
	}
	embeds, err := resp.Output(OutputImageEmbeds)
	span.End()
	if err != nil {
		return nil, domain.InferenceError("encode", err)
	}
	if len(embeds.FP32) == 0 || len(embeds.Shape) == 0 || embeds.Shape[0] != 1 {
		return nil, domain.InferenceError("encode", fmt.Errorf("unexpected image_embeds shape %v", embeds.Shape))
	}

	decCtx, span := s.tracer.Start(ctx, "decode")
	defer span.End()

	dec := &stepDecoder{
		backend: s.backend,
		model:   capt.DecoderModel,
		device:  capt.Device,
		id:      id,
		embeds:  embeds,
	}
	res, err := generation.BeamSearch(decCtx, dec, generation.Config{
		MaxNewTokens:  params.MaxNewTokens,
		NumBeams:      params.NumBeams,
		LengthPenalty: params.LengthPenalty,
		BOS:           capt.Tokens.BOS,
		EOS:           capt.Tokens.EOS,
	})
	if err != nil {
		return nil, domain.InferenceError("decode", err)
	}
	span.SetAttributes(
		attribute.Int("decode.steps", res.Steps),
		attribute.Bool("decode.finished", res.Finished),
	)
	return res.Tokens, nil
}

// generateOnBackend lets the backend model run generation itself.
func (s *CaptionService) generateOnBackend(ctx context.Context, id string, pixels domain.Tensor, params domain.GenerationParams) ([]int64, error) {
	capt := s.bindings.Captioner

	ctx, span := s.tracer.Start(ctx, "generate")
	defer span.End()

	resp, err := s.backend.Infer(ctx, &ports.InferRequest{
		ID:      id,
		Model:   capt.GenerateModel,
		Inputs:  []ports.InferTensor{ports.FromTensor(pixels)},
		Outputs: []string{OutputSequences},
		Parameters: map[string]interface{}{
			ParamDevice:        string(capt.Device),
			ParamMaxNewTokens:  params.MaxNewTokens,
			ParamNumBeams:      params.NumBeams,
			ParamEarlyStopping: true,
			ParamLengthPenalty: params.LengthPenalty,
		},
	})
	if err != nil {
		return nil, domain.InferenceError("generate", err)
	}
	out, err := resp.Output(OutputSequences)
	if err != nil {
		return nil, domain.InferenceError("generate", err)
	}

	seq := out.INT64
	if len(out.Shape) == 2 && out.Shape[0] > 0 {
		seq = seq[:out.Shape[1]]
	}
	return trimSequence(seq, capt.Tokens, params.MaxNewTokens), nil
}

// trimSequence drops a leading start token, cuts at the end token and bounds
// the length.
func trimSequence(seq []int64, tokens domain.SpecialTokens, limit int) []int64 {
	if len(seq) > 0 && seq[0] == tokens.BOS {
		seq = seq[1:]
	}
	for i, id := range seq {
		if id == tokens.EOS || id == tokens.Pad {
			seq = seq[:i]
			break
		}
	}
	if len(seq) > limit {
		seq = seq[:limit]
	}
	out := make([]int64, len(seq))
	copy(out, seq)
	return out
}

func withDefaults(p domain.GenerationParams) (domain.GenerationParams, error) {
	def := domain.DefaultGenerationParams()
	if p.MaxNewTokens == 0 {
		p.MaxNewTokens = def.MaxNewTokens
	}
	if p.NumBeams == 0 {
		p.NumBeams = def.NumBeams
	}
	if p.LengthPenalty == 0 {
		p.LengthPenalty = def.LengthPenalty
	}

	fields := map[string]string{}
	if p.MaxNewTokens < 1 || p.MaxNewTokens > maxGenerationTokens {
		fields["max_length"] = fmt.Sprintf("must be between 1 and %d", maxGenerationTokens)
	}
	if p.NumBeams < 1 || p.NumBeams > maxGenerationBeams {
		fields["num_beams"] = fmt.Sprintf("must be between 1 and %d", maxGenerationBeams)
	}
	if len(fields) > 0 {
		return p, domain.ValidationError(fields)
	}
	return p, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
