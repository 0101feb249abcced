// Package kserve talks to an inference server over the Open Inference
// Protocol (KServe v2 / Triton) HTTP+JSON binding.
package kserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nulzo/image-captioner/internal/core/ports"
	"github.com/nulzo/image-captioner/internal/httpclient"
)

// Name identifies this backend in logs and the health endpoint.
const Name = "kserve-v2"

type Config struct {
	BaseURL string
	// Timeout bounds a single HTTP exchange. Zero means no bound.
	Timeout time.Duration
	Headers map[string]string
}

// Client implements ports.InferenceBackend. It is safe for concurrent use.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("inference backend url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid inference backend url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.Headers)
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}

	return &Client{http: r, logger: logger}, nil
}

func (c *Client) Name() string {
	return Name
}

// Ready checks server readiness.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/v2/health/ready")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, upstream(resp))
	}
	return nil
}

// ServerVersion returns the version reported in server metadata.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/v2")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: %w", ErrBackendUnavailable, upstream(resp))
	}
	var meta wireServerMetadata
	if err := json.Unmarshal(resp.Body(), &meta); err != nil {
		return "", fmt.Errorf("%w: invalid server metadata: %w", ErrBackendProtocol, err)
	}
	if meta.Version == "" {
		return "", fmt.Errorf("%w: server metadata has no version", ErrBackendProtocol)
	}
	return meta.Version, nil
}

// ModelReady checks that model is loaded on the server.
func (c *Client) ModelReady(ctx context.Context, model string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("model", model).
		Get("/v2/models/{model}/ready")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: model %q not ready: %w", ErrBackendUnavailable, model, upstream(resp))
	}
	return nil
}

// Infer runs one forward pass of req.Model.
func (c *Client) Infer(ctx context.Context, req *ports.InferRequest) (*ports.InferResponse, error) {
	body := wireInferRequest{
		ID:         req.ID,
		Parameters: req.Parameters,
		Inputs:     make([]wireTensor, 0, len(req.Inputs)),
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	for _, in := range req.Inputs {
		w, err := encodeTensor(in)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendProtocol, err)
		}
		body.Inputs = append(body.Inputs, w)
	}
	for _, name := range req.Outputs {
		body.Outputs = append(body.Outputs, wireOutputRequest{Name: name})
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("model", req.Model).
		SetBody(body).
		Post("/v2/models/{model}/infer")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %w", ErrBackendInference, describe(resp))
	}

	var out wireInferResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: invalid infer response: %w", ErrBackendProtocol, err)
	}

	result := &ports.InferResponse{
		ID:      out.ID,
		Model:   out.ModelName,
		Outputs: make([]ports.InferTensor, 0, len(out.Outputs)),
	}
	if result.Model == "" {
		result.Model = req.Model
	}
	for _, w := range out.Outputs {
		t, err := decodeTensor(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendProtocol, err)
		}
		result.Outputs = append(result.Outputs, t)
	}

	c.logger.Debug("inference complete",
		zap.String("model", req.Model),
		zap.String("request_id", body.ID),
		zap.Int("outputs", len(result.Outputs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func upstream(resp *resty.Response) *httpclient.UpstreamError {
	return &httpclient.UpstreamError{
		StatusCode: resp.StatusCode(),
		Body:       resp.Body(),
		URL:        resp.Request.URL,
	}
}

// describe prefers the protocol's {"error": "..."} message over the raw body.
func describe(resp *resty.Response) error {
	var apiErr wireError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode(), apiErr.Error, upstream(resp))
	}
	return upstream(resp)
}
