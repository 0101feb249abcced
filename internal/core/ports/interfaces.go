package ports

import (
	"context"
	"fmt"

	"github.com/nulzo/image-captioner/internal/core/domain"
)

// Datatypes understood by the inference backend.
const (
	DatatypeFP32  = "FP32"
	DatatypeINT64 = "INT64"
)

// InferTensor is one named input or output tensor. Exactly one of FP32 and
// INT64 holds data, selected by Datatype.
type InferTensor struct {
	Name     string
	Datatype string
	Shape    []int64
	FP32     []float32
	INT64    []int64
}

// FromTensor converts a preprocessed tensor into a backend input.
func FromTensor(t domain.Tensor) InferTensor {
	return InferTensor{
		Name:     t.Name,
		Datatype: DatatypeFP32,
		Shape:    t.Shape,
		FP32:     t.Data,
	}
}

type InferRequest struct {
	ID         string
	Model      string
	Inputs     []InferTensor
	Outputs    []string
	Parameters map[string]interface{}
}

type InferResponse struct {
	ID      string
	Model   string
	Outputs []InferTensor
}

// Output returns the output tensor called name.
func (r *InferResponse) Output(name string) (*InferTensor, error) {
	for i := range r.Outputs {
		if r.Outputs[i].Name == name {
			return &r.Outputs[i], nil
		}
	}
	return nil, fmt.Errorf("model %q returned no output %q", r.Model, name)
}

// InferenceBackend executes model forward passes on an inference server.
// Implementations must be safe for concurrent use.
type InferenceBackend interface {
	Name() string
	Ready(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
	ModelReady(ctx context.Context, model string) error
	Infer(ctx context.Context, req *InferRequest) (*InferResponse, error)
}

// ArtifactStore resolves model repository files to local paths.
type ArtifactStore interface {
	// Fetch returns the local path of file in repo at revision, downloading it
	// when it is not cached yet.
	Fetch(ctx context.Context, repo, revision, file string) (string, error)
}

// ModelInfo describes a loaded model binding.
type ModelInfo struct {
	Role   string        `json:"role"`
	ID     string        `json:"id"`
	Device domain.Device `json:"device"`
}

// CaptionService is the single entry point used by the UI and the HTTP API.
type CaptionService interface {
	ExtractFeatures(ctx context.Context, image []byte) (*domain.Features, error)
	GenerateCaption(ctx context.Context, image []byte, params domain.GenerationParams) (*domain.Caption, error)
	Models() []ModelInfo
}
