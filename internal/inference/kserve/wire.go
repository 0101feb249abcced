package kserve

import (
	"encoding/json"
	"fmt"

	"github.com/nulzo/image-captioner/internal/core/ports"
)

// Open Inference Protocol (v2) JSON documents.

type wireTensor struct {
	Name       string                 `json:"name"`
	Shape      []int64                `json:"shape"`
	Datatype   string                 `json:"datatype"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Data       json.RawMessage        `json:"data"`
}

type wireOutputRequest struct {
	Name string `json:"name"`
}

type wireInferRequest struct {
	ID         string                 `json:"id,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Inputs     []wireTensor           `json:"inputs"`
	Outputs    []wireOutputRequest    `json:"outputs,omitempty"`
}

type wireInferResponse struct {
	ModelName    string       `json:"model_name"`
	ModelVersion string       `json:"model_version,omitempty"`
	ID           string       `json:"id,omitempty"`
	Outputs      []wireTensor `json:"outputs"`
}

type wireServerMetadata struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Extensions []string `json:"extensions"`
}

type wireError struct {
	Error string `json:"error"`
}

func encodeTensor(t ports.InferTensor) (wireTensor, error) {
	var (
		data []byte
		err  error
		n    int
	)
	switch t.Datatype {
	case ports.DatatypeFP32:
		data, err = json.Marshal(t.FP32)
		n = len(t.FP32)
	case ports.DatatypeINT64:
		data, err = json.Marshal(t.INT64)
		n = len(t.INT64)
	default:
		return wireTensor{}, fmt.Errorf("input %q: unsupported datatype %q", t.Name, t.Datatype)
	}
	if err != nil {
		return wireTensor{}, fmt.Errorf("input %q: %w", t.Name, err)
	}
	if want := numElements(t.Shape); want != n {
		return wireTensor{}, fmt.Errorf("input %q: shape %v needs %d values, got %d", t.Name, t.Shape, want, n)
	}
	return wireTensor{Name: t.Name, Shape: t.Shape, Datatype: t.Datatype, Data: data}, nil
}

func decodeTensor(w wireTensor) (ports.InferTensor, error) {
	out := ports.InferTensor{Name: w.Name, Datatype: w.Datatype, Shape: w.Shape}
	switch w.Datatype {
	case ports.DatatypeFP32, "FP16", "FP64":
		values, err := flatten[float64](w.Data)
		if err != nil {
			return out, fmt.Errorf("output %q: %w", w.Name, err)
		}
		out.Datatype = ports.DatatypeFP32
		out.FP32 = make([]float32, len(values))
		for i, v := range values {
			out.FP32[i] = float32(v)
		}
	case ports.DatatypeINT64, "INT32":
		values, err := flatten[int64](w.Data)
		if err != nil {
			return out, fmt.Errorf("output %q: %w", w.Name, err)
		}
		out.Datatype = ports.DatatypeINT64
		out.INT64 = values
	default:
		return out, fmt.Errorf("output %q: unsupported datatype %q", w.Name, w.Datatype)
	}

	got := len(out.FP32) + len(out.INT64)
	if want := numElements(w.Shape); want != got {
		return out, fmt.Errorf("output %q: shape %v needs %d values, got %d", w.Name, w.Shape, want, got)
	}
	return out, nil
}

// flatten accepts the flat or the nested row-major data layout.
func flatten[T float64 | int64](raw json.RawMessage) ([]T, error) {
	var flat []T
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var nested []json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("invalid tensor data: %w", err)
	}
	out := make([]T, 0, len(nested))
	for _, item := range nested {
		inner, err := flatten[T](item)
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

func numElements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
