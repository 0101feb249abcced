package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nulzo/image-captioner/internal/core/domain"
	"github.com/nulzo/image-captioner/internal/core/ports"
)

// stepDecoder scores the next token of every live beam with one call to the
// text decoder model. The encoder states are repeated once per beam.
type stepDecoder struct {
	backend ports.InferenceBackend
	model   string
	device  domain.Device
	id      string
	embeds  *ports.InferTensor
	step    int
}

func (d *stepDecoder) NextTokenLogits(ctx context.Context, sequences [][]int64) ([][]float32, error) {
	n := len(sequences)
	if n == 0 {
		return nil, nil
	}
	length := len(sequences[0])
	ids := make([]int64, 0, n*length)
	for i, seq := range sequences {
		if len(seq) != length {
			return nil, fmt.Errorf("beam %d has length %d, want %d", i, len(seq), length)
		}
		ids = append(ids, seq...)
	}

	per := len(d.embeds.FP32)
	hidden := make([]float32, 0, n*per)
	for i := 0; i < n; i++ {
		hidden = append(hidden, d.embeds.FP32...)
	}
	hiddenShape := append([]int64{int64(n)}, d.embeds.Shape[1:]...)

	d.step++
	resp, err := d.backend.Infer(ctx, &ports.InferRequest{
		ID:    d.id + "-step-" + strconv.Itoa(d.step),
		Model: d.model,
		Inputs: []ports.InferTensor{
			{Name: InputInputIDs, Datatype: ports.DatatypeINT64, Shape: []int64{int64(n), int64(length)}, INT64: ids},
			{Name: InputEncoderHidden, Datatype: ports.DatatypeFP32, Shape: hiddenShape, FP32: hidden},
		},
		Outputs:    []string{OutputLogits},
		Parameters: map[string]interface{}{ParamDevice: string(d.device)},
	})
	if err != nil {
		return nil, err
	}
	out, err := resp.Output(OutputLogits)
	if err != nil {
		return nil, err
	}
	return lastPosition(out, n)
}

// lastPosition slices [n, vocab] or [n, seq, vocab] logits into the rows of
// the final position.
func lastPosition(out *ports.InferTensor, n int) ([][]float32, error) {
	var seq, vocab int
	switch len(out.Shape) {
	case 2:
		seq, vocab = 1, int(out.Shape[1])
	case 3:
		seq, vocab = int(out.Shape[1]), int(out.Shape[2])
	default:
		return nil, fmt.Errorf("unexpected logits shape %v", out.Shape)
	}
	if int(out.Shape[0]) != n || seq < 1 || vocab < 1 || len(out.FP32) != n*seq*vocab {
		return nil, fmt.Errorf("logits shape %v does not match %d beams", out.Shape, n)
	}

	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		start := (i*seq + seq - 1) * vocab
		rows[i] = out.FP32[start : start+vocab]
	}
	return rows, nil
}
