// Package generation implements deterministic beam-search decoding over a
// step-wise next-token scorer.
package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Decoder scores the next token of every sequence. It returns one row of
// vocabulary logits per input sequence, in order.
type Decoder interface {
	NextTokenLogits(ctx context.Context, sequences [][]int64) ([][]float32, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, sequences [][]int64) ([][]float32, error)

func (f DecoderFunc) NextTokenLogits(ctx context.Context, sequences [][]int64) ([][]float32, error) {
	return f(ctx, sequences)
}

type Config struct {
	MaxNewTokens  int
	NumBeams      int
	LengthPenalty float64
	BOS           int64
	EOS           int64
}

func (c Config) validate() error {
	if c.MaxNewTokens < 1 {
		return fmt.Errorf("max new tokens must be positive, got %d", c.MaxNewTokens)
	}
	if c.NumBeams < 1 {
		return fmt.Errorf("num beams must be positive, got %d", c.NumBeams)
	}
	return nil
}

// Result is the winning hypothesis.
type Result struct {
	// Tokens holds the generated ids. The start token and the end token are
	// not included.
	Tokens []int64
	// Score is the length-normalized sum of log probabilities.
	Score float64
	// Finished reports whether the winner produced the end token.
	Finished bool
	// Steps is the number of decoder calls made.
	Steps int
}

type beam struct {
	tokens []int64 // starts with BOS
	score  float64
}

type candidate struct {
	beam  int
	token int64
	score float64
}

type hypothesis struct {
	tokens   []int64
	score    float64
	finished bool
	order    int
}

// BeamSearch decodes from a single BOS start, keeping NumBeams live beams.
// It stops as soon as NumBeams hypotheses have ended (early stopping) and
// never runs more than MaxNewTokens decoder steps. Ties are broken by beam
// index, then token id, so results are reproducible.
func BeamSearch(ctx context.Context, dec Decoder, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if dec == nil {
		return nil, errors.New("nil decoder")
	}
	if cfg.LengthPenalty == 0 {
		cfg.LengthPenalty = 1.0
	}

	k := cfg.NumBeams
	live := []beam{{tokens: []int64{cfg.BOS}}}
	var hyps []hypothesis
	added := 0
	steps := 0

	// Finished and unfinished hypotheses are normalized by the same length:
	// the generated tokens, without BOS and EOS.
	addHyp := func(tokens []int64, sumLogprob float64, finished bool) {
		length := len(tokens)
		if length == 0 {
			length = 1
		}
		hyps = append(hyps, hypothesis{
			tokens:   tokens,
			score:    sumLogprob / math.Pow(float64(length), cfg.LengthPenalty),
			finished: finished,
			order:    added,
		})
		added++
		sortHypotheses(hyps)
		if len(hyps) > k {
			hyps = hyps[:k]
		}
	}

	for step := 0; step < cfg.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		seqs := make([][]int64, len(live))
		for i, b := range live {
			seqs[i] = b.tokens
		}
		logits, err := dec.NextTokenLogits(ctx, seqs)
		if err != nil {
			return nil, fmt.Errorf("decoder step %d: %w", step, err)
		}
		steps++
		if len(logits) != len(live) {
			return nil, fmt.Errorf("decoder step %d: got %d logit rows for %d beams", step, len(logits), len(live))
		}

		cands := make([]candidate, 0, 2*k*len(live))
		for bi, row := range logits {
			if len(row) == 0 {
				return nil, fmt.Errorf("decoder step %d: empty logits for beam %d", step, bi)
			}
			cands = append(cands, topCandidates(bi, live[bi].score, logSoftmax(row), 2*k)...)
		}
		sortCandidates(cands)
		if len(cands) > 2*k {
			cands = cands[:2*k]
		}

		next := make([]beam, 0, k)
		for rank, c := range cands {
			src := live[c.beam]
			if c.token == cfg.EOS {
				if rank < k {
					addHyp(generated(src.tokens), c.score, true)
				}
				continue
			}
			tokens := make([]int64, len(src.tokens)+1)
			copy(tokens, src.tokens)
			tokens[len(src.tokens)] = c.token
			next = append(next, beam{tokens: tokens, score: c.score})
			if len(next) == k {
				break
			}
		}

		live = next
		if countFinished(hyps) >= k || len(live) == 0 {
			break
		}
	}

	if countFinished(hyps) < k {
		for _, b := range live {
			addHyp(generated(b.tokens), b.score, false)
		}
	}
	if len(hyps) == 0 {
		return nil, errors.New("beam search produced no hypothesis")
	}

	best := hyps[0]
	return &Result{
		Tokens:   best.tokens,
		Score:    best.score,
		Finished: best.finished,
		Steps:    steps,
	}, nil
}

// generated strips the leading BOS and returns a copy.
func generated(tokens []int64) []int64 {
	out := make([]int64, len(tokens)-1)
	copy(out, tokens[1:])
	return out
}

func countFinished(hyps []hypothesis) int {
	n := 0
	for _, h := range hyps {
		if h.finished {
			n++
		}
	}
	return n
}

func sortHypotheses(hyps []hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].score != hyps[j].score {
			return hyps[i].score > hyps[j].score
		}
		return hyps[i].order < hyps[j].order
	})
}

func sortCandidates(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.beam != b.beam {
			return a.beam < b.beam
		}
		return a.token < b.token
	})
}

// topCandidates returns the n best continuations of one beam.
func topCandidates(bi int, base float64, logprobs []float64, n int) []candidate {
	top := make([]candidate, 0, n+1)
	for tok, lp := range logprobs {
		c := candidate{beam: bi, token: int64(tok), score: base + lp}
		if len(top) == n && c.score <= top[n-1].score {
			continue
		}
		i := sort.Search(len(top), func(i int) bool { return top[i].score < c.score })
		top = append(top, candidate{})
		copy(top[i+1:], top[i:])
		top[i] = c
		if len(top) > n {
			top = top[:n]
		}
	}
	return top
}

func logSoftmax(row []float32) []float64 {
	max := math.Inf(-1)
	for _, v := range row {
		if float64(v) > max {
			max = float64(v)
		}
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - max)
	}
	lse := max + math.Log(sum)
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = float64(v) - lse
	}
	return out
}
