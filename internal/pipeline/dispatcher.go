// Package pipeline implements the ColBERT encode path: tokenization policy,
// chunked dispatch through the base model and projection, and the
// query/document post-processing.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/comfforts/logger"
	"golang.org/x/sync/errgroup"

	"github.com/hankgalt/colbert/internal/metrics"
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

// Encoder routes sentences through tokenizer, model, projection and
// post-processor in chunks of at most BatchSize.
type Encoder struct {
	tok      Tokenizer
	model    Model
	proj     Projector
	cfg      domain.EncodingConfig
	parallel bool
	workers  int
	metrics  *metrics.Collector
}

type Option func(*Encoder)

// WithWorkers bounds the number of chunks encoded at once. 1 forces
// sequential processing.
func WithWorkers(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithDevice disables parallel chunks on anything other than the CPU.
func WithDevice(d domain.Device) Option {
	return func(e *Encoder) {
		e.parallel = d == "" || d == domain.DeviceCPU
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *Encoder) {
		e.metrics = c
	}
}

func NewEncoder(tok Tokenizer, model Model, proj Projector, cfg domain.EncodingConfig, opts ...Option) (*Encoder, error) {
	if tok == nil {
		return nil, domain.ConfigError("new encoder", "nil tokenizer")
	}
	if model == nil {
		return nil, domain.ConfigError("new encoder", "nil model")
	}
	if proj == nil {
		return nil, domain.ConfigError("new encoder", "nil projection")
	}
	e := &Encoder{
		tok:      tok,
		model:    model,
		proj:     proj,
		cfg:      cfg.Normalize(),
		parallel: true,
		workers:  runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the normalized encoding config.
func (e *Encoder) Config() domain.EncodingConfig {
	return e.cfg
}

// Tokenize applies the input policy to texts as a single batch.
func (e *Encoder) Tokenize(texts []string, isQuery bool) (*domain.TokenBatch, error) {
	return Tokenize(e.tok, e.cfg, texts, isQuery)
}

// Encode returns one [len(sentences), tokens, dim] tensor. batchSize <= 0
// uses the configured batch size. Output order matches input order
// whether or not chunks run in parallel; any chunk failure fails the call.
func (e *Encoder) Encode(ctx context.Context, sentences []string, isQuery bool, batchSize int) (out *tensor.Tensor3, err error) {
	l, lErr := logger.LoggerFromContext(ctx)
	if lErr != nil {
		l = logger.GetSlogLogger()
	}

	var chunks [][]string
	start, kind := time.Now(), metrics.Kind(isQuery)
	defer func() {
		e.metrics.ObserveEncode(start, kind, len(sentences), len(chunks), err)
	}()

	if len(sentences) == 0 {
		return nil, domain.OperationError("encode", "input sentences cannot be empty")
	}
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	chunks = split(sentences, batchSize)

	results := make([]*tensor.Tensor3, len(chunks))
	if e.parallel && e.workers > 1 && len(chunks) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i, chunk := range chunks {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := e.encodeChunk(chunk, isQuery)
				if err != nil {
					return domain.UpstreamError(fmt.Sprintf("encode chunk %d", i), err)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			l.Error("Encoder:Encode - chunk failed", "kind", kind, "error", err.Error())
			return nil, domain.UpstreamError("encode", err)
		}
	} else {
		for i, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return nil, domain.UpstreamError("encode", err)
			}
			res, err := e.encodeChunk(chunk, isQuery)
			if err != nil {
				l.Error("Encoder:Encode - chunk failed", "kind", kind, "chunk", i, "error", err.Error())
				return nil, domain.UpstreamError(fmt.Sprintf("encode chunk %d", i), err)
			}
			results[i] = res
		}
	}

	out, err = tensor.Concat(results)
	if err != nil {
		return nil, domain.OperationError("encode", "%w", err)
	}
	l.Debug("Encoder:Encode - done", "kind", kind, "sentences", len(sentences), "chunks", len(chunks), "tokens", out.Tokens, "dim", out.Dim)
	return out, nil
}

func (e *Encoder) encodeChunk(texts []string, isQuery bool) (*tensor.Tensor3, error) {
	batch, err := e.Tokenize(texts, isQuery)
	if err != nil {
		return nil, err
	}

	hidden, err := e.model.Forward(batch)
	if err != nil {
		return nil, domain.UpstreamError("forward", err)
	}
	if hidden.Batch != batch.BatchSize || hidden.Tokens != batch.SeqLen {
		return nil, domain.OperationError("forward", "model output [%d,%d,_] does not match input [%d,%d]",
			hidden.Batch, hidden.Tokens, batch.BatchSize, batch.SeqLen)
	}

	projected, err := e.proj.Project(hidden)
	if err != nil {
		return nil, domain.UpstreamError("project", err)
	}

	return PostProcess(projected, batch.AttentionMask, isQuery && e.cfg.DoQueryExpansion)
}

// split cuts items into contiguous chunks of at most size, keeping order.
func split(items []string, size int) [][]string {
	chunks := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
