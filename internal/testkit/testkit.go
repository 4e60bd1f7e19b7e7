// Package testkit provides deterministic stand-ins for the tokenizer and the
// base model so the encode path can be tested without model files.
package testkit

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

const (
	PadID  = 0
	ClsID  = 1
	SepID  = 2
	MaskID = 3
)

var wordRe = regexp.MustCompile(`\[[a-z]+\]|[a-z0-9]+`)

// WordTokenizer splits on words and bracketed specials, assigning ids in
// first-seen order. It wraps every text in [CLS] ... [SEP]. Preload the
// vocabulary when ids must not depend on chunk scheduling.
type WordTokenizer struct {
	mu    sync.Mutex
	vocab map[string]int
	words []string
}

func NewWordTokenizer(preload ...string) *WordTokenizer {
	t := &WordTokenizer{vocab: map[string]int{}}
	for _, w := range []string{"[PAD]", "[CLS]", "[SEP]", "[MASK]", "[Q]", "[D]"} {
		t.id(w)
	}
	for _, text := range preload {
		for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
			t.id(w)
		}
	}
	return t
}

func (t *WordTokenizer) id(w string) int {
	if id, ok := t.vocab[w]; ok {
		return id
	}
	id := len(t.words)
	t.vocab[w] = id
	t.words = append(t.words, w)
	return id
}

func (t *WordTokenizer) TokenToID(token string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.vocab[token]
	return id, ok
}

func (t *WordTokenizer) IDToToken(id int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.words) {
		return "", false
	}
	return t.words[id], true
}

func (t *WordTokenizer) EncodeBatch(texts []string, p domain.TokenizePolicy) (*domain.TokenBatch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([][]int, len(texts))
	longest := 0
	for i, text := range texts {
		words := wordRe.FindAllString(strings.ToLower(text), -1)
		ids := []int{ClsID}
		for _, w := range words {
			if strings.HasPrefix(w, "[") {
				w = strings.ToUpper(w)
			}
			ids = append(ids, t.id(w))
		}
		if p.MaxLength > 1 && len(ids)+1 > p.MaxLength {
			ids = ids[:p.MaxLength-1]
		}
		ids = append(ids, SepID)
		rows[i] = ids
		if len(ids) > longest {
			longest = len(ids)
		}
	}

	seqLen, padID := longest, PadID
	if p.Padding == domain.PadFixed {
		seqLen, padID = p.MaxLength, p.PadID
	}

	b := &domain.TokenBatch{
		InputIDs:      make([]int64, len(texts)*seqLen),
		AttentionMask: make([]int64, len(texts)*seqLen),
		TokenTypeIDs:  make([]int64, len(texts)*seqLen),
		BatchSize:     len(texts),
		SeqLen:        seqLen,
	}
	for i, ids := range rows {
		for j := 0; j < seqLen; j++ {
			if j < len(ids) {
				b.InputIDs[i*seqLen+j] = int64(ids[j])
				b.AttentionMask[i*seqLen+j] = 1
			} else {
				b.InputIDs[i*seqLen+j] = int64(padID)
			}
		}
	}
	return b, nil
}

// OneHotModel maps token id k to Scale * e_(k mod Dim), so two tokens match
// exactly when their ids agree.
type OneHotModel struct {
	Dim   int
	Scale float32
	// FailOn makes Forward fail when a batch contains this id.
	FailOn int64
}

func (m *OneHotModel) Forward(b *domain.TokenBatch) (*tensor.Tensor3, error) {
	out := tensor.New3(b.BatchSize, b.SeqLen, m.Dim)
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	for i := 0; i < b.BatchSize; i++ {
		for j, id := range b.IDs(i) {
			if m.FailOn != 0 && id == m.FailOn {
				return nil, fmt.Errorf("forward failed on token %d", id)
			}
			out.Row(i, j)[int(id)%m.Dim] = scale
		}
	}
	return out, nil
}

// Identity is a projection that returns a copy of its input.
type Identity struct{}

func (Identity) Project(h *tensor.Tensor3) (*tensor.Tensor3, error) {
	return h.Clone(), nil
}
