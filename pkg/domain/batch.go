package domain

// PaddingStrategy selects how a tokenized batch is padded.
type PaddingStrategy int

const (
	// PadBatchLongest pads every row to the longest row in the batch.
	PadBatchLongest PaddingStrategy = iota
	// PadFixed pads every row to TokenizePolicy.MaxLength.
	PadFixed
)

func (p PaddingStrategy) String() string {
	switch p {
	case PadFixed:
		return "fixed"
	default:
		return "batch_longest"
	}
}

// TokenizePolicy is the per-call tokenizer configuration. It is built fresh
// for every call and never stored on the tokenizer.
type TokenizePolicy struct {
	MaxLength int
	Padding   PaddingStrategy
	// pad id used when Padding is PadFixed
	PadID int
}

// TokenBatch holds the tokenizer output for one chunk, flattened row-major
// as [BatchSize * SeqLen].
type TokenBatch struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	BatchSize     int
	SeqLen        int
}

// Mask returns the attention mask row for example i.
func (b *TokenBatch) Mask(i int) []int64 {
	return b.AttentionMask[i*b.SeqLen : (i+1)*b.SeqLen]
}

// IDs returns the token id row for example i.
func (b *TokenBatch) IDs(i int) []int64 {
	return b.InputIDs[i*b.SeqLen : (i+1)*b.SeqLen]
}
