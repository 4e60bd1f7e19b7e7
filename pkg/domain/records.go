package domain

// EncodeInput is the JSON request for an encode call.
type EncodeInput struct {
	Sentences []string `json:"sentences" yaml:"sentences"`
	BatchSize *int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// EncodeOutput holds embeddings shaped [batch][tokens][dim].
type EncodeOutput struct {
	Embeddings [][][]float32 `json:"embeddings" yaml:"embeddings"`
}

// SimilarityInput is the JSON request for similarity calls.
type SimilarityInput struct {
	Queries   []string `json:"queries" yaml:"queries"`
	Documents []string `json:"documents" yaml:"documents"`
}

// Similarities is the MaxSim score matrix [queries][documents].
type Similarities struct {
	Data [][]float32 `json:"data" yaml:"data"`
}

// RawSimilarityOutput is the unreduced score tensor
// [queries][documents][query tokens][document tokens] with the decoded
// token strings for each side.
type RawSimilarityOutput struct {
	SimilarityMatrix [][][][]float32 `json:"similarity_matrix" yaml:"similarity_matrix"`
	QueryTokens      [][]string      `json:"query_tokens" yaml:"query_tokens"`
	DocumentTokens   [][]string      `json:"document_tokens" yaml:"document_tokens"`
}

// PoolingInput is the JSON request for token pooling.
type PoolingInput struct {
	Embeddings [][][]float32 `json:"embeddings" yaml:"embeddings"`
	PoolFactor int           `json:"pool_factor" yaml:"pool_factor"`
}
