package tensor

// Tensor4 is a [Queries, Documents, QueryTokens, DocumentTokens] score tensor.
type Tensor4 struct {
	Data           []float32
	Queries        int
	Documents      int
	QueryTokens    int
	DocumentTokens int
}

func New4(q, d, qt, dt int) *Tensor4 {
	return &Tensor4{
		Data:           make([]float32, q*d*qt*dt),
		Queries:        q,
		Documents:      d,
		QueryTokens:    qt,
		DocumentTokens: dt,
	}
}

// Matrix returns the [QueryTokens*DocumentTokens] block for pair (q, d).
func (t *Tensor4) Matrix(q, d int) []float32 {
	stride := t.QueryTokens * t.DocumentTokens
	off := (q*t.Documents + d) * stride
	return t.Data[off : off+stride]
}

// At returns the score of query token i against document token j.
func (t *Tensor4) At(q, d, i, j int) float32 {
	return t.Matrix(q, d)[i*t.DocumentTokens+j]
}

// Nested converts to [q][d][qt][dt] for serialization.
func (t *Tensor4) Nested() [][][][]float32 {
	out := make([][][][]float32, t.Queries)
	for q := 0; q < t.Queries; q++ {
		out[q] = make([][][]float32, t.Documents)
		for d := 0; d < t.Documents; d++ {
			m := t.Matrix(q, d)
			rows := make([][]float32, t.QueryTokens)
			for i := range rows {
				row := make([]float32, t.DocumentTokens)
				copy(row, m[i*t.DocumentTokens:(i+1)*t.DocumentTokens])
				rows[i] = row
			}
			out[q][d] = rows
		}
	}
	return out
}
