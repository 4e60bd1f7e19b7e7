// Package pooling reduces the number of token vectors stored per document.
package pooling

import (
	"context"
	"math"
	"runtime"
	"sort"

	"github.com/comfforts/logger"
	"golang.org/x/sync/errgroup"

	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

// Pooler merges similar token vectors of each document. Implementations never
// increase the token count.
type Pooler interface {
	Pool(ctx context.Context, docs *tensor.Tensor3, poolFactor int) (*tensor.Tensor3, error)
}

// Hierarchical clusters each document's tokens with Ward linkage on cosine
// distance and replaces every cluster with its mean vector.
type Hierarchical struct {
	// max documents clustered at once, 0 means runtime.NumCPU()
	Workers int
}

var _ Pooler = Hierarchical{}

// Pool keeps max(1, n/poolFactor) vectors per document, n being the number of
// non-zero rows. Results are re-padded with zero rows to the batch maximum.
// poolFactor <= 1 and batches without tokens return docs unchanged.
func (h Hierarchical) Pool(ctx context.Context, docs *tensor.Tensor3, poolFactor int) (*tensor.Tensor3, error) {
	if docs == nil {
		return nil, domain.OperationError("pool", "embeddings cannot be nil")
	}
	if err := docs.Validate(); err != nil {
		return nil, domain.OperationError("pool", "%w", err)
	}
	if poolFactor <= 1 || docs.Batch == 0 || docs.Tokens == 0 {
		return docs, nil
	}

	l, err := logger.LoggerFromContext(ctx)
	if err != nil {
		l = logger.GetSlogLogger()
	}

	workers := h.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	pooled := make([][][]float32, docs.Batch)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for b := 0; b < docs.Batch; b++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pooled[b] = poolDocument(nonZeroRows(docs, b), poolFactor)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.UpstreamError("pool", err)
	}

	tokens := 1
	for _, rows := range pooled {
		tokens = max(tokens, len(rows))
	}
	out := tensor.New3(docs.Batch, tokens, docs.Dim)
	for b, rows := range pooled {
		for i, r := range rows {
			copy(out.Row(b, i), r)
		}
	}

	l.Debug("Hierarchical:Pool - done", "documents", docs.Batch, "tokens_in", docs.Tokens, "tokens_out", tokens, "pool_factor", poolFactor)
	return out, nil
}

func nonZeroRows(docs *tensor.Tensor3, b int) [][]float32 {
	rows := make([][]float32, 0, docs.Tokens)
	for i := 0; i < docs.Tokens; i++ {
		r := docs.Row(b, i)
		for _, v := range r {
			if v != 0 {
				rows = append(rows, r)
				break
			}
		}
	}
	return rows
}

// poolDocument returns the cluster means ordered by the first token of each
// cluster.
func poolDocument(rows [][]float32, poolFactor int) [][]float32 {
	n := len(rows)
	if n == 0 {
		return nil
	}
	target := max(1, n/poolFactor)
	if target >= n {
		out := make([][]float32, n)
		for i, r := range rows {
			out[i] = append([]float32(nil), r...)
		}
		return out
	}

	labels := wardClusters(rows, target)

	groups := map[int][]int{}
	for i, c := range labels {
		groups[c] = append(groups[c], i)
	}
	members := make([][]int, 0, len(groups))
	for _, m := range groups {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i][0] < members[j][0] })

	dim := len(rows[0])
	out := make([][]float32, len(members))
	for k, m := range members {
		mean := make([]float64, dim)
		for _, i := range m {
			for d, v := range rows[i] {
				mean[d] += float64(v)
			}
		}
		vec := make([]float32, dim)
		for d := range mean {
			vec[d] = float32(mean[d] / float64(len(m)))
		}
		out[k] = vec
	}
	return out
}

// wardClusters runs agglomerative clustering until target clusters remain and
// returns a cluster label per row. Distances are updated with the
// Lance-Williams formula for Ward linkage.
func wardClusters(rows [][]float32, target int) []int {
	n := len(rows)
	norms := make([]float64, n)
	for i, r := range rows {
		norms[i] = tensor.Norm(r)
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1.0
			if norms[i] > 0 && norms[j] > 0 {
				d = 1 - float64(tensor.Dot(rows[i], rows[j]))/(norms[i]*norms[j])
			}
			d = math.Max(d, 0)
			dist[i][j], dist[j][i] = d, d
		}
	}

	size := make([]int, n)
	active := make([]bool, n)
	labels := make([]int, n)
	for i := range size {
		size[i], active[i], labels[i] = 1, true, i
	}

	for clusters := n; clusters > target; clusters-- {
		a, b, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && dist[i][j] < best {
					a, b, best = i, j, dist[i][j]
				}
			}
		}

		na, nb := float64(size[a]), float64(size[b])
		for k := 0; k < n; k++ {
			if !active[k] || k == a || k == b {
				continue
			}
			nk := float64(size[k])
			d := ((na+nk)*dist[a][k] + (nb+nk)*dist[b][k] - nk*best) / (na + nb + nk)
			dist[a][k], dist[k][a] = d, d
		}
		size[a] += size[b]
		active[b] = false
		for i, c := range labels {
			if c == b {
				labels[i] = a
			}
		}
	}
	return labels
}
