// Package metrics exposes Prometheus instrumentation for encode calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "colbert"

// Collector records encode activity. A nil *Collector is valid and records
// nothing.
type Collector struct {
	calls     *prometheus.CounterVec
	chunks    *prometheus.CounterVec
	sentences *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		calls:     createCounterVec("encode_calls_total", "Encode calls by input kind and outcome", []string{"kind", "status"}),
		chunks:    createCounterVec("encode_chunks_total", "Chunks passed through the forward pass", []string{"kind"}),
		sentences: createCounterVec("encode_sentences_total", "Sentences encoded", []string{"kind"}),
		duration:  createHistogramVec("encode_duration_seconds", "Wall time of encode calls", []string{"kind"}, prometheus.DefBuckets),
	}
	for _, col := range []prometheus.Collector{c.calls, c.chunks, c.sentences, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Kind maps the query flag to a label value.
func Kind(isQuery bool) string {
	if isQuery {
		return "query"
	}
	return "document"
}

// ObserveEncode records one finished encode call.
// Example: defer func() { m.ObserveEncode(start, "query", n, chunks, err) }()
func (c *Collector) ObserveEncode(start time.Time, kind string, sentences, chunks int, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.calls.WithLabelValues(kind, status).Inc()
	c.duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err == nil {
		c.sentences.WithLabelValues(kind).Add(float64(sentences))
		c.chunks.WithLabelValues(kind).Add(float64(chunks))
	}
}

func createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}
