package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveEncode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)

	c.ObserveEncode(time.Now(), Kind(true), 5, 2, nil)
	c.ObserveEncode(time.Now(), Kind(false), 3, 1, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("query", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("document", "error")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.sentences.WithLabelValues("query")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunks.WithLabelValues("query")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sentences.WithLabelValues("document")))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewCollector(reg)
	require.NoError(t, err)
	_, err = NewCollector(reg)
	assert.Error(t, err)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveEncode(time.Now(), "query", 1, 1, nil)
	})
}
