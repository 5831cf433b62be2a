package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	VectorsEncodedTotal.WithLabelValues("pq").Add(100)
	CompressionRatio.WithLabelValues("int8").Set(4)
	DistinctPQCodes.Set(42)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["compressor_vectors_encoded_total"])
	assert.True(t, names["compressor_compression_ratio"])
	assert.True(t, names["compressor_distinct_pq_codes_estimate"])
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	reg.MustRegister(g)
	g.Set(3)

	require.NoError(t, pushFrom(context.Background(), reg, srv.URL, "compress"))
	assert.Equal(t, "/metrics/job/compress", gotPath)
	assert.True(t, strings.Contains(gotBody, "test_gauge"), "pushed body should carry the gauge")
}

func TestPush_Disabled(t *testing.T) {
	assert.NoError(t, Push(context.Background(), "", "compress"))
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := pushFrom(context.Background(), prometheus.NewRegistry(), srv.URL, "train")
	assert.Error(t, err)
}
