package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knockd/internal/knock"
)

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry("knockd", "verify")
	c := r.RegisterCounter("requests_total", "Requests", nil)
	assert.Equal(t, "knockd_verify_requests_total", c.name)
	assert.Same(t, c, r.RegisterCounter("requests_total", "ignored", nil))

	assert.Equal(t, "plain", NewRegistry("", "").fullName("plain"))
}

func TestGauge(t *testing.T) {
	g := NewRegistry("", "").RegisterGauge("g", "", nil)
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Add(-2)
	assert.Equal(t, int64(3), g.Value())
}

func TestHistogram_InclusiveBuckets(t *testing.T) {
	r := NewRegistry("", "")
	h := r.RegisterHistogram("errs", "Errors", nil, []float64{2, 0, 1})

	for _, v := range []float64{0, 1, 1, 2, 7} {
		h.Observe(v)
	}
	assert.Equal(t, uint64(5), h.Count())
	assert.Equal(t, 11.0, h.Sum())

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, `errs_bucket{le="0"} 1`)
	assert.Contains(t, out, `errs_bucket{le="1"} 3`)
	assert.Contains(t, out, `errs_bucket{le="2"} 4`)
	assert.Contains(t, out, `errs_bucket{le="+Inf"} 5`)
	assert.Contains(t, out, "errs_count 5")
}

func TestWritePrometheus_SortedWithLabels(t *testing.T) {
	r := NewRegistry("k", "")
	r.RegisterCounter("b_total", "B", nil).Add(2)
	r.RegisterCounter("a_total", "A", Labels{"route": "verify", "method": "POST"}).Inc()
	r.RegisterHistogram("lat", "Latency", Labels{"route": "verify"}, []float64{1}).Observe(0.5)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Less(t, strings.Index(out, "k_a_total"), strings.Index(out, "k_b_total"))
	assert.Contains(t, out, `k_a_total{method="POST",route="verify"} 1`)
	assert.Contains(t, out, "# TYPE k_b_total counter")
	assert.Contains(t, out, `k_lat_bucket{route="verify",le="1"} 1`)
	assert.Contains(t, out, `k_lat_count{route="verify"} 1`)
}

func TestWriteJSON(t *testing.T) {
	r := NewRegistry("k", "")
	r.RegisterCounter("hits_total", "Hits", nil).Add(3)
	r.RegisterHistogram("lat", "Latency", nil, []float64{1}).Observe(2)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var got map[string]struct {
		Type    string            `json:"type"`
		Value   float64           `json:"value"`
		Buckets map[string]uint64 `json:"buckets"`
		Count   uint64            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "counter", got["k_hits_total"].Type)
	assert.Equal(t, 3.0, got["k_hits_total"].Value)
	assert.Equal(t, uint64(0), got["k_lat"].Buckets["1"])
	assert.Equal(t, uint64(1), got["k_lat"].Buckets["+Inf"])
	assert.Equal(t, uint64(1), got["k_lat"].Count)
}

func TestReset(t *testing.T) {
	r := NewRegistry("", "")
	c := r.RegisterCounter("c", "", nil)
	h := r.RegisterHistogram("h", "", nil, nil)
	c.Inc()
	h.Observe(0.2)

	r.Reset()
	assert.Zero(t, c.Value())
	assert.Zero(t, h.Count())
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("k", "")
	r.RegisterCounter("up_total", "Up", nil).Inc()
	h := r.HTTPHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "k_up_total 1")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, json.Valid(rec.Body.Bytes()))
}

func TestKnockdMetrics_ObserveResult(t *testing.T) {
	m := NewKnockdMetrics(nil)

	m.ObserveResult(knock.Result{Match: true}, 3*time.Millisecond)
	m.ObserveResult(knock.Result{Errors: 2}, time.Millisecond)
	m.ObserveResult(knock.Result{LengthMismatch: true}, time.Millisecond)

	assert.Equal(t, uint64(3), m.VerificationsTotal.Value())
	assert.Equal(t, uint64(1), m.MatchesTotal.Value())
	assert.Equal(t, uint64(2), m.RejectionsTotal.Value())
	assert.Equal(t, uint64(2), m.VerificationErrors.Count())
	assert.Equal(t, 2.0, m.VerificationErrors.Sum())
	assert.Equal(t, uint64(3), m.VerifyDuration.Count())

	var buf bytes.Buffer
	require.NoError(t, m.Registry().WritePrometheus(&buf))
	assert.Contains(t, buf.String(), "knockd_matches_total 1")
}

type fakeTimer struct{ fire func() }

func (f *fakeTimer) Reset(fn func()) { f.fire = fn }
func (f *fakeTimer) Stop() { f.fire = nil }

func TestKnockdMetrics_Instrument(t *testing.T) {
	timer := &fakeTimer{}
	opts := knock.DefaultOptions()
	opts.NewTimer = func(time.Duration) knock.IdleTimer { return timer }
	s, err := knock.NewSession(opts)
	require.NoError(t, err)
	defer s.Close()

	m := NewKnockdMetrics(nil)
	m.Instrument(s)

	require.NoError(t, s.RecordTap(0))
	require.NoError(t, s.RecordTap(100))
	timer.fire()

	assert.Equal(t, uint64(2), m.KnocksTotal.Value())
	assert.Equal(t, uint64(1), m.GesturesTotal.Value())
}
