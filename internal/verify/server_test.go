package verify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knockd/internal/knock"
	"knockd/internal/logging"
	"knockd/internal/metrics"
	"knockd/internal/security"
	"knockd/internal/store"
)

// shave-and-a-haircut, normalized to [0, 1/3, 1/2, 2/3, 1]
var (
	referenceTaps = []int64{0, 500, 750, 1000, 1500}
	closeTaps     = []int64{10000, 10510, 10740, 11000, 11500}
	sloppyTaps    = []int64{0, 700, 750, 1000, 1500}
)

type fixture struct {
	srv     *Server
	handler http.Handler
	metrics *metrics.KnockdMetrics
}

func newFixture(t *testing.T, origins ...string) *fixture {
	t.Helper()
	return newFixtureWith(t, Options{AllowedOrigins: origins})
}

func newFixtureWith(t *testing.T, opts Options) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logCfg := logging.DefaultConfig()
	logCfg.Output = "discard"
	log, err := logging.New(logCfg)
	require.NoError(t, err)

	m := metrics.NewKnockdMetrics(metrics.NewRegistry("knockd", ""))
	opts.Store = st
	opts.Policy = knock.DefaultPolicy()
	opts.Metrics = m
	opts.Logger = log
	srv, err := New(opts)
	require.NoError(t, err)
	return &fixture{srv: srv, handler: srv.Handler(), metrics: m}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T, body map[string]any) PatternResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/patterns", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p PatternResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func (f *fixture) verify(t *testing.T, id string, body map[string]any) VerifyResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/patterns/"+id+"/verify", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Error
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{Policy: knock.DefaultPolicy()})
	assert.Error(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	defer st.Close()
	_, err = New(Options{Store: st, Policy: knock.Policy{Threshold: 0}})
	assert.ErrorIs(t, err, knock.ErrInvalidThreshold)
}

func TestCreateAndGetPattern(t *testing.T) {
	f := newFixture(t)

	p := f.create(t, map[string]any{"name": "front-door", "taps": referenceTaps})
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "front-door", p.Name)
	assert.Equal(t, 5, p.Length)
	assert.Len(t, p.Digest, 64)

	rec := f.do(t, http.MethodGet, "/patterns/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "beats")
	assert.NotContains(t, rec.Body.String(), "0.333")

	f.create(t, map[string]any{"name": "back-door", "beats": []float64{0, 0.5, 1}, "threshold": 0.1})
	rec = f.do(t, http.MethodGet, "/patterns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []PatternResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "back-door", list[0].Name)
	require.NotNil(t, list[0].Threshold)
	assert.Equal(t, 0.1, *list[0].Threshold)

	assert.Equal(t, int64(2), f.metrics.PatternsStored.Value())
	assert.Equal(t, uint64(2), f.metrics.PatternsRecordedTotal.Value())
}

func TestCreatePattern_Rejects(t *testing.T) {
	f := newFixture(t)
	f.create(t, map[string]any{"name": "taken", "taps": referenceTaps})

	tests := []struct {
		name   string
		body   map[string]any
		status int
		detail string
	}{
		{"duplicate name", map[string]any{"name": "taken", "taps": referenceTaps}, http.StatusConflict, "already exists"},
		{"no name", map[string]any{"taps": referenceTaps}, http.StatusBadRequest, "name"},
		{"no gesture", map[string]any{"name": "x"}, http.StatusBadRequest, "taps or beats"},
		{"both sources", map[string]any{"name": "x", "taps": []int64{0, 1}, "beats": []float64{0, 1}}, http.StatusBadRequest, "taps or beats"},
		{"out of order", map[string]any{"name": "x", "taps": []int64{0, 500, 400}}, http.StatusBadRequest, "out of order"},
		{"beats out of range", map[string]any{"name": "x", "beats": []float64{0, 1.5}}, http.StatusBadRequest, "[0,1]"},
		{"beats not normalized", map[string]any{"name": "x", "beats": []float64{0.2, 0.4, 0.7}}, http.StatusBadRequest, "starting at 0"},
		{"single off-origin beat", map[string]any{"name": "x", "beats": []float64{0.5}}, http.StatusBadRequest, "starting at 0"},
		{"bad threshold", map[string]any{"name": "x", "taps": referenceTaps, "threshold": 0}, http.StatusBadRequest, "threshold"},
		{"unknown field", map[string]any{"name": "x", "taps": referenceTaps, "tempo": 120}, http.StatusBadRequest, "unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/patterns", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, detail(t, rec), tt.detail)
		})
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, map[string]any{"name": "door", "taps": referenceTaps})

	v := f.verify(t, p.ID, map[string]any{"taps": closeTaps})
	assert.True(t, v.Match)
	assert.Zero(t, v.Errors)
	assert.Equal(t, knock.DefaultPolicy(), v.Policy)
	assert.NotZero(t, v.AttemptID)

	v = f.verify(t, p.ID, map[string]any{"taps": sloppyTaps})
	assert.False(t, v.Match)
	assert.Equal(t, 1, v.Errors)

	v = f.verify(t, p.ID, map[string]any{"taps": []int64{0, 500, 1000}})
	assert.False(t, v.Match)
	assert.True(t, v.LengthMismatch)

	assert.Equal(t, uint64(3), f.metrics.VerificationsTotal.Value())
	assert.Equal(t, uint64(1), f.metrics.MatchesTotal.Value())
	assert.Equal(t, uint64(2), f.metrics.RejectionsTotal.Value())
}

func TestVerify_PolicyPrecedence(t *testing.T) {
	f := newFixture(t)
	plain := f.create(t, map[string]any{"name": "plain", "taps": referenceTaps})
	loose := f.create(t, map[string]any{"name": "loose", "taps": referenceTaps, "threshold": 0.2})

	// Server default rejects the sloppy knock.
	assert.False(t, f.verify(t, plain.ID, map[string]any{"taps": sloppyTaps}).Match)

	// Pattern override beats the server default.
	v := f.verify(t, loose.ID, map[string]any{"taps": sloppyTaps})
	assert.True(t, v.Match)
	assert.Equal(t, 0.2, v.Policy.Threshold)

	// Request override beats the pattern override.
	v = f.verify(t, loose.ID, map[string]any{"taps": sloppyTaps, "threshold": 0.01})
	assert.False(t, v.Match)

	// An explicit zero is an override, not "unset".
	v = f.verify(t, plain.ID, map[string]any{"taps": sloppyTaps, "allowed_errors": 1})
	assert.True(t, v.Match)
	v = f.verify(t, plain.ID, map[string]any{"taps": closeTaps, "allowed_errors": 0})
	assert.True(t, v.Match)
	assert.Equal(t, 0, v.Policy.AllowedErrors)

	// A reloaded server default applies to later requests.
	require.NoError(t, f.srv.SetPolicy(knock.Policy{Threshold: knock.LenientThreshold, AllowedErrors: 1}))
	v = f.verify(t, plain.ID, map[string]any{"taps": sloppyTaps})
	assert.True(t, v.Match)
	assert.Equal(t, 1, v.Policy.AllowedErrors)

	assert.Error(t, f.srv.SetPolicy(knock.Policy{Threshold: -1}))
	assert.Equal(t, knock.LenientThreshold, f.srv.Policy().Threshold)

	rec := f.do(t, http.MethodPost, "/patterns/"+plain.ID+"/verify", map[string]any{"taps": sloppyTaps, "allowed_errors": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerify_Lockout(t *testing.T) {
	f := newFixtureWith(t, Options{Lockout: security.NewLockout(2, time.Minute)})
	door := f.create(t, map[string]any{"name": "door", "taps": referenceTaps})
	other := f.create(t, map[string]any{"name": "other", "taps": referenceTaps})

	assert.False(t, f.verify(t, door.ID, map[string]any{"taps": sloppyTaps}).Match)
	assert.True(t, f.verify(t, door.ID, map[string]any{"taps": closeTaps}).Match, "success resets the count")
	assert.False(t, f.verify(t, door.ID, map[string]any{"taps": sloppyTaps}).Match)
	assert.False(t, f.verify(t, door.ID, map[string]any{"taps": sloppyTaps}).Match)
	assert.Equal(t, uint64(1), f.metrics.LockoutsTotal.Value())

	rec := f.do(t, http.MethodPost, "/patterns/"+door.ID+"/verify", map[string]any{"taps": closeTaps})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, detail(t, rec), "too many failed attempts")

	assert.True(t, f.verify(t, other.ID, map[string]any{"taps": closeTaps}).Match, "other patterns unaffected")
}

func TestVerify_LockoutHoldsUnderParallelGuesses(t *testing.T) {
	const maxFailures, guesses = 3, 12
	f := newFixtureWith(t, Options{Lockout: security.NewLockout(maxFailures, time.Minute)})
	door := f.create(t, map[string]any{"name": "door", "taps": referenceTaps})

	body, err := json.Marshal(map[string]any{"taps": sloppyTaps})
	require.NoError(t, err)

	codes := make(chan int, guesses)
	var wg sync.WaitGroup
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/patterns/"+door.ID+"/verify", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	var evaluated, refused int
	for code := range codes {
		switch code {
		case http.StatusOK:
			evaluated++
		case http.StatusTooManyRequests:
			refused++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	assert.LessOrEqual(t, evaluated, maxFailures)
	assert.Equal(t, guesses, evaluated+refused)
	assert.LessOrEqual(t, f.metrics.VerificationsTotal.Value(), uint64(maxFailures))

	rec := f.do(t, http.MethodPost, "/patterns/"+door.ID+"/verify", map[string]any{"taps": closeTaps})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "the right knock is refused while locked")
}

func TestAttempts(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, map[string]any{"name": "door", "taps": referenceTaps})

	f.verify(t, p.ID, map[string]any{"taps": closeTaps})
	f.verify(t, p.ID, map[string]any{"taps": sloppyTaps})
	f.verify(t, p.ID, map[string]any{"beats": []float64{0, 1}})

	rec := f.do(t, http.MethodGet, "/patterns/"+p.ID+"/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts []AttemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	require.Len(t, attempts, 3)
	assert.True(t, attempts[0].LengthMismatch, "newest first")
	assert.Equal(t, 1, attempts[1].Errors)
	assert.True(t, attempts[2].Matched)

	rec = f.do(t, http.MethodGet, "/patterns/"+p.ID+"/attempts?limit=1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	assert.Len(t, attempts, 1)

	rec = f.do(t, http.MethodGet, "/patterns/"+p.ID+"/attempts?limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePattern(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, map[string]any{"name": "door", "taps": referenceTaps})

	rec := f.do(t, http.MethodDelete, "/patterns/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, f.metrics.PatternsStored.Value())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/patterns/" + p.ID},
		{http.MethodDelete, "/patterns/" + p.ID},
		{http.MethodGet, "/patterns/" + p.ID + "/attempts"},
	} {
		rec := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Contains(t, detail(t, rec), "not found")
	}

	rec = f.do(t, http.MethodPost, "/patterns/"+p.ID+"/verify", map[string]any{"taps": closeTaps})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.create(t, map[string]any{"name": "door", "taps": referenceTaps})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"store"`)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "knockd_patterns_stored 1")
}

func TestRouting(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", detail(t, rec))

	rec = f.do(t, http.MethodPut, "/patterns", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/patterns", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))

	rec = f.do(t, http.MethodGet, "/patterns", nil)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestCORS(t *testing.T) {
	f := newFixture(t, "https://door.example")

	req := httptest.NewRequest(http.MethodOptions, "/patterns", nil)
	req.Header.Set("Origin", "https://door.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://door.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/patterns", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
