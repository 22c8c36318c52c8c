package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkiv/chain-event-relay/internal/record"
	"github.com/arkiv/chain-event-relay/internal/store"
)

type failingBackend struct {
	err error
}

func (f failingBackend) ListAll(context.Context, string) ([]record.Record, error) { return nil, f.err }
func (f failingBackend) Ping(context.Context) error                              { return f.err }

func newTestRouter(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = store.NewMemory()
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(cfg)
}

func do(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEmptyCollectionIsEmptyArray(t *testing.T) {
	w := do(newTestRouter(t, Config{}), http.MethodGet, "/api/tickets-entries", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListEntriesReturnsStoredRecordsInOrder(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	for _, amount := range []string{"500", "7"} {
		_, err := mem.Append(ctx, record.Record{
			Collection:      "burns",
			SourceEventType: record.KindAmountRecorded,
			SourceID:        "0xabcdef:" + amount,
			Payload: record.Payload{
				{Name: "actor", Value: "0x00000000000000000000000000000000000000AA"},
				{Name: "amount", Value: json.Number(amount)},
			},
			Timestamp: 1_700_000_000,
		})
		require.NoError(t, err)
	}

	w := do(newTestRouter(t, Config{Backend: mem}), http.MethodGet, "/api/burns-entries", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"actor":"0x00000000000000000000000000000000000000AA","amount":500}`, string(got[0]["payload"]))
	assert.JSONEq(t, `"amount-recorded"`, string(got[0]["sourceEventType"]))
	assert.JSONEq(t, `"burns"`, string(got[1]["collection"]))
	assert.JSONEq(t, `2`, string(got[1]["ingestionSequence"]))
	assert.True(t, strings.Index(w.Body.String(), `"actor"`) < strings.Index(w.Body.String(), `"amount"`))
}

func TestNeverWrittenCollectionIsEmptyArray(t *testing.T) {
	w := do(newTestRouter(t, Config{}), http.MethodGet, "/api/x-entries", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestMalformedCollectionIs404(t *testing.T) {
	h := newTestRouter(t, Config{})
	for _, target := range []string{"/api/Burns-entries", "/api/a.b-entries", "/api/" + strings.Repeat("a", 65) + "-entries"} {
		w := do(h, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, target)
		assert.JSONEq(t, `{"error":{"code":"invalid_collection","message":"malformed collection name"}}`, w.Body.String(), target)
	}
}

func TestQueryErrorIs500(t *testing.T) {
	backend := failingBackend{err: &store.QueryError{Kind: store.ConnectionUnavailable, Collection: "burns", Err: errors.New("connection reset")}}
	w := do(newTestRouter(t, Config{Backend: backend}), http.MethodGet, "/api/burns-entries", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "query_failed", body.Error.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestQueryTimeoutCode(t *testing.T) {
	backend := failingBackend{err: &store.QueryError{Kind: store.Timeout, Collection: "burns", Err: context.DeadlineExceeded}}
	w := do(newTestRouter(t, Config{Backend: backend}), http.MethodGet, "/api/burns-entries", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "query_timeout")
}

func TestProbes(t *testing.T) {
	h := newTestRouter(t, Config{})
	w := do(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())

	w = do(h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestRouter(t, Config{Backend: failingBackend{err: errors.New("closed")}})
	w = do(down, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(down, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestIDIsEchoedOrAssigned(t *testing.T) {
	h := newTestRouter(t, Config{})

	w := do(h, http.MethodGet, "/healthz", map[string]string{headerRequestID: "abc-123"})
	assert.Equal(t, "abc-123", w.Header().Get(headerRequestID))

	w = do(h, http.MethodGet, "/healthz", nil)
	assert.Len(t, w.Header().Get(headerRequestID), 36)
}

// httptest requests come from 192.0.2.1.
var testProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24"), netip.MustParsePrefix("10.0.0.0/8")}

func TestRateLimitPerClientIP(t *testing.T) {
	h := newTestRouter(t, Config{RateLimit: 0.001, RateBurst: 2, TrustedProxies: testProxies})
	from := func(ip string) *httptest.ResponseRecorder {
		return do(h, http.MethodGet, "/api/burns-entries", map[string]string{"X-Forwarded-For": ip + ", 10.0.0.1"})
	}

	assert.Equal(t, http.StatusOK, from("203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, from("203.0.113.7").Code)
	limited := from("203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusOK, from("198.51.100.4").Code)
	// Probes are outside the limited API.
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", map[string]string{"X-Forwarded-For": "203.0.113.7"}).Code)
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	h := newTestRouter(t, Config{RateLimit: 0.001, RateBurst: 2})
	claiming := func(ip string) int {
		return do(h, http.MethodGet, "/api/burns-entries", map[string]string{"X-Forwarded-For": ip}).Code
	}

	assert.Equal(t, http.StatusOK, claiming("203.0.113.1"))
	assert.Equal(t, http.StatusOK, claiming("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, claiming("203.0.113.3"))
}

func TestCORS(t *testing.T) {
	h := newTestRouter(t, Config{})

	w := do(h, http.MethodGet, "/api/burns-entries", map[string]string{"Origin": "https://example.org"})
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(h, http.MethodOptions, "/api/burns-entries", map[string]string{
		"Origin":                        "https://example.org",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestMetricsUseRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestRouter(t, Config{Registry: reg})
	do(h, http.MethodGet, "/api/burns-entries", nil)

	w := do(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `path="/api/{collection}-entries"`)
	assert.NotContains(t, w.Body.String(), `path="/api/burns-entries"`)
}

func TestStaticFilesServed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>relay</h1>"), 0o644))

	h := newTestRouter(t, Config{StaticDir: dir})
	w := do(h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay")

	w = do(h, http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {204, "2xx"}, {301, "3xx"}, {404, "4xx"}, {429, "4xx"}, {500, "5xx"}, {503, "5xx"}, {100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusLabel(tt.code), "code %d", tt.code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"direct", "198.51.100.1:5555", "", "198.51.100.1"},
		{"direct ipv6", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"untrusted peer forwarded header ignored", "198.51.100.1:5555", "203.0.113.9", "198.51.100.1"},
		{"trusted proxy", "10.0.0.5:80", "203.0.113.9", "203.0.113.9"},
		{"spoofed leftmost entry ignored", "10.0.0.5:80", "1.2.3.4, 203.0.113.9", "203.0.113.9"},
		{"chain of trusted proxies", "10.0.0.5:80", " 203.0.113.9 , 10.0.0.7, 10.0.0.6", "203.0.113.9"},
		{"all hops trusted", "10.0.0.5:80", "10.0.0.9", "10.0.0.9"},
		{"garbage hop", "10.0.0.5:80", "203.0.113.9, bogus", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(r, testProxies))
		})
	}
}
