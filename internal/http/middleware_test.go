package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{name: "forwarded single", headers: map[string]string{"X-Forwarded-For": "192.168.1.1"}, expected: "192.168.1.1"},
		{name: "forwarded takes first", headers: map[string]string{"X-Forwarded-For": "203.0.113.1 , 198.51.100.1"}, expected: "203.0.113.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "192.168.1.100"}, expected: "192.168.1.100"},
		{
			name:     "forwarded wins over real ip",
			headers:  map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "10.0.0.2"},
			expected: "10.0.0.1",
		},
		{name: "remote addr", remoteAddr: "172.16.0.9:51234", expected: "172.16.0.9"},
		{name: "ipv6 remote addr", remoteAddr: "[2001:db8::1]:443", expected: "2001:db8::1"},
		{name: "remote addr without port", remoteAddr: "unix", expected: "unix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.remoteAddr != "" {
				r.RemoteAddr = tt.remoteAddr
			}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			require.Equal(t, tt.expected, ExtractClientIP(r))
		})
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	var gotIP, gotID string
	h := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIP = ClientIPFromContext(r.Context())
		gotID = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	t.Run("keeps client request id", func(t *testing.T) {
		buf.Reset()
		r := httptest.NewRequest(http.MethodPost, "/auth/register", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7")
		r.Header.Set("X-Request-Id", "req-1")
		w := httptest.NewRecorder()

		h.ServeHTTP(w, r)

		assert.Equal(t, "203.0.113.7", gotIP)
		assert.Equal(t, "req-1", gotID)
		assert.Equal(t, "req-1", w.Header().Get("X-Request-Id"))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "/auth/register", entry["path"])
		assert.Equal(t, float64(http.StatusCreated), entry["status"])
		assert.Equal(t, "req-1", entry["request_id"])
	})

	t.Run("generates request id", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()

		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/me", nil))

		assert.NotEmpty(t, gotID)
		assert.Equal(t, gotID, w.Header().Get("X-Request-Id"))
	})
}

func TestContextAccessorsWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, ClientIPFromContext(r.Context()))
	assert.Empty(t, RequestIDFromContext(r.Context()))
}
