package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toricodesthings/page-verification-service/internal/types"
)

func TestClientIP(t *testing.T) {
	trusted := clientResolver{trusted: []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.7/32"),
	}}

	tests := []struct {
		name     string
		resolver clientResolver
		remote   string
		xff      string
		realIP   string
		want     string
	}{
		{name: "untrusted peer ignores headers", remote: "203.0.113.5:4000", xff: "1.2.3.4", realIP: "5.6.7.8", want: "203.0.113.5"},
		{name: "no proxies configured", resolver: clientResolver{}, remote: "10.1.1.1:80", xff: "1.2.3.4", want: "10.1.1.1"},
		{name: "trusted peer uses forwarded client", resolver: trusted, remote: "10.1.1.1:80", xff: "198.51.100.2", want: "198.51.100.2"},
		{name: "spoofed leftmost hop is skipped", resolver: trusted, remote: "10.1.1.1:80", xff: "6.6.6.6, 198.51.100.2, 10.2.2.2", want: "198.51.100.2"},
		{name: "garbage hop stops the walk", resolver: trusted, remote: "10.1.1.1:80", xff: "198.51.100.2, nonsense", realIP: "198.51.100.9", want: "198.51.100.9"},
		{name: "all hops trusted falls back to real ip", resolver: trusted, remote: "192.0.2.7:80", xff: "10.0.0.3", realIP: "198.51.100.3", want: "198.51.100.3"},
		{name: "trusted peer without headers", resolver: trusted, remote: "10.1.1.1:80", want: "10.1.1.1"},
		{name: "mapped peer address", resolver: trusted, remote: "[::ffff:10.1.1.1]:80", xff: "198.51.100.2", want: "198.51.100.2"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", xff: "1.2.3.4", want: "2001:db8::1"},
		{name: "unparseable remote addr", remote: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, tt.resolver.clientIP(req))
		})
	}
}

func TestRecoveryBeforeResponse(t *testing.T) {
	h := newHarness(t, stubEngine{lines: pageLines}, nil)
	handler := h.srv.withLogging(withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body types.ErrorResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
	assert.False(t, body.Success)
}

func TestRecoveryAfterPartialResponse(t *testing.T) {
	h := newHarness(t, stubEngine{lines: pageLines}, nil)
	handler := h.srv.withLogging(withRecovery(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("partial"))
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestRecoveryRepanicsAbort(t *testing.T) {
	handler := withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestStatusRecorder(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	assert.Equal(t, http.StatusOK, rec.statusCode())

	_, _ = rec.Write([]byte("abc"))
	rec.WriteHeader(http.StatusTeapot)
	_, _ = rec.Write([]byte("de"))

	assert.Equal(t, http.StatusOK, rec.statusCode(), "first status wins")
	assert.Equal(t, int64(5), rec.bytes)
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"c": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	var body types.ErrorResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
}

func TestWriteErrBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, http.StatusTeapot, "short", "I'm a teapot")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"I'm a teapot","code":"short"}`, rec.Body.String())
}

func TestSanitizeLogString(t *testing.T) {
	assert.Equal(t, "/bookfake 200", sanitizeLogString("/book\r\nfake 200"))
	assert.Equal(t, "tab", sanitizeLogString("t\ta\x1bb"))

	long := strings.Repeat("è", 250)
	got := sanitizeLogString(long)
	assert.Equal(t, strings.Repeat("è", 200)+"...", got)
}
