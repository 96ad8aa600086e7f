package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_RelaysBufferedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Custom", "kept")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream bytes"))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, "")
	req := httptest.NewRequest("GET", "/chat/file", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "upstream bytes", w.Body.String())
	assert.Equal(t, "kept", w.Header().Get("X-Custom"))
}

func TestHandler_Upstream4xxRelayedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, "")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/missing/page", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not here")
}

func TestHandler_Upstream5xxBecomes502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal details that must not leak", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, "")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/chat/page", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error": "Bad Gateway"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "internal details")
}

func TestHandler_UnreachableUpstreamBecomes502(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // connection refused from here on

	h := testHandler(t, upstream.URL, "")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/chat/page", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error": "Bad Gateway"}`, w.Body.String())
}

func TestHandler_HTMLRewritten(t *testing.T) {
	const page = `<!DOCTYPE html><html><head><title>RAGFlow</title></head><body>hi</body></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Write([]byte(page))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, `{"agentA": "width=600"}`)
	req := httptest.NewRequest("GET", "/chat/page?key=agentA", nil)
	req.Host = "gateway.local"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	// Script lands at the start of <head>, before any original content.
	scriptIdx := strings.Index(body, "<script>")
	titleIdx := strings.Index(body, "<title>")
	require.NotEqual(t, -1, scriptIdx)
	require.NotEqual(t, -1, titleIdx)
	assert.Less(t, scriptIdx, titleIdx)
	assert.Contains(t, body, `"width":"600"`)

	// Frame-blocking headers are gone; the gateway's own policy is in place.
	assert.Empty(t, w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "unsafe-inline")
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")

	// Merged params are cached for the next page load.
	var paramsCookieSet bool
	for _, c := range w.Result().Cookies() {
		if c.Name == ParamsCookieName {
			paramsCookieSet = true
		}
	}
	assert.True(t, paramsCookieSet, "ragflow_params cookie missing")
}

func TestHandler_StreamPathNeverRewritten(t *testing.T) {
	const page = `<html><head><title>looks like html</title></head></html>`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Content-type lies: path decides, not the header.
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, "")
	for _, path := range []string{"/api/v1/chat", "/chat/completions", "/v1/session", "/document/x", "/v1/document/x"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		assert.Equal(t, http.StatusOK, w.Code, "path %s", path)
		assert.Equal(t, page, w.Body.String(), "stream path %s must pass through untouched", path)
	}
}

func TestHandler_StreamOutlivesUpstreamTimeout(t *testing.T) {
	const chunks = 4
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for i := 0; i < chunks; i++ {
			fmt.Fprintf(w, "data: chunk-%d\n\n", i)
			fl.Flush()
			time.Sleep(400 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	// The deadline bounds only the wait for response headers; a chat
	// completion emitting past it must still be relayed to the last chunk.
	cfg := testConfig(upstream.URL)
	cfg.Upstream.TimeoutSec = 1
	h, err := NewHandler(cfg, testStore(t, ""))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/chat", nil))

	require.Equal(t, http.StatusOK, w.Code)
	for i := 0; i < chunks; i++ {
		assert.Contains(t, w.Body.String(), fmt.Sprintf("chunk-%d", i))
	}
}

func TestHandler_TokenNotForwardedUpstream(t *testing.T) {
	var gotQuery string
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotHeaders = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, "")
	req := httptest.NewRequest("GET", "/chat/page?token=supersecret&foo=1", nil)
	req.Header.Set("If-None-Match", `"etag"`)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.NotContains(t, gotQuery, "supersecret")
	assert.Contains(t, gotQuery, "foo=1")
	assert.Empty(t, gotHeaders.Get("If-None-Match"))
	assert.Equal(t, upstream.URL, gotHeaders.Get("Origin"))
	assert.Equal(t, upstream.URL, gotHeaders.Get("Referer"))
}

func TestHandler_MethodAndBodyPassthrough(t *testing.T) {
	var gotMethod, gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h := testHandler(t, upstream.URL, "")
	req := httptest.NewRequest("POST", "/chat/page", strings.NewReader(`{"q":"hello"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, `{"q":"hello"}`, gotBody)
}
