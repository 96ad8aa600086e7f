package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"raggate/internal/config"
	"raggate/internal/httputil"
	"raggate/internal/mapping"
	"raggate/internal/metrics"
)

// Response headers never relayed: the first two become invalid once the body
// may be rewritten, the last two are dropped so the gateway can impose its
// own frame-embedding policy.
var dropResponseHeaders = map[string]bool{
	"content-encoding":        true,
	"content-length":          true,
	"content-security-policy": true,
	"x-frame-options":         true,
}

// Handler forwards authorized requests to the single configured upstream.
type Handler struct {
	cfg      *config.Config
	mappings *mapping.Store
	client   *http.Client
	upstream *url.URL
	rewriter *Rewriter
}

func NewHandler(cfg *config.Config, mappings *mapping.Store) (*Handler, error) {
	upstream, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if upstream.Host == "" {
		return nil, errors.New("upstream base url must carry a host")
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			// The deadline covers the wait for response headers only; a
			// stream body runs for as long as the upstream keeps producing.
			ResponseHeaderTimeout: cfg.UpstreamTimeout(),
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			// The gateway strips Accept-Encoding and may rewrite bodies;
			// transparent gzip would reintroduce a coding we cannot relay.
			DisableCompression: true,
			ForceAttemptHTTP2:  true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &Handler{
		cfg:      cfg,
		mappings: mappings,
		client:   client,
		upstream: upstream,
		rewriter: NewRewriter(upstream),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := httputil.GetLogger(r.Context())
	up := h.buildUpstreamRequest(r)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, up.targetURL, r.Body)
	if err != nil {
		logger.Error().Err(err).Str("target", up.targetURL).Msg("building upstream request failed")
		metrics.ProxyErrors.WithLabelValues("other").Inc()
		h.badGateway(w)
		return
	}
	req.Header = scrubHeaders(r.Header, h.upstreamOrigin())

	start := time.Now()
	resp, err := h.client.Do(req)
	metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error().Err(err).Str("target", up.targetURL).Msg("upstream request failed")
		metrics.ProxyErrors.WithLabelValues(classifyError(err)).Inc()
		h.badGateway(w)
		return
	}
	defer resp.Body.Close()

	// 4xx from the upstream is relayed verbatim; 5xx is collapsed into a
	// uniform 502 so upstream internals never leak to the client.
	if resp.StatusCode >= 500 {
		logger.Error().Int("status", resp.StatusCode).Str("target", up.targetURL).Msg("upstream server error")
		metrics.ProxyErrors.WithLabelValues("upstream_5xx").Inc()
		h.badGateway(w)
		return
	}

	if up.setParamsCookie {
		http.SetCookie(w, paramsCookie(up.params, h.cfg.CookieSecure()))
	}

	relayHeaders(w.Header(), resp.Header)

	if up.mode == modeStream {
		w.WriteHeader(resp.StatusCode)
		streamBody(w, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error().Err(err).Str("target", up.targetURL).Msg("reading upstream body failed")
		metrics.ProxyErrors.WithLabelValues("other").Inc()
		h.badGateway(w)
		return
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		out := h.rewriter.Rewrite(body, RewriteContext{
			Params:      up.params,
			AgentKey:    up.agentKey,
			GatewayHost: r.Host,
		})
		// The page is intentionally served inside a third-party frame.
		w.Header().Set("Content-Security-Policy", permissiveCSP)
		w.Header().Del("X-Frame-Options")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		w.WriteHeader(resp.StatusCode)
		w.Write(out)
		metrics.HTMLRewrites.Inc()
		return
	}

	// Non-HTML buffered bodies relay with the upstream's own caching and
	// framing headers intact.
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func (h *Handler) upstreamOrigin() string {
	return h.upstream.Scheme + "://" + h.upstream.Host
}

func (h *Handler) badGateway(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "Bad Gateway"})
}

// Shutdown releases idle upstream connections.
func (h *Handler) Shutdown() {
	if t, ok := h.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func classifyError(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if strings.Contains(err.Error(), "connection refused") {
		return "connection"
	}
	return "other"
}

func relayHeaders(dst, src http.Header) {
	for k, vs := range src {
		if dropResponseHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// streamBody pipes the upstream body with a flush per chunk so event streams
// reach the client as they arrive. Write failure (client gone) aborts the
// loop, which closes the upstream body via the deferred Close.
func streamBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}
