package proxy

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	// ParamsCookieName caches the merged parameter set between page loads of
	// the same embedding session. Separate from the auth cookie on purpose:
	// it carries business parameters, not identity.
	ParamsCookieName   = "ragflow_params"
	paramsCookieMaxAge = 3600

	tokenParam    = "token"
	agentKeyParam = "key"
)

// responseMode selects how the upstream body is handled.
type responseMode int

const (
	modeBuffer responseMode = iota // full read, may be rewritten
	modeStream                     // piped byte for byte
)

// streamFragments mark API/event endpoints and document downloads whose
// bodies must never be buffered or rewritten.
var streamFragments = []string{"/api/", "/completions", "/session", "/document/", "/v1/document/"}

func responseModeFor(path string) responseMode {
	for _, frag := range streamFragments {
		if strings.Contains(path, frag) {
			return modeStream
		}
	}
	return modeBuffer
}

// upstreamRequest is the per-request plan: exact target URL, response mode,
// and the merged parameter set feeding both the query string and the
// client-side parameter patch.
type upstreamRequest struct {
	targetURL       string
	mode            responseMode
	params          url.Values
	agentKey        string
	setParamsCookie bool
}

func (h *Handler) buildUpstreamRequest(r *http.Request) *upstreamRequest {
	// Inbound query minus the gateway's own token parameter is the base set.
	base := r.URL.Query()
	base.Del(tokenParam)
	agentKey := base.Get(agentKeyParam)

	merged := base
	setCookie := false
	if agentKey != "" {
		if overlay, ok := h.mappings.Resolve(agentKey); ok {
			merged = mergeParams(base, overlay)
			setCookie = true
		}
	}
	if !setCookie {
		// No agent key resolved: a prior merged set cached in the params
		// cookie carries the embedding session forward.
		if cached, ok := paramsFromCookie(r); ok {
			merged = cached
		}
	}

	target := h.upstream.Scheme + "://" + h.upstream.Host + r.URL.EscapedPath()
	if enc := merged.Encode(); enc != "" {
		target += "?" + enc
	}

	return &upstreamRequest{
		targetURL:       target,
		mode:            responseModeFor(r.URL.Path),
		params:          merged,
		agentKey:        agentKey,
		setParamsCookie: setCookie,
	}
}

// mergeParams overlays mapping entries onto the inbound base set. A mapping
// value wins only when non-empty; an empty value lets the inbound parameter
// pass through, so mapping authors can selectively defer to the caller.
func mergeParams(base, overlay url.Values) url.Values {
	out := make(url.Values, len(base)+len(overlay))
	for k, vs := range base {
		out[k] = append([]string(nil), vs...)
	}
	for k, vs := range overlay {
		if len(vs) == 0 || (len(vs) == 1 && vs[0] == "") {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// paramsFromCookie restores a merged set cached by a previous response. The
// value is a query-escaped query string; anything unparsable is ignored.
func paramsFromCookie(r *http.Request) (url.Values, bool) {
	c, err := r.Cookie(ParamsCookieName)
	if err != nil || c.Value == "" {
		return nil, false
	}
	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		return nil, false
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return nil, false
	}
	return vals, true
}

func paramsCookie(params url.Values, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     ParamsCookieName,
		Value:    url.QueryEscape(params.Encode()),
		Path:     "/",
		MaxAge:   paramsCookieMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteNoneMode,
	}
}

// scrubHeaders produces the outbound header set. Conditional-request headers
// go away so the browser cannot serve auth-gated content from cache;
// Accept-Encoding goes away because a rewritten body invalidates any
// compressed length; Origin and Referer are forced to the upstream origin so
// its same-origin checks pass.
func scrubHeaders(src http.Header, upstreamOrigin string) http.Header {
	h := src.Clone()
	for _, k := range []string{"If-None-Match", "If-Modified-Since", "Host", "Accept-Encoding"} {
		h.Del(k)
	}
	h.Set("Origin", upstreamOrigin)
	h.Set("Referer", upstreamOrigin)
	return h
}
