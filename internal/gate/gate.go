package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"

	"raggate/internal/config"
	"raggate/internal/httputil"
	"raggate/internal/metrics"
	"raggate/internal/token"
)

// channel records where a token was found. Only the URL channel triggers a
// cookie (re)issue: cookie and referer tokens already imply the client holds
// a usable copy.
type channel int

const (
	channelNone channel = iota
	channelURL
	channelCookie
	channelReferer
)

const tokenParam = "token"

// Assets referenced by an already-authorized page; blocking them only breaks
// rendering, they carry no capability of their own.
var staticExtRe = regexp.MustCompile(`\.(js|css|map|svg|png|jpg|jpeg|woff2|ico|json)$`)

// Gate is the per-request authentication interceptor in front of the proxy.
type Gate struct {
	tokens       *token.Service
	cookieName   string
	cookieMaxAge int
	cookieSecure bool
}

func New(tokens *token.Service, cfg *config.Config) *Gate {
	return &Gate{
		tokens:       tokens,
		cookieName:   cfg.Cookie.Name,
		cookieMaxAge: cfg.CookieMaxAge(),
		cookieSecure: cfg.CookieSecure(),
	}
}

// Middleware wraps next with the authentication gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if staticExtRe.MatchString(r.URL.Path) {
			metrics.AuthDecision.WithLabelValues("static_bypass").Inc()
			next.ServeHTTP(w, r)
			return
		}

		logger := httputil.GetLogger(r.Context())
		tok, ch := g.extractToken(r)

		if tok == "" {
			metrics.AuthDecision.WithLabelValues("missing").Inc()
			logger.Warn().Msg("no token presented")
			writeAuthError(w, http.StatusUnauthorized, "No Token Provided")
			return
		}

		claims, err := g.tokens.Verify(tok)
		if err != nil {
			metrics.AuthDecision.WithLabelValues("invalid").Inc()
			logger.Warn().Err(err).Msg("token rejected")
			writeAuthError(w, http.StatusForbidden, "Token Invalid: "+err.Error())
			return
		}

		if ch == channelURL {
			http.SetCookie(w, g.authCookie(tok))
		}

		metrics.AuthDecision.WithLabelValues("allow").Inc()
		logger.Debug().Str("userid", claims.UserID).Msg("request authorized")
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// extractToken checks the three transport channels in priority order: URL
// query, cookie, then the Referer URL's query. A malformed referer is
// treated as "no token from this channel".
func (g *Gate) extractToken(r *http.Request) (string, channel) {
	if t := r.URL.Query().Get(tokenParam); t != "" {
		return t, channelURL
	}
	if c, err := r.Cookie(g.cookieName); err == nil && c.Value != "" {
		return c.Value, channelCookie
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			if t := u.Query().Get(tokenParam); t != "" {
				return t, channelReferer
			}
		}
	}
	return "", channelNone
}

// authCookie carries the verified token so subsequent same-session requests
// can omit the URL parameter. SameSite=None + Secure is what cross-site
// iframe embedding requires.
func (g *Gate) authCookie(tok string) *http.Cookie {
	return &http.Cookie{
		Name:     g.cookieName,
		Value:    tok,
		Path:     "/",
		MaxAge:   g.cookieMaxAge,
		HttpOnly: true,
		Secure:   g.cookieSecure,
		SameSite: http.SameSiteNoneMode,
	}
}

// ---- Rejection page ----

// authErrorPage is served on 401/403 so a framed load can notify its parent
// window instead of showing a bare status code.
const authErrorPage = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Auth Error %d</title>
</head>
<body>
  <div style="text-align:center; padding:50px;">
    <h1>%d Authentication Failed</h1>
    <p>%s</p>
    <p>Redirecting to login...</p>
  </div>
  <script>
    try {
      window.parent.postMessage(%s, '*');
    } catch (e) {
      console.error('PostMessage failed:', e);
    }
  </script>
</body>
</html>
`

func writeAuthError(w http.ResponseWriter, code int, reason string) {
	msg, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{Type: "AUTH_ERROR", Code: code, Message: reason})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	fmt.Fprintf(w, authErrorPage, code, code, html.EscapeString(reason), msg)
}

// ---- Claims context ----

type ctxKey int

const claimsKey ctxKey = iota

func WithClaims(ctx context.Context, c *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}
