package proxy

import (
	"encoding/json"
	"net/url"
	"strings"
)

// chatButtonKey selects the narrow floating-widget presentation.
const chatButtonKey = "agent-chat-button"

// permissiveCSP replaces whatever the upstream sent: the content is
// intentionally served inside a third-party frame and relies on inline and
// eval script.
const permissiveCSP = "default-src * 'unsafe-inline' 'unsafe-eval' data: blob:; " +
	"script-src * 'unsafe-inline' 'unsafe-eval'; " +
	"connect-src * 'unsafe-inline'; " +
	"img-src * data: blob:; frame-src *; style-src * 'unsafe-inline';"

// gatewayScript is injected at the start of <head>. __GATEWAY_PARAMS__ is
// substituted with the JSON-serialized merged parameter set; interpolation
// by replacement rather than fmt keeps the JS free of format-verb hazards.
const gatewayScript = `<script>
(function() {
  try {
    var HIDDEN_PARAMS = __GATEWAY_PARAMS__;

    // Touch/wheel listeners must stay cancelable inside the frame.
    var origAdd = EventTarget.prototype.addEventListener;
    EventTarget.prototype.addEventListener = function(type, listener, options) {
      var opts = options;
      if (type === 'touchstart' || type === 'touchmove' || type === 'wheel') {
        if (typeof options === 'boolean') { opts = { capture: options, passive: false }; }
        else if (options && typeof options === 'object') { opts = Object.assign({}, options, { passive: false }); }
        else { opts = { passive: false }; }
      }
      return origAdd.call(this, type, listener, opts);
    };

    // Serve gateway-merged values to code reading its config from the URL.
    var origGet = URLSearchParams.prototype.get;
    URLSearchParams.prototype.get = function(name) {
      if (HIDDEN_PARAMS[name]) return HIDDEN_PARAMS[name];
      return origGet.apply(this, arguments);
    };
    var origGetAll = URLSearchParams.prototype.getAll;
    URLSearchParams.prototype.getAll = function(name) {
      if (HIDDEN_PARAMS[name]) return [HIDDEN_PARAMS[name]];
      return origGetAll.apply(this, arguments);
    };

    // Let the embedding page size the frame.
    if (window.parent !== window) {
      window.parent.postMessage({
        type: 'UI_CONFIG',
        width: HIDDEN_PARAMS['width'] || '100%',
        height: HIDDEN_PARAMS['height'] || '600px'
      }, '*');
    }

    // Surface session expiry discovered by the embedded app itself.
    function notifyAuthError(status) {
      try {
        window.parent.postMessage({ type: 'AUTH_ERROR', code: status, message: 'Session expired' }, '*');
      } catch (e) {}
    }
    if (window.fetch) {
      var origFetch = window.fetch;
      window.fetch = function() {
        return origFetch.apply(this, arguments).then(function(resp) {
          if (resp.status === 401 || resp.status === 403) notifyAuthError(resp.status);
          return resp;
        });
      };
    }
    var origOpen = XMLHttpRequest.prototype.open;
    XMLHttpRequest.prototype.open = function() {
      this.addEventListener('load', function() {
        if (this.status === 401 || this.status === 403) notifyAuthError(this.status);
      });
      return origOpen.apply(this, arguments);
    };
  } catch (e) { console.error('[gateway] patch error:', e); }
})();
</script>`

// chatButtonCSS forces the floating button into a circular widget when the
// chat-button agent key is active.
const chatButtonCSS = `<style>
  #chat-float-btn { width: 50px !important; height: 50px !important; border-radius: 50% !important; box-shadow: 0 4px 12px rgba(0,0,0,0.15) !important; display: flex !important; justify-content: center !important; align-items: center !important; padding: 0 !important; min-width: 0 !important; }
  #chat-float-btn > div, #chat-float-btn span { display: none !important; }
  #chat-float-btn svg, #chat-float-btn img { margin: 0 !important; display: block !important; width: 24px !important; height: 24px !important; }
</style>`

// Rewriter mutates buffered HTML responses so the upstream page works inside
// a gateway-controlled frame.
type Rewriter struct {
	upstreamHost string
}

// RewriteContext carries the per-request inputs of a rewrite.
type RewriteContext struct {
	Params      url.Values
	AgentKey    string
	GatewayHost string
}

func NewRewriter(upstream *url.URL) *Rewriter {
	return &Rewriter{upstreamHost: upstream.Host}
}

// Rewrite applies the replacement pipeline: upstream-host document links are
// pointed back through the gateway, the parameter patch script goes at the
// start of <head>, and the widget CSS goes before </head> when active.
func (rw *Rewriter) Rewrite(body []byte, rc RewriteContext) []byte {
	page := string(body)
	for _, rep := range rw.replacements(rc) {
		page = strings.Replace(page, rep.old, rep.new, rep.n)
	}
	return []byte(page)
}

type replacement struct {
	old string
	new string
	n   int // -1 = all occurrences
}

func (rw *Rewriter) replacements(rc RewriteContext) []replacement {
	reps := []replacement{
		// Document links must route through the gateway; the upstream may be
		// unreachable from the client's network. The /v1 variant is listed
		// separately to preserve the segment.
		{"http://" + rw.upstreamHost + "/v1/document", "http://" + rc.GatewayHost + "/v1/document", -1},
		{"http://" + rw.upstreamHost + "/document", "http://" + rc.GatewayHost + "/document", -1},
		{"<head>", "<head>" + injectionScript(rc.Params), 1},
	}
	if rc.AgentKey == chatButtonKey {
		reps = append(reps, replacement{"</head>", chatButtonCSS + "</head>", 1})
	}
	return reps
}

// injectionScript serializes the merged set (first value per key) into the
// fixed script asset. json.Marshal escapes <, > and & so a hostile mapping
// value cannot break out of the script element.
func injectionScript(params url.Values) string {
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}
	blob, err := json.Marshal(flat)
	if err != nil {
		blob = []byte("{}")
	}
	return strings.Replace(gatewayScript, "__GATEWAY_PARAMS__", string(blob), 1)
}
