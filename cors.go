package sandboxproxy

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

const (
	// defaultAllowedOrigin is used when neither the ALLOWED_ORIGINS
	// environment variable nor the allowed_origins subdirective is set.
	defaultAllowedOrigin = "https://sentences.kubishi.com"

	wildcardOrigin = "*"

	allowedMethods = "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders = "Content-Type, X-API-Key, X-OpenAI-Key, X-Anthropic-Key, X-Gemini-Key"
	corsMaxAge     = "86400"
)

// allowList is an ordered set of origins permitted to receive
// cross-origin headers. The wildcard marker grants all origins.
type allowList []string

// parseAllowList splits a comma-delimited origin list, trimming
// whitespace and dropping empty entries.
func parseAllowList(s string) allowList {
	parts := strings.Split(s, ",")
	out := make(allowList, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Allows reports whether origin may receive cross-origin headers.
// Membership is exact string match; the wildcard marker matches any.
func (al allowList) Allows(origin string) bool {
	for _, o := range al {
		if o == wildcardOrigin || o == origin {
			return true
		}
	}
	return false
}

// allowList resolves the active policy for one request. The environment
// variable is re-read every time since it is sourced from per-environment
// configuration; the Caddyfile value and the built-in default are
// fallbacks.
func (s *SandboxProxy) allowList() allowList {
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		return parseAllowList(env)
	}
	if len(s.AllowedOrigins) > 0 {
		return allowList(s.AllowedOrigins)
	}
	return allowList{defaultAllowedOrigin}
}

// applyCors attaches the cross-origin headers to h when policy allows
// origin. The Allow-Origin value is always the literal requesting origin,
// never the wildcard, so credentialed requests keep working under a
// wildcard policy. Disallowed origins leave h untouched.
func applyCors(origin string, policy allowList, h http.Header) {
	if !policy.Allows(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", allowedMethods)
	h.Set("Access-Control-Allow-Headers", allowedHeaders)
	h.Set("Access-Control-Max-Age", corsMaxAge)
}

// gateWriter is the single exit point for all responses. It stamps the
// cross-origin headers immediately before the header block is written,
// so no code path can produce a response that skips the gate. Status and
// body pass through untouched.
type gateWriter struct {
	*caddyhttp.ResponseWriterWrapper
	origin      string
	policy      allowList
	wroteHeader bool
}

func newGateWriter(w http.ResponseWriter, origin string, policy allowList) *gateWriter {
	return &gateWriter{
		ResponseWriterWrapper: &caddyhttp.ResponseWriterWrapper{ResponseWriter: w},
		origin:                origin,
		policy:                policy,
	}
}

func (gw *gateWriter) WriteHeader(status int) {
	if gw.wroteHeader {
		return
	}
	gw.wroteHeader = true
	applyCors(gw.origin, gw.policy, gw.Header())
	gw.ResponseWriterWrapper.WriteHeader(status)
}

func (gw *gateWriter) Write(p []byte) (int, error) {
	if !gw.wroteHeader {
		gw.WriteHeader(http.StatusOK)
	}
	return gw.ResponseWriterWrapper.Write(p)
}

// writeGatewayError converts a proxy-level failure into a structured 502
// response. Callers pass the gate writer, so the error response carries
// cross-origin headers like any other; without them a browser caller
// would see an opaque network error instead of the message.
func writeGatewayError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
