package httpapi

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Defaults for key extraction.
const (
	DefaultPathPrefix = "/app/"
	DefaultQueryParam = "appId"
)

// keyForm records where a tenant key was found.
type keyForm string

const (
	formPath      keyForm = "path"
	formQuery     keyForm = "query"
	formSubdomain keyForm = "subdomain"
)

// extraction is the outcome of key extraction: the raw key and the
// instance-relative URL.
type extraction struct {
	raw  string
	form keyForm
	rel  *url.URL
}

// extractKey applies the path, query and subdomain rules in that order.
// ok is false when no rule produced a non-empty key.
func (h *Handler) extractKey(r *http.Request) (extraction, bool) {
	if ex, ok := h.fromPath(r.URL); ok {
		return ex, true
	}
	if ex, ok := h.fromQuery(r.URL); ok {
		return ex, true
	}
	if ex, ok := h.fromSubdomain(r); ok {
		return ex, true
	}
	return extraction{}, false
}

func (h *Handler) fromPath(u *url.URL) (extraction, bool) {
	escaped := u.EscapedPath()
	if !strings.HasPrefix(escaped, h.pathPrefix) {
		return extraction{}, false
	}
	rest := escaped[len(h.pathPrefix):]
	segment, remainder, hasRemainder := strings.Cut(rest, "/")
	raw, err := url.PathUnescape(segment)
	if err != nil || raw == "" {
		return extraction{}, false
	}
	relEscaped := "/"
	if hasRemainder {
		relEscaped = "/" + remainder
	}
	rel := cloneURL(u)
	setEscapedPath(rel, relEscaped)
	return extraction{raw: raw, form: formPath, rel: rel}, true
}

func (h *Handler) fromQuery(u *url.URL) (extraction, bool) {
	if h.queryParam == "" || u.RawQuery == "" {
		return extraction{}, false
	}
	query := u.Query()
	raw := query.Get(h.queryParam)
	if raw == "" {
		return extraction{}, false
	}
	rel := cloneURL(u)
	rel.RawQuery = stripQueryParam(u.RawQuery, h.queryParam)
	return extraction{raw: raw, form: formQuery, rel: rel}, true
}

// stripQueryParam drops every name pair from raw and leaves the remaining
// segments as sent, order and encoding included.
func stripQueryParam(raw, name string) string {
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if decoded, err := url.QueryUnescape(key); err == nil && decoded == name {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

func (h *Handler) fromSubdomain(r *http.Request) (extraction, bool) {
	if h.subdomainBase == "" {
		return extraction{}, false
	}
	host := r.Host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		host = hostOnly
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix := "." + h.subdomainBase
	if !strings.HasSuffix(host, suffix) {
		return extraction{}, false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return extraction{}, false
	}
	return extraction{raw: label, form: formSubdomain, rel: cloneURL(r.URL)}, true
}

// acceptedForms describes the configured ways to supply a key.
func (h *Handler) acceptedForms() []string {
	forms := []string{h.pathPrefix + "{tenantKey}/...", "/?" + h.queryParam + "={tenantKey}"}
	if h.queryParam == "" {
		forms = forms[:1]
	}
	if h.subdomainBase != "" {
		forms = append(forms, "{tenantKey}."+h.subdomainBase)
	}
	return forms
}

func isPlatformRoute(path string) bool {
	switch path {
	case "/", "/healthz", "/health":
		return true
	}
	return false
}

func cloneURL(u *url.URL) *url.URL {
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	return &out
}

func setEscapedPath(u *url.URL, escaped string) {
	path, err := url.PathUnescape(escaped)
	if err != nil {
		path = escaped
	}
	u.Path = path
	u.RawPath = ""
	if u.EscapedPath() != escaped {
		u.RawPath = escaped
	}
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultPathPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
