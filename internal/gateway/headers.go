package gateway

import (
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// Headers injected on every forwarded request.
const (
	HeaderTenantKey      = "X-Tenant-Key"
	HeaderTenantInstance = "X-Tenant-Instance"
	HeaderTenantGeo      = "X-Tenant-Geo"
	HeaderServedBy       = "X-Tenant-Served-By"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderForwardedProto = "X-Forwarded-Proto"
)

// DefaultGeoHeader is the inbound header copied into X-Tenant-Geo.
const DefaultGeoHeader = "CF-IPCountry"

// hopHeaders are connection-scoped and never forwarded (RFC 9110 7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// forwardedFor returns the remote address host. When the peer is a trusted
// proxy the existing X-Forwarded-For chain is kept in front of it.
func (g *Gateway) forwardedFor(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	prior := strings.TrimSpace(r.Header.Get(HeaderForwardedFor))
	if prior != "" && g.trusted(remote) {
		if remote == "" {
			return prior
		}
		return prior + ", " + remote
	}
	return remote
}

func (g *Gateway) trusted(ip string) bool {
	if len(g.cfg.TrustedProxies) == 0 {
		return false
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, cidr := range g.cfg.TrustedProxies {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// ParseCIDRs parses a list of CIDRs or bare IPs.
func ParseCIDRs(values []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil {
				bits := 128
				if ip.To4() != nil {
					bits = 32
				}
				raw = raw + "/" + strconv.Itoa(bits)
			}
		}
		_, cidr, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, cidr)
	}
	return out, nil
}
