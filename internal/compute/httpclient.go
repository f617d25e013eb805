package compute

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// NewHTTPClient returns the client bindings use to reach instances. It never
// follows redirects so tenant responses pass through unchanged.
func NewHTTPClient() *http.Client {
	transport, ok := http.DefaultTransport.(*http.Transport)
	var rt http.RoundTripper = http.DefaultTransport
	if ok {
		clone := transport.Clone()
		clone.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
		clone.MaxIdleConnsPerHost = 32
		clone.IdleConnTimeout = 90 * time.Second
		clone.ResponseHeaderTimeout = 0
		rt = clone
	}
	return &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// SendTo re-targets req at base (scheme://host[:port][/prefix]) keeping the
// request path, query, method, headers and body.
func SendTo(ctx context.Context, client *http.Client, base string, req *http.Request) (*http.Response, error) {
	target, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path = strings.TrimSuffix(target.Path, "/") + req.URL.Path
	// RawPath keeps escapes such as %2F intact; url.URL drops it again when
	// it no longer matches Path.
	out.URL.RawPath = strings.TrimSuffix(target.EscapedPath(), "/") + req.URL.EscapedPath()
	out.Host = target.Host
	return client.Do(out)
}

// Probe sends req and treats any status below 500 as healthy.
func Probe(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &ProbeError{Status: resp.StatusCode}
	}
	return nil
}

// ProbeError reports an unhealthy status from a health probe.
type ProbeError struct {
	Status int
}

func (e *ProbeError) Error() string {
	return "compute: health probe returned " + http.StatusText(e.Status)
}
