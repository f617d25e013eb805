// Package gateway forwards instance-relative requests to the compute
// instance behind a lifecycle controller and implements the per-instance
// management operations.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/compute"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/svcfields"
)

// Defaults applied by New.
const (
	DefaultForwardTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 10 << 20
)

// Config tunes forwarding.
type Config struct {
	// ForwardTimeout bounds one forward including reading the response
	// body.
	ForwardTimeout time.Duration
	// MaxBodyBytes caps buffered request bodies.
	MaxBodyBytes int64
	// DisableOriginHeaders suppresses X-Forwarded-* and X-Tenant-Geo.
	DisableOriginHeaders bool
	// GeoHeader names the inbound header copied into X-Tenant-Geo.
	GeoHeader string
	// TrustedProxies are peers whose X-Forwarded-For chain is preserved.
	TrustedProxies []*net.IPNet
	Logger         pslog.Logger
}

// Gateway forwards requests through lifecycle controllers.
type Gateway struct {
	cfg     Config
	logger  pslog.Logger
	metrics *gatewayMetrics
}

// New returns a gateway with defaults filled in.
func New(cfg Config) *Gateway {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.GeoHeader == "" {
		cfg.GeoHeader = DefaultGeoHeader
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "gateway")
	return &Gateway{cfg: cfg, logger: logger, metrics: newGatewayMetrics(logger)}
}

// Forward ensures the instance behind c is running, sends req to it and
// returns the instance response. req must already carry the
// instance-relative path. The caller owns closing the response body.
func (g *Gateway) Forward(ctx context.Context, c *lifecycle.Controller, req *http.Request) (*http.Response, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = g.logger
	}
	started := time.Now()

	body, err := g.bufferBody(req)
	if err != nil {
		return nil, err
	}
	if err := c.EnsureRunning(ctx); err != nil {
		g.metrics.recordForward(ctx, "start_failed", time.Since(started))
		if core.HasCode(err, core.CodeInstanceStartFailed) {
			return nil, err
		}
		return nil, core.NewFailure(core.CodeInstanceStartFailed, "instance could not be started", err)
	}

	out := g.prepare(ctx, c, req)
	c.BeginForward()
	resp, cancel, err := g.send(ctx, c, out, body)
	if err != nil {
		if ctx.Err() != nil {
			c.CancelForward()
			g.metrics.recordForward(ctx, "canceled", time.Since(started))
			return nil, core.NewFailure(core.CodeInstanceUnreachable, "request canceled before the instance answered", ctx.Err())
		}
		if core.HasCode(err, core.CodeInstanceStartFailed) {
			// The restart before the retry failed; the start path already
			// recorded lastError.
			c.CancelForward()
			g.metrics.recordForward(ctx, "start_failed", time.Since(started))
			return nil, err
		}
		c.EndForward(err, "")
		g.metrics.recordForward(ctx, "unreachable", time.Since(started))
		logger.Warn("gateway.forward.unreachable", "error", err)
		return nil, core.NewFailure(core.CodeInstanceUnreachable, "instance did not answer", err)
	}
	removeHopHeaders(resp.Header)
	resp.Header.Set(HeaderServedBy, c.Key().String())
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}

	location := req.Header.Get(g.cfg.GeoHeader)
	if location == "" {
		location = endpointHost(compute.Endpoint(c.Runtime()))
	}
	c.EndForward(nil, location)
	g.metrics.recordForward(ctx, "success", time.Since(started))
	logger.Trace("gateway.forward.success", "status", resp.StatusCode, "elapsed", time.Since(started))
	return resp, nil
}

func (g *Gateway) bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.ContentLength > g.cfg.MaxBodyBytes {
		return nil, tooLarge(g.cfg.MaxBodyBytes)
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, g.cfg.MaxBodyBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(g.cfg.MaxBodyBytes)
		}
		return nil, core.NewFailure(core.CodeInternalError, "read request body", err)
	}
	if int64(len(data)) > g.cfg.MaxBodyBytes {
		return nil, tooLarge(g.cfg.MaxBodyBytes)
	}
	return data, nil
}

func tooLarge(limit int64) error {
	return core.NewFailure(core.CodeRequestTooLarge, "request body exceeds "+formatBytes(limit), nil)
}

// prepare clones req, strips hop-by-hop headers and injects the tenant and
// origin headers.
func (g *Gateway) prepare(ctx context.Context, c *lifecycle.Controller, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	removeHopHeaders(out.Header)
	out.Header.Set(HeaderTenantKey, c.Key().String())
	out.Header.Set(HeaderTenantInstance, c.Identity().String())
	if !g.cfg.DisableOriginHeaders {
		if xff := g.forwardedFor(req); xff != "" {
			out.Header.Set(HeaderForwardedFor, xff)
		}
		if req.Host != "" {
			out.Header.Set(HeaderForwardedHost, req.Host)
		}
		out.Header.Set(HeaderForwardedProto, forwardedProto(req))
		if geo := req.Header.Get(g.cfg.GeoHeader); geo != "" {
			out.Header.Set(HeaderTenantGeo, geo)
		}
	} else {
		out.Header.Del(HeaderTenantGeo)
	}
	if cid := correlation.ID(ctx); cid != "" {
		out.Header.Set(correlation.Header, cid)
	}
	return out
}

// send performs the forward with one immediate retry on transport failure.
// The returned cancel releases the forward timeout and must run once the
// response body is done.
func (g *Gateway) send(ctx context.Context, c *lifecycle.Controller, req *http.Request, body []byte) (*http.Response, context.CancelFunc, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(lastErr, compute.ErrNotRunning) {
				if err := c.EnsureRunning(ctx); err != nil {
					return nil, nil, err
				}
			}
		}
		fwdCtx, cancel := context.WithTimeout(ctx, g.cfg.ForwardTimeout)
		attemptReq := req.WithContext(fwdCtx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
			attemptReq.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		} else {
			attemptReq.Body = http.NoBody
			attemptReq.ContentLength = 0
		}
		resp, err := c.Runtime().Send(fwdCtx, attemptReq)
		if err == nil {
			return resp, cancel, nil
		}
		cancel()
		lastErr = err
		g.logger.Debug("gateway.forward.attempt_failed", "attempt", attempt+1, "error", err)
	}
	return nil, nil, lastErr
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}
