// Package httpapi is the tenantd router: it extracts and validates the
// tenant key, answers platform routes and dispatches to the management
// operations or the forwarding gateway.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/correlation"
	"pkt.systems/tenantd/internal/gateway"
	"pkt.systems/tenantd/internal/jsonutil"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/svcfields"
	"pkt.systems/tenantd/internal/tenant"
	"pkt.systems/tenantd/internal/uuidv7"
)

// DefaultMaxMetadataBytes caps /_metadata request bodies.
const DefaultMaxMetadataBytes = 1 << 20

// Management sub-routes on the instance-relative path.
const (
	RouteStatus   = "/_status"
	RouteRestart  = "/_restart"
	RouteMetadata = "/_metadata"
)

// Authorizer decides whether a request may reach the instance for key. A
// returned core.Failure is answered as is; any other error becomes 401.
type Authorizer interface {
	Authorize(r *http.Request, key tenant.Key) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request, key tenant.Key) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(r *http.Request, key tenant.Key) error { return f(r, key) }

// Config wires the router.
type Config struct {
	Registry *lifecycle.Registry
	Gateway  *gateway.Gateway
	Logger   pslog.Logger

	// PathPrefix selects the /app/{key}/... form. Defaults to /app/.
	PathPrefix string
	// QueryParam names the ?appId={key} form. Defaults to appId.
	QueryParam string
	// SubdomainBase enables {key}.<base> when set.
	SubdomainBase string

	Authorizer       Authorizer
	MaxMetadataBytes int64
	EnableTracing    bool
	Version          string
}

// Handler is the router.
type Handler struct {
	registry      *lifecycle.Registry
	gateway       *gateway.Gateway
	logger        pslog.Logger
	pathPrefix    string
	queryParam    string
	subdomainBase string
	authorizer    Authorizer
	maxMetadata   int64
	tracing       bool
	version       string
	entry         http.Handler
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New builds the router.
func New(cfg Config) *Handler {
	h := &Handler{
		registry:      cfg.Registry,
		gateway:       cfg.Gateway,
		logger:        svcfields.Ensure(cfg.Logger),
		pathPrefix:    normalizePrefix(cfg.PathPrefix),
		queryParam:    strings.TrimSpace(cfg.QueryParam),
		subdomainBase: strings.ToLower(strings.Trim(strings.TrimSpace(cfg.SubdomainBase), ".")),
		authorizer:    cfg.Authorizer,
		maxMetadata:   cfg.MaxMetadataBytes,
		tracing:       cfg.EnableTracing,
		version:       cfg.Version,
	}
	if h.queryParam == "" {
		h.queryParam = DefaultQueryParam
	}
	if h.maxMetadata <= 0 {
		h.maxMetadata = DefaultMaxMetadataBytes
	}
	if h.gateway == nil {
		h.gateway = gateway.New(gateway.Config{Logger: h.logger})
	}
	h.entry = h.wrap("route", h.route)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.entry.ServeHTTP(w, r)
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := "api.http.router"
	if operation != "" {
		sys += "." + operation
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		cid := correlation.FromRequest(r)
		ctx = correlation.With(ctx, cid)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"cid", cid,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			span.SetAttributes(attribute.String("tenantd.correlation_id", cid))
		}
		w.Header().Set(correlation.Header, cid)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			logger := pslog.LoggerFromContext(r.Context())
			if logger == nil {
				logger = h.logger
			}
			if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
				logger.Debug("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(r.Context(), w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "tenantd.http."+operation)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) error {
	ex, found := h.extractKey(r)
	if !found {
		if isPlatformRoute(r.URL.Path) {
			return h.handlePlatform(w, r)
		}
		return httpError{
			Status:   http.StatusBadRequest,
			Code:     core.CodeMissingTenantKey,
			Detail:   "no tenant key in request",
			Accepted: h.acceptedForms(),
		}
	}
	key, err := tenant.ParseKey(ex.raw)
	if err != nil {
		return httpError{
			Status:    http.StatusBadRequest,
			Code:      core.CodeInvalidTenantKey,
			Detail:    "tenant key must match ^[A-Za-z0-9_-]+$",
			TenantKey: ex.raw,
		}
	}
	if h.authorizer != nil {
		if err := h.authorizer.Authorize(r, key); err != nil {
			if _, ok := core.AsFailure(err); ok {
				return err
			}
			return core.NewFailure(core.CodeUnauthorized, "request not authorized", err)
		}
	}

	ctx := r.Context()
	c, err := h.registry.Get(ctx, key)
	if err != nil {
		return core.NewFailure(core.CodeInstanceStartFailed, "instance unavailable", err)
	}
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	logger = logger.With(svcfields.TenantKey, key.String(), svcfields.InstanceID, c.Identity().Short(), "key_form", string(ex.form))
	ctx = pslog.ContextWithLogger(ctx, logger)
	r = r.WithContext(ctx)

	switch ex.rel.Path {
	case RouteStatus:
		return h.handleStatus(w, r, c)
	case RouteRestart:
		return h.handleRestart(w, r, c)
	case RouteMetadata:
		return h.handleMetadata(w, r, c)
	}
	return h.handleForward(w, r, c, ex.rel)
}

func methodNotAllowed(allow ...string) error {
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   core.CodeMethodNotAllowed,
		Detail: "method not allowed",
		Allow:  strings.Join(allow, ", "),
	}
}

func (h *Handler) handlePlatform(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(http.MethodGet, http.MethodHead)
	}
	if r.URL.Path == "/" {
		h.writeJSON(w, http.StatusOK, api.ServiceInfo{
			Service:    "tenantd",
			Version:    h.version,
			Usage:      h.acceptedForms(),
			Management: []string{"GET " + RouteStatus, "POST " + RouteRestart, "GET|POST|PUT " + RouteMetadata},
		}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Instances: h.registry.Len()}, nil)
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, c *lifecycle.Controller) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return methodNotAllowed(http.MethodGet, http.MethodHead)
	}
	st, err := h.gateway.Status(r.Context(), c)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, st, nil)
	return nil
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request, c *lifecycle.Controller) error {
	if r.Method != http.MethodPost {
		return methodNotAllowed(http.MethodPost)
	}
	resp, err := h.gateway.Restart(r.Context(), c)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request, c *lifecycle.Controller) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		md, err := h.gateway.Metadata(r.Context(), c)
		if err != nil {
			return err
		}
		h.writeJSON(w, http.StatusOK, md, nil)
		return nil
	case http.MethodPost, http.MethodPut:
		patch, err := jsonutil.DecodeObject(r.Body, h.maxMetadata)
		if err != nil {
			if errors.Is(err, jsonutil.ErrTooLarge) {
				return core.NewFailure(core.CodeRequestTooLarge, "metadata body too large", err)
			}
			return core.NewFailure(core.CodeInvalidMetadata, "metadata body must be a JSON object", err)
		}
		resp, err := h.gateway.SetMetadata(r.Context(), c, patch)
		if err != nil {
			return err
		}
		h.writeJSON(w, http.StatusOK, resp, nil)
		return nil
	default:
		return methodNotAllowed(http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut)
	}
}

func (h *Handler) handleForward(w http.ResponseWriter, r *http.Request, c *lifecycle.Controller, rel *url.URL) error {
	ctx := r.Context()
	inbound := r.WithContext(ctx)
	inbound.URL = rel
	resp, err := h.gateway.Forward(ctx, c, inbound)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		logger := pslog.LoggerFromContext(ctx)
		if logger != nil {
			logger.Debug("http.forward.copy_failed", "error", err)
		}
	}
	return nil
}

// flushWriter flushes after every write so streamed tenant responses reach
// the client promptly.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}
