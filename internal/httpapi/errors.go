package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"pkt.systems/pslog"

	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/core"
	"pkt.systems/tenantd/internal/correlation"
)

type httpError struct {
	Status     int
	Code       string
	Detail     string
	TenantKey  string
	Accepted   []string
	RetryAfter int64
	Allow      string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func convertError(err error) error {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	if f, ok := core.AsFailure(err); ok {
		return httpError{
			Status:     f.Status(),
			Code:       f.Code,
			Detail:     f.Detail,
			RetryAfter: f.RetryAfter,
		}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	cid := correlation.ID(ctx)
	var httpErr httpError
	if errors.As(convertError(err), &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"error", err,
		)
		resp := api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			TenantKey:         httpErr.TenantKey,
			Accepted:          httpErr.Accepted,
			CorrelationID:     cid,
			RetryAfterSeconds: httpErr.RetryAfter,
		}
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		if httpErr.Allow != "" {
			headers["Allow"] = httpErr.Allow
		}
		h.writeJSON(w, httpErr.Status, resp, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode:     core.CodeInternalError,
		Detail:        "internal server error",
		CorrelationID: cid,
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}
