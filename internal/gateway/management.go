package gateway

import (
	"context"

	"pkt.systems/tenantd/api"
	"pkt.systems/tenantd/internal/lifecycle"
	"pkt.systems/tenantd/internal/svcfields"
)

// Status returns the flat status document for c.
func (g *Gateway) Status(ctx context.Context, c *lifecycle.Controller) (api.StatusResponse, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return api.StatusResponse{}, err
	}
	out := api.StatusResponse{
		Identity:            st.Identity.String(),
		TenantKey:           st.TenantKey.String(),
		LifecycleState:      st.State.String(),
		StateSince:          st.Since,
		InFlight:            st.InFlight,
		ConsecutiveFailures: st.ConsecutiveFailures,
		AttemptID:           st.AttemptID,
		Endpoint:            st.Endpoint,
		Metadata:            map[string]any{},
		Runtime:             st.Runtime,
	}
	if rec := st.Record; rec != nil {
		out.StartCount = rec.StartCount
		out.LastStarted = rec.LastStarted
		out.LastStopped = rec.LastStopped
		out.TotalRequests = rec.TotalRequests
		out.LastKnownLocation = rec.LastKnownLocation
		out.UpdatedAt = rec.UpdatedAt
		out.Version = rec.Version
		if rec.LastError != nil {
			out.LastError = &api.ErrorInfo{Message: rec.LastError.Message, Timestamp: rec.LastError.Timestamp}
		}
		if rec.Metadata != nil {
			out.Metadata = rec.Metadata
		}
	}
	return out, nil
}

// Restart force-restarts the instance behind c.
func (g *Gateway) Restart(ctx context.Context, c *lifecycle.Controller) (api.RestartResponse, error) {
	if err := c.Restart(ctx); err != nil {
		return api.RestartResponse{}, err
	}
	g.logger.Info("gateway.restart.success", svcfields.TenantKey, c.Key().String())
	return api.RestartResponse{Success: true, Message: "instance restarted"}, nil
}

// Metadata returns the stored metadata for c.
func (g *Gateway) Metadata(ctx context.Context, c *lifecycle.Controller) (map[string]any, error) {
	return c.Metadata(ctx)
}

// SetMetadata merges patch into the stored metadata for c.
func (g *Gateway) SetMetadata(ctx context.Context, c *lifecycle.Controller, patch map[string]any) (api.MetadataUpdateResponse, error) {
	merged, err := c.SetMetadata(ctx, patch)
	if err != nil {
		return api.MetadataUpdateResponse{}, err
	}
	return api.MetadataUpdateResponse{Success: true, Metadata: merged}, nil
}
