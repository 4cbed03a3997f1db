package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/slyretail/fiscalbridge/internal/normalize"
	"github.com/slyretail/fiscalbridge/internal/pipeline"
	tenantdomain "github.com/slyretail/fiscalbridge/internal/tenant/domain"
	"github.com/slyretail/fiscalbridge/internal/tenantctx"
	"go.uber.org/zap"
)

type webhookRequest struct {
	TenantID string                 `json:"tenant_id"`
	Receipts []normalize.RawReceipt `json:"receipts"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// rateLimited guards the ingest endpoint as a whole. The per-tenant bucket
// runs inside the handler once the tenant is known.
func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}
		res, err := s.ingestLimiter.AllowEndpoint(c.Request.Context())
		if err != nil {
			// Redis trouble never blocks fiscal traffic.
			s.log.Warn("endpoint rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), "", "webhooks_pos", "endpoint")
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}

// handleWebhook accepts one POS delivery. Malformed bodies are acknowledged
// with an empty 200; the POS retries nothing, so rejecting them only creates
// noise upstream.
func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.log.Debug("malformed webhook body dropped", zap.Error(err))
		s.obsMetrics.RecordWebhookIngest(ctx, "malformed")
		c.Status(http.StatusOK)
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" || len(req.Receipts) == 0 {
		s.log.Debug("incomplete webhook body dropped",
			zap.String("tenant", req.TenantID),
			zap.Int("receipts", len(req.Receipts)),
		)
		s.obsMetrics.RecordWebhookIngest(ctx, "malformed")
		c.Status(http.StatusOK)
		return
	}

	tenant, err := s.tenants.FindByCode(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, tenantdomain.ErrTenantNotFound) {
			s.log.Debug("webhook for unknown tenant dropped", zap.String("tenant", req.TenantID))
			s.obsMetrics.RecordWebhookIngest(ctx, "unknown_tenant")
			c.Status(http.StatusOK)
			return
		}
		AbortWithError(c, err)
		return
	}
	ctx = tenantctx.WithTenant(ctx, tenant.Code)
	c.Request = c.Request.WithContext(ctx)

	if s.ingestLimiter.Enabled() {
		res, err := s.ingestLimiter.AllowTenant(ctx, tenant.Code)
		if err != nil {
			s.log.Warn("tenant rate limit check failed", zap.Error(err))
		} else if !res.Allowed {
			s.obsMetrics.RecordRateLimitDenied(ctx, tenant.Code, "webhooks_pos", "tenant")
			AbortWithError(c, ErrTooManyRequests)
			return
		} else {
			s.obsMetrics.RecordRateLimitAllowed(ctx, tenant.Code, "webhooks_pos")
		}
	}

	env := &pipeline.Envelope{
		TenantID:   tenant.ID,
		TenantCode: tenant.Code,
		Receipts:   req.Receipts,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.queue.Ingest(ctx, env); err != nil {
		s.obsMetrics.RecordWebhookIngest(ctx, "error")
		AbortWithError(c, err)
		return
	}

	s.obsMetrics.RecordWebhookIngest(ctx, "accepted")
	c.JSON(http.StatusOK, webhookResponse{Success: true, Message: "receipt accepted"})
}
