package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	fiscaldomain "github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	tenantdomain "github.com/slyretail/fiscalbridge/internal/tenant/domain"
	"github.com/slyretail/fiscalbridge/internal/tenantctx"
	"go.uber.org/zap"
)

type resubmitRequest struct {
	Token    string `json:"token"`
	DeviceID int64  `json:"device_id"`
}

type resubmitResponse struct {
	Success     bool `json:"success"`
	Resubmitted int  `json:"resubmitted"`
}

// handleResubmit replays the caller's failed-submission ledger on demand.
// Same path the reachability listener takes, exposed for operators.
func (s *Server) handleResubmit(c *gin.Context) {
	ctx := c.Request.Context()

	var req resubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		AbortWithError(c, newValidationError("token", "required", "token is required"))
		return
	}

	tenant, err := s.tenants.FindByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, tenantdomain.ErrInvalidToken) || errors.Is(err, tenantdomain.ErrTenantNotFound) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		AbortWithError(c, err)
		return
	}
	ctx = tenantctx.WithTenant(ctx, tenant.Code)
	c.Request = c.Request.WithContext(ctx)

	if req.DeviceID != 0 {
		cred, err := s.devices.FindByDeviceID(ctx, req.DeviceID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if cred == nil || cred.TenantID != tenant.ID {
			AbortWithError(c, fiscaldomain.ErrDeviceNotFound)
			return
		}
	}

	n, err := s.orchestrator.ResubmitFailed(ctx, tenant.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("manual resubmission completed",
		zap.String("tenant", tenant.Code),
		zap.Int("resubmitted", n),
	)
	c.JSON(http.StatusOK, resubmitResponse{Success: true, Resubmitted: n})
}

type dayCloseRequest struct {
	DeviceID      int64  `json:"device_id"`
	ManualClosure bool   `json:"manual_closure"`
	Reason        string `json:"reason"`
}

// handleManualDayClose is the operator escape hatch for days the automatic
// close could not finish.
func (s *Server) handleManualDayClose(c *gin.Context) {
	ctx := c.Request.Context()

	var req dayCloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	if req.DeviceID == 0 {
		AbortWithError(c, newValidationError("device_id", "required", "device_id is required"))
		return
	}
	if !req.ManualClosure {
		AbortWithError(c, newValidationError("manual_closure", "required", "manual_closure must be true"))
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		AbortWithError(c, fiscaldomain.ErrCloseReasonRequired)
		return
	}

	if err := s.days.ManualClose(ctx, req.DeviceID, strings.TrimSpace(req.Reason)); err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("fiscal day manually closed",
		zap.Int64("device_id", req.DeviceID),
		zap.String("reason", strings.TrimSpace(req.Reason)),
	)
	s.obsMetrics.RecordDayClose(ctx, "closed", true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
