package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/gin-gonic/gin"
)

func parseTenantID(c *gin.Context) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param("tenant_id"))
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) CreatePlan(c *gin.Context) {
	var req catalogdomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	plan, err := s.catalog.CreatePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.catalog.ListPlans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) CreateFeature(c *gin.Context) {
	var req catalogdomain.CreateFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	feature, err := s.catalog.CreateFeature(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, feature)
}

type setPlanFeatureValueRequest struct {
	BoolValue  *bool  `json:"bool_value,omitempty"`
	LimitValue *int64 `json:"limit_value,omitempty"`
}

func (s *Server) SetPlanFeatureValue(c *gin.Context) {
	var req setPlanFeatureValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err := s.catalog.SetPlanFeatureValue(c.Request.Context(),
		c.Param("plan_code"), c.Param("feature_code"), req.BoolValue, req.LimitValue)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ListTenants(c *gin.Context) {
	tenants, err := s.catalog.ListTenants(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

type assignPlanRequest struct {
	PlanCode string `json:"plan_code"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) AssignPlan(c *gin.Context) {
	tenantID, ok := parseTenantID(c)
	if !ok {
		return
	}
	var req assignPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.catalog.AssignPlan(c.Request.Context(), catalogdomain.AssignPlanRequest{
		TenantID: tenantID,
		PlanCode: req.PlanCode,
		Reason:   req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A plan change invalidates any cached entitlement snapshot.
	s.entitlements.Invalidate(tenantID)
	c.JSON(http.StatusOK, resp)
}

type setOverrideRequest struct {
	BoolValue  *bool  `json:"bool_value,omitempty"`
	LimitValue *int64 `json:"limit_value,omitempty"`
	Active     bool   `json:"active"`
}

func (s *Server) SetOverride(c *gin.Context) {
	tenantID, ok := parseTenantID(c)
	if !ok {
		return
	}
	var req setOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	override, err := s.catalog.SetOverride(c.Request.Context(), catalogdomain.SetOverrideRequest{
		TenantID:    tenantID,
		FeatureCode: c.Param("feature_code"),
		BoolValue:   req.BoolValue,
		LimitValue:  req.LimitValue,
		Active:      req.Active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.entitlements.Invalidate(tenantID)
	c.JSON(http.StatusOK, override)
}
