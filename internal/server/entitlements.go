package server

import (
	"net/http"
	"strconv"
	"strings"

	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetEntitlements(c *gin.Context) {
	tenantID, ok := parseTenantID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	if strings.EqualFold(c.Query("fresh"), "true") {
		resolved, err := s.entitlements.ResolveFresh(ctx, tenantID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, resolved)
		return
	}

	resolved, err := s.entitlements.Resolve(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}

// CheckEntitlement answers a flag or limit check. Limit checks take
// ?current=N and answer whether one more unit is allowed.
func (s *Server) CheckEntitlement(c *gin.Context) {
	tenantID, ok := parseTenantID(c)
	if !ok {
		return
	}
	featureCode := c.Param("feature_code")
	ctx := c.Request.Context()

	set, err := s.entitlements.Resolve(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	feature, found := set.Features[featureCode]
	if !found {
		AbortWithError(c, ErrNotFound)
		return
	}

	switch feature.Kind {
	case catalogdomain.FeatureKindFlag:
		if err := s.entitlements.EnforceFlag(ctx, tenantID, featureCode); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"allowed": true, "feature": featureCode})

	case catalogdomain.FeatureKindLimit:
		current, parseErr := strconv.ParseInt(c.DefaultQuery("current", "0"), 10, 64)
		if parseErr != nil || current < 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		if err := s.entitlements.EnforceLimit(ctx, tenantID, featureCode, current); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"allowed": true,
			"feature": featureCode,
			"current": current,
			"limit":   feature.Limit,
		})

	default:
		AbortWithError(c, ErrInternal)
	}
}
