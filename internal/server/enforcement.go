package server

import (
	"net/http"
	"strings"

	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	"github.com/gin-gonic/gin"
)

// TriggerCycle runs one enforcement cycle synchronously and returns its
// summary. A cycle already in flight answers 409.
func (s *Server) TriggerCycle(c *gin.Context) {
	summary, err := s.enforcer.TriggerCycle(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) EnforcementStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.enforcer.Status())
}

func (s *Server) ListGracePeriods(c *gin.Context) {
	tenantID, ok := parseTenantID(c)
	if !ok {
		return
	}

	var statuses []gpdomain.Status
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, gpdomain.Status(strings.ToUpper(strings.TrimSpace(part))))
		}
	}

	periods, err := s.graces.ListForTenant(c.Request.Context(), tenantID, statuses)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grace_periods": periods})
}
