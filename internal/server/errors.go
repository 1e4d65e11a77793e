package server

import (
	"errors"
	"net/http"

	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/enforcement"
	entitlementdomain "github.com/flowline/flowline/internal/entitlement/domain"
	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	Feature      string `json:"feature,omitempty"`
	MinimumPlan  string `json:"minimum_plan,omitempty"`
	CurrentValue *int64 `json:"current,omitempty"`
	LimitValue   *int64 `json:"limit,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
	ErrInternal       = errors.New("internal_error")
)

// ErrorHandlingMiddleware renders the last handler error as a typed JSON
// envelope when the handler has not written a response.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var notEntitled *entitlementdomain.NotEntitledError
	if errors.As(err, &notEntitled) {
		return http.StatusForbidden, errorPayload{
			Type:        "not_entitled",
			Message:     notEntitled.Error(),
			Feature:     notEntitled.Feature,
			MinimumPlan: notEntitled.MinimumPlan,
		}
	}
	var limitExceeded *entitlementdomain.LimitExceededError
	if errors.As(err, &limitExceeded) {
		current, limit := limitExceeded.Current, limitExceeded.Limit
		return http.StatusForbidden, errorPayload{
			Type:         "limit_exceeded",
			Message:      limitExceeded.Error(),
			Feature:      limitExceeded.Feature,
			MinimumPlan:  limitExceeded.MinimumPlan,
			CurrentValue: &current,
			LimitValue:   &limit,
		}
	}
	var invalidTransition *gpdomain.InvalidTransitionError
	if errors.As(err, &invalidTransition) {
		return http.StatusConflict, errorPayload{Type: "invalid_transition", Message: invalidTransition.Error()}
	}

	switch {
	case errors.Is(err, enforcement.ErrAlreadyRunning):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case errors.Is(err, gpdomain.ErrDuplicateGracePeriod),
		errors.Is(err, gpdomain.ErrStaleTransition),
		errors.Is(err, catalogdomain.ErrSamePlan):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case errors.Is(err, catalogdomain.ErrPlanNotFound),
		errors.Is(err, catalogdomain.ErrFeatureNotFound),
		errors.Is(err, catalogdomain.ErrTenantNotFound),
		errors.Is(err, gpdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, catalogdomain.ErrInvalidCode),
		errors.Is(err, catalogdomain.ErrInvalidKind),
		errors.Is(err, catalogdomain.ErrInvalidValue),
		errors.Is(err, entitlementdomain.ErrUnknownFeature),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}
