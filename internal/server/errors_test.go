package server

import (
	"errors"
	"net/http"
	"testing"

	catalogdomain "github.com/flowline/flowline/internal/catalog/domain"
	"github.com/flowline/flowline/internal/enforcement"
	entitlementdomain "github.com/flowline/flowline/internal/entitlement/domain"
	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorNotEntitled(t *testing.T) {
	status, payload := mapError(&entitlementdomain.NotEntitledError{
		Feature: "sso.enabled", Plan: "free", MinimumPlan: "pro",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "not_entitled", payload.Type)
	assert.Equal(t, "sso.enabled", payload.Feature)
	assert.Equal(t, "pro", payload.MinimumPlan)
}

func TestMapErrorLimitExceeded(t *testing.T) {
	status, payload := mapError(&entitlementdomain.LimitExceededError{
		Feature: "environments.max", Current: 3, Limit: 3, MinimumPlan: "pro",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "limit_exceeded", payload.Type)
	assert.NotNil(t, payload.CurrentValue)
	assert.Equal(t, int64(3), *payload.CurrentValue)
	assert.NotNil(t, payload.LimitValue)
	assert.Equal(t, int64(3), *payload.LimitValue)
}

func TestMapErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{enforcement.ErrAlreadyRunning, http.StatusConflict, "conflict"},
		{catalogdomain.ErrSamePlan, http.StatusConflict, "conflict"},
		{gpdomain.ErrDuplicateGracePeriod, http.StatusConflict, "conflict"},
		{gpdomain.ErrStaleTransition, http.StatusConflict, "conflict"},
		{gpdomain.NewInvalidTransition(gpdomain.StatusResolved, gpdomain.StatusActive), http.StatusConflict, "invalid_transition"},
		{catalogdomain.ErrPlanNotFound, http.StatusNotFound, "not_found"},
		{catalogdomain.ErrTenantNotFound, http.StatusNotFound, "not_found"},
		{catalogdomain.ErrInvalidValue, http.StatusBadRequest, "invalid_request"},
		{entitlementdomain.ErrUnknownFeature, http.StatusBadRequest, "invalid_request"},
		{ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{errors.New("surprise"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, "%v", tc.err)
		assert.Equal(t, tc.typ, payload.Type, "%v", tc.err)
	}
}

func TestMapErrorHidesInternalDetail(t *testing.T) {
	_, payload := mapError(errors.New("pq: connection refused at 10.0.0.5"))
	assert.Equal(t, "internal error", payload.Message)
}
