package enforcement

import (
	"context"
	"fmt"

	"github.com/flowline/flowline/internal/alert"
	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	obsmetrics "github.com/flowline/flowline/internal/observability/metrics"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"go.uber.org/zap"
)

// Executor applies the downgrade action of an expired grace period to its
// resource. Execution is idempotent: re-applying an action to an already
// downgraded resource is a safe no-op at the controller level.
type Executor struct {
	log        *zap.Logger
	controller resourcedomain.Controller
	notifier   alert.Notifier
}

func NewExecutor(log *zap.Logger, controller resourcedomain.Controller, notifier alert.Notifier) *Executor {
	return &Executor{
		log:        log.Named("enforcement.executor"),
		controller: controller,
		notifier:   notifier,
	}
}

// Execute applies gp's action. Collaborator failures come back wrapped in
// ErrActionFailed; the caller leaves the grace period EXPIRED and retries.
func (e *Executor) Execute(ctx context.Context, gp *gpdomain.GracePeriod) error {
	if !gp.Action.Valid() {
		return fmt.Errorf("%w: %s: %s", ErrActionFailed, gp.Action, resourcedomain.ErrUnknownAction)
	}

	switch gp.Action {
	case resourcedomain.ActionWarnOnly:
		e.notifier.ActionNotice(ctx, gp)
		obsmetrics.Enforcement().IncActionApplied(string(gp.Action))
		return nil

	case resourcedomain.ActionImmediateDelete:
		// The row is gone after this. Log everything we know first.
		e.log.Warn("enforcement.immediate_delete",
			zap.Int64("grace_period_id", gp.ID.Int64()),
			zap.Int64("tenant_id", gp.TenantID.Int64()),
			zap.String("resource_type", string(gp.ResourceType)),
			zap.Int64("resource_id", gp.ResourceID.Int64()),
			zap.String("reason", gp.Reason),
			zap.Time("starts_at", gp.StartsAt),
			zap.Time("expires_at", gp.ExpiresAt),
		)
	}

	err := e.controller.Apply(ctx, gp.ResourceType, gp.ResourceID, gp.Action)
	if err != nil {
		// A vanished resource means the action already took effect, or the
		// tenant removed it themselves. Either way there is nothing left to
		// downgrade.
		if err == resourcedomain.ErrResourceNotFound {
			e.log.Info("enforcement.resource_gone",
				zap.Int64("grace_period_id", gp.ID.Int64()),
				zap.Int64("resource_id", gp.ResourceID.Int64()),
				zap.String("action", string(gp.Action)),
			)
			return nil
		}
		return fmt.Errorf("%w: %s on resource %d: %v", ErrActionFailed, gp.Action, gp.ResourceID.Int64(), err)
	}

	e.notifier.ActionNotice(ctx, gp)
	obsmetrics.Enforcement().IncActionApplied(string(gp.Action))
	return nil
}
