// Package alert delivers tenant-facing enforcement notices. The log-backed
// notifier is the default sink; richer channels plug in behind Notifier.
package alert

import (
	"context"

	gpdomain "github.com/flowline/flowline/internal/graceperiod/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Notifier receives enforcement lifecycle notices for a tenant.
type Notifier interface {
	// GracePeriodWarning fires when a grace period enters WARNING.
	GracePeriodWarning(ctx context.Context, gp *gpdomain.GracePeriod)
	// ActionNotice fires when an action is applied, including WARN_ONLY.
	ActionNotice(ctx context.Context, gp *gpdomain.GracePeriod)
}

type logNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a Notifier that writes structured log events.
func NewLogNotifier(log *zap.Logger) Notifier {
	return &logNotifier{log: log.Named("alert")}
}

func (n *logNotifier) GracePeriodWarning(_ context.Context, gp *gpdomain.GracePeriod) {
	n.log.Warn("alert.grace_period_warning",
		zap.Int64("tenant_id", gp.TenantID.Int64()),
		zap.Int64("grace_period_id", gp.ID.Int64()),
		zap.String("resource_type", string(gp.ResourceType)),
		zap.Int64("resource_id", gp.ResourceID.Int64()),
		zap.String("action", string(gp.Action)),
		zap.Time("expires_at", gp.ExpiresAt),
	)
}

func (n *logNotifier) ActionNotice(_ context.Context, gp *gpdomain.GracePeriod) {
	n.log.Warn("alert.action_applied",
		zap.Int64("tenant_id", gp.TenantID.Int64()),
		zap.Int64("grace_period_id", gp.ID.Int64()),
		zap.String("resource_type", string(gp.ResourceType)),
		zap.Int64("resource_id", gp.ResourceID.Int64()),
		zap.String("action", string(gp.Action)),
	)
}

var Module = fx.Module("alert",
	fx.Provide(NewLogNotifier),
)
