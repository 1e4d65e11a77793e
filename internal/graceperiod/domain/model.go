// Package domain holds the grace period record and its status state machine.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	resourcedomain "github.com/flowline/flowline/internal/resource/domain"
	"gorm.io/datatypes"
)

// Status is the grace period lifecycle state.
//
// ACTIVE -> WARNING -> EXPIRED -> RESOLVED, with CANCELLED reachable from
// every non-terminal state. RESOLVED and CANCELLED are terminal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusWarning   Status = "WARNING"
	StatusExpired   Status = "EXPIRED"
	StatusResolved  Status = "RESOLVED"
	StatusCancelled Status = "CANCELLED"
)

// OpenStatuses are the states in which a grace period still tracks its
// resource. The storage uniqueness constraint is scoped to these.
func OpenStatuses() []Status {
	return []Status{StatusActive, StatusWarning}
}

var transitions = map[Status]map[Status]bool{
	StatusActive: {
		StatusWarning:   true,
		StatusExpired:   true,
		StatusResolved:  true, // tenant dropped back under the limit
		StatusCancelled: true,
	},
	StatusWarning: {
		StatusExpired:   true,
		StatusResolved:  true,
		StatusCancelled: true,
	},
	StatusExpired: {
		StatusResolved:  true, // action applied
		StatusCancelled: true,
	},
	StatusResolved:  {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Terminal reports whether s admits no further transitions.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// GracePeriod tracks one over-limit resource between detection and
// enforcement.
type GracePeriod struct {
	ID           snowflake.ID                `gorm:"primaryKey"`
	TenantID     snowflake.ID                `gorm:"column:tenant_id;not null;index:ix_grace_periods_tenant"`
	ResourceType resourcedomain.ResourceType `gorm:"column:resource_type;type:text;not null"`
	ResourceID   snowflake.ID                `gorm:"column:resource_id;not null"`
	Action       resourcedomain.Action       `gorm:"type:text;not null"`
	Status       Status                      `gorm:"type:text;not null;index:ix_grace_periods_status"`
	StartsAt     time.Time                   `gorm:"not null"`
	ExpiresAt    time.Time                   `gorm:"not null;index:ix_grace_periods_expires"`
	WarnedAt     *time.Time                  `gorm:""`
	ResolvedAt   *time.Time                  `gorm:""`
	Reason       string                      `gorm:"type:text"`
	Metadata     datatypes.JSONMap           `gorm:"type:jsonb"`
	CreatedAt    time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (GracePeriod) TableName() string { return "grace_periods" }

var (
	ErrDuplicateGracePeriod = errors.New("duplicate_grace_period")
	ErrStaleTransition      = errors.New("stale_status_transition")
	ErrNotFound             = errors.New("grace_period_not_found")
)

// InvalidTransitionError rejects a status change the state machine does not
// allow.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid grace period transition %s -> %s", e.From, e.To)
}

// NewInvalidTransition builds the rejection for from -> to.
func NewInvalidTransition(from, to Status) error {
	return &InvalidTransitionError{From: from, To: to}
}
