// Package domain defines the plan-limited resource taxonomy and the
// collaborator interfaces the enforcement engine drives resources through.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ResourceType enumerates the plan-limited resource kinds.
type ResourceType string

const (
	ResourceTypeEnvironment ResourceType = "ENVIRONMENT"
	ResourceTypeTeamMember  ResourceType = "TEAM_MEMBER"
	ResourceTypeWorkflow    ResourceType = "WORKFLOW"
	ResourceTypeExecution   ResourceType = "EXECUTION"
	ResourceTypeAuditLog    ResourceType = "AUDIT_LOG"
	ResourceTypeSnapshot    ResourceType = "SNAPSHOT"
)

// AllResourceTypes lists every limited resource type, in detection order.
func AllResourceTypes() []ResourceType {
	return []ResourceType{
		ResourceTypeEnvironment,
		ResourceTypeTeamMember,
		ResourceTypeWorkflow,
		ResourceTypeExecution,
		ResourceTypeAuditLog,
		ResourceTypeSnapshot,
	}
}

// LimitFeatureCode maps a resource type to the catalog limit feature that
// caps it. Empty for unknown types.
func (t ResourceType) LimitFeatureCode() string {
	switch t {
	case ResourceTypeEnvironment:
		return "environments.max"
	case ResourceTypeTeamMember:
		return "team_members.max"
	case ResourceTypeWorkflow:
		return "workflows.max"
	case ResourceTypeExecution:
		return "executions.max"
	case ResourceTypeAuditLog:
		return "audit_logs.max"
	case ResourceTypeSnapshot:
		return "snapshots.max"
	}
	return ""
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceTypeEnvironment, ResourceTypeTeamMember, ResourceTypeWorkflow,
		ResourceTypeExecution, ResourceTypeAuditLog, ResourceTypeSnapshot:
		return true
	}
	return false
}

// Action is the downgrade remediation applied to an over-limit resource.
type Action string

const (
	ActionReadOnly         Action = "READ_ONLY"
	ActionScheduleDeletion Action = "SCHEDULE_DELETION"
	ActionDisable          Action = "DISABLE"
	ActionImmediateDelete  Action = "IMMEDIATE_DELETE"
	ActionWarnOnly         Action = "WARN_ONLY"
	ActionArchive          Action = "ARCHIVE"
)

// Valid reports whether a is a known downgrade action.
func (a Action) Valid() bool {
	switch a {
	case ActionReadOnly, ActionScheduleDeletion, ActionDisable,
		ActionImmediateDelete, ActionWarnOnly, ActionArchive:
		return true
	}
	return false
}

type ResourceStatus string

const (
	ResourceStatusActive   ResourceStatus = "active"
	ResourceStatusReadOnly ResourceStatus = "read_only"
	ResourceStatusDisabled ResourceStatus = "disabled"
	ResourceStatusArchived ResourceStatus = "archived"
)

// Resource is the platform-side registry row the engine counts and acts on.
type Resource struct {
	ID                  snowflake.ID      `gorm:"primaryKey"`
	TenantID            snowflake.ID      `gorm:"column:tenant_id;not null;index:ix_resources_tenant_type,priority:1"`
	Type                ResourceType      `gorm:"column:resource_type;type:text;not null;index:ix_resources_tenant_type,priority:2"`
	Name                string            `gorm:"type:text;not null"`
	Status              ResourceStatus    `gorm:"type:text;not null;default:'active'"`
	ReadOnly            bool              `gorm:"not null;default:false"`
	DisabledAt          *time.Time        `gorm:""`
	ArchivedAt          *time.Time        `gorm:""`
	DeletionScheduledAt *time.Time        `gorm:""`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Resource) TableName() string { return "resources" }

var (
	ErrUnknownResourceType = errors.New("unknown_resource_type")
	ErrUnknownAction       = errors.New("unknown_action")
	ErrResourceNotFound    = errors.New("resource_not_found")
)
