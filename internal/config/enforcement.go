package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnforcementRule decides what happens to one resource type when it is found
// over the plan limit.
type EnforcementRule struct {
	Action    string `mapstructure:"action"`
	GraceDays int    `mapstructure:"graceDays"`
}

// EnforcementPolicy is the tunable surface of the downgrade engine: how often
// the loop runs, how long tenants get before enforcement, and which action
// each resource type receives.
type EnforcementPolicy struct {
	IntervalSeconds       int                        `mapstructure:"intervalSeconds"`
	WarningLeadDays       int                        `mapstructure:"warningLeadDays"`
	DeletionRetentionDays int                        `mapstructure:"deletionRetentionDays"`
	Rules                 map[string]EnforcementRule `mapstructure:"rules"`
}

func DefaultEnforcementPolicy() EnforcementPolicy {
	return EnforcementPolicy{
		IntervalSeconds:       300,
		WarningLeadDays:       7,
		DeletionRetentionDays: 30,
		Rules: map[string]EnforcementRule{
			"ENVIRONMENT": {Action: "READ_ONLY", GraceDays: 14},
			"TEAM_MEMBER": {Action: "DISABLE", GraceDays: 14},
			"WORKFLOW":    {Action: "DISABLE", GraceDays: 14},
			"EXECUTION":   {Action: "SCHEDULE_DELETION", GraceDays: 30},
			"AUDIT_LOG":   {Action: "ARCHIVE", GraceDays: 30},
			"SNAPSHOT":    {Action: "SCHEDULE_DELETION", GraceDays: 14},
		},
	}
}

// Days converts a whole-day policy value to a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (p EnforcementPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p EnforcementPolicy) WarningLead() time.Duration {
	return time.Duration(p.WarningLeadDays) * 24 * time.Hour
}

// RuleFor returns the rule for a resource type, falling back to the coded
// default when the file omits one.
func (p EnforcementPolicy) RuleFor(resourceType string) EnforcementRule {
	if rule, ok := p.Rules[resourceType]; ok {
		return rule
	}
	if rule, ok := DefaultEnforcementPolicy().Rules[resourceType]; ok {
		return rule
	}
	return EnforcementRule{Action: "WARN_ONLY", GraceDays: 14}
}

// EnforcementPolicyHolder serves the current policy and hot-reloads it when
// the backing file changes.
type EnforcementPolicyHolder struct {
	current atomic.Value // holds EnforcementPolicy
}

func NewEnforcementPolicyHolder() (*EnforcementPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("enforcement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/flowline/config") // Volume-mounted config
	v.AddConfigPath("/etc/flowline")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("FLOWLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultEnforcementPolicy()
	if fileFound {
		if err := v.UnmarshalKey("enforcement", &cfg); err != nil {
			return nil, err
		}
		cfg = mergeWithDefaults(cfg)
	}
	if err := validateEnforcementPolicy(cfg); err != nil {
		return nil, err
	}

	holder := &EnforcementPolicyHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated EnforcementPolicy
			if err := v.UnmarshalKey("enforcement", &updated); err != nil {
				log.Printf("[enforcement-config] reload failed: %v", err)
				return
			}
			updated = mergeWithDefaults(updated)
			if err := validateEnforcementPolicy(updated); err != nil {
				log.Printf("[enforcement-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[enforcement-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *EnforcementPolicyHolder) Get() EnforcementPolicy {
	return h.current.Load().(EnforcementPolicy)
}

// DeletionRetention satisfies the resource controller's retention source.
func (h *EnforcementPolicyHolder) DeletionRetention() time.Duration {
	return time.Duration(h.Get().DeletionRetentionDays) * 24 * time.Hour
}

func mergeWithDefaults(cfg EnforcementPolicy) EnforcementPolicy {
	defaults := DefaultEnforcementPolicy()
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = defaults.IntervalSeconds
	}
	if cfg.WarningLeadDays <= 0 {
		cfg.WarningLeadDays = defaults.WarningLeadDays
	}
	if cfg.DeletionRetentionDays <= 0 {
		cfg.DeletionRetentionDays = defaults.DeletionRetentionDays
	}
	if cfg.Rules == nil {
		cfg.Rules = defaults.Rules
	}
	return cfg
}

func validateEnforcementPolicy(cfg EnforcementPolicy) error {
	if len(cfg.Rules) == 0 {
		return errors.New("enforcement.rules cannot be empty")
	}
	for resourceType, rule := range cfg.Rules {
		if strings.TrimSpace(rule.Action) == "" {
			return errors.New("enforcement.rules." + resourceType + ".action cannot be empty")
		}
		if rule.GraceDays <= 0 {
			return errors.New("enforcement.rules." + resourceType + ".graceDays must be positive")
		}
	}
	return nil
}
