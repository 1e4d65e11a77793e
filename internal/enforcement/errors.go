package enforcement

import "errors"

var (
	ErrInvalidConfig  = errors.New("invalid_enforcer_config")
	ErrActionFailed   = errors.New("action_failed")
	ErrAlreadyRunning = errors.New("enforcement_cycle_already_running")
)
