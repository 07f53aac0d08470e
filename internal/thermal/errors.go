package thermal

import "codeberg.org/mutker/thermalctl/internal/errors"

const (
	// Registry Errors
	ErrDuplicateKey   = errors.ErrorCode("thermal_duplicate_key")
	ErrUnknownKey     = errors.ErrorCode("thermal_unknown_key")
	ErrRegistrySealed = errors.ErrorCode("thermal_registry_sealed")

	// Configuration Errors
	ErrReadPolicy     = errors.ErrorCode("thermal_read_policy_failed")
	ErrInvalidPolicy  = errors.ErrorCode("thermal_invalid_policy")
	ErrInvalidParams  = errors.ErrorCode("thermal_invalid_params")
	ErrNotLoaded      = errors.ErrorCode("thermal_policy_not_loaded")
	ErrNotInitialized = errors.ErrorCode("thermal_not_initialized")

	// Runtime Errors
	ErrAlreadyRunning = errors.ErrorCode("thermal_already_running")
	ErrCollectFailed  = errors.ErrorCode("thermal_collect_failed")
	ErrNoSensors      = errors.ErrorCode("thermal_no_sensors")
	ErrSetFanSpeed    = errors.ErrorCode("thermal_set_fan_speed_failed")
	ErrNoFanSource    = errors.ErrorCode("thermal_no_fan_source")
	ErrAlarmFailed    = errors.ErrorCode("thermal_alarm_failed")
	ErrTickPanic      = errors.ErrorCode("thermal_tick_panic")
)
