package daq

import "github.com/forcedaq/forcedaq/internal/errors"

var (
	// ErrSensorNotRunning is returned for control calls before Start or after Stop.
	ErrSensorNotRunning = errors.NewStd("sensor is not running")

	// ErrBiasInProgress is returned when a bias determination is already running.
	ErrBiasInProgress = errors.NewStd("bias determination already in progress")

	// ErrBiasFailed wraps the driver failure that aborted a bias determination.
	ErrBiasFailed = errors.NewStd("bias determination failed")

	// ErrInvalidSettings is returned for unusable SensorSettings.
	ErrInvalidSettings = errors.NewStd("invalid sensor settings")
)
