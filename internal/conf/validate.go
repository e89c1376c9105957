// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateSensors(settings.Sensors); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateRecordingSettings(&settings.Recording); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateRemoteSettings(&settings.Remote); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if err := validateTelemetrySettings(&settings.Telemetry); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateSensors checks driver names, ids and calibration shape
func validateSensors(sensors []SensorConfig) error {
	var errs []string
	seen := make(map[int]bool, len(sensors))

	for i, s := range sensors {
		if seen[s.DeviceID] {
			errs = append(errs, fmt.Sprintf("sensor %d: duplicate device id %d", i, s.DeviceID))
		}
		seen[s.DeviceID] = true

		switch s.Driver {
		case DriverDummy, DriverStream:
		default:
			errs = append(errs, fmt.Sprintf("sensor %d: unknown driver %q (want %s or %s)", i, s.Driver, DriverDummy, DriverStream))
		}

		if s.SampleRate < 0 {
			errs = append(errs, fmt.Sprintf("sensor %d: sample rate must not be negative", i))
		}

		if m := s.Calibration.Matrix; len(m) > 0 {
			if len(m) != 6 {
				errs = append(errs, fmt.Sprintf("sensor %d: calibration matrix needs 6 rows, got %d", i, len(m)))
			}
			for r, row := range m {
				if len(row) != 6 {
					errs = append(errs, fmt.Sprintf("sensor %d: calibration row %d needs 6 values, got %d", i, r, len(row)))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sensor settings errors: %v", errs)
	}
	return nil
}

// validateRecordingSettings validates the data file and loop settings
func validateRecordingSettings(settings *RecordingSettings) error {
	var errs []string

	if settings.BiasSamples <= 0 {
		errs = append(errs, "bias samples must be positive")
	}
	if settings.FlushInterval < 0 {
		errs = append(errs, "flush interval must not be negative")
	}
	if settings.PollInterval <= 0 {
		errs = append(errs, "poll interval must be positive")
	}
	if strings.ContainsAny(settings.Filename, `/\`) {
		errs = append(errs, "filename must not contain path separators")
	}
	if strings.Contains(settings.Comment, "\n") {
		errs = append(errs, "comment must be a single line")
	}

	if len(errs) > 0 {
		return fmt.Errorf("recording settings errors: %v", errs)
	}
	return nil
}

// validateRemoteSettings validates the command channel settings
func validateRemoteSettings(settings *RemoteSettings) error {
	if !settings.Enabled {
		return nil
	}

	var errs []string
	switch settings.Transport {
	case TransportUDP:
		if _, _, err := net.SplitHostPort(settings.UDP.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("invalid udp listen address %q: %v", settings.UDP.Listen, err))
		}
	case TransportMQTT:
		if settings.MQTT.Broker == "" {
			errs = append(errs, "mqtt broker is required")
		} else if _, err := url.Parse(settings.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Sprintf("invalid mqtt broker %q: %v", settings.MQTT.Broker, err))
		}
		if settings.MQTT.Topic == "" {
			errs = append(errs, "mqtt topic is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown transport %q (want %s or %s)", settings.Transport, TransportUDP, TransportMQTT))
	}

	if settings.ValueTTL <= 0 {
		errs = append(errs, "value ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("remote settings errors: %v", errs)
	}
	return nil
}

// validateTelemetrySettings validates metrics and sentry settings
func validateTelemetrySettings(settings *TelemetrySettings) error {
	var errs []string

	if settings.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(settings.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("invalid metrics listen address %q: %v", settings.Metrics.Listen, err))
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		errs = append(errs, "sentry dsn is required when sentry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry settings errors: %v", errs)
	}
	return nil
}
