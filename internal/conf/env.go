// env.go - environment variable overrides for forcedaq
package conf

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FORCEDAQ_RECORDING_DIRECTORY.
const EnvPrefix = "FORCEDAQ"

// envBinding holds metadata for a validated environment variable binding
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the environment variables validated on load.
// Every other key is still overridable through the automatic prefix mapping.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "FORCEDAQ_DEBUG", validateEnvBool},
		{"recording.directory", "FORCEDAQ_RECORDING_DIRECTORY", nil},
		{"recording.zipped", "FORCEDAQ_RECORDING_ZIPPED", validateEnvBool},
		{"recording.biassamples", "FORCEDAQ_RECORDING_BIASSAMPLES", validateEnvPositiveInt},
		{"recording.flushinterval", "FORCEDAQ_RECORDING_FLUSHINTERVAL", validateEnvDuration},
		{"remote.enabled", "FORCEDAQ_REMOTE_ENABLED", validateEnvBool},
		{"remote.udp.listen", "FORCEDAQ_REMOTE_UDP_LISTEN", validateEnvHostPort},
		{"remote.mqtt.broker", "FORCEDAQ_REMOTE_MQTT_BROKER", validateEnvBrokerURL},
		{"remote.mqtt.password", "FORCEDAQ_REMOTE_MQTT_PASSWORD", nil},
		{"telemetry.metrics.listen", "FORCEDAQ_TELEMETRY_METRICS_LISTEN", validateEnvHostPort},
		{"telemetry.sentry.dsn", "FORCEDAQ_TELEMETRY_SENTRY_DSN", nil},
	}
}

// bindEnvVars enables prefixed automatic overrides and validates the
// explicitly bound variables.
func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var warnings []string
	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("must be positive, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative, got %s", d)
	}
	return nil
}

func validateEnvHostPort(value string) error {
	_, _, err := net.SplitHostPort(value)
	return err
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp", "ssl", "ws", "wss", "mqtt", "mqtts":
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
