package conf

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Driver names accepted in sensor configuration.
const (
	DriverDummy  = "dummy"
	DriverStream = "stream"
)

// Transport names accepted in remote configuration.
const (
	TransportUDP  = "udp"
	TransportMQTT = "mqtt"
)

// CalibrationConfig holds an optional 6x6 calibration matrix. An empty
// matrix means identity.
type CalibrationConfig struct {
	Matrix [][]float64 `yaml:"matrix,omitempty"`
}

// SensorConfig describes one force sensor.
type SensorConfig struct {
	DeviceID    int               `yaml:"deviceid"`
	Name        string            `yaml:"name"`
	Driver      string            `yaml:"driver"`     // dummy or stream
	SampleRate  int               `yaml:"samplerate"` // Hz, dummy driver only; 0 is unpaced
	Calibration CalibrationConfig `yaml:"calibration"`
}

// RecordingSettings controls the data file and the session loop.
type RecordingSettings struct {
	Directory         string        `yaml:"directory"`
	Filename          string        `yaml:"filename"`
	TimestampFilename bool          `yaml:"timestampfilename"`
	Zipped            bool          `yaml:"zipped"`
	VarNames          bool          `yaml:"varnames"`
	Comment           string        `yaml:"comment"`
	BiasSamples       int           `yaml:"biassamples"`
	FlushInterval     time.Duration `yaml:"flushinterval"` // 0 disables periodic flushing
	PollInterval      time.Duration `yaml:"pollinterval"`  // session loop tick
}

// UDPSettings configures the UDP command transport.
type UDPSettings struct {
	Listen string `yaml:"listen"`
}

// MQTTSettings configures the MQTT command transport.
type MQTTSettings struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientid"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RemoteSettings configures the command channel.
type RemoteSettings struct {
	Enabled       bool          `yaml:"enabled"`
	Transport     string        `yaml:"transport"` // udp or mqtt
	UDP           UDPSettings   `yaml:"udp"`
	MQTT          MQTTSettings  `yaml:"mqtt"`
	ValueTTL      time.Duration `yaml:"valuettl"`
	RemoteControl bool          `yaml:"remotecontrol"` // execute $cmd messages
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// TelemetrySettings groups observability settings.
type TelemetrySettings struct {
	Metrics MetricsSettings `yaml:"metrics"`
	Sentry  SentrySettings  `yaml:"sentry"`
}

// Settings is the complete configuration.
type Settings struct {
	Debug bool // true to enable debug logging

	Logging   logger.LoggingConfig `yaml:"logging"`
	Sensors   []SensorConfig       `yaml:"sensors"`
	Recording RecordingSettings    `yaml:"recording"`
	Remote    RemoteSettings       `yaml:"remote"`
	Telemetry TelemetrySettings    `yaml:"telemetry"`
}

// Load reads configFile, or config.yaml from the default search paths when
// configFile is empty, applies FORCEDAQ_ environment overrides and
// validates the result. A missing default config file is created from the
// embedded defaults.
func Load(configFile string, opts ...LoadOption) (*Settings, error) {
	v := viper.New()
	if err := initViper(v, configFile); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("operation", "bind flags").
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("config_file", v.ConfigFileUsed()).
			Build()
	}

	return settings, nil
}

// LoadOption adjusts the viper instance used by Load.
type LoadOption func(v *viper.Viper) error

// WithFlag binds a command-line flag to a config key. A flag given on the
// command line overrides the file and the environment. A nil flag is
// ignored so callers can bind flags a sub-command does not define.
func WithFlag(key string, flag *pflag.Flag) LoadOption {
	return func(v *viper.Viper) error {
		if flag == nil {
			return nil
		}
		return v.BindPFlag(key, flag)
	}
}

// initViper registers defaults and environment bindings, then reads the
// config file.
func initViper(v *viper.Viper, configFile string) error {
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		GetLogger().Warn("environment overrides ignored", logger.Error(err))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("config_file", configFile).
				Build()
		}
		return nil
	}

	v.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(v, configPaths[0])
		}
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "read config").
			Build()
	}
	return nil
}

// createDefaultConfig writes the embedded defaults to dir/config.yaml and
// reads them back.
func createDefaultConfig(v *viper.Viper, dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}
	if err := os.WriteFile(configPath, getDefaultConfig(), 0o644); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	v.SetConfigFile(configPath)
	return v.ReadInConfig()
}

// getDefaultConfig returns the embedded default config.yaml.
func getDefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		// The file is embedded at build time.
		panic(err)
	}
	return data
}

// SaveYAMLConfig writes settings to configPath through a temporary file
// and a rename, so readers never see a partial file. Comments in an
// existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal").
			Build()
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", tempFileName).
			Build()
	}
	if err := tempFile.Close(); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", tempFileName).
			Build()
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", configPath).
			Build()
	}
	return nil
}
