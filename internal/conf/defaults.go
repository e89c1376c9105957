// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/forcedaq/forcedaq/internal/logger"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.defaultlevel", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.fileoutput.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.fileoutput.path", logger.DefaultLogPath)
	v.SetDefault("logging.fileoutput.level", logger.DefaultLogLevel)

	v.SetDefault("sensors", []map[string]any{
		{"deviceid": 1, "name": "primary", "driver": DriverDummy, "samplerate": 1000},
	})

	v.SetDefault("recording.directory", "data")
	v.SetDefault("recording.filename", "daq_recording")
	v.SetDefault("recording.timestampfilename", false)
	v.SetDefault("recording.zipped", false)
	v.SetDefault("recording.varnames", true)
	v.SetDefault("recording.comment", "")
	v.SetDefault("recording.biassamples", 1000)
	v.SetDefault("recording.flushinterval", time.Duration(0))
	v.SetDefault("recording.pollinterval", 10*time.Millisecond)

	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.transport", TransportUDP)
	v.SetDefault("remote.udp.listen", "0.0.0.0:5005")
	v.SetDefault("remote.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("remote.mqtt.clientid", "forcedaq")
	v.SetDefault("remote.mqtt.topic", "forcedaq")
	v.SetDefault("remote.valuettl", time.Second)
	v.SetDefault("remote.remotecontrol", false)

	v.SetDefault("telemetry.metrics.enabled", false)
	v.SetDefault("telemetry.metrics.listen", "localhost:8090")
	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")
}
