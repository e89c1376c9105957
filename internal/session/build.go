package session

import (
	"github.com/benbjohnson/clock"

	"github.com/forcedaq/forcedaq/internal/conf"
	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
	"github.com/forcedaq/forcedaq/internal/recorder"
	"github.com/forcedaq/forcedaq/internal/remote"
)

// StreamCapacity is the number of raw frames a configured stream driver buffers.
const StreamCapacity = 16384

// sensorSet is the result of building the configured sensors.
type sensorSet struct {
	settings []daq.SensorSettings
	streams  []*daq.StreamDriver
}

// close releases every driver that was built. Used when a later step fails
// before the recorder takes ownership.
func (s *sensorSet) close() {
	for _, ss := range s.settings {
		_ = ss.Driver.Close()
	}
}

// buildSensors creates a driver and calibration for every configured sensor.
func buildSensors(cfgs []conf.SensorConfig, c clock.Clock) (*sensorSet, error) {
	set := &sensorSet{}
	for _, cfg := range cfgs {
		cal, err := buildCalibration(cfg.Calibration)
		if err != nil {
			set.close()
			return nil, errors.New(err).
				Component("session").
				Category(errors.CategoryConfiguration).
				Context("device_id", cfg.DeviceID).
				Build()
		}

		var driver daq.Driver
		switch cfg.Driver {
		case conf.DriverDummy:
			driver = daq.NewDummyDriver(c, cfg.SampleRate)
		case conf.DriverStream:
			sd := daq.NewStreamDriver(StreamCapacity)
			set.streams = append(set.streams, sd)
			driver = sd
		default:
			set.close()
			return nil, errors.Newf("unknown driver %q", cfg.Driver).
				Component("session").
				Category(errors.CategoryConfiguration).
				Context("device_id", cfg.DeviceID).
				Build()
		}

		set.settings = append(set.settings, daq.SensorSettings{
			DeviceID:    cfg.DeviceID,
			Calibration: cal,
			Driver:      driver,
		})
	}
	return set, nil
}

// buildCalibration returns the identity for an empty matrix.
func buildCalibration(cfg conf.CalibrationConfig) (daq.Calibration, error) {
	if len(cfg.Matrix) == 0 {
		return daq.IdentityCalibration{}, nil
	}
	return daq.NewMatrixCalibration(cfg.Matrix)
}

// buildTransport creates the configured command transport.
func buildTransport(settings conf.RemoteSettings, log logger.Logger) (remote.Transport, error) {
	switch settings.Transport {
	case conf.TransportUDP:
		return remote.ListenUDP(settings.UDP.Listen, remote.WithUDPLogger(log.Module("udp")))
	case conf.TransportMQTT:
		return remote.NewMQTTTransport(remote.MQTTConfig{
			Broker:   settings.MQTT.Broker,
			ClientID: settings.MQTT.ClientID,
			Topic:    settings.MQTT.Topic,
			Username: settings.MQTT.Username,
			Password: settings.MQTT.Password,
		}, log)
	default:
		return nil, errors.Newf("unknown transport %q", settings.Transport).
			Component("session").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// fileOptions maps recording settings to data file options.
func fileOptions(settings conf.RecordingSettings) recorder.FileOptions {
	return recorder.FileOptions{
		Directory:       settings.Directory,
		Filename:        settings.Filename,
		TimestampSuffix: settings.TimestampFilename,
		Zipped:          settings.Zipped,
		VarNames:        settings.VarNames,
		Comment:         settings.Comment,
	}
}
