// Package metrics provides Prometheus collectors for the acquisition pipeline.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DAQMetrics contains Prometheus metrics for sensors and the recorder.
// A nil *DAQMetrics is valid and records nothing.
type DAQMetrics struct {
	registry *prometheus.Registry

	samplesProduced  *prometheus.CounterVec
	driverErrors     *prometheus.CounterVec
	biasRuns         *prometheus.CounterVec
	biasDuration     *prometheus.HistogramVec
	eventsDrained    *prometheus.CounterVec
	drainBatchSize   prometheus.Histogram
	recording        prometheus.Gauge
	fileWriteErrors  prometheus.Counter
	commandMessages  *prometheus.CounterVec
	channelConnected prometheus.Gauge

	collectors []prometheus.Collector
}

// NewDAQMetrics creates and registers acquisition metrics on registry.
func NewDAQMetrics(registry *prometheus.Registry) (*DAQMetrics, error) {
	m := &DAQMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register DAQ metrics: %w", err)
	}
	return m, nil
}

func (m *DAQMetrics) initMetrics() {
	m.samplesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcedaq_samples_produced_total",
			Help: "Total number of calibrated samples buffered by each sensor",
		},
		[]string{"device_id"},
	)

	m.driverErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcedaq_driver_errors_total",
			Help: "Total number of driver read failures per sensor",
		},
		[]string{"device_id"},
	)

	m.biasRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcedaq_bias_determinations_total",
			Help: "Total number of bias determinations by outcome",
		},
		[]string{"device_id", "status"},
	)

	m.biasDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forcedaq_bias_duration_seconds",
			Help:    "Time taken to collect bias samples",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount16),
		},
		[]string{"device_id"},
	)

	m.eventsDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcedaq_events_drained_total",
			Help: "Total number of events drained by the recorder by kind",
		},
		[]string{"kind"},
	)

	m.drainBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "forcedaq_drain_batch_size",
		Help:    "Number of events merged per drain",
		Buckets: prometheus.ExponentialBuckets(BucketStart1, BucketFactor2, BucketCount16),
	})

	m.recording = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forcedaq_recording",
		Help: "Whether the recorder is currently recording (1) or not (0)",
	})

	m.fileWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forcedaq_file_write_errors_total",
		Help: "Total number of failed data file writes",
	})

	m.commandMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcedaq_command_messages_total",
			Help: "Total number of command channel messages by direction",
		},
		[]string{"direction"},
	)

	m.channelConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forcedaq_command_channel_connected",
		Help: "Whether a remote peer has attached to the command channel",
	})

	m.collectors = []prometheus.Collector{
		m.samplesProduced,
		m.driverErrors,
		m.biasRuns,
		m.biasDuration,
		m.eventsDrained,
		m.drainBatchSize,
		m.recording,
		m.fileWriteErrors,
		m.commandMessages,
		m.channelConnected,
	}
}

// Describe implements the Collector interface
func (m *DAQMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DAQMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordSample counts one buffered sample.
func (m *DAQMetrics) RecordSample(deviceID int) {
	if m == nil {
		return
	}
	m.samplesProduced.WithLabelValues(strconv.Itoa(deviceID)).Inc()
}

// RecordDriverError counts one failed driver read.
func (m *DAQMetrics) RecordDriverError(deviceID int) {
	if m == nil {
		return
	}
	m.driverErrors.WithLabelValues(strconv.Itoa(deviceID)).Inc()
}

// RecordBias records the outcome and duration of a bias determination.
func (m *DAQMetrics) RecordBias(deviceID int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	id := strconv.Itoa(deviceID)
	status := LabelSuccess
	if err != nil {
		status = LabelFailure
	}
	m.biasRuns.WithLabelValues(id, status).Inc()
	m.biasDuration.WithLabelValues(id).Observe(duration.Seconds())
}

// RecordDrain records one merged drain batch. counts maps event kind to count.
func (m *DAQMetrics) RecordDrain(counts map[string]int) {
	if m == nil {
		return
	}
	total := 0
	for kind, n := range counts {
		m.eventsDrained.WithLabelValues(kind).Add(float64(n))
		total += n
	}
	m.drainBatchSize.Observe(float64(total))
}

// SetRecording updates the recording gauge.
func (m *DAQMetrics) SetRecording(recording bool) {
	if m == nil {
		return
	}
	if recording {
		m.recording.Set(1)
	} else {
		m.recording.Set(0)
	}
}

// RecordFileWriteError counts one failed data file write.
func (m *DAQMetrics) RecordFileWriteError() {
	if m == nil {
		return
	}
	m.fileWriteErrors.Inc()
}

// RecordCommandMessage counts one command channel message in direction.
func (m *DAQMetrics) RecordCommandMessage(direction string) {
	if m == nil {
		return
	}
	m.commandMessages.WithLabelValues(direction).Inc()
}

// SetChannelConnected updates the command channel connection gauge.
func (m *DAQMetrics) SetChannelConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.channelConnected.Set(1)
	} else {
		m.channelConnected.Set(0)
	}
}
