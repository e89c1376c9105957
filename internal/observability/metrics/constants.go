// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Label value constants used for metric labels.
const (
	// LabelSuccess marks an operation that completed.
	LabelSuccess = "success"
	// LabelFailure marks an operation that returned an error.
	LabelFailure = "failure"
	// LabelInbound is the direction label for received command messages.
	LabelInbound = "inbound"
	// LabelOutbound is the direction label for sent command messages.
	LabelOutbound = "outbound"
)

// Histogram bucket configuration constants.
const (
	// BucketStart1 is the starting bucket for batch-size histograms.
	BucketStart1 = 1.0
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketFactor2 is the common exponential growth factor.
	BucketFactor2 = 2
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount16 defines 16 exponential buckets.
	BucketCount16 = 16
)

// ShutdownTimeout bounds the metrics HTTP server shutdown.
const ShutdownTimeout = 5 * time.Second
