package daq

import (
	"github.com/forcedaq/forcedaq/internal/errors"
)

// Counts holds one raw reading of all analog channels.
type Counts [NumChannels]float64

// Sub returns c minus offset, channel by channel.
func (c Counts) Sub(offset Counts) Counts {
	var out Counts
	for i := range c {
		out[i] = c[i] - offset[i]
	}
	return out
}

// Calibration converts bias-corrected raw counts to forces and torques.
// Implementations must be safe for concurrent use.
type Calibration interface {
	Apply(c Counts) Forces
}

// IdentityCalibration maps channel i directly to axis i.
type IdentityCalibration struct{}

// Apply implements Calibration.
func (IdentityCalibration) Apply(c Counts) Forces {
	return Forces{Fx: c[0], Fy: c[1], Fz: c[2], Tx: c[3], Ty: c[4], Tz: c[5]}
}

// MatrixCalibration is a linear 6x6 calibration: axes = Matrix × counts.
type MatrixCalibration struct {
	Matrix [NumChannels][NumChannels]float64
}

// NewMatrixCalibration builds a MatrixCalibration from a row-major matrix,
// as it appears in configuration files.
func NewMatrixCalibration(rows [][]float64) (*MatrixCalibration, error) {
	if len(rows) != NumChannels {
		return nil, errors.Newf("calibration matrix has %d rows, want %d", len(rows), NumChannels).
			Component("daq").
			Category(errors.CategoryConfiguration).
			Build()
	}

	m := &MatrixCalibration{}
	for i, row := range rows {
		if len(row) != NumChannels {
			return nil, errors.Newf("calibration matrix row %d has %d columns, want %d", i, len(row), NumChannels).
				Component("daq").
				Category(errors.CategoryConfiguration).
				Build()
		}
		copy(m.Matrix[i][:], row)
	}
	return m, nil
}

// Apply implements Calibration.
func (m *MatrixCalibration) Apply(c Counts) Forces {
	var out [NumChannels]float64
	for i := range m.Matrix {
		for j, v := range m.Matrix[i] {
			out[i] += v * c[j]
		}
	}
	return Forces{Fx: out[0], Fy: out[1], Fz: out[2], Tx: out[3], Ty: out[4], Tz: out[5]}
}
