// Package inject provides a mock filter for testing.
package inject

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-lio/estimator"
)

// Filter is an injected estimator.IMUFilter. Unset funcs fall through to the embedded filter.
type Filter struct {
	estimator.IMUFilter
	ModelFunc                     func() estimator.Model
	StateFunc                     func() estimator.State
	SetStateFunc                  func(st estimator.State)
	CovarianceFunc                func() *mat.Dense
	PredictFunc                   func(dt float64, in estimator.Input, propagateState, propagateCov bool)
	UpdateIteratedMeasurementFunc func(m *estimator.Measurement) bool
	UpdateIMUFunc                 func(gyro, acc r3.Vector) bool
	ResetFunc                     func()
}

// NewFilter returns a new injected filter wrapping the output model built from opts.
func NewFilter(opts estimator.Options) *Filter {
	return &Filter{IMUFilter: estimator.NewOutputModel(opts)}
}

// Model calls the injected Model or the real version.
func (f *Filter) Model() estimator.Model {
	if f.ModelFunc == nil {
		return f.IMUFilter.Model()
	}
	return f.ModelFunc()
}

// State calls the injected State or the real version.
func (f *Filter) State() estimator.State {
	if f.StateFunc == nil {
		return f.IMUFilter.State()
	}
	return f.StateFunc()
}

// SetState calls the injected SetState or the real version.
func (f *Filter) SetState(st estimator.State) {
	if f.SetStateFunc == nil {
		f.IMUFilter.SetState(st)
		return
	}
	f.SetStateFunc(st)
}

// Covariance calls the injected Covariance or the real version.
func (f *Filter) Covariance() *mat.Dense {
	if f.CovarianceFunc == nil {
		return f.IMUFilter.Covariance()
	}
	return f.CovarianceFunc()
}

// Predict calls the injected Predict or the real version.
func (f *Filter) Predict(dt float64, in estimator.Input, propagateState, propagateCov bool) {
	if f.PredictFunc == nil {
		f.IMUFilter.Predict(dt, in, propagateState, propagateCov)
		return
	}
	f.PredictFunc(dt, in, propagateState, propagateCov)
}

// UpdateIteratedMeasurement calls the injected UpdateIteratedMeasurement or the real version.
func (f *Filter) UpdateIteratedMeasurement(m *estimator.Measurement) bool {
	if f.UpdateIteratedMeasurementFunc == nil {
		return f.IMUFilter.UpdateIteratedMeasurement(m)
	}
	return f.UpdateIteratedMeasurementFunc(m)
}

// UpdateIMU calls the injected UpdateIMU or the real version.
func (f *Filter) UpdateIMU(gyro, acc r3.Vector) bool {
	if f.UpdateIMUFunc == nil {
		return f.IMUFilter.UpdateIMU(gyro, acc)
	}
	return f.UpdateIMUFunc(gyro, acc)
}

// Reset calls the injected Reset or the real version.
func (f *Filter) Reset() {
	if f.ResetFunc == nil {
		f.IMUFilter.Reset()
		return
	}
	f.ResetFunc()
}
