package inject

import (
	"context"

	s "github.com/viam-modules/viam-lio/sensors"
)

// TimedIMU is an injected TimedIMU.
type TimedIMU struct {
	s.IMU
	NameFunc            func() string
	DataFrequencyHzFunc func() int
	TimedIMUReadingFunc func(ctx context.Context) (s.IMUReading, error)
}

// Name calls the injected Name or the real version.
func (ti *TimedIMU) Name() string {
	if ti.NameFunc == nil {
		return ti.IMU.Name()
	}
	return ti.NameFunc()
}

// DataFrequencyHz calls the injected DataFrequencyHz or the real version.
func (ti *TimedIMU) DataFrequencyHz() int {
	if ti.DataFrequencyHzFunc == nil {
		return ti.IMU.DataFrequencyHz()
	}
	return ti.DataFrequencyHzFunc()
}

// TimedIMUReading calls the injected TimedIMUReading or the real version.
func (ti *TimedIMU) TimedIMUReading(ctx context.Context) (s.IMUReading, error) {
	if ti.TimedIMUReadingFunc == nil {
		return ti.IMU.TimedIMUReading(ctx)
	}
	return ti.TimedIMUReadingFunc(ctx)
}
