// Package sensorprocess polls the lidar and IMU and pushes their readings into the measurement synchronizer.
package sensorprocess

import (
	"go.viam.com/rdk/logging"

	s "github.com/viam-modules/viam-lio/sensors"
)

// Sink receives pre-processed scans and IMU samples. It is implemented by *measurement.Synchronizer.
type Sink interface {
	PushScan(scan s.Scan) error
	PushIMU(reading s.IMUReading) error
	Reset()
}

// Config holds everything the producer loops need.
type Config struct {
	Sink  Sink
	Lidar s.TimedLidar
	// IMU is nil when the IMU is disabled.
	IMU s.TimedIMU

	Blind          float64
	PointFilterNum int

	// ResetOnTimeJump clears the sink and calls RequestReset when the lidar clock jumps backwards.
	ResetOnTimeJump bool
	RequestReset    func()

	Logger logging.Logger
}

// online reports whether the lidar streams live data. A replay lidar reports a data frequency of zero and is
// read as fast as the pipeline allows.
func (config *Config) online() bool {
	return config.Lidar.DataFrequencyHz() != 0
}
