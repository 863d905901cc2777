package sensorprocess

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-lio/measurement"
	s "github.com/viam-modules/viam-lio/sensors"
)

// StartIMU polls the IMU and pushes every sample to the sink. It returns true once a replay IMU runs out of
// data and false when the context is done.
func (config *Config) StartIMU(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
			if jobDone := config.addIMUReading(ctx); jobDone {
				return true
			}
		}
	}
}

func (config *Config) addIMUReading(ctx context.Context) bool {
	startTime := time.Now()
	reading, err := config.IMU.TimedIMUReading(ctx)
	if err != nil {
		if errors.Is(err, s.ErrEndOfDataset) && !config.online() {
			config.Logger.Info("imu replay finished")
			return true
		}
		if ctx.Err() == nil {
			config.Logger.Warnw("skipping imu reading", "error", err)
		}
		return false
	}

	if err := config.Sink.PushIMU(reading); err != nil {
		if errors.Is(err, measurement.ErrTimestampRegression) {
			config.Logger.Warnw("imu loop back, dropping sample", "error", err)
		} else {
			config.Logger.Warnw("unable to add imu reading", "error", err)
		}
	}

	if freq := config.IMU.DataFrequencyHz(); freq > 0 && config.online() {
		period := time.Second / time.Duration(freq)
		if remaining := period - time.Since(startTime); remaining > 0 {
			goutils.SelectContextOrWait(ctx, remaining)
		}
	}
	return false
}
