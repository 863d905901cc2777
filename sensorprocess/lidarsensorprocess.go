package sensorprocess

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-lio/measurement"
	s "github.com/viam-modules/viam-lio/sensors"
)

// StartLidar polls the lidar and pushes every scan to the sink. It returns true once a replay lidar runs out
// of data and false when the context is done.
func (config *Config) StartLidar(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
			if jobDone := config.addLidarReading(ctx); jobDone {
				return true
			}
		}
	}
}

// addLidarReading reads one scan, pushes it, and in online mode sleeps out the rest of the lidar period.
func (config *Config) addLidarReading(ctx context.Context) bool {
	startTime := time.Now()
	scan, err := config.Lidar.TimedLidarReading(ctx)
	if err != nil {
		if errors.Is(err, s.ErrEndOfDataset) && !config.online() {
			config.Logger.Info("lidar replay finished")
			return true
		}
		if ctx.Err() == nil {
			config.Logger.Warnw("skipping lidar reading", "error", err)
		}
		return false
	}

	config.pushScan(scan)

	if config.online() {
		period := time.Second / time.Duration(config.Lidar.DataFrequencyHz())
		if remaining := period - time.Since(startTime); remaining > 0 {
			goutils.SelectContextOrWait(ctx, remaining)
		}
	}
	return false
}

// pushScan pre-processes a scan and hands it to the sink. A scan from before the last accepted one is
// dropped, or, with ResetOnTimeJump, starts a new timeline.
func (config *Config) pushScan(scan s.Scan) {
	scan = s.Preprocess(scan, config.Blind, config.PointFilterNum)
	err := config.Sink.PushScan(scan)
	if err == nil {
		config.Logger.Debugw("lidar scan added", "time", scan.BeginTime, "points", len(scan.Points))
		return
	}
	if !errors.Is(err, measurement.ErrTimestampRegression) {
		config.Logger.Warnw("unable to add lidar scan", "error", err)
		return
	}
	if !config.ResetOnTimeJump {
		config.Logger.Warnw("lidar loop back, dropping scan", "error", err)
		return
	}

	config.Logger.Warnw("lidar time jumped backwards, resetting", "time", scan.BeginTime)
	config.Sink.Reset()
	if config.RequestReset != nil {
		config.RequestReset()
	}
	if err := config.Sink.PushScan(scan); err != nil {
		config.Logger.Warnw("unable to add lidar scan after reset", "error", err)
	}
}
