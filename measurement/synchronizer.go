// Package measurement buffers lidar scans and IMU samples from independent producers and assembles them
// into time-consistent measurement groups for the fusion loop.
package measurement

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/viam-modules/viam-lio/config"
	s "github.com/viam-modules/viam-lio/sensors"
)

// ErrTimestampRegression is returned when a scan or IMU sample is older than the last accepted one.
var ErrTimestampRegression = errors.New("timestamp regression")

// MeasureGroup is one scan plus the IMU samples covering it.
type MeasureGroup struct {
	Scan         s.Scan
	IMU          []s.IMUReading
	LidarBegTime float64
	LidarEndTime float64
}

// Config holds the synchronizer settings.
type Config struct {
	IMUEnabled           bool
	Policy               config.ScanPolicy
	CutFrameTimeInterval float64
	ConFrameNum          int
	TimeLagIMUToLidar    float64
}

// Synchronizer owns the scan and IMU buffers. Producers push from their own goroutines; a single consumer
// calls SyncPackages. Every buffer access happens under mu.
type Synchronizer struct {
	cfg Config

	mu     sync.Mutex
	scans  []s.Scan
	imu    []s.IMUReading
	notify chan struct{}

	lastLidarTime float64
	lastIMUTime   float64
	haveLidar     bool
	haveIMU       bool

	// claimed is set once the front scan's end time has been computed and the group waits for IMU coverage.
	claimed      bool
	lidarEndTime float64

	warmup       bool
	lastConsumed *s.IMUReading

	concat      []s.Point
	concatCount int
	concatBeg   float64
}

// NewSynchronizer returns an empty synchronizer.
func NewSynchronizer(cfg Config) *Synchronizer {
	if cfg.ConFrameNum < 1 {
		cfg.ConFrameNum = 1
	}
	return &Synchronizer{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Ready returns a channel that receives after pushes. A receive does not guarantee a group is ready.
func (sc *Synchronizer) Ready() <-chan struct{} {
	return sc.notify
}

func (sc *Synchronizer) signal() {
	select {
	case sc.notify <- struct{}{}:
	default:
	}
}

// PushScan accepts a pre-processed scan and buffers it according to the configured scan policy.
// A scan that begins before the last accepted scan is rejected with ErrTimestampRegression.
func (sc *Synchronizer) PushScan(scan s.Scan) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.haveLidar && scan.BeginTime < sc.lastLidarTime {
		return errors.Wrapf(ErrTimestampRegression, "lidar scan at %.6f is before last scan at %.6f",
			scan.BeginTime, sc.lastLidarTime)
	}
	sc.lastLidarTime = scan.BeginTime
	sc.haveLidar = true

	switch sc.cfg.Policy {
	case config.Cut:
		sc.scans = append(sc.scans, cutScan(scan, sc.cfg.CutFrameTimeInterval)...)
	case config.Concat:
		sc.concatScan(scan)
	default:
		sc.scans = append(sc.scans, scan)
	}
	sc.signal()
	return nil
}

// PushIMU shifts the sample by the configured lag and buffers it. A sample older than the last accepted
// sample is rejected with ErrTimestampRegression.
func (sc *Synchronizer) PushIMU(reading s.IMUReading) error {
	reading.Time -= sc.cfg.TimeLagIMUToLidar
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.haveIMU && reading.Time < sc.lastIMUTime {
		return errors.Wrapf(ErrTimestampRegression, "imu sample at %.6f is before last sample at %.6f",
			reading.Time, sc.lastIMUTime)
	}
	sc.lastIMUTime = reading.Time
	sc.haveIMU = true
	sc.imu = append(sc.imu, reading)
	sc.signal()
	return nil
}

// SetWarmup controls whether the most recently consumed IMU sample is prepended to the next group.
func (sc *Synchronizer) SetWarmup(on bool) {
	sc.mu.Lock()
	sc.warmup = on
	sc.mu.Unlock()
}

// SyncPackages fills out with the next complete group and reports whether one was available. It never blocks
// waiting for data.
func (sc *Synchronizer) SyncPackages(out *MeasureGroup) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if len(sc.scans) == 0 {
		return false
	}

	if !sc.cfg.IMUEnabled {
		scan := sc.popScan()
		if len(scan.Points) == 0 {
			return false
		}
		*out = MeasureGroup{Scan: scan, LidarBegTime: scan.BeginTime, LidarEndTime: scan.EndTime()}
		return true
	}

	if len(sc.imu) == 0 {
		return false
	}

	if !sc.claimed {
		front := sc.scans[0]
		if len(front.Points) == 0 {
			sc.popScan()
			return false
		}
		sc.lidarEndTime = front.EndTime()
		sc.claimed = true
	}

	if sc.lastIMUTime < sc.lidarEndTime {
		return false
	}

	group := MeasureGroup{}
	if sc.warmup && sc.lastConsumed != nil {
		group.IMU = append(group.IMU, *sc.lastConsumed)
	}
	drained := 0
	for drained < len(sc.imu) && sc.imu[drained].Time <= sc.lidarEndTime {
		group.IMU = append(group.IMU, sc.imu[drained])
		drained++
	}
	if drained > 0 {
		last := sc.imu[drained-1]
		sc.lastConsumed = &last
		sc.imu = sc.imu[drained:]
	}

	scan := sc.popScan()
	group.Scan = scan
	group.LidarBegTime = scan.BeginTime
	group.LidarEndTime = sc.lidarEndTime
	sc.claimed = false
	*out = group
	return true
}

func (sc *Synchronizer) popScan() s.Scan {
	scan := sc.scans[0]
	sc.scans[0] = s.Scan{}
	sc.scans = sc.scans[1:]
	return scan
}

// Reset drops every buffered scan and sample and forgets the last accepted timestamps, so data from before a
// backward time jump can no longer hold back the new timeline.
func (sc *Synchronizer) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.scans = nil
	sc.imu = nil
	sc.haveLidar = false
	sc.haveIMU = false
	sc.lastLidarTime = 0
	sc.lastIMUTime = 0
	sc.claimed = false
	sc.lastConsumed = nil
	sc.concat = nil
	sc.concatCount = 0
	sc.concatBeg = 0
}

// NumScans returns the number of buffered scans.
func (sc *Synchronizer) NumScans() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.scans)
}

// NumIMU returns the number of buffered IMU samples.
func (sc *Synchronizer) NumIMU() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.imu)
}
