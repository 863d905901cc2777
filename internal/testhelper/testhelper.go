// Package testhelper builds synthetic scenes, sensor streams and parameter sets shared by the tests of the
// viam-lio packages.
package testhelper

import (
	"math"
	"os"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/viam-modules/viam-lio/config"
	s "github.com/viam-modules/viam-lio/sensors"
)

const (
	// ScanPeriod is the duration of one synthetic sweep in seconds.
	ScanPeriod = 0.1
	// IMUPeriod is the interval between synthetic IMU samples in seconds.
	IMUPeriod = 0.01
	// RoomHalfSize is half the edge length of the synthetic room in metres.
	RoomHalfSize = 4.0
	// Gravity is the magnitude of the synthetic specific force.
	Gravity = 9.81
)

// ClearDirectory deletes the contents in the path directory
// without deleting path itself.
func ClearDirectory(t *testing.T, path string) {
	t.Helper()

	err := ResetFolder(path)
	test.That(t, err, test.ShouldBeNil)
}

// ResetFolder removes all content in path and creates a new, empty folder with the same mode.
func ResetFolder(path string) error {
	dirInfo, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !dirInfo.IsDir() {
		return errors.Errorf("the path passed ResetFolder does not point to a folder: %v", path)
	}
	if err = os.RemoveAll(path); err != nil {
		return err
	}
	return os.Mkdir(path, dirInfo.Mode())
}

// Params returns a parameter set for a stationary sensor in a small room: IMU on, output model,
// no warm-up beyond the first group and a single-scan initial map.
func Params() config.Params {
	return config.Params{
		ScanPolicy:     config.PassThrough,
		PointFilterNum: 1,

		IMUEnabled:    true,
		IMUTimeInte:   0.005,
		SatuAcc:       3,
		SatuGyro:      35,
		AccNorm:       Gravity,
		LidarMeasCov:  0.01,
		AccCovOutput:  500,
		GyrCovOutput:  1000,
		BAccCov:       0.0001,
		BGyrCov:       0.0001,
		IMUMeasAccCov: 0.1,
		IMUMeasOmgCov: 0.1,
		GyrCovInput:   0.01,
		AccCovInput:   0.1,
		VelCov:        20,
		PlaneThr:      0.1,
		MatchS:        81,

		DetRange:       100,
		CubeSideLength: 1000,
		FilterSizeSurf: 0.5,
		FilterSizeMap:  0.5,
		GravityAlign:   true,
		Gravity:        r3.Vector{Z: -Gravity},
		GravityInit:    r3.Vector{Z: -Gravity},
		ExtrinsicR:     [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		InitMapSize:    1,
		IMUInitCount:   0,
		MaxIteration:   3,

		PathEnabled:        true,
		ScanPublishEnabled: true,

		PropAtFreqOfIMU: true,
		CheckSatu:       true,
	}
}

// RoomScan returns one sweep of the inside of an axis aligned room centred on the origin, observed from
// sensorPos. Points walk the walls, floor and ceiling on a regular grid and their offsets spread evenly over
// ScanPeriod in the order they are generated.
func RoomScan(beginTime float64, sensorPos r3.Vector, step float64) s.Scan {
	var world []r3.Vector
	for a := -RoomHalfSize; a <= RoomHalfSize+1e-9; a += step {
		for b := -RoomHalfSize; b <= RoomHalfSize+1e-9; b += step {
			world = append(world,
				r3.Vector{X: a, Y: b, Z: -RoomHalfSize},
				r3.Vector{X: a, Y: b, Z: RoomHalfSize},
				r3.Vector{X: -RoomHalfSize, Y: a, Z: b},
				r3.Vector{X: RoomHalfSize, Y: a, Z: b},
				r3.Vector{X: a, Y: -RoomHalfSize, Z: b},
				r3.Vector{X: a, Y: RoomHalfSize, Z: b},
			)
		}
	}
	scan := s.Scan{BeginTime: beginTime, Points: make([]s.Point, len(world))}
	spanMs := ScanPeriod * 1000
	for i, w := range world {
		scan.Points[i] = s.Point{
			Position:  w.Sub(sensorPos),
			Intensity: float64(i % 256),
			OffsetMs:  math.Floor(spanMs * float64(i) / float64(len(world))),
		}
	}
	return scan
}

// FloorScan returns n points on the plane z = -height below the sensor, spread over a square of the given
// half width. Every point shares offsetMs.
func FloorScan(beginTime, height, halfWidth float64, n int, offsetMs float64) s.Scan {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	scan := s.Scan{BeginTime: beginTime}
	for i := 0; i < n; i++ {
		u := float64(i%side)/math.Max(float64(side-1), 1)*2 - 1
		v := float64(i/side)/math.Max(float64(side-1), 1)*2 - 1
		scan.Points = append(scan.Points, s.Point{
			Position: r3.Vector{X: u * halfWidth, Y: v * halfWidth, Z: -height},
			OffsetMs: offsetMs,
		})
	}
	return scan
}

// StationaryIMU returns samples every IMUPeriod from begin up to and including end for a sensor at rest with
// its z axis up.
func StationaryIMU(begin, end float64) []s.IMUReading {
	var out []s.IMUReading
	for i := 0; ; i++ {
		t := begin + float64(i)*IMUPeriod
		if t > end+1e-9 {
			return out
		}
		out = append(out, s.IMUReading{Time: t, LinearAcceleration: r3.Vector{Z: Gravity}})
	}
}

// StationaryRecording returns numScans room sweeps from a sensor at rest at the origin, starting at
// beginTime, with IMU samples covering one period before the first sweep through one period after the last.
func StationaryRecording(beginTime float64, numScans int, step float64) *s.Recording {
	rec := &s.Recording{}
	for i := 0; i < numScans; i++ {
		rec.Scans = append(rec.Scans, RoomScan(beginTime+float64(i)*ScanPeriod, r3.Vector{}, step))
	}
	rec.IMU = StationaryIMU(beginTime-IMUPeriod, beginTime+float64(numScans+1)*ScanPeriod)
	return rec
}
