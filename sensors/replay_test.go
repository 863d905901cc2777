package sensors_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	s "github.com/viam-modules/viam-lio/sensors"
)

func TestRecordingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recording.jsonl")
	rec := &s.Recording{
		Scans: []s.Scan{
			{BeginTime: 1.0, Points: []s.Point{{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Intensity: 9, OffsetMs: 0.5}}},
			{BeginTime: 1.1, Points: []s.Point{{Position: r3.Vector{X: 4, Y: 5, Z: 6}, Intensity: 1, OffsetMs: 50}}},
		},
		IMU: []s.IMUReading{
			{Time: 0.99, AngularVelocity: spatialmath.AngularVelocity{X: 0.1}, LinearAcceleration: r3.Vector{Z: 1}},
			{Time: 1.05, AngularVelocity: spatialmath.AngularVelocity{Y: 0.2}, LinearAcceleration: r3.Vector{Z: 1}},
		},
	}
	test.That(t, s.WriteRecording(rec, path), test.ShouldBeNil)

	loaded, err := s.LoadRecording(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(rec, loaded), test.ShouldBeEmpty)
}

func TestLoadRecordingErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := s.LoadRecording(filepath.Join(dir, "nope.jsonl"))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("line without a payload", func(t *testing.T) {
		path := filepath.Join(dir, "bad.jsonl")
		test.That(t, os.WriteFile(path, []byte("{}\n"), 0o600), test.ShouldBeNil)
		_, err := s.LoadRecording(path)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "neither scan nor imu")
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.jsonl")
		test.That(t, os.WriteFile(path, []byte("{\"scan\":\n"), 0o600), test.ShouldBeNil)
		_, err := s.LoadRecording(path)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestReplaySensors(t *testing.T) {
	rec := &s.Recording{
		Scans: []s.Scan{{BeginTime: 1}, {BeginTime: 2}},
		IMU:   []s.IMUReading{{Time: 0.5}},
	}
	ctx := context.Background()

	lidar := rec.Lidar("replay_lidar")
	test.That(t, lidar.Name(), test.ShouldEqual, "replay_lidar")
	test.That(t, lidar.DataFrequencyHz(), test.ShouldEqual, 0)

	scan, err := lidar.TimedLidarReading(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, scan.BeginTime, test.ShouldEqual, 1)
	scan, err = lidar.TimedLidarReading(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, scan.BeginTime, test.ShouldEqual, 2)
	_, err = lidar.TimedLidarReading(ctx)
	test.That(t, errors.Is(err, s.ErrEndOfDataset), test.ShouldBeTrue)

	imu := rec.IMUSensor("replay_imu")
	reading, err := imu.TimedIMUReading(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reading.Time, test.ShouldEqual, 0.5)
	_, err = imu.TimedIMUReading(ctx)
	test.That(t, errors.Is(err, s.ErrEndOfDataset), test.ShouldBeTrue)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = rec.IMUSensor("other").TimedIMUReading(cancelCtx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
