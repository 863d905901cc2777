// Package viamlio_test runs the service end to end against replayed recordings and injected sensor
// dependencies.
package viamlio_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"

	viamlio "github.com/viam-modules/viam-lio"
	"github.com/viam-modules/viam-lio/config"
	"github.com/viam-modules/viam-lio/internal/testhelper"
	s "github.com/viam-modules/viam-lio/sensors"
	"github.com/viam-modules/viam-lio/trajectory"
)

const (
	testTimeout = 5 * time.Second
	jobTimeout  = 20 * time.Second
)

func testConfig(t *testing.T) *config.Config {
	zero := 0
	return &config.Config{
		DataDirectory: t.TempDir(),
		Common:        config.CommonConfig{Lidar: "lidar", IMU: "imu"},
		Mapping: config.MappingConfig{
			AccNorm:      testhelper.Gravity,
			InitMapSize:  1,
			IMUInitCount: &zero,
		},
	}
}

func waitForJobDone(t *testing.T, svc *viamlio.LIOService) {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	for time.Now().Before(deadline) {
		resp, err := svc.DoCommand(context.Background(), map[string]interface{}{"job_done": ""})
		test.That(t, err, test.ShouldBeNil)
		if done, _ := resp["job_done"].(bool); done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replay did not finish in time")
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	rec := testhelper.StationaryRecording(1, 2, 2)

	t.Run("missing lidar name", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.Lidar = ""
		_, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, testTimeout, rec.Lidar("lidar"), nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "common.lidar")
	})

	t.Run("offline lidar with an online imu", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.IMUDataFrequencyHz = 20
		_, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, testTimeout, rec.Lidar("lidar"), nil)
		test.That(t, err, test.ShouldBeError, "In offline mode, but imu data frequency is nonzero")
	})

	t.Run("online lidar with an offline imu", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.LidarDataFrequencyHz = 10
		_, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, testTimeout, rec.Lidar("lidar"), nil)
		test.That(t, err, test.ShouldBeError, "In online mode, but imu data frequency is zero")
	})

	t.Run("imu enabled without an imu", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.IMU = ""
		_, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, testTimeout, rec.Lidar("lidar"), nil)
		test.That(t, err, test.ShouldBeError, "mapping.imu_en is set but no common.imu is configured")
	})

	t.Run("lidar missing from the dependencies", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.Lidar = string(s.GibberishLidar)
		_, err := viamlio.New(ctx, s.SetupDeps(s.GoodLidar, s.GoodIMU), cfg, logger, testTimeout, nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "error getting lidar camera")
	})

	t.Run("imu that is not an imu", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.Lidar = string(s.GoodLidar)
		cfg.Common.IMU = string(s.MovementSensorNotIMU)
		_, err := viamlio.New(ctx, s.SetupDeps(s.GoodLidar, s.MovementSensorNotIMU), cfg, logger, testTimeout, nil, nil)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("online sensors from the dependencies", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Common.Lidar = string(s.GoodLidar)
		cfg.Common.IMU = string(s.GoodIMU)
		cfg.Common.LidarDataFrequencyHz = 10
		cfg.Common.IMUDataFrequencyHz = 100
		svc, err := viamlio.New(ctx, s.SetupDeps(s.GoodLidar, s.GoodIMU), cfg, logger, testTimeout, nil, nil)
		test.That(t, err, test.ShouldBeNil)

		resp, err := svc.DoCommand(ctx, map[string]interface{}{"job_done": ""})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["job_done"], test.ShouldBeFalse)
		test.That(t, svc.Close(ctx), test.ShouldBeNil)
	})

	t.Run("lidar only", func(t *testing.T) {
		cfg := testConfig(t)
		imuEnabled := false
		cfg.Mapping.IMUEn = &imuEnabled
		cfg.Common.IMU = ""
		svc, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, testTimeout, rec.Lidar("lidar"), nil)
		test.That(t, err, test.ShouldBeNil)
		waitForJobDone(t, svc)
		test.That(t, svc.Close(ctx), test.ShouldBeNil)
	})
}

func TestReplay(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	rec := testhelper.StationaryRecording(1, 6, 1)

	cfg := testConfig(t)
	interval := 2
	cfg.PCDSave = config.PCDSaveConfig{PCDSaveEn: true, Interval: &interval}
	cfg.TrajectoryDB = "trajectory.db"
	cfg.RuntimePosLogEnable = true

	svc, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, testTimeout, rec.Lidar("lidar"), rec.IMUSensor("imu"))
	test.That(t, err, test.ShouldBeNil)
	waitForJobDone(t, svc)

	pose, componentReference, err := svc.Position(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, componentReference, test.ShouldEqual, "lidar")
	// the sensor never moves, so the estimate stays close to the origin.
	test.That(t, pose.Point().Norm(), test.ShouldBeLessThan, 500)

	next, err := svc.PointCloudMap(ctx)
	test.That(t, err, test.ShouldBeNil)
	chunk, err := next()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(chunk), test.ShouldStartWith, "VERSION .7")

	path, err := svc.Trajectory(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldNotBeEmpty)
	test.That(t, len(path), test.ShouldBeLessThanOrEqualTo, len(rec.Scans))
	for i := 1; i < len(path); i++ {
		test.That(t, path[i].Time, test.ShouldBeGreaterThan, path[i-1].Time)
	}

	runID := svc.TrajectoryRunID()
	test.That(t, runID, test.ShouldNotBeEmpty)
	test.That(t, svc.Close(ctx), test.ShouldBeNil)

	t.Run("trajectory is persisted", func(t *testing.T) {
		store, err := trajectory.Open(ctx, filepath.Join(cfg.DataDirectory, "trajectory.db"), logger)
		test.That(t, err, test.ShouldBeNil)
		defer func() { test.That(t, store.Close(), test.ShouldBeNil) }()
		stored, err := store.Poses(ctx, runID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cmp.Diff(path, stored), test.ShouldBeEmpty)
	})

	t.Run("scans are dumped", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Join(cfg.DataDirectory, "PCD"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, entries, test.ShouldNotBeEmpty)
	})

	t.Run("diagnostics are written", func(t *testing.T) {
		for _, name := range []string{"timing.log", "state.txt"} {
			info, err := os.Stat(filepath.Join(cfg.DataDirectory, "Log", name))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)
		}
	})
}
