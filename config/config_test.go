package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils"
)

const testCfgPath = "lio.yaml"

func makeCfg() *Config {
	return &Config{
		DataDirectory: "/tmp/lio",
		Common:        CommonConfig{Lidar: "lidar", IMU: "imu"},
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("parses nested sections", func(t *testing.T) {
		path := filepath.Join(dir, "good.yaml")
		contents := `
data_dir: /data/lio
use_imu_as_input: true
prop_at_freq_of_imu: false
common:
  lidar: livox
  imu: livox_imu
  cut_frame: true
  cut_frame_time_interval: 0.05
  time_lag_imu_to_lidar: 0.002
preprocess:
  blind: 1.0
  point_filter_num: 3
mapping:
  imu_en: true
  det_range: 100
  extrinsic_T: [0.04, 0.02, -0.03]
  extrinsic_R: [1, 0, 0, 0, 1, 0, 0, 0, 1]
  imu_init_count: 0
pcd_save:
  pcd_save_en: true
  interval: 5
`
		test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
		cfg, err := Load(path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Validate(path), test.ShouldBeNil)
		test.That(t, cfg.DataDirectory, test.ShouldEqual, "/data/lio")
		test.That(t, cfg.Common.Lidar, test.ShouldEqual, "livox")
		test.That(t, cfg.Common.CutFrame, test.ShouldBeTrue)
		test.That(t, *cfg.Preprocess.Blind, test.ShouldEqual, 1.0)
		test.That(t, cfg.Mapping.ExtrinsicT, test.ShouldResemble, []float64{0.04, 0.02, -0.03})
		test.That(t, *cfg.PropAtFreqOfIMU, test.ShouldBeFalse)

		p := GetOptionalParameters(cfg, logging.NewTestLogger(t))
		test.That(t, p.ScanPolicy, test.ShouldEqual, Cut)
		test.That(t, p.CutFrameTimeInterval, test.ShouldEqual, 0.05)
		test.That(t, p.UseIMUAsInput, test.ShouldBeTrue)
		test.That(t, p.PropAtFreqOfIMU, test.ShouldBeFalse)
		test.That(t, p.IMUInitCount, test.ShouldEqual, 0)
		test.That(t, p.PCDSaveInterval, test.ShouldEqual, 5)
		test.That(t, p.DetRange, test.ShouldEqual, 100)
		test.That(t, p.ExtrinsicT, test.ShouldResemble, r3.Vector{X: 0.04, Y: 0.02, Z: -0.03})
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.yaml"))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		test.That(t, os.WriteFile(path, []byte("common: [unterminated"), 0o600), test.ShouldBeNil)
		_, err := Load(path)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestValidate(t *testing.T) {
	t.Run("simplest valid config", func(t *testing.T) {
		test.That(t, makeCfg().Validate(testCfgPath), test.ShouldBeNil)
	})

	t.Run("config without required fields", func(t *testing.T) {
		cfg := makeCfg()
		cfg.DataDirectory = ""
		test.That(t, cfg.Validate(testCfgPath), test.ShouldBeError,
			newError(utils.NewConfigValidationFieldRequiredError(testCfgPath, "data_dir").Error()))

		cfg = makeCfg()
		cfg.Common.Lidar = ""
		test.That(t, cfg.Validate(testCfgPath), test.ShouldBeError,
			newError(utils.NewConfigValidationFieldRequiredError(testCfgPath, "common.lidar").Error()))
	})

	t.Run("cut and concat together", func(t *testing.T) {
		cfg := makeCfg()
		cfg.Common.CutFrame = true
		cfg.Common.ConFrame = true
		test.That(t, cfg.Validate(testCfgPath), test.ShouldBeError,
			newError(utils.NewConfigValidationError(testCfgPath, errExclusiveScanModes).Error()))
	})

	t.Run("input model without imu", func(t *testing.T) {
		cfg := makeCfg()
		imuEn := false
		cfg.Mapping.IMUEn = &imuEn
		cfg.UseIMUAsInput = true
		test.That(t, cfg.Validate(testCfgPath), test.ShouldBeError,
			newError(utils.NewConfigValidationError(testCfgPath, errInputModelNeedsIMU).Error()))
	})

	t.Run("negative ranges", func(t *testing.T) {
		cfg := makeCfg()
		cfg.Mapping.DetRange = -1
		err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "mapping.det_range")
	})

	t.Run("malformed vectors", func(t *testing.T) {
		cfg := makeCfg()
		cfg.Mapping.Gravity = []float64{0, 0}
		err := cfg.Validate(testCfgPath)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "mapping.gravity")

		cfg = makeCfg()
		cfg.Mapping.ExtrinsicR = []float64{1, 0, 0}
		test.That(t, cfg.Validate(testCfgPath), test.ShouldBeError,
			newError(utils.NewConfigValidationError(testCfgPath, errBadRotation).Error()))
	})
}

func TestGetOptionalParameters(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("defaults", func(t *testing.T) {
		p := GetOptionalParameters(makeCfg(), logger)
		test.That(t, p.ScanPolicy, test.ShouldEqual, PassThrough)
		test.That(t, p.IMUEnabled, test.ShouldBeTrue)
		test.That(t, p.UseIMUAsInput, test.ShouldBeFalse)
		test.That(t, p.PropAtFreqOfIMU, test.ShouldBeTrue)
		test.That(t, p.SpaceDownSample, test.ShouldBeTrue)
		test.That(t, p.GravityAlign, test.ShouldBeTrue)
		test.That(t, p.Blind, test.ShouldEqual, defaultBlind)
		test.That(t, p.DetRange, test.ShouldEqual, defaultDetRange)
		test.That(t, p.CubeSideLength, test.ShouldEqual, defaultCubeSideLength)
		test.That(t, p.FilterSizeMap, test.ShouldEqual, defaultFilterSize)
		test.That(t, p.Gravity, test.ShouldResemble, r3.Vector{Z: -9.810})
		test.That(t, p.ExtrinsicR, test.ShouldResemble, [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
		test.That(t, p.IMUInitCount, test.ShouldEqual, defaultIMUInitCount)
		test.That(t, p.PCDSaveInterval, test.ShouldEqual, -1)
		test.That(t, p.PathEnabled, test.ShouldBeTrue)
	})

	t.Run("concat policy resolves its frame count", func(t *testing.T) {
		cfg := makeCfg()
		cfg.Common.ConFrame = true
		p := GetOptionalParameters(cfg, logger)
		test.That(t, p.ScanPolicy, test.ShouldEqual, Concat)
		test.That(t, p.ConFrameNum, test.ShouldEqual, defaultConFrameNum)
		test.That(t, p.ScanPolicy.String(), test.ShouldEqual, "concat")
	})

	t.Run("explicit zero blind is kept", func(t *testing.T) {
		cfg := makeCfg()
		blind := 0.0
		cfg.Preprocess.Blind = &blind
		p := GetOptionalParameters(cfg, logger)
		test.That(t, p.Blind, test.ShouldEqual, 0)
	})
}
