// Package config implements loading, defaulting and validation of the lidar-inertial odometry configuration.
package config

import (
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"
)

// MovThreshold is the fraction of the detection range used as the local map window margin.
const MovThreshold = 1.5

var (
	errNegative           = errors.New("must not be negative")
	errExclusiveScanModes = errors.New("con_frame and cut_frame cannot both be enabled")
	errInputModelNeedsIMU = errors.New("use_imu_as_input requires mapping.imu_en")
	errBadRotation        = errors.New("mapping.extrinsic_R must have 9 entries")
	errBadVector          = errors.New("must have 3 entries")
)

// newError returns an error specific to a failure in the lio config.
func newError(configError string) error {
	return errors.Errorf("LIO configuration error: %s", configError)
}

// Config describes how to configure the lidar-inertial odometry pipeline.
type Config struct {
	DataDirectory string `json:"data_dir" yaml:"data_dir"`

	Common     CommonConfig     `json:"common" yaml:"common"`
	Preprocess PreprocessConfig `json:"preprocess" yaml:"preprocess"`
	Mapping    MappingConfig    `json:"mapping" yaml:"mapping"`
	Odometry   OdometryConfig   `json:"odometry" yaml:"odometry"`
	Publish    PublishConfig    `json:"publish" yaml:"publish"`
	PCDSave    PCDSaveConfig    `json:"pcd_save" yaml:"pcd_save"`

	UseIMUAsInput       bool   `json:"use_imu_as_input" yaml:"use_imu_as_input"`
	PropAtFreqOfIMU     *bool  `json:"prop_at_freq_of_imu" yaml:"prop_at_freq_of_imu"`
	CheckSatu           *bool  `json:"check_satu" yaml:"check_satu"`
	SpaceDownSample     *bool  `json:"space_down_sample" yaml:"space_down_sample"`
	OdomOnly            bool   `json:"odom_only" yaml:"odom_only"`
	RuntimePosLogEnable bool   `json:"runtime_pos_log_enable" yaml:"runtime_pos_log_enable"`
	TrajectoryDB        string `json:"trajectory_db" yaml:"trajectory_db"`
}

// CommonConfig holds sensor naming and scan segmentation settings.
type CommonConfig struct {
	Lidar                string  `json:"lidar" yaml:"lidar"`
	IMU                  string  `json:"imu" yaml:"imu"`
	ConFrame             bool    `json:"con_frame" yaml:"con_frame"`
	ConFrameNum          int     `json:"con_frame_num" yaml:"con_frame_num"`
	CutFrame             bool    `json:"cut_frame" yaml:"cut_frame"`
	CutFrameTimeInterval float64 `json:"cut_frame_time_interval" yaml:"cut_frame_time_interval"`
	TimeLagIMUToLidar    float64 `json:"time_lag_imu_to_lidar" yaml:"time_lag_imu_to_lidar"`
	LidarDataFrequencyHz int     `json:"lidar_data_frequency_hz" yaml:"lidar_data_frequency_hz"`
	IMUDataFrequencyHz   int     `json:"imu_data_frequency_hz" yaml:"imu_data_frequency_hz"`
	ResetOnTimeJump      bool    `json:"reset_on_time_jump" yaml:"reset_on_time_jump"`
}

// PreprocessConfig holds lidar pre-processing settings.
type PreprocessConfig struct {
	Blind          *float64 `json:"blind" yaml:"blind"`
	PointFilterNum int      `json:"point_filter_num" yaml:"point_filter_num"`
}

// MappingConfig holds estimator noise, extrinsic and map settings.
type MappingConfig struct {
	IMUEn                   *bool     `json:"imu_en" yaml:"imu_en"`
	StartInAggressiveMotion bool      `json:"start_in_aggressive_motion" yaml:"start_in_aggressive_motion"`
	ExtrinsicEstEn          bool      `json:"extrinsic_est_en" yaml:"extrinsic_est_en"`
	IMUTimeInte             float64   `json:"imu_time_inte" yaml:"imu_time_inte"`
	SatuAcc                 float64   `json:"satu_acc" yaml:"satu_acc"`
	SatuGyro                float64   `json:"satu_gyro" yaml:"satu_gyro"`
	AccNorm                 float64   `json:"acc_norm" yaml:"acc_norm"`
	LidarMeasCov            float64   `json:"lidar_meas_cov" yaml:"lidar_meas_cov"`
	AccCovOutput            float64   `json:"acc_cov_output" yaml:"acc_cov_output"`
	GyrCovOutput            float64   `json:"gyr_cov_output" yaml:"gyr_cov_output"`
	BAccCov                 float64   `json:"b_acc_cov" yaml:"b_acc_cov"`
	BGyrCov                 float64   `json:"b_gyr_cov" yaml:"b_gyr_cov"`
	IMUMeasAccCov           float64   `json:"imu_meas_acc_cov" yaml:"imu_meas_acc_cov"`
	IMUMeasOmgCov           float64   `json:"imu_meas_omg_cov" yaml:"imu_meas_omg_cov"`
	GyrCovInput             float64   `json:"gyr_cov_input" yaml:"gyr_cov_input"`
	AccCovInput             float64   `json:"acc_cov_input" yaml:"acc_cov_input"`
	VelCov                  float64   `json:"vel_cov" yaml:"vel_cov"`
	PlaneThr                float64   `json:"plane_thr" yaml:"plane_thr"`
	MatchS                  float64   `json:"match_s" yaml:"match_s"`
	DetRange                float64   `json:"det_range" yaml:"det_range"`
	CubeSideLength          float64   `json:"cube_side_length" yaml:"cube_side_length"`
	FilterSizeSurf          float64   `json:"filter_size_surf" yaml:"filter_size_surf"`
	FilterSizeMap           float64   `json:"filter_size_map" yaml:"filter_size_map"`
	GravityAlign            *bool     `json:"gravity_align" yaml:"gravity_align"`
	Gravity                 []float64 `json:"gravity" yaml:"gravity"`
	GravityInit             []float64 `json:"gravity_init" yaml:"gravity_init"`
	ExtrinsicT              []float64 `json:"extrinsic_T" yaml:"extrinsic_T"`
	ExtrinsicR              []float64 `json:"extrinsic_R" yaml:"extrinsic_R"`
	InitMapSize             int       `json:"init_map_size" yaml:"init_map_size"`
	IMUInitCount            *int      `json:"imu_init_count" yaml:"imu_init_count"`
	MaxIteration            int       `json:"max_iteration" yaml:"max_iteration"`
}

// OdometryConfig holds odometry emission settings.
type OdometryConfig struct {
	PublishOdometryWithoutDownsample bool `json:"publish_odometry_without_downsample" yaml:"publish_odometry_without_downsample"`
}

// PublishConfig holds egress toggles.
type PublishConfig struct {
	PathEn             *bool `json:"path_en" yaml:"path_en"`
	ScanPublishEn      *bool `json:"scan_publish_en" yaml:"scan_publish_en"`
	ScanBodyframePubEn bool  `json:"scan_bodyframe_pub_en" yaml:"scan_bodyframe_pub_en"`
	MapPublishInterval int   `json:"map_publish_interval" yaml:"map_publish_interval"`
}

// PCDSaveConfig holds point cloud dump settings.
type PCDSaveConfig struct {
	PCDSaveEn bool `json:"pcd_save_en" yaml:"pcd_save_en"`
	Interval  *int `json:"interval" yaml:"interval"`
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	//nolint:gosec
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	return cfg, nil
}

// Validate checks required fields and value ranges. Unset optional fields are accepted; call
// GetOptionalParameters afterwards to resolve them.
func (config *Config) Validate(path string) error {
	if config.DataDirectory == "" {
		return newError(utils.NewConfigValidationFieldRequiredError(path, "data_dir").Error())
	}
	if config.Common.Lidar == "" {
		return newError(utils.NewConfigValidationFieldRequiredError(path, "common.lidar").Error())
	}
	if config.Common.ConFrame && config.Common.CutFrame {
		return newError(utils.NewConfigValidationError(path, errExclusiveScanModes).Error())
	}
	if config.UseIMUAsInput && config.Mapping.IMUEn != nil && !*config.Mapping.IMUEn {
		return newError(utils.NewConfigValidationError(path, errInputModelNeedsIMU).Error())
	}
	for name, v := range map[string]float64{
		"mapping.det_range":        config.Mapping.DetRange,
		"mapping.cube_side_length": config.Mapping.CubeSideLength,
		"mapping.filter_size_map":  config.Mapping.FilterSizeMap,
		"mapping.filter_size_surf": config.Mapping.FilterSizeSurf,
		"mapping.acc_norm":         config.Mapping.AccNorm,
	} {
		if v < 0 {
			return newError(utils.NewConfigValidationError(path, errors.Wrap(errNegative, name)).Error())
		}
	}
	if config.Common.ConFrame && config.Common.ConFrameNum < 0 {
		return newError(utils.NewConfigValidationError(path, errors.Wrap(errNegative, "common.con_frame_num")).Error())
	}
	if config.Common.CutFrame && config.Common.CutFrameTimeInterval < 0 {
		return newError(utils.NewConfigValidationError(path,
			errors.Wrap(errNegative, "common.cut_frame_time_interval")).Error())
	}
	for name, v := range map[string][]float64{
		"mapping.gravity":      config.Mapping.Gravity,
		"mapping.gravity_init": config.Mapping.GravityInit,
		"mapping.extrinsic_T":  config.Mapping.ExtrinsicT,
	} {
		if v != nil && len(v) != 3 {
			return newError(utils.NewConfigValidationError(path, errors.Wrap(errBadVector, name)).Error())
		}
	}
	if config.Mapping.ExtrinsicR != nil && len(config.Mapping.ExtrinsicR) != 9 {
		return newError(utils.NewConfigValidationError(path, errBadRotation).Error())
	}
	return nil
}

// Vector converts a validated 3 element slice into a vector.
func Vector(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}
