package config

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
)

// ScanPolicy selects how raw scans are turned into buffered scans.
type ScanPolicy int

const (
	// PassThrough buffers every raw scan as-is.
	PassThrough ScanPolicy = iota
	// Cut splits a raw scan into sub-scans of a fixed time interval.
	Cut
	// Concat merges a fixed number of raw scans into one.
	Concat
)

// String returns the config name of the policy.
func (p ScanPolicy) String() string {
	switch p {
	case Cut:
		return "cut"
	case Concat:
		return "concat"
	default:
		return "passthrough"
	}
}

const (
	defaultBlind                = 0.5
	defaultPointFilterNum       = 1
	defaultConFrameNum          = 1
	defaultCutFrameTimeInterval = 0.1
	defaultIMUTimeInte          = 0.005
	defaultSatuAcc              = 3.0
	defaultSatuGyro             = 35.0
	defaultAccNorm              = 1.0
	defaultLidarMeasCov         = 0.01
	defaultAccCovOutput         = 500.0
	defaultGyrCovOutput         = 1000.0
	defaultBAccCov              = 0.0001
	defaultBGyrCov              = 0.0001
	defaultIMUMeasAccCov        = 0.1
	defaultIMUMeasOmgCov        = 0.1
	defaultGyrCovInput          = 0.01
	defaultAccCovInput          = 0.1
	defaultVelCov               = 20.0
	defaultPlaneThr             = 0.1
	defaultMatchS               = 81.0
	defaultDetRange             = 300.0
	defaultCubeSideLength       = 1000.0
	defaultFilterSize           = 0.5
	defaultInitMapSize          = 10
	defaultIMUInitCount         = 100
	defaultMaxIteration         = 3
	defaultPCDSaveInterval      = -1
)

var defaultGravity = r3.Vector{Z: -9.810}

// Params is the fully resolved configuration handed to the pipeline components.
type Params struct {
	DataDirectory string
	LidarName     string
	IMUName       string

	ScanPolicy           ScanPolicy
	ConFrameNum          int
	CutFrameTimeInterval float64
	TimeLagIMUToLidar    float64
	LidarDataFrequencyHz int
	IMUDataFrequencyHz   int
	ResetOnTimeJump      bool

	Blind          float64
	PointFilterNum int

	IMUEnabled              bool
	StartInAggressiveMotion bool
	ExtrinsicEstEnabled     bool
	IMUTimeInte             float64
	SatuAcc                 float64
	SatuGyro                float64
	AccNorm                 float64
	LidarMeasCov            float64
	AccCovOutput            float64
	GyrCovOutput            float64
	BAccCov                 float64
	BGyrCov                 float64
	IMUMeasAccCov           float64
	IMUMeasOmgCov           float64
	GyrCovInput             float64
	AccCovInput             float64
	VelCov                  float64
	PlaneThr                float64
	MatchS                  float64
	DetRange                float64
	CubeSideLength          float64
	FilterSizeSurf          float64
	FilterSizeMap           float64
	GravityAlign            bool
	Gravity                 r3.Vector
	GravityInit             r3.Vector
	ExtrinsicT              r3.Vector
	// ExtrinsicR is row-major.
	ExtrinsicR   [9]float64
	InitMapSize  int
	IMUInitCount int
	MaxIteration int

	PublishOdometryWithoutDownsample bool
	PathEnabled                      bool
	ScanPublishEnabled               bool
	ScanBodyframePubEnabled          bool
	MapPublishInterval               int
	PCDSaveEnabled                   bool
	PCDSaveInterval                  int

	UseIMUAsInput       bool
	PropAtFreqOfIMU     bool
	CheckSatu           bool
	SpaceDownSample     bool
	OdomOnly            bool
	RuntimePosLogEnable bool
	TrajectoryDB        string
}

func floatOr(v, def float64, name string, logger logging.Logger) float64 {
	if v == 0 {
		logger.Debugf("no %s given, setting to default value of %v", name, def)
		return def
	}
	return v
}

func intOr(v, def int, name string, logger logging.Logger) int {
	if v == 0 {
		logger.Debugf("no %s given, setting to default value of %v", name, def)
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func vectorOr(v []float64, def r3.Vector) r3.Vector {
	if len(v) != 3 {
		return def
	}
	return Vector(v)
}

// GetOptionalParameters resolves every unset optional field to its default and returns the result.
// The config must have passed Validate.
func GetOptionalParameters(config *Config, logger logging.Logger) Params {
	m := config.Mapping
	p := Params{
		DataDirectory:        config.DataDirectory,
		LidarName:            config.Common.Lidar,
		IMUName:              config.Common.IMU,
		TimeLagIMUToLidar:    config.Common.TimeLagIMUToLidar,
		LidarDataFrequencyHz: config.Common.LidarDataFrequencyHz,
		IMUDataFrequencyHz:   config.Common.IMUDataFrequencyHz,
		ResetOnTimeJump:      config.Common.ResetOnTimeJump,

		PointFilterNum: intOr(config.Preprocess.PointFilterNum, defaultPointFilterNum, "point_filter_num", logger),

		IMUEnabled:              boolOr(m.IMUEn, true),
		StartInAggressiveMotion: m.StartInAggressiveMotion,
		ExtrinsicEstEnabled:     m.ExtrinsicEstEn,
		IMUTimeInte:             floatOr(m.IMUTimeInte, defaultIMUTimeInte, "imu_time_inte", logger),
		SatuAcc:                 floatOr(m.SatuAcc, defaultSatuAcc, "satu_acc", logger),
		SatuGyro:                floatOr(m.SatuGyro, defaultSatuGyro, "satu_gyro", logger),
		AccNorm:                 floatOr(m.AccNorm, defaultAccNorm, "acc_norm", logger),
		LidarMeasCov:            floatOr(m.LidarMeasCov, defaultLidarMeasCov, "lidar_meas_cov", logger),
		AccCovOutput:            floatOr(m.AccCovOutput, defaultAccCovOutput, "acc_cov_output", logger),
		GyrCovOutput:            floatOr(m.GyrCovOutput, defaultGyrCovOutput, "gyr_cov_output", logger),
		BAccCov:                 floatOr(m.BAccCov, defaultBAccCov, "b_acc_cov", logger),
		BGyrCov:                 floatOr(m.BGyrCov, defaultBGyrCov, "b_gyr_cov", logger),
		IMUMeasAccCov:           floatOr(m.IMUMeasAccCov, defaultIMUMeasAccCov, "imu_meas_acc_cov", logger),
		IMUMeasOmgCov:           floatOr(m.IMUMeasOmgCov, defaultIMUMeasOmgCov, "imu_meas_omg_cov", logger),
		GyrCovInput:             floatOr(m.GyrCovInput, defaultGyrCovInput, "gyr_cov_input", logger),
		AccCovInput:             floatOr(m.AccCovInput, defaultAccCovInput, "acc_cov_input", logger),
		VelCov:                  floatOr(m.VelCov, defaultVelCov, "vel_cov", logger),
		PlaneThr:                floatOr(m.PlaneThr, defaultPlaneThr, "plane_thr", logger),
		MatchS:                  floatOr(m.MatchS, defaultMatchS, "match_s", logger),
		DetRange:                floatOr(m.DetRange, defaultDetRange, "det_range", logger),
		CubeSideLength:          floatOr(m.CubeSideLength, defaultCubeSideLength, "cube_side_length", logger),
		FilterSizeSurf:          floatOr(m.FilterSizeSurf, defaultFilterSize, "filter_size_surf", logger),
		FilterSizeMap:           floatOr(m.FilterSizeMap, defaultFilterSize, "filter_size_map", logger),
		GravityAlign:            boolOr(m.GravityAlign, true),
		Gravity:                 vectorOr(m.Gravity, defaultGravity),
		GravityInit:             vectorOr(m.GravityInit, defaultGravity),
		ExtrinsicT:              vectorOr(m.ExtrinsicT, r3.Vector{}),
		ExtrinsicR:              [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		InitMapSize:             intOr(m.InitMapSize, defaultInitMapSize, "init_map_size", logger),
		IMUInitCount:            defaultIMUInitCount,
		MaxIteration:            intOr(m.MaxIteration, defaultMaxIteration, "max_iteration", logger),

		PublishOdometryWithoutDownsample: config.Odometry.PublishOdometryWithoutDownsample,
		PathEnabled:                      boolOr(config.Publish.PathEn, true),
		ScanPublishEnabled:               boolOr(config.Publish.ScanPublishEn, true),
		ScanBodyframePubEnabled:          config.Publish.ScanBodyframePubEn,
		MapPublishInterval:               config.Publish.MapPublishInterval,
		PCDSaveEnabled:                   config.PCDSave.PCDSaveEn,
		PCDSaveInterval:                  defaultPCDSaveInterval,

		UseIMUAsInput:       config.UseIMUAsInput,
		PropAtFreqOfIMU:     boolOr(config.PropAtFreqOfIMU, true),
		CheckSatu:           boolOr(config.CheckSatu, true),
		SpaceDownSample:     boolOr(config.SpaceDownSample, true),
		OdomOnly:            config.OdomOnly,
		RuntimePosLogEnable: config.RuntimePosLogEnable,
		TrajectoryDB:        config.TrajectoryDB,
	}

	switch {
	case config.Common.CutFrame:
		p.ScanPolicy = Cut
		p.CutFrameTimeInterval = floatOr(config.Common.CutFrameTimeInterval, defaultCutFrameTimeInterval,
			"cut_frame_time_interval", logger)
	case config.Common.ConFrame:
		p.ScanPolicy = Concat
		p.ConFrameNum = intOr(config.Common.ConFrameNum, defaultConFrameNum, "con_frame_num", logger)
	default:
		p.ScanPolicy = PassThrough
	}

	if config.Preprocess.Blind == nil {
		logger.Debugf("no blind given, setting to default value of %v", defaultBlind)
		p.Blind = defaultBlind
	} else {
		p.Blind = *config.Preprocess.Blind
	}
	if len(m.ExtrinsicR) == 9 {
		copy(p.ExtrinsicR[:], m.ExtrinsicR)
	}
	if m.IMUInitCount != nil {
		p.IMUInitCount = *m.IMUInitCount
	}
	if config.PCDSave.Interval != nil {
		p.PCDSaveInterval = *config.PCDSave.Interval
	}
	if p.UseIMUAsInput {
		logger.Info("using the input-driven state model")
	} else {
		logger.Info("using the output-driven state model")
	}
	return p
}
