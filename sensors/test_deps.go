package sensors

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/camera/replaypcd"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/components/movementsensor/replay"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/testutils/inject"
	"go.viam.com/rdk/utils/contextutils"
)

// BadTime can be used to represent something that should cause an error while parsing it as a time.
const BadTime = "NOT A TIME"

var (
	// TestTimestamp can be used to test specific timestamps provided by a replay sensor.
	TestTimestamp = time.Now().UTC().Format("2006-01-02T15:04:05.999999Z")
	// LinAcc is the successful mock linear acceleration result used for testing.
	LinAcc = r3.Vector{X: 0, Y: 0, Z: 9.81}
	// AngVel is the successful mock angular velocity result used for testing, in degrees per second.
	AngVel = spatialmath.AngularVelocity{X: 90, Y: 0, Z: -180}
	// TestCloudPoints are the millimetre positions returned by the good test lidars.
	TestCloudPoints = []r3.Vector{
		{X: 1000, Y: 0, Z: 0},
		{X: 0, Y: 2000, Z: 0},
		{X: 0, Y: 0, Z: 3000},
	}
)

// TestSensor represents sensors used for testing.
type TestSensor string

const (
	// InvalidSensorTestErrMsg represents an error message that indicates that the sensor is invalid.
	InvalidSensorTestErrMsg = "invalid test sensor"

	// GoodLidar is a lidar that works as expected and returns a pointcloud.
	GoodLidar TestSensor = "good_lidar"
	// LidarWithErroringFunctions is a lidar whose functions return errors.
	LidarWithErroringFunctions TestSensor = "lidar_with_erroring_functions"
	// LidarWithInvalidProperties is a lidar that does not support point clouds.
	LidarWithInvalidProperties TestSensor = "lidar_with_invalid_properties"
	// GibberishLidar is a lidar that can't be found in the dependencies.
	GibberishLidar TestSensor = "gibberish_lidar"
	// NoLidar is a lidar that represents that no lidar is set up or added.
	NoLidar TestSensor = ""

	// ReplayLidar is a lidar that works as expected and returns a pointcloud with a recorded timestamp.
	ReplayLidar TestSensor = "replay_lidar"
	// InvalidReplayLidar is a lidar whose meta timestamp is invalid.
	InvalidReplayLidar TestSensor = "invalid_replay_lidar"
	// FinishedReplayLidar is a lidar whose NextPointCloud function returns an end of dataset error.
	FinishedReplayLidar TestSensor = "finished_replay_lidar"

	// GoodIMU is an IMU that works as expected and returns linear acceleration and angular velocity values.
	GoodIMU TestSensor = "good_imu"
	// IMUWithErroringFunctions is an IMU whose functions return errors.
	IMUWithErroringFunctions TestSensor = "imu_with_erroring_functions"
	// ReplayIMU is an IMU that returns readings with a recorded timestamp.
	ReplayIMU TestSensor = "replay_imu"
	// InvalidReplayIMU is an IMU whose meta timestamp is invalid.
	InvalidReplayIMU TestSensor = "invalid_replay_imu"
	// FinishedReplayIMU is an IMU whose functions return an end of dataset error.
	FinishedReplayIMU TestSensor = "finished_replay_imu"
	// MovementSensorNotIMU is a movement sensor that does not report both angular velocity and acceleration.
	MovementSensorNotIMU TestSensor = "movement_sensor_not_imu"
	// MovementSensorWithErroringPropertiesFunc is a movement sensor whose Properties function returns an error.
	MovementSensorWithErroringPropertiesFunc TestSensor = "movement_sensor_with_erroring_properties_function"
	// GibberishIMU is an IMU that can't be found in the dependencies.
	GibberishIMU TestSensor = "gibberish_imu"
	// NoIMU represents that no IMU is set up or added.
	NoIMU TestSensor = ""
)

var (
	testLidars = map[TestSensor]func() *inject.Camera{
		GoodLidar:                  getGoodLidar,
		LidarWithErroringFunctions: getLidarWithErroringFunctions,
		LidarWithInvalidProperties: getLidarWithInvalidProperties,
		ReplayLidar:                func() *inject.Camera { return getReplayLidar(TestTimestamp) },
		InvalidReplayLidar:         func() *inject.Camera { return getReplayLidar(BadTime) },
		FinishedReplayLidar:        getFinishedReplayLidar,
	}

	testMovementSensors = map[TestSensor]func() *inject.MovementSensor{
		GoodIMU:                                  getGoodIMU,
		IMUWithErroringFunctions:                 getIMUWithErroringFunctions,
		ReplayIMU:                                func() *inject.MovementSensor { return getReplayIMU(TestTimestamp) },
		InvalidReplayIMU:                         func() *inject.MovementSensor { return getReplayIMU(BadTime) },
		FinishedReplayIMU:                        getFinishedReplayIMU,
		MovementSensorNotIMU:                     getMovementSensorNotIMU,
		MovementSensorWithErroringPropertiesFunc: getMovementSensorWithErroringPropertiesFunc,
	}
)

// SetupDeps returns the dependencies based on the lidar and IMU names passed as arguments.
func SetupDeps(lidarName, imuName TestSensor) resource.Dependencies {
	deps := make(resource.Dependencies)
	if getLidarFunc, ok := testLidars[lidarName]; ok {
		deps[camera.Named(string(lidarName))] = getLidarFunc()
	}
	if getMovementSensorFunc, ok := testMovementSensors[imuName]; ok {
		deps[movementsensor.Named(string(imuName))] = getMovementSensorFunc()
	}
	return deps
}

func testCloud() (pointcloud.PointCloud, error) {
	pc := pointcloud.New()
	for i, p := range TestCloudPoints {
		if err := pc.Set(p, pointcloud.NewValueData(10*(i+1))); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func newTestCamera(next func(ctx context.Context) (pointcloud.PointCloud, error), supportsPCD bool) *inject.Camera {
	cam := &inject.Camera{}
	cam.NextPointCloudFunc = next
	cam.StreamFunc = func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
		return nil, errors.New("lidar not camera")
	}
	cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
		return nil, transform.NewNoIntrinsicsError("")
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: supportsPCD}, nil
	}
	return cam
}

func getGoodLidar() *inject.Camera {
	return newTestCamera(func(ctx context.Context) (pointcloud.PointCloud, error) {
		return testCloud()
	}, true)
}

func getLidarWithErroringFunctions() *inject.Camera {
	return newTestCamera(func(ctx context.Context) (pointcloud.PointCloud, error) {
		return nil, errors.New(InvalidSensorTestErrMsg)
	}, true)
}

func getLidarWithInvalidProperties() *inject.Camera {
	return newTestCamera(func(ctx context.Context) (pointcloud.PointCloud, error) {
		return testCloud()
	}, false)
}

func setTimeRequested(ctx context.Context, testTime string) {
	md := ctx.Value(contextutils.MetadataContextKey)
	if mdMap, ok := md.(map[string][]string); ok {
		mdMap[contextutils.TimeRequestedMetadataKey] = []string{testTime}
	}
}

func getReplayLidar(testTime string) *inject.Camera {
	return newTestCamera(func(ctx context.Context) (pointcloud.PointCloud, error) {
		setTimeRequested(ctx, testTime)
		return testCloud()
	}, true)
}

func getFinishedReplayLidar() *inject.Camera {
	return newTestCamera(func(ctx context.Context) (pointcloud.PointCloud, error) {
		return nil, replaypcd.ErrEndOfDataset
	}, true)
}

func imuProperties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{
		AngularVelocitySupported:    true,
		LinearAccelerationSupported: true,
	}, nil
}

func getGoodIMU() *inject.MovementSensor {
	imu := &inject.MovementSensor{}
	imu.LinearAccelerationFunc = func(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
		return LinAcc, nil
	}
	imu.AngularVelocityFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
		return AngVel, nil
	}
	imu.PropertiesFunc = imuProperties
	return imu
}

func getIMUWithErroringFunctions() *inject.MovementSensor {
	imu := &inject.MovementSensor{}
	imu.LinearAccelerationFunc = func(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
		return r3.Vector{}, errors.New(InvalidSensorTestErrMsg)
	}
	imu.AngularVelocityFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
		return spatialmath.AngularVelocity{}, errors.New(InvalidSensorTestErrMsg)
	}
	imu.PropertiesFunc = imuProperties
	return imu
}

func getReplayIMU(testTime string) *inject.MovementSensor {
	imu := &inject.MovementSensor{}
	imu.LinearAccelerationFunc = func(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
		setTimeRequested(ctx, testTime)
		return LinAcc, nil
	}
	imu.AngularVelocityFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
		setTimeRequested(ctx, testTime)
		return AngVel, nil
	}
	imu.PropertiesFunc = imuProperties
	return imu
}

func getFinishedReplayIMU() *inject.MovementSensor {
	imu := &inject.MovementSensor{}
	imu.LinearAccelerationFunc = func(ctx context.Context, extra map[string]interface{}) (r3.Vector, error) {
		return r3.Vector{}, replay.ErrEndOfDataset
	}
	imu.AngularVelocityFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.AngularVelocity, error) {
		return spatialmath.AngularVelocity{}, replay.ErrEndOfDataset
	}
	imu.PropertiesFunc = imuProperties
	return imu
}

func getMovementSensorNotIMU() *inject.MovementSensor {
	imu := &inject.MovementSensor{}
	imu.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return &movementsensor.Properties{LinearAccelerationSupported: true}, nil
	}
	return imu
}

func getMovementSensorWithErroringPropertiesFunc() *inject.MovementSensor {
	imu := &inject.MovementSensor{}
	imu.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return nil, errors.New(InvalidSensorTestErrMsg)
	}
	return imu
}
