package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/viam-lio/internal/testhelper"
	s "github.com/viam-modules/viam-lio/sensors"
)

const testConfigYAML = `
data_dir: %s
common:
  lidar: lidar
  imu: imu
  lidar_data_frequency_hz: 10
  imu_data_frequency_hz: 100
mapping:
  acc_norm: 9.81
  init_map_size: 1
  imu_init_count: 0
`

func TestMainWithArgs(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	recordingPath := filepath.Join(dir, "recording.jsonl")
	test.That(t, s.WriteRecording(testhelper.StationaryRecording(1, 3, 2), recordingPath), test.ShouldBeNil)

	configPath := filepath.Join(dir, "lio.yaml")
	test.That(t, os.WriteFile(configPath, []byte(fmt.Sprintf(testConfigYAML, dataDir)), 0o600), test.ShouldBeNil)

	t.Run("version only", func(t *testing.T) {
		test.That(t, mainWithArgs(context.Background(), []string{"lio", "--version"}, logger), test.ShouldBeNil)
	})

	t.Run("missing flags", func(t *testing.T) {
		err := mainWithArgs(context.Background(), []string{"lio", "--config", configPath}, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("missing recording", func(t *testing.T) {
		err := mainWithArgs(context.Background(),
			[]string{"lio", "--config", configPath, "--recording", filepath.Join(dir, "missing.jsonl")}, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("replay saves a map", func(t *testing.T) {
		err := mainWithArgs(context.Background(),
			[]string{"lio", "--config", configPath, "--recording", recordingPath}, logger)
		test.That(t, err, test.ShouldBeNil)
		maps, err := filepath.Glob(filepath.Join(dataDir, "map", "lidar_data_*.pcd"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, maps, test.ShouldHaveLength, 1)
	})
}
