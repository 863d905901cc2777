// Package main replays a recorded lidar and IMU stream through the lio service and saves the resulting map.
package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	viamlio "github.com/viam-modules/viam-lio"
	"github.com/viam-modules/viam-lio/config"
	"github.com/viam-modules/viam-lio/dataprocess"
	"github.com/viam-modules/viam-lio/fusion"
	s "github.com/viam-modules/viam-lio/sensors"
	"github.com/viam-modules/viam-lio/telemetry"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

const jobPollInterval = 100 * time.Millisecond

// Arguments for the command.
type Arguments struct {
	Config    string `flag:"config,required,usage=path to the yaml configuration"`
	Recording string `flag:"recording,required,usage=path to a json-lines sensor recording"`
	Telemetry bool   `flag:"telemetry,usage=print traces and stats to the console"`
}

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("lioModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var versionFields []interface{}
	if Version != "" {
		versionFields = append(versionFields, "version", Version)
	}
	if GitRevision != "" {
		versionFields = append(versionFields, "git_rev", GitRevision)
	}
	if len(versionFields) != 0 {
		logger.Infow(viamlio.Model.String(), versionFields...)
	} else {
		logger.Info(viamlio.Model.String() + " built from source; version unknown")
	}

	if len(args) == 2 && strings.HasSuffix(args[1], "-version") {
		return nil
	}

	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	if argsParsed.Telemetry {
		exporter, err := telemetry.SetupTelemetry(telemetry.DefaultReportingInterval)
		if err != nil {
			return err
		}
		defer exporter.Stop()
	}

	cfg, err := config.Load(argsParsed.Config)
	if err != nil {
		return err
	}
	rec, err := s.LoadRecording(argsParsed.Recording)
	if err != nil {
		return err
	}
	if cfg.Common.LidarDataFrequencyHz != 0 || cfg.Common.IMUDataFrequencyHz != 0 {
		logger.Info("replaying a recording, ignoring the configured sensor data frequencies")
		cfg.Common.LidarDataFrequencyHz = 0
		cfg.Common.IMUDataFrequencyHz = 0
	}

	svc, err := viamlio.New(ctx, resource.Dependencies{}, cfg, logger, viamlio.DefaultSchedulerTimeout,
		rec.Lidar(cfg.Common.Lidar), rec.IMUSensor(cfg.Common.IMU))
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(func() error { return svc.Close(context.Background()) })

	if err := waitForJobDone(ctx, svc); err != nil {
		return err
	}
	return saveResults(ctx, svc, cfg, logger)
}

func waitForJobDone(ctx context.Context, svc *viamlio.LIOService) error {
	for {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{"job_done": ""})
		if err != nil {
			return err
		}
		if done, ok := resp["job_done"].(bool); ok && done {
			return nil
		}
		if !utils.SelectContextOrWait(ctx, jobPollInterval) {
			return ctx.Err()
		}
	}
}

func saveResults(ctx context.Context, svc *viamlio.LIOService, cfg *config.Config, logger logging.Logger) error {
	path, err := svc.Trajectory(ctx)
	if err != nil {
		return err
	}
	pose, _, err := svc.Position(ctx)
	switch {
	case errors.Is(err, fusion.ErrNoPose):
		logger.Warnw("replay finished without a pose estimate", "poses", len(path))
	case err != nil:
		return err
	default:
		logger.Infow("replay finished", "poses", len(path), "final_position_mm", pose.Point())
	}

	next, err := svc.PointCloudMap(ctx)
	if err != nil {
		return err
	}
	var pcd bytes.Buffer
	for {
		chunk, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		pcd.Write(chunk)
	}

	mapDir := filepath.Join(cfg.DataDirectory, "map")
	if err := os.MkdirAll(mapDir, 0o750); err != nil {
		return err
	}
	filename := dataprocess.CreateTimestampFilename(mapDir, cfg.Common.Lidar, ".pcd", time.Now())
	if err := dataprocess.WriteBytesToFile(pcd.Bytes(), filename); err != nil {
		return errors.Wrapf(err, "saving map to %q", filename)
	}
	logger.Infow("map saved", "file", filename)
	return nil
}
