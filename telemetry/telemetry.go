// Package telemetry starts the trace and stats exporter used when the lio binary runs with --telemetry.
package telemetry

import (
	"time"

	"go.viam.com/utils/perf"
)

// DefaultReportingInterval is how often collected stats are printed.
const DefaultReportingInterval = time.Second

// SetupTelemetry starts a development exporter that prints spans and stats to the console. A non-positive
// interval selects DefaultReportingInterval. Callers stop the returned exporter when done.
func SetupTelemetry(reportingInterval time.Duration) (perf.Exporter, error) {
	if reportingInterval <= 0 {
		reportingInterval = DefaultReportingInterval
	}
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: reportingInterval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}
	return exporter, nil
}
