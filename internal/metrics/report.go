package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"quoteflow/logger"
)

// ReportSource contributes fields to the runtime report, e.g. router counters.
type ReportSource func() logger.Fields

// StartReport logs and publishes a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, sources ...ReportSource) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, sources)
			}
		}
	}()
}

func logReport(log *logger.Log, sources []ReportSource) logger.Fields {
	if log == nil {
		log = logger.GetLogger()
	}

	fields := logger.Fields{
		"goroutines": runtime.NumGoroutine(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		fields["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
		fields["memory_percent"] = vm.UsedPercent
	}

	warns := int64(0)
	errs := int64(0)
	for _, c := range logger.Counts() {
		warns += c.Warns
		errs += c.Errors
	}
	fields["warns"] = warns
	fields["errors"] = errs

	for _, src := range sources {
		if src == nil {
			continue
		}
		for k, v := range src() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	for _, name := range []string{"goroutines", "cpu_percent", "memory_mb", "warns", "errors"} {
		if v, ok := fields[name]; ok {
			unit := "count"
			switch name {
			case "cpu_percent":
				unit = "percent"
			case "memory_mb":
				unit = "megabytes"
			}
			EmitMetric(log, "report", name, v, "gauge", logger.Fields{"unit": unit})
		}
	}
	return fields
}
