package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type componentCounts struct {
	warns  int64
	errors int64
}

// ComponentCount is a snapshot of warnings and errors logged by a component.
type ComponentCount struct {
	Component string `json:"component"`
	Warns     int64  `json:"warns"`
	Errors    int64  `json:"errors"`
}

var components sync.Map // map[string]*componentCounts

func countsFor(component string) *componentCounts {
	v, _ := components.LoadOrStore(component, &componentCounts{})
	return v.(*componentCounts)
}

func recordWarn(component string) {
	atomic.AddInt64(&countsFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&countsFor(component).errors, 1)
}

// Counts returns the warn and error totals per component, sorted by name.
func Counts() []ComponentCount {
	var out []ComponentCount
	components.Range(func(k, v any) bool {
		c := v.(*componentCounts)
		out = append(out, ComponentCount{
			Component: k.(string),
			Warns:     atomic.LoadInt64(&c.warns),
			Errors:    atomic.LoadInt64(&c.errors),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// StartReport logs a runtime report every interval until ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var warns, errs int64
	perComponent := make(map[string]map[string]int64)
	for _, c := range Counts() {
		warns += c.Warns
		errs += c.Errors
		perComponent[c.Component] = map[string]int64{"warns": c.Warns, "errors": c.Errors}
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":   runtime.NumGoroutine(),
		"heap_mb":      int64(mem.HeapAlloc) / 1024 / 1024,
		"gc_cycles":    mem.NumGC,
		"warns":        warns,
		"errors":       errs,
		"by_component": perComponent,
	}).Info("runtime report")

	log.LogMetric("report", "goroutines", runtime.NumGoroutine(), "gauge", nil)
	log.LogMetric("report", "log_errors", errs, "counter", nil)
	log.LogMetric("report", "log_warns", warns, "counter", nil)
}
