package builtins

import (
	"math"
	"os"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/zeromicro/go-zero/core/mathx"
	"github.com/zeromicro/go-zero/core/threading"

	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/store"
)

const PerformancePluginName = "PerformancePlugin"

// memoryTrendWindow is the number of recent memory samples the trend spans.
const memoryTrendWindow = 10

type (
	// PerformanceThresholds trigger warnings; they never affect the store.
	PerformanceThresholds struct {
		ActionTime time.Duration `koanf:"actionTime" default:"100ms"`
		// MemoryUsage is in megabytes of live heap
		MemoryUsage float64 `koanf:"memoryUsage" default:"50" validate:"gte=0"`
	}

	// PerformanceConfig represents the options of the performance plugin.
	PerformanceConfig struct {
		plugins.BaseConfig `koanf:",squash"`
		TrackActions       bool    `koanf:"trackActions" default:"true"`
		TrackPatches       bool    `koanf:"trackPatches" default:"true"`
		TrackMemory        bool    `koanf:"trackMemory" default:"true"`
		SampleRate         float64 `koanf:"sampleRate" default:"1" validate:"gte=0,lte=1"`
		// ReportInterval of zero disables periodic reports
		ReportInterval time.Duration         `koanf:"reportInterval" default:"60s" validate:"gte=0"`
		MemoryInterval time.Duration         `koanf:"memoryInterval" default:"5s" validate:"gt=0"`
		MaxMetrics     int                   `koanf:"maxMetrics" default:"1000" validate:"min=1"`
		Thresholds     PerformanceThresholds `koanf:"thresholds"`
	}

	// ActionMetric aggregates every sampled execution of one action.
	ActionMetric struct {
		Name         string        `json:"name"`
		Path         string        `json:"path"`
		Count        int           `json:"count"`
		TotalTime    time.Duration `json:"totalTime"`
		MinTime      time.Duration `json:"minTime"`
		MaxTime      time.Duration `json:"maxTime"`
		Errors       int           `json:"errors"`
		LastExecuted time.Time     `json:"lastExecuted"`
	}

	PatchMetric struct {
		Op        string    `json:"op"`
		Path      string    `json:"path"`
		Value     any       `json:"value,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// MemorySample combines Go heap statistics with the process RSS.
	MemorySample struct {
		HeapAlloc uint64    `json:"heapAlloc"`
		HeapInuse uint64    `json:"heapInuse"`
		HeapSys   uint64    `json:"heapSys"`
		Sys       uint64    `json:"sys"`
		NumGC     uint32    `json:"numGC"`
		RSS       uint64    `json:"rss,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// SlowestAction identifies the action with the largest single duration.
	SlowestAction struct {
		Name    string  `json:"name"`
		Path    string  `json:"path"`
		MaxTime float64 `json:"maxTime"`
	}

	// ActionDetail is the per-action part of a report. Times are milliseconds.
	ActionDetail struct {
		Name        string  `json:"name"`
		Path        string  `json:"path"`
		Count       int     `json:"count"`
		AverageTime float64 `json:"averageTime"`
		MinTime     float64 `json:"minTime"`
		MaxTime     float64 `json:"maxTime"`
		Errors      int     `json:"errors"`
	}

	ActionStats struct {
		Total       int            `json:"total"`
		AverageTime float64        `json:"averageTime"`
		Slowest     *SlowestAction `json:"slowest"`
		Details     []ActionDetail `json:"details,omitempty"`
	}

	PatchStats struct {
		Total       int            `json:"total"`
		ByOperation map[string]int `json:"byOperation"`
		Recent      []PatchMetric  `json:"recent,omitempty"`
	}

	MemoryStats struct {
		Current *MemorySample `json:"current"`
		// Trend is the heap delta in bytes across the recent window
		Trend   int64          `json:"trend"`
		History []MemorySample `json:"history,omitempty"`
	}

	ReportSummary struct {
		TotalActions      int            `json:"totalActions"`
		TotalPatches      int            `json:"totalPatches"`
		AverageActionTime float64        `json:"averageActionTime"`
		SlowestAction     *SlowestAction `json:"slowestAction"`
		CurrentMemory     *MemorySample  `json:"currentMemory"`
	}

	// PerformanceReport is computed on demand from the collected metrics.
	PerformanceReport struct {
		Timestamp time.Time     `json:"timestamp"`
		Uptime    time.Duration `json:"uptime"`
		Actions   ActionStats   `json:"actions"`
		Patches   PatchStats    `json:"patches"`
		Memory    MemoryStats   `json:"memory"`
		Summary   ReportSummary `json:"summary"`
	}

	MetricsCount struct {
		Actions int `json:"actions"`
		Patches int `json:"patches"`
		Memory  int `json:"memory"`
	}

	PerformanceStatus struct {
		plugins.Info
		MetricsCount  MetricsCount  `json:"metricsCount"`
		Uptime        time.Duration `json:"uptime"`
		CurrentMemory string        `json:"currentMemory,omitempty"`
	}

	// MemoryReader returns a memory sample, or false when none is available.
	MemoryReader func() (MemorySample, bool)

	PerformanceOption func(*PerformancePlugin)
)

// PerformancePlugin samples action timings, patch activity and memory usage.
type PerformancePlugin struct {
	*plugins.Base

	proba    *mathx.Proba
	onReport func(PerformanceReport)
	readMem  MemoryReader

	mu        sync.RWMutex
	cfg       PerformanceConfig
	actions   map[string]*ActionMetric
	patches   []PatchMetric
	memory    []MemorySample
	startTime time.Time
}

// WithReportHandler receives every periodic report.
func WithReportHandler(fn func(PerformanceReport)) PerformanceOption {
	return func(p *PerformancePlugin) { p.onReport = fn }
}

// WithMemoryReader replaces the runtime/gopsutil memory source.
func WithMemoryReader(fn MemoryReader) PerformanceOption {
	return func(p *PerformancePlugin) {
		if fn != nil {
			p.readMem = fn
		}
	}
}

func NewPerformancePlugin(opts ...PerformanceOption) *PerformancePlugin {
	p := &PerformancePlugin{
		proba:     mathx.NewProba(),
		readMem:   readProcessMemory,
		actions:   make(map[string]*ActionMetric),
		startTime: time.Now(),
	}
	p.Base = plugins.NewBase(PerformancePluginName, "1.0.0", plugins.Hooks{
		DefaultOptions: func() plugins.Options { return plugins.OptionsOf(&PerformanceConfig{}) },
		OnInstall:      p.onInstall,
		OnUninstall:    p.onUninstall,
	})
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PerformancePlugin) onInstall() error {
	var cfg PerformanceConfig
	if err := p.Decode(&cfg); err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.startTime = time.Now()
	p.mu.Unlock()

	st := p.Store()
	if cfg.TrackActions {
		p.AddDisposer(st.Use(p.actionMiddleware))
	}
	if cfg.TrackPatches {
		p.AddDisposer(st.OnPatch(p.onPatch))
	}
	if cfg.TrackMemory {
		p.AddDisposer(p.every(cfg.MemoryInterval, p.sampleMemory))
	}
	if cfg.ReportInterval > 0 {
		p.AddDisposer(p.every(cfg.ReportInterval, p.report))
	}
	return nil
}

func (p *PerformancePlugin) onUninstall() error {
	p.ClearPerformanceData()
	return nil
}

// every runs fn on a ticker until the returned disposer is called.
func (p *PerformancePlugin) every(interval time.Duration, fn func()) store.Disposer {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	threading.GoSafe(func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if p.IsInstalled() {
					fn()
				}
			}
		}
	})

	return func() {
		ticker.Stop()
		close(done)
	}
}

func (p *PerformancePlugin) config() PerformanceConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *PerformancePlugin) shouldSample() bool {
	return p.Enabled() && p.proba.TrueOnProba(p.config().SampleRate)
}

func (p *PerformancePlugin) actionMiddleware(call *store.Call, next store.Next) (any, error) {
	if !p.shouldSample() {
		return next(call)
	}

	start := time.Now()
	res, err := next(call)
	p.RecordAction(call.Name, call.Path, time.Since(start), err)
	return res, err
}

func (p *PerformancePlugin) onPatch(patch, _ store.Patch) {
	if !p.shouldSample() {
		return
	}
	p.recordPatch(patch)
}

// RecordAction adds one execution of path/name to the metrics. Calls after
// uninstall are dropped.
func (p *PerformancePlugin) RecordAction(name, path string, d time.Duration, err error) {
	if !p.IsInstalled() {
		return
	}

	cfg := p.config()
	key := path + "/" + name

	p.mu.Lock()
	m, ok := p.actions[key]
	if !ok {
		m = &ActionMetric{Name: name, Path: path, MinTime: time.Duration(math.MaxInt64)}
		p.actions[key] = m
	}
	m.Count++
	m.TotalTime += d
	m.MinTime = min(m.MinTime, d)
	m.MaxTime = max(m.MaxTime, d)
	m.LastExecuted = time.Now()
	if err != nil {
		m.Errors++
	}
	p.evictActions(cfg.MaxMetrics)
	p.mu.Unlock()

	if d > cfg.Thresholds.ActionTime {
		p.Warn("Slow action detected", "action", key, "duration_ms", roundMs(d))
	}
}

// evictActions drops the least recently executed actions past limit.
// Callers hold p.mu.
func (p *PerformancePlugin) evictActions(limit int) {
	for len(p.actions) > limit {
		var oldest string
		var oldestAt time.Time
		for k, m := range p.actions {
			if oldest == "" || m.LastExecuted.Before(oldestAt) {
				oldest, oldestAt = k, m.LastExecuted
			}
		}
		delete(p.actions, oldest)
	}
}

func (p *PerformancePlugin) recordPatch(patch store.Patch) {
	if !p.IsInstalled() {
		return
	}
	limit := p.config().MaxMetrics

	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, PatchMetric{
		Op:        patch.Op,
		Path:      patch.Path,
		Value:     patch.Value,
		Timestamp: time.Now(),
	})
	p.patches = keepLast(p.patches, limit)
}

func (p *PerformancePlugin) sampleMemory() {
	if !p.shouldSample() {
		return
	}
	sample, ok := p.readMem()
	if !ok {
		return
	}
	p.recordMemory(sample)
}

func (p *PerformancePlugin) recordMemory(sample MemorySample) {
	if !p.IsInstalled() {
		return
	}
	cfg := p.config()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.memory = keepLast(append(p.memory, sample), cfg.MaxMetrics)
	p.mu.Unlock()

	if limit := uint64(cfg.Thresholds.MemoryUsage * humanize.MByte); limit > 0 && sample.HeapAlloc > limit {
		p.Warn("High memory usage detected", "heap", humanize.Bytes(sample.HeapAlloc), "threshold", humanize.Bytes(limit))
	}
}

func (p *PerformancePlugin) report() {
	rep := p.GenerateReport()
	if p.onReport != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.Error("Report callback panicked", "panic", r)
				}
			}()
			p.onReport(rep)
		}()
	}
	p.Log("Performance report generated", "actions", rep.Summary.TotalActions, "patches", rep.Summary.TotalPatches)
}

// GenerateReport computes aggregate statistics over the collected metrics.
func (p *PerformancePlugin) GenerateReport() PerformanceReport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	actions := p.actionStats()
	patches := p.patchStats()
	memory := p.memoryStats()

	return PerformanceReport{
		Timestamp: time.Now(),
		Uptime:    time.Since(p.startTime),
		Actions:   actions,
		Patches:   patches,
		Memory:    memory,
		Summary: ReportSummary{
			TotalActions:      actions.Total,
			TotalPatches:      patches.Total,
			AverageActionTime: actions.AverageTime,
			SlowestAction:     actions.Slowest,
			CurrentMemory:     memory.Current,
		},
	}
}

// GetPerformanceReport is an alias of GenerateReport.
func (p *PerformancePlugin) GetPerformanceReport() PerformanceReport {
	return p.GenerateReport()
}

func (p *PerformancePlugin) actionStats() ActionStats {
	if len(p.actions) == 0 {
		return ActionStats{}
	}

	keys := make([]string, 0, len(p.actions))
	for k := range p.actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		stats   ActionStats
		total   time.Duration
		slowest *ActionMetric
	)
	for _, k := range keys {
		m := p.actions[k]
		stats.Total += m.Count
		total += m.TotalTime
		if slowest == nil || m.MaxTime > slowest.MaxTime {
			slowest = m
		}
		stats.Details = append(stats.Details, ActionDetail{
			Name:        m.Name,
			Path:        m.Path,
			Count:       m.Count,
			AverageTime: roundMs(m.TotalTime / time.Duration(m.Count)),
			MinTime:     roundMs(m.MinTime),
			MaxTime:     roundMs(m.MaxTime),
			Errors:      m.Errors,
		})
	}

	stats.AverageTime = roundMs(total / time.Duration(stats.Total))
	stats.Slowest = &SlowestAction{Name: slowest.Name, Path: slowest.Path, MaxTime: roundMs(slowest.MaxTime)}
	return stats
}

func (p *PerformancePlugin) patchStats() PatchStats {
	stats := PatchStats{Total: len(p.patches), ByOperation: make(map[string]int)}
	for _, m := range p.patches {
		stats.ByOperation[m.Op]++
	}
	if len(p.patches) > 0 {
		stats.Recent = slices.Clone(p.patches[max(0, len(p.patches)-10):])
	}
	return stats
}

func (p *PerformancePlugin) memoryStats() MemoryStats {
	if len(p.memory) == 0 {
		return MemoryStats{}
	}
	current := p.memory[len(p.memory)-1]
	recent := slices.Clone(p.memory[max(0, len(p.memory)-memoryTrendWindow):])

	var trend int64
	if len(recent) > 1 {
		trend = int64(recent[len(recent)-1].HeapAlloc) - int64(recent[0].HeapAlloc)
	}
	return MemoryStats{Current: &current, Trend: trend, History: recent}
}

// Metric returns a copy of the aggregate for path/name.
func (p *PerformancePlugin) Metric(name, path string) (ActionMetric, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.actions[path+"/"+name]
	if !ok {
		return ActionMetric{}, false
	}
	return *m, true
}

// ClearPerformanceData drops every metric and restarts the uptime clock.
func (p *PerformancePlugin) ClearPerformanceData() {
	p.mu.Lock()
	p.actions = make(map[string]*ActionMetric)
	p.patches = nil
	p.memory = nil
	p.startTime = time.Now()
	p.mu.Unlock()

	p.Log("Performance data cleared")
}

func (p *PerformancePlugin) Status() PerformanceStatus {
	p.mu.RLock()
	status := PerformanceStatus{
		MetricsCount: MetricsCount{
			Actions: len(p.actions),
			Patches: len(p.patches),
			Memory:  len(p.memory),
		},
		Uptime: time.Since(p.startTime),
	}
	if n := len(p.memory); n > 0 {
		status.CurrentMemory = humanize.Bytes(p.memory[n-1].HeapAlloc)
	}
	p.mu.RUnlock()

	status.Info = p.Info()
	return status
}

var selfProcess = sync.OnceValues(func() (*process.Process, error) {
	return process.NewProcess(int32(os.Getpid()))
})

// readProcessMemory reads the Go heap figures and, when gopsutil can see the
// process, its resident set size.
func readProcessMemory() (MemorySample, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		HeapAlloc: ms.HeapAlloc,
		HeapInuse: ms.HeapInuse,
		HeapSys:   ms.HeapSys,
		Sys:       ms.Sys,
		NumGC:     ms.NumGC,
		Timestamp: time.Now(),
	}
	if proc, err := selfProcess(); err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			sample.RSS = info.RSS
		}
	}
	return sample, true
}

func keepLast[T any](s []T, n int) []T {
	if over := len(s) - n; over > 0 {
		return slices.Delete(s, 0, over)
	}
	return s
}

// roundMs converts d to milliseconds rounded to two decimals.
func roundMs(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
