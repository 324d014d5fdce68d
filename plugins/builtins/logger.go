// Package builtins provides the built-in store plugins: a bounded action,
// patch and snapshot log, performance sampling, persistence to a key-value
// medium and declarative field validation.
package builtins

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nextpkg/storeplug/ce"
	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/slogs"
	"github.com/nextpkg/storeplug/store"
)

const LoggerPluginName = "LoggerPlugin"

// LogType classifies a log entry.
type LogType string

const (
	LogTypeAction   LogType = "action"
	LogTypeSnapshot LogType = "snapshot"
	LogTypePatch    LogType = "patch"
)

// Action statuses recorded in action log data.
const (
	StatusStarted = "started"
	StatusSuccess = "success"
	StatusError   = "error"
)

// maxSnapshotBytes is the serialized size above which snapshots are logged as
// a key summary only.
const maxSnapshotBytes = 10000

// isoLayout matches the millisecond ISO-8601 form used in exports.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

type (
	// LoggerFilters lists action names and patch path prefixes to exclude.
	LoggerFilters struct {
		Actions []string `koanf:"actions"`
		Paths   []string `koanf:"paths"`
	}

	// LoggerConfig represents the options of the logger plugin.
	LoggerConfig struct {
		plugins.BaseConfig `koanf:",squash"`
		// LogActions records a started and a completion entry per action
		LogActions bool `koanf:"logActions" default:"true"`
		// LogSnapshots records every published snapshot
		LogSnapshots bool `koanf:"logSnapshots" default:"false"`
		// LogPatches records every patch
		LogPatches bool `koanf:"logPatches" default:"true"`
		// LogLevel is stamped on every entry and selects the console level
		LogLevel string `koanf:"logLevel" default:"info" validate:"oneof=debug info warn error"`
		// MaxLogs bounds the in-memory log; the oldest entries are evicted first
		MaxLogs int `koanf:"maxLogs" default:"1000" validate:"min=1"`
		// Prefix starts every formatted console line
		Prefix string `koanf:"prefix" default:"[STORE]"`
		// OutputToConsole mirrors formatted entries to the console logger
		OutputToConsole bool          `koanf:"outputToConsole" default:"true"`
		Filters         LoggerFilters `koanf:"filters"`
	}

	// LogEntry is one recorded event.
	LogEntry struct {
		ID        int64          `json:"id"`
		Type      LogType        `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
		Level     string         `json:"level"`
	}

	// SearchOptions narrows SearchLogs. Zero values disable a filter.
	SearchOptions struct {
		Type          LogType
		Level         string
		Start         time.Time
		End           time.Time
		CaseSensitive bool
	}

	// TimeRange is the span between the oldest and newest entry.
	TimeRange struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}

	// LogStats summarises the current log.
	LogStats struct {
		Total     int             `json:"total"`
		ByType    map[LogType]int `json:"byType"`
		ByLevel   map[string]int  `json:"byLevel"`
		TimeRange *TimeRange      `json:"timeRange"`
	}

	// LoggerStatus is the logger's status report.
	LoggerStatus struct {
		plugins.Info
		LogCount int      `json:"logCount"`
		Stats    LogStats `json:"stats"`
	}

	// Formatter renders an entry as a single console/text line.
	Formatter func(entry LogEntry) string

	// LoggerOption customises a LoggerPlugin at construction.
	LoggerOption func(*LoggerPlugin)
)

// LoggerPlugin captures a bounded, queryable timeline of store events.
type LoggerPlugin struct {
	*plugins.Base

	mu         sync.RWMutex
	cfg        LoggerConfig
	logs       []LogEntry
	logID      atomic.Int64
	formatters map[LogType]Formatter
	console    *slog.Logger
}

// WithFormatter overrides the console/text formatter for one entry type.
func WithFormatter(t LogType, f Formatter) LoggerOption {
	return func(p *LoggerPlugin) {
		if f != nil {
			p.formatters[t] = f
		}
	}
}

// WithConsoleLogger sends console output to l instead of the package logger.
func WithConsoleLogger(l *slog.Logger) LoggerOption {
	return func(p *LoggerPlugin) {
		if l != nil {
			p.console = l
		}
	}
}

// NewLoggerPlugin creates an uninstalled logger plugin.
func NewLoggerPlugin(opts ...LoggerOption) *LoggerPlugin {
	p := &LoggerPlugin{formatters: make(map[LogType]Formatter)}
	p.Base = plugins.NewBase(LoggerPluginName, "1.0.0", plugins.Hooks{
		DefaultOptions: func() plugins.Options { return plugins.OptionsOf(&LoggerConfig{}) },
		OnInstall:      p.onInstall,
		OnUninstall:    p.onUninstall,
	})

	p.formatters[LogTypeAction] = p.formatAction
	p.formatters[LogTypeSnapshot] = p.formatSnapshot
	p.formatters[LogTypePatch] = p.formatPatch
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LoggerPlugin) onInstall() error {
	var cfg LoggerConfig
	if err := p.Decode(&cfg); err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	st := p.Store()
	if cfg.LogActions {
		p.AddDisposer(st.Use(p.actionMiddleware))
	}
	if cfg.LogSnapshots {
		p.AddDisposer(st.OnSnapshot(p.onSnapshot))
	}
	if cfg.LogPatches {
		p.AddDisposer(st.OnPatch(p.onPatch))
	}
	return nil
}

func (p *LoggerPlugin) onUninstall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = nil
	p.logID.Store(0)
	return nil
}

func (p *LoggerPlugin) config() LoggerConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *LoggerPlugin) actionMiddleware(call *store.Call, next store.Next) (any, error) {
	if !p.Enabled() || slices.Contains(p.config().Filters.Actions, call.Name) {
		return next(call)
	}

	start := time.Now()
	p.addLog(LogTypeAction, map[string]any{
		"id":        call.ID,
		"name":      call.Name,
		"path":      call.Path,
		"args":      sanitizeArgs(call.Args),
		"startTime": start,
		"status":    StatusStarted,
	})

	res, err := next(call)

	data := map[string]any{
		"id":       call.ID,
		"name":     call.Name,
		"path":     call.Path,
		"duration": durationMs(time.Since(start)),
		"endTime":  time.Now(),
	}
	if err != nil {
		data["status"] = StatusError
		data["result"] = sanitizeError(err)
	} else {
		data["status"] = StatusSuccess
		data["result"] = sanitizeValue(res)
	}
	p.addLog(LogTypeAction, data)

	return res, err
}

func (p *LoggerPlugin) onSnapshot(snap store.Snapshot) {
	summary, size := sanitizeSnapshot(snap)
	p.addLog(LogTypeSnapshot, map[string]any{
		"snapshot": summary,
		"size":     size,
	})
}

func (p *LoggerPlugin) onPatch(patch, _ store.Patch) {
	if p.filteredPath(patch.Path) {
		return
	}
	p.addLog(LogTypePatch, map[string]any{
		"op":    patch.Op,
		"path":  patch.Path,
		"value": sanitizeValue(patch.Value),
	})
}

func (p *LoggerPlugin) filteredPath(path string) bool {
	for _, prefix := range p.config().Filters.Paths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// addLog appends an entry, evicting from the front past MaxLogs. Entries
// arriving after uninstall (late async completions) are dropped.
func (p *LoggerPlugin) addLog(t LogType, data map[string]any) {
	if !p.IsInstalled() || !p.Enabled() {
		return
	}

	cfg := p.config()
	entry := LogEntry{
		ID:        p.logID.Inc(),
		Type:      t,
		Data:      data,
		Timestamp: time.Now(),
		Level:     cfg.LogLevel,
	}

	p.mu.Lock()
	p.logs = append(p.logs, entry)
	if over := len(p.logs) - cfg.MaxLogs; over > 0 {
		p.logs = slices.Delete(p.logs, 0, over)
	}
	p.mu.Unlock()

	if cfg.OutputToConsole {
		p.output(entry)
	}
}

func (p *LoggerPlugin) output(entry LogEntry) {
	level, err := parseLogLevel(entry.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := p.console
	if logger == nil {
		logger = slogs.Logger()
	}
	logger.Log(context.Background(), level, p.format(entry), "plugin", LoggerPluginName, "log_id", entry.ID)
}

func (p *LoggerPlugin) format(entry LogEntry) string {
	if f, ok := p.formatters[entry.Type]; ok {
		return f(entry)
	}
	return p.formatDefault(entry)
}

func (p *LoggerPlugin) formatAction(entry LogEntry) string {
	prefix := p.config().Prefix + " [ACTION]"
	if entry.Data["status"] == StatusStarted {
		return fmt.Sprintf("%s %v started at %v", prefix, entry.Data["name"], entry.Data["path"])
	}
	icon := "✅"
	if entry.Data["status"] == StatusError {
		icon = "❌"
	}
	return fmt.Sprintf("%s %s %v %v (%vms)", prefix, icon, entry.Data["name"], entry.Data["status"], entry.Data["duration"])
}

func (p *LoggerPlugin) formatSnapshot(entry LogEntry) string {
	return fmt.Sprintf("%s [SNAPSHOT] State snapshot captured (%v bytes)", p.config().Prefix, entry.Data["size"])
}

func (p *LoggerPlugin) formatPatch(entry LogEntry) string {
	op, _ := entry.Data["op"].(string)
	return fmt.Sprintf("%s [PATCH] %s %v", p.config().Prefix, strings.ToUpper(op), entry.Data["path"])
}

func (p *LoggerPlugin) formatDefault(entry LogEntry) string {
	b, _ := json.Marshal(entry.Data)
	return fmt.Sprintf("%s [%s] %s", p.config().Prefix, strings.ToUpper(string(entry.Type)), b)
}

// GetLogs returns a copy of the log, optionally filtered by type and
// truncated to the last limit entries (limit <= 0 means all).
func (p *LoggerPlugin) GetLogs(t LogType, limit int) []LogEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]LogEntry, 0, len(p.logs))
	for _, entry := range p.logs {
		if t == "" || entry.Type == t {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearLogs removes entries of type t, or every entry (resetting ids) when t
// is empty.
func (p *LoggerPlugin) ClearLogs(t LogType) {
	p.mu.Lock()
	if t == "" {
		p.logs = nil
		p.logID.Store(0)
	} else {
		p.logs = slices.DeleteFunc(p.logs, func(e LogEntry) bool { return e.Type == t })
	}
	p.mu.Unlock()

	p.Log("Logs cleared", "type", t)
}

// ExportLogs serializes the whole log as "json", "csv" or "text".
func (p *LoggerPlugin) ExportLogs(format string) (string, error) {
	logs := p.GetLogs("", 0)

	switch format {
	case "json":
		b, err := json.MarshalIndent(logs, "", "  ")
		if err != nil {
			return "", ce.NewPluginError(ce.ErrorTypeExport, p.Name(), "failed to encode logs", err)
		}
		return string(b), nil
	case "csv":
		return p.exportCSV(logs)
	case "text":
		lines := make([]string, 0, len(logs))
		for _, entry := range logs {
			lines = append(lines, entry.Timestamp.UTC().Format(isoLayout)+" "+p.format(entry))
		}
		return strings.Join(lines, "\n"), nil
	default:
		return "", ce.NewPluginError(ce.ErrorTypeExport, p.Name(),
			fmt.Sprintf("unsupported export format: %s", format), ce.ErrUnsupportedFormat)
	}
}

func (p *LoggerPlugin) exportCSV(logs []LogEntry) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{{"ID", "Type", "Timestamp", "Level", "Data"}}
	for _, entry := range logs {
		data, err := json.Marshal(entry.Data)
		if err != nil {
			return "", ce.NewPluginError(ce.ErrorTypeExport, p.Name(), "failed to encode log data", err)
		}
		rows = append(rows, []string{
			strconv.FormatInt(entry.ID, 10),
			string(entry.Type),
			entry.Timestamp.UTC().Format(isoLayout),
			entry.Level,
			string(data),
		})
	}

	if err := w.WriteAll(rows); err != nil {
		return "", ce.NewPluginError(ce.ErrorTypeExport, p.Name(), "failed to write csv", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// SearchLogs returns the entries whose JSON-encoded data contains query.
// Matching is case-insensitive unless opts.CaseSensitive is set.
func (p *LoggerPlugin) SearchLogs(query string, opts SearchOptions) []LogEntry {
	if !opts.CaseSensitive {
		query = strings.ToLower(query)
	}

	var out []LogEntry
	for _, entry := range p.GetLogs(opts.Type, 0) {
		if opts.Level != "" && entry.Level != opts.Level {
			continue
		}
		if !opts.Start.IsZero() && entry.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && entry.Timestamp.After(opts.End) {
			continue
		}

		b, err := json.Marshal(entry.Data)
		if err != nil {
			continue
		}
		content := string(b)
		if !opts.CaseSensitive {
			content = strings.ToLower(content)
		}
		if strings.Contains(content, query) {
			out = append(out, entry)
		}
	}
	return out
}

// LogStats counts entries by type and level.
func (p *LoggerPlugin) LogStats() LogStats {
	logs := p.GetLogs("", 0)
	stats := LogStats{
		Total:   len(logs),
		ByType:  make(map[LogType]int),
		ByLevel: make(map[string]int),
	}
	if len(logs) == 0 {
		return stats
	}

	tr := &TimeRange{Start: logs[0].Timestamp, End: logs[0].Timestamp}
	for _, entry := range logs {
		stats.ByType[entry.Type]++
		stats.ByLevel[entry.Level]++
		if entry.Timestamp.Before(tr.Start) {
			tr.Start = entry.Timestamp
		}
		if entry.Timestamp.After(tr.End) {
			tr.End = entry.Timestamp
		}
	}
	stats.TimeRange = tr
	return stats
}

func (p *LoggerPlugin) Status() LoggerStatus {
	stats := p.LogStats()
	return LoggerStatus{
		Info:     p.Info(),
		LogCount: stats.Total,
		Stats:    stats,
	}
}

// parseLogLevel parses a string log level into the corresponding slog.Level.
// It supports debug, info, warn/warning, and error levels (case-insensitive).
func parseLogLevel(level string) (slog.Level, error) {
	if level == "" {
		return slog.LevelInfo, nil
	}
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func sanitizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = sanitizeValue(a)
	}
	return out
}

const circularRef = "[Circular Reference]"

// sanitizeValue returns a log-safe copy of v. Functions, channels, cycles and
// other values encoding/json rejects become placeholder strings. Maps, slices
// and pointers are walked, so only the offending leaf is replaced.
func sanitizeValue(v any) any {
	return sanitize(v, make(map[uintptr]bool))
}

// sanitize walks v; visiting holds the maps, slices and pointers on the
// current path.
func sanitize(v any, visiting map[uintptr]bool) any {
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		name := "anonymous"
		if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
			name = fn.Name()
		}
		return fmt.Sprintf("[Function: %s]", name)
	case reflect.Chan:
		return "[Channel]"
	case reflect.UnsafePointer:
		return "[Pointer]"
	case reflect.Map, reflect.Pointer, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() != reflect.Slice || rv.Len() > 0 {
			ptr := rv.Pointer()
			if visiting[ptr] {
				return circularRef
			}
			visiting[ptr] = true
			defer delete(visiting, ptr)
		}
	}

	if _, err := json.Marshal(v); err == nil {
		return store.Clone(v)
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = sanitize(iter.Value().Interface(), visiting)
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = sanitize(rv.Index(i).Interface(), visiting)
		}
		return out
	case reflect.Pointer:
		return sanitize(rv.Elem().Interface(), visiting)
	}
	return fmt.Sprintf("[Unserializable: %T]", v)
}

func sanitizeError(err error) map[string]any {
	return map[string]any{
		"name":    fmt.Sprintf("%T", err),
		"message": err.Error(),
	}
}

// sanitizeSnapshot returns the snapshot itself, or a summary of its keys when
// it serializes to more than maxSnapshotBytes, plus the serialized size.
func sanitizeSnapshot(snap store.Snapshot) (any, int) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "[Unserializable snapshot]", 0
	}
	if len(b) > maxSnapshotBytes {
		return map[string]any{
			"_summary": "Large snapshot (truncated)",
			"keys":     slices.Sorted(maps.Keys(snap)),
		}, len(b)
	}
	return snap, len(b)
}
