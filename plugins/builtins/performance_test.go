package builtins

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextpkg/storeplug/plugins"
	"github.com/nextpkg/storeplug/store/memstore"
)

func installPerformance(t *testing.T, st *memstore.Store, opts plugins.Options, popts ...PerformanceOption) *PerformancePlugin {
	t.Helper()
	p := NewPerformancePlugin(popts...)
	base := plugins.Options{"trackMemory": false, "reportInterval": 0}
	require.NoError(t, p.Install(st, plugins.MergeOptions(base, opts)))
	t.Cleanup(p.Uninstall)
	return p
}

func TestPerformancePlugin_Aggregates(t *testing.T) {
	p := installPerformance(t, memstore.New(nil), plugins.Options{"thresholds": map[string]any{"actionTime": "1h"}})

	durations := []time.Duration{3 * time.Millisecond, 1 * time.Millisecond, 7 * time.Millisecond, 2 * time.Millisecond}
	for i, d := range durations {
		var err error
		if i == 1 {
			err = errors.New("failed")
		}
		p.RecordAction("save", "/tasks", d, err)
	}

	m, ok := p.Metric("save", "/tasks")
	require.True(t, ok)
	assert.Equal(t, 4, m.Count)
	assert.Equal(t, 13*time.Millisecond, m.TotalTime)
	assert.Equal(t, 1*time.Millisecond, m.MinTime)
	assert.Equal(t, 7*time.Millisecond, m.MaxTime)
	assert.Equal(t, 1, m.Errors)

	p.RecordAction("load", "/", 10*time.Millisecond, nil)

	rep := p.GetPerformanceReport()
	assert.Equal(t, 5, rep.Summary.TotalActions)
	assert.Equal(t, 4.6, rep.Summary.AverageActionTime)
	require.NotNil(t, rep.Summary.SlowestAction)
	assert.Equal(t, "load", rep.Summary.SlowestAction.Name)
	assert.Equal(t, 10.0, rep.Summary.SlowestAction.MaxTime)
	require.Len(t, rep.Actions.Details, 2)
	assert.Equal(t, "/tasks", rep.Actions.Details[1].Path)
	assert.Equal(t, 3.25, rep.Actions.Details[1].AverageTime)
}

func TestPerformancePlugin_TracksDispatchedActions(t *testing.T) {
	st := memstore.New(nil)
	p := installPerformance(t, st, plugins.Options{"sampleRate": 1.0})

	for i := 0; i < 5; i++ {
		_, err := st.Dispatch(context.Background(), "increment", "/", setAction("/count"), i)
		require.NoError(t, err)
	}

	rep := p.GetPerformanceReport()
	assert.Equal(t, 5, rep.Summary.TotalActions)
	assert.Equal(t, 5, rep.Summary.TotalPatches)
	assert.Equal(t, map[string]int{"add": 1, "replace": 4}, rep.Patches.ByOperation)
	assert.Len(t, rep.Patches.Recent, 5)
}

func TestPerformancePlugin_AsyncActionDuration(t *testing.T) {
	st := memstore.New(nil)
	p := installPerformance(t, st, nil)

	res := <-st.DispatchAsync(context.Background(), "fetch", "/", func(tx *memstore.Tx, _ ...any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, tx.Set("/loaded", true)
	})
	require.NoError(t, res.Err)

	m, ok := p.Metric("fetch", "/")
	require.True(t, ok)
	assert.GreaterOrEqual(t, m.TotalTime, 20*time.Millisecond)
}

func TestPerformancePlugin_SampleRateZero(t *testing.T) {
	st := memstore.New(nil)
	p := installPerformance(t, st, plugins.Options{"sampleRate": 0})

	for i := 0; i < 10; i++ {
		_, _ = st.Dispatch(context.Background(), "set", "/", setAction("/n"), i)
	}

	rep := p.GenerateReport()
	assert.Zero(t, rep.Summary.TotalActions)
	assert.Zero(t, rep.Summary.TotalPatches)
	assert.Nil(t, rep.Summary.SlowestAction)
}

func TestPerformancePlugin_InvalidSampleRate(t *testing.T) {
	p := NewPerformancePlugin()
	assert.Error(t, p.Install(memstore.New(nil), plugins.Options{"sampleRate": 1.5}))
	assert.False(t, p.IsInstalled())
}

func TestPerformancePlugin_EvictsLeastRecentlyExecuted(t *testing.T) {
	p := installPerformance(t, memstore.New(nil), plugins.Options{"maxMetrics": 2})

	p.RecordAction("a", "", time.Millisecond, nil)
	p.RecordAction("b", "", time.Millisecond, nil)
	time.Sleep(time.Millisecond)
	p.RecordAction("a", "", time.Millisecond, nil)
	time.Sleep(time.Millisecond)
	p.RecordAction("c", "", time.Millisecond, nil)

	_, ok := p.Metric("b", "")
	assert.False(t, ok)
	_, ok = p.Metric("a", "")
	assert.True(t, ok)
	_, ok = p.Metric("c", "")
	assert.True(t, ok)

	for i := 0; i < 5; i++ {
		p.recordMemory(MemorySample{HeapAlloc: uint64(i)})
	}
	assert.Equal(t, 2, p.Status().MetricsCount.Memory)
	assert.Equal(t, uint64(4), p.GenerateReport().Memory.Current.HeapAlloc)
}

func TestPerformancePlugin_MemoryTrend(t *testing.T) {
	reads := 0
	p := installPerformance(t, memstore.New(nil), nil, WithMemoryReader(func() (MemorySample, bool) {
		reads++
		return MemorySample{HeapAlloc: uint64(reads * 1000)}, true
	}))

	for i := 0; i < 15; i++ {
		p.sampleMemory()
	}

	rep := p.GenerateReport()
	require.NotNil(t, rep.Summary.CurrentMemory)
	assert.Equal(t, uint64(15000), rep.Summary.CurrentMemory.HeapAlloc)
	assert.Len(t, rep.Memory.History, memoryTrendWindow)
	assert.Equal(t, int64(9000), rep.Memory.Trend)
	assert.False(t, rep.Summary.CurrentMemory.Timestamp.IsZero())
}

func TestPerformancePlugin_MemoryUnavailable(t *testing.T) {
	p := installPerformance(t, memstore.New(nil), nil, WithMemoryReader(func() (MemorySample, bool) {
		return MemorySample{}, false
	}))
	p.sampleMemory()

	rep := p.GenerateReport()
	assert.Nil(t, rep.Memory.Current)
	assert.Zero(t, rep.Memory.Trend)
}

func TestReadProcessMemory(t *testing.T) {
	sample, ok := readProcessMemory()
	require.True(t, ok)
	assert.NotZero(t, sample.HeapAlloc)
	assert.NotZero(t, sample.Sys)
}

func TestPerformancePlugin_PeriodicReport(t *testing.T) {
	reports := make(chan PerformanceReport, 4)
	p := NewPerformancePlugin(WithReportHandler(func(r PerformanceReport) {
		select {
		case reports <- r:
		default:
		}
	}))
	require.NoError(t, p.Install(memstore.New(nil), plugins.Options{
		"reportInterval": "10ms",
		"memoryInterval": "5ms",
	}))
	defer p.Uninstall()

	select {
	case r := <-reports:
		assert.False(t, r.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no report delivered")
	}

	assert.Eventually(t, func() bool {
		return p.Status().MetricsCount.Memory > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPerformancePlugin_DropsAfterUninstall(t *testing.T) {
	st := memstore.New(nil)
	p := NewPerformancePlugin()
	require.NoError(t, p.Install(st, plugins.Options{"trackMemory": false, "reportInterval": 0}))

	started := make(chan struct{})
	release := make(chan struct{})
	pending := st.DispatchAsync(context.Background(), "slow", "/", func(*memstore.Tx, ...any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	<-started
	p.Uninstall()
	close(release)
	<-pending

	_, ok := p.Metric("slow", "/")
	assert.False(t, ok)
	p.RecordAction("late", "/", time.Millisecond, nil)
	assert.Zero(t, p.Status().MetricsCount.Actions)
}

func TestPerformancePlugin_ClearAndStatus(t *testing.T) {
	p := installPerformance(t, memstore.New(nil), nil)
	for i := 0; i < 3; i++ {
		p.RecordAction(fmt.Sprintf("a%d", i), "/", time.Millisecond, nil)
	}
	p.recordMemory(MemorySample{HeapAlloc: 2 << 20})

	status := p.Status()
	assert.Equal(t, 3, status.MetricsCount.Actions)
	assert.Equal(t, "2.1 MB", status.CurrentMemory)
	assert.True(t, status.Installed)

	p.ClearPerformanceData()
	status = p.Status()
	assert.Zero(t, status.MetricsCount.Actions)
	assert.Zero(t, status.MetricsCount.Memory)
	assert.Empty(t, status.CurrentMemory)
}

func TestPerformancePlugin_NumericDurationsAreMilliseconds(t *testing.T) {
	p := installPerformance(t, memstore.New(nil), plugins.Options{
		"reportInterval": 30000,
		"memoryInterval": "5000",
		"thresholds":     map[string]any{"actionTime": 100},
	})

	cfg := p.config()
	assert.Equal(t, 30*time.Second, cfg.ReportInterval)
	assert.Equal(t, 5*time.Second, cfg.MemoryInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Thresholds.ActionTime)
}
