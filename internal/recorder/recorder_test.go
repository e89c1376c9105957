package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/observability/metrics"
	"github.com/forcedaq/forcedaq/internal/timer"
)

func TestNewValidatesSensors(t *testing.T) {
	t.Parallel()

	tm := timer.New()
	tests := []struct {
		name    string
		sensors []daq.SensorSettings
		wantErr error
	}{
		{
			name: "duplicate device id",
			sensors: []daq.SensorSettings{
				{DeviceID: 1, Driver: daq.NewStreamDriver(1)},
				{DeviceID: 1, Driver: daq.NewStreamDriver(1)},
			},
			wantErr: ErrDuplicateDevice,
		},
		{
			name:    "nil driver",
			sensors: []daq.SensorSettings{{DeviceID: 1}},
			wantErr: daq.ErrInvalidSettings,
		},
		{
			name:    "foreign timer",
			sensors: []daq.SensorSettings{{DeviceID: 1, Driver: daq.NewStreamDriver(1), Timer: timer.New()}},
			wantErr: ErrForeignTimer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(context.Background(), Settings{Sensors: tt.sensors, Timer: tm}, WithLogger(testLogger()))
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}
}

func TestNewStopsSensorsWhenChannelFails(t *testing.T) {
	t.Parallel()

	drv := daq.NewStreamDriver(4)
	ch := &fakeChannel{startErr: errors.NewStd("bind failed")}
	_, err := New(context.Background(), Settings{
		Sensors: []daq.SensorSettings{{DeviceID: 1, Driver: drv}},
		Channel: ch,
		Timer:   timer.New(),
	}, WithLogger(testLogger()))
	require.Error(t, err)

	// A stopped sensor closes its driver.
	require.Error(t, drv.Inject(daq.Counts{}))
}

func TestStartRecordingRequiresBias(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	err := r.rec.StartRecording(context.Background(), false)
	require.ErrorIs(t, err, ErrBiasNotReady)
	assert.Equal(t, StateConstructed, r.rec.State())
	assert.False(t, r.sensor(t, 1).IsRecording())
}

func TestStartRecordingWithBiasDetermination(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- r.rec.StartRecording(context.Background(), true) }()

	s := r.sensor(t, 1)
	require.Eventually(t, func() bool { return s.State() == daq.StateBiasing }, waitTimeout, time.Millisecond)
	for range 10 {
		require.NoError(t, r.drivers[1].Inject(daq.Counts{1, 1, 1, 1, 1, 1}))
	}
	require.NoError(t, <-errCh)

	assert.Equal(t, StateRecording, r.rec.State())
	assert.True(t, s.IsRecording())
	assert.Equal(t, daq.Counts{1, 1, 1, 1, 1, 1}, s.Offset())
}

func TestTwoSensorsRecordFiveSamplesEach(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, 2)
	r.bias(t, 100, daq.Counts{})

	start := r.timer.Time()
	require.NoError(t, r.rec.StartRecording(context.Background(), false))
	r.inject(t, 1, 5, 0)
	r.inject(t, 2, 5, 0)
	pauseAt := r.timer.Time()

	events, err := r.rec.PauseRecording()
	require.NoError(t, err)

	samples := forceSamples(events)
	require.Len(t, samples, 10)
	perDevice := map[int]int{}
	for _, s := range samples {
		perDevice[s.DeviceID]++
		assert.GreaterOrEqual(t, s.Time, start)
		assert.LessOrEqual(t, s.Time, pauseAt)
	}
	assert.Equal(t, map[int]int{1: 5, 2: 5}, perDevice)
	assert.Equal(t, StatePaused, r.rec.State())
	assert.Equal(t, map[int]uint64{1: 5, 2: 5}, r.rec.SampleCounts())
}

func TestNoSampleLossAcrossPauses(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, 2)
	r.bias(t, 10, daq.Counts{})
	require.NoError(t, r.rec.StartRecording(context.Background(), false))

	const perSensor = 2000
	var wg sync.WaitGroup
	for id, drv := range r.drivers {
		wg.Go(func() {
			for i := range perSensor {
				for drv.Inject(daq.Counts{float64(id*perSensor + i)}) != nil {
					time.Sleep(time.Millisecond)
				}
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var events []daq.Event
	injecting := true
	for injecting {
		select {
		case <-done:
			injecting = false
		case <-time.After(5 * time.Millisecond):
		}
		batch, err := r.rec.PauseRecording()
		require.NoError(t, err)
		events = append(events, batch...)
		require.NoError(t, r.rec.StartRecording(context.Background(), false))
	}

	for _, s := range r.rec.Sensors() {
		require.Eventually(t, func() bool { return s.SampleCount() == perSensor }, waitTimeout, time.Millisecond)
	}
	final, err := r.rec.Quit()
	require.NoError(t, err)
	events = append(events, final...)

	seen := map[float64]bool{}
	for _, s := range forceSamples(events) {
		require.False(t, seen[s.Fx], "duplicate sample %v", s.Fx)
		seen[s.Fx] = true
	}
	assert.Len(t, seen, 2*perSensor)
}

func TestOpenDataFileNeverOverwrites(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	dir := filepath.Join(t.TempDir(), "data")

	name, err := r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "run"})
	require.NoError(t, err)
	assert.Equal(t, "run", name)

	name, err = r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "run"})
	require.NoError(t, err)
	assert.Equal(t, "run_1", name)
	assert.Equal(t, filepath.Join(dir, "run_1"), r.rec.DataFilePath())

	require.NoError(t, r.rec.CloseDataFile())
	require.NoError(t, r.rec.CloseDataFile())
	assert.Empty(t, r.rec.DataFilePath())
}

func TestSoftTriggerWrittenOnPause(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	dir := t.TempDir()
	_, err := r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "trig"})
	require.NoError(t, err)

	before := r.timer.Time()
	r.rec.WriteSoftTrigger(7)
	assert.Empty(t, readLines(t, filepath.Join(dir, "trig")), "triggers wait for the next pause")

	events, err := r.rec.PauseRecording()
	require.NoError(t, err)
	require.Len(t, events, 1)

	lines := readLines(t, filepath.Join(dir, "trig"))
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], ",")
	require.Len(t, fields, 5)
	assert.Equal(t, "88", fields[0])
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.Equal(t, []string{"7", "0", "0"}, fields[2:])

	again, err := r.rec.PauseRecording()
	require.NoError(t, err)
	assert.Empty(t, again, "triggers are cleared after they are written")
}

func TestProcessCommandEvents(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	dir := t.TempDir()
	_, err := r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "cmds", VarNames: true})
	require.NoError(t, err)
	path := filepath.Join(dir, "cmds")

	info, err := os.Stat(path)
	require.NoError(t, err)

	events, err := r.rec.ProcessCommandEvents()
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), after.Size(), "empty queue must not touch the file")

	r.channel.push(10, "hello")
	r.channel.push(11, "$cmdstart")
	events, err = r.rec.ProcessCommandEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, []string{Header, "99,10,hello,0,0", "99,11,$cmdstart,0,0"}, readLines(t, path))
}

func TestPauseMergeOrder(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, 2)
	r.bias(t, 10, daq.Counts{})
	require.NoError(t, r.rec.StartRecording(context.Background(), false))

	r.inject(t, 2, 1, 20)
	r.inject(t, 1, 1, 10)
	r.rec.WriteSoftTriggerAt(3, 1)
	r.channel.push(2, "note")

	events, err := r.rec.PauseRecording()
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, 1, events[0].(daq.ForceSample).DeviceID, "sensors drain in construction order")
	assert.Equal(t, 2, events[1].(daq.ForceSample).DeviceID)
	assert.Equal(t, daq.CommandEvent{Time: 2, Raw: "note"}, events[2])
	assert.Equal(t, daq.SoftTrigger{Time: 1, Code: 3}, events[3])
}

func TestDetermineBiasesWritesBufferedSamplesFirst(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	dir := t.TempDir()
	_, err := r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "bias"})
	require.NoError(t, err)

	r.bias(t, 10, daq.Counts{})
	require.NoError(t, r.rec.StartRecording(context.Background(), false))
	r.inject(t, 1, 3, 100)

	r.bias(t, 10, daq.Counts{1})
	assert.Equal(t, StatePaused, r.rec.State())
	assert.False(t, r.sensor(t, 1).IsRecording())

	lines := readLines(t, filepath.Join(dir, "bias"))
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.True(t, strings.HasPrefix(line, "1,"), line)
		assert.True(t, strings.HasSuffix(line, fmt.Sprintf(",%.4f,0.0000,0.0000", 100+float64(i))), line)
	}
}

func TestQuitIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	dir := t.TempDir()
	_, err := r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "quit", Zipped: true, Comment: "pilot"})
	require.NoError(t, err)

	r.bias(t, 10, daq.Counts{})
	require.NoError(t, r.rec.StartRecording(context.Background(), false))
	r.inject(t, 1, 4, 0)

	events, err := r.rec.Quit()
	require.NoError(t, err)
	assert.Len(t, forceSamples(events), 4)
	assert.Equal(t, StateClosed, r.rec.State())
	assert.Equal(t, 1, r.channel.stopped)
	assert.Equal(t, daq.StateStopped, r.sensor(t, 1).State())

	again, err := r.rec.Quit()
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, r.channel.stopped, "channel is stopped once")

	lines := readLines(t, filepath.Join(dir, "quit.gz"))
	require.Len(t, lines, 5)
	assert.Equal(t, "#pilot (session "+r.rec.SessionID()+")", lines[0])

	_, err = r.rec.PauseRecording()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, r.rec.StartRecording(context.Background(), false), ErrClosed)
	_, err = r.rec.OpenDataFile(FileOptions{Directory: dir})
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentQuit(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, 2)
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			_, err := r.rec.Quit()
			assert.NoError(t, err)
		})
	}
	wg.Wait()
	assert.Equal(t, 1, r.channel.stopped)
}

func TestDetermineBiasesRecordsOneRunPerSensor(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := metrics.NewDAQMetrics(registry)
	require.NoError(t, err)

	r := newRigWith(t, []Option{WithMetrics(m)}, 1)
	r.bias(t, 3, daq.Counts{})

	expected := `
# HELP forcedaq_bias_determinations_total Total number of bias determinations by outcome
# TYPE forcedaq_bias_determinations_total counter
forcedaq_bias_determinations_total{device_id="1",status="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"forcedaq_bias_determinations_total"))

	families, err := registry.Gather()
	require.NoError(t, err)
	var observed uint64
	for _, mf := range families {
		if mf.GetName() == "forcedaq_bias_duration_seconds" {
			for _, metric := range mf.GetMetric() {
				observed += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), observed, "one duration observation per bias run")
}
