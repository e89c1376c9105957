package recorder

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/remote"
	"github.com/forcedaq/forcedaq/internal/testutil"
)

func newTestController(t *testing.T, r *rig, opts ...ControllerOption) *Controller {
	t.Helper()
	opts = append([]ControllerOption{WithControllerLogger(testLogger())}, opts...)
	return NewController(r.rec, opts...)
}

// tickWith queues raw on the channel and runs one controller tick.
func tickWith(t *testing.T, r *rig, c *Controller, raw ...string) error {
	t.Helper()
	for _, m := range raw {
		r.channel.push(r.timer.Time(), m)
	}
	return c.Tick(context.Background())
}

func TestControllerStartPause(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	c := newTestController(t, r)

	err := tickWith(t, r, c, remote.CmdStart)
	require.ErrorIs(t, err, ErrBiasNotReady)
	assert.Empty(t, r.channel.Sent(), "no feedback when start fails")

	r.bias(t, 10, daq.Counts{})
	require.NoError(t, tickWith(t, r, c, remote.CmdStart))
	assert.True(t, r.rec.IsRecording())

	require.NoError(t, tickWith(t, r, c, remote.CmdStart), "start while recording is a no-op")
	require.NoError(t, tickWith(t, r, c, remote.CmdPause))
	assert.Equal(t, StatePaused, r.rec.State())

	assert.Equal(t, []string{remote.FeedbackStarted, remote.FeedbackPaused}, r.channel.Sent())
}

func TestControllerQuit(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	c := newTestController(t, r)

	select {
	case <-c.Done():
		t.Fatal("done before quit command")
	default:
	}

	require.NoError(t, tickWith(t, r, c, remote.CmdQuit, remote.CmdQuit))
	select {
	case <-c.Done():
	default:
		t.Fatal("quit command did not close Done")
	}
}

func TestControllerFilenameSwitchKeepsRecording(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	dir := t.TempDir()
	c := newTestController(t, r, WithFileOptions(FileOptions{Directory: dir, VarNames: true}))

	r.bias(t, 10, daq.Counts{})
	require.NoError(t, tickWith(t, r, c, remote.CmdFilename+"first"))
	assert.Equal(t, filepath.Join(dir, "first"), r.rec.DataFilePath())

	require.NoError(t, r.rec.StartRecording(context.Background(), false))
	r.inject(t, 1, 2, 1)

	require.NoError(t, tickWith(t, r, c, remote.CmdFilename+"second"))
	assert.Equal(t, filepath.Join(dir, "second"), r.rec.DataFilePath())
	assert.True(t, r.rec.IsRecording(), "recording resumes after the switch")

	first := readLines(t, filepath.Join(dir, "first"))
	require.Len(t, first, 4, "header, the filename command and two samples")
	assert.Equal(t, Header, first[0])
}

func TestControllerValueQueries(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	c := newTestController(t, r, WithValueTTL(50*time.Millisecond))
	r.bias(t, 10, daq.Counts{})

	require.NoError(t, tickWith(t, r, c, remote.CmdGetValue+"Fz"))
	assert.Equal(t, []string{"$pvnull"}, r.channel.Sent(), "no reading yet")

	require.NoError(t, r.drivers[1].Inject(daq.Counts{1, 2, 3, 4, 5, 6}))
	require.Eventually(t, func() bool { return r.sensor(t, 1).SampleCount() == 1 }, waitTimeout, time.Millisecond)

	require.NoError(t, tickWith(t, r, c, remote.CmdGetValue+"Fz", remote.CmdGetValue+"Tx"))
	assert.Equal(t, []string{"$pvnull", "$pv3", "$pv4"}, r.channel.Sent())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, tickWith(t, r, c, remote.CmdGetValue+"Fz"))
	assert.Equal(t, "$pvnull", r.channel.Sent()[3], "stale readings are not reported")
}

func TestControllerLevelDetection(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	c := newTestController(t, r)
	r.bias(t, 10, daq.Counts{})
	s := r.sensor(t, 1)

	feed := func(fz float64) {
		t.Helper()
		n := s.SampleCount()
		require.NoError(t, r.drivers[1].Inject(daq.Counts{2: fz}))
		require.Eventually(t, func() bool { return s.SampleCount() == n+1 }, waitTimeout, time.Millisecond)
		require.NoError(t, c.Tick(context.Background()))
	}

	feed(10)
	assert.Empty(t, r.channel.Sent(), "no detection without thresholds")

	require.NoError(t, tickWith(t, r, c, remote.CmdThresholds+"[1, 5]"))
	feed(10)
	feed(10)
	assert.Equal(t, []string{"$pv2"}, r.channel.Sent(), "level is sent once per change")

	for range LevelWindow {
		feed(3)
	}
	assert.Equal(t, []string{"$pv2", "$pv1"}, r.channel.Sent())

	require.NoError(t, tickWith(t, r, c, remote.CmdThresholds+"stop"))
	feed(100)
	assert.Len(t, r.channel.Sent(), 2, "stopped detection sends nothing")
}

func TestControllerIgnoresUnknownCommands(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	c := newTestController(t, r)
	require.NoError(t, tickWith(t, r, c, "$cmdjump", "$cmdgetQq", "plain note"))
	assert.Empty(t, r.channel.Sent())
	assert.Equal(t, StateConstructed, r.rec.State())
}

func TestControllerFlushDispatchesDrainedCommands(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	dir := t.TempDir()
	c := newTestController(t, r)
	r.bias(t, 10, daq.Counts{})
	_, err := r.rec.OpenDataFile(FileOptions{Directory: dir, Filename: "flush"})
	require.NoError(t, err)
	require.NoError(t, r.rec.StartRecording(context.Background(), false))

	r.channel.push(r.timer.Time(), remote.CmdGetValue+"Fz")
	r.channel.push(r.timer.Time(), remote.CmdQuit)
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, []string{"$pvnull"}, r.channel.Sent(), "value query answered exactly once")
	select {
	case <-c.Done():
	default:
		t.Fatal("quit drained by the flush was not honoured")
	}
	assert.True(t, r.rec.IsRecording(), "flush resumes recording")

	lines := readLines(t, filepath.Join(dir, "flush"))
	require.Len(t, lines, 2, "drained commands are still written")
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "99,"), line)
	}
}

func TestControllerFlushWhilePausedIsNoop(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	c := newTestController(t, r)
	r.channel.push(r.timer.Time(), remote.CmdQuit)

	require.NoError(t, c.Flush(context.Background()))
	select {
	case <-c.Done():
		t.Fatal("flush of a paused recorder must not drain commands")
	default:
	}
	require.NoError(t, c.Tick(context.Background()))
	testutil.WaitClosed(t, c.Done(), waitTimeout, "quit not dispatched by the next tick")
}

func TestControllerPauseDispatchesDrainedCommands(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	c := newTestController(t, r)
	r.bias(t, 10, daq.Counts{})
	require.NoError(t, r.rec.StartRecording(context.Background(), false))

	// Arrives after the pause command was taken off the queue.
	r.channel.push(r.timer.Time(), remote.CmdGetValue+"Fx")
	require.NoError(t, c.Dispatch(context.Background(), remote.CmdPause))

	assert.Equal(t, []string{remote.FeedbackPaused, "$pvnull"}, r.channel.Sent())
	assert.False(t, r.rec.IsRecording())
}

func TestControllerFilenameSwitchDispatchesDrainedCommands(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	dir := t.TempDir()
	c := newTestController(t, r, WithFileOptions(FileOptions{Directory: dir}))
	r.bias(t, 10, daq.Counts{})
	require.NoError(t, tickWith(t, r, c, remote.CmdFilename+"first"))
	require.NoError(t, r.rec.StartRecording(context.Background(), false))

	r.channel.push(r.timer.Time(), remote.CmdQuit)
	require.NoError(t, c.Dispatch(context.Background(), remote.CmdFilename+"second"))

	testutil.WaitClosed(t, c.Done(), waitTimeout, "quit drained by the file switch was not honoured")
	assert.True(t, r.rec.IsRecording())
}

func TestControllerPauseFailureSendsNoFeedback(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1)
	c := newTestController(t, r)
	r.bias(t, 10, daq.Counts{})
	_, err := r.rec.OpenDataFile(FileOptions{Directory: t.TempDir(), Filename: "broken"})
	require.NoError(t, err)
	require.NoError(t, r.rec.StartRecording(context.Background(), false))
	r.inject(t, 1, 1, 1)

	// Closing the file underneath the recorder makes the pause write fail.
	require.NoError(t, r.rec.file.Close())

	err = c.Dispatch(context.Background(), remote.CmdPause)
	require.ErrorIs(t, err, ErrDataFileClosed)
	assert.NotContains(t, r.channel.Sent(), remote.FeedbackPaused)
}
