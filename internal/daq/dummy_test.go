package daq

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDummyDriverLevelAndNoise(t *testing.T) {
	t.Parallel()

	level := Counts{1, 2, 3, 4, 5, 6}
	d := NewDummyDriver(clock.New(), 0, WithDummyLevel(level), WithDummyNoise(0.1), WithDummySeed(7))
	defer d.Close()

	for range 100 {
		c, err := d.Read(context.Background())
		require.NoError(t, err)
		for i := range c {
			assert.InDelta(t, level[i], c[i], 0.1)
		}
	}
}

func TestDummyDriverSeedIsReproducible(t *testing.T) {
	t.Parallel()

	a := NewDummyDriver(clock.New(), 0, WithDummySeed(42))
	b := NewDummyDriver(clock.New(), 0, WithDummySeed(42))
	defer a.Close()
	defer b.Close()

	for range 10 {
		ca, err := a.Read(context.Background())
		require.NoError(t, err)
		cb, err := b.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ca, cb)
	}
}

func TestDummyDriverPacedByClock(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	d := NewDummyDriver(mock, 1000, WithDummyNoise(0))
	defer d.Close()

	got := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background())
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("paced Read returned before the tick")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Millisecond)
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after the tick")
	}
}

func TestDummyDriverClose(t *testing.T) {
	t.Parallel()

	d := NewDummyDriver(clock.NewMock(), 100)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.Read(context.Background())
	assert.ErrorIs(t, err, ErrDriverClosed)
}
