package session

import (
	"context"
	"io"
	"time"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/errors"
	"github.com/forcedaq/forcedaq/internal/logger"
)

const pumpRetryDelay = time.Millisecond

// pumpFrames copies whole raw frames from r into the stream driver until
// r is exhausted, the driver is closed or ctx is done. A read blocked on r
// is not interrupted; the pump exits on the next frame.
func pumpFrames(ctx context.Context, r io.Reader, sd *daq.StreamDriver, log logger.Logger) {
	frame := make([]byte, daq.FrameSize)
	var frames int
	for {
		if _, err := io.ReadFull(r, frame); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("stream input ended", logger.Error(err), logger.Int("frames", frames))
			} else {
				log.Info("stream input exhausted", logger.Int("frames", frames))
			}
			return
		}

		for {
			_, err := sd.Write(frame)
			if err == nil {
				break
			}
			if !errors.Is(err, daq.ErrStreamFull) {
				log.Debug("stream driver rejected frame", logger.Error(err))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpRetryDelay):
			}
		}
		frames++
	}
}
