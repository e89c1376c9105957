package recorder

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/forcedaq/forcedaq/internal/daq"
	"github.com/forcedaq/forcedaq/internal/logger"
)

// DefaultGracePeriod is how long the guard waits after the first signal
// for the owner to shut down on its own.
const DefaultGracePeriod = 10 * time.Second

// Quitter is anything the exit guard can shut down.
type Quitter interface {
	Quit() ([]daq.Event, error)
}

// ExitGuardOption configures an ExitGuard
type ExitGuardOption func(*ExitGuard)

// WithSignals replaces OS signal delivery, for tests.
func WithSignals(ch chan os.Signal) ExitGuardOption {
	return func(g *ExitGuard) {
		g.signals = ch
		g.notify = false
	}
}

// WithExitFunc replaces os.Exit.
func WithExitFunc(exit func(code int)) ExitGuardOption {
	return func(g *ExitGuard) { g.exit = exit }
}

// WithGracePeriod sets the wait between the first signal and the forced quit.
func WithGracePeriod(d time.Duration) ExitGuardOption {
	return func(g *ExitGuard) { g.grace = d }
}

// WithCancel sets the function called on the first signal to request a
// graceful shutdown.
func WithCancel(cancel context.CancelFunc) ExitGuardOption {
	return func(g *ExitGuard) { g.cancel = cancel }
}

// WithGuardLogger sets the guard's logger.
func WithGuardLogger(log logger.Logger) ExitGuardOption {
	return func(g *ExitGuard) {
		if log != nil {
			g.log = log
		}
	}
}

// ExitGuard makes sure the recorder is quit when the process is
// interrupted. The first SIGINT/SIGTERM cancels the owner's context; a
// second signal, or the grace period running out before Stop, runs Quit
// and exits the process.
type ExitGuard struct {
	quitter Quitter
	signals chan os.Signal
	notify  bool
	exit    func(code int)
	grace   time.Duration
	cancel  context.CancelFunc
	log     logger.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewExitGuard returns an unstarted guard for q.
func NewExitGuard(q Quitter, opts ...ExitGuardOption) *ExitGuard {
	g := &ExitGuard{
		quitter: q,
		signals: make(chan os.Signal, 2),
		notify:  true,
		exit:    os.Exit,
		grace:   DefaultGracePeriod,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = logger.Global().Module("recorder").Module("exitguard")
	}
	return g
}

// Start begins watching for signals.
func (g *ExitGuard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true

	if g.notify {
		signal.Notify(g.signals, syscall.SIGINT, syscall.SIGTERM)
	}
	go g.watch()
}

func (g *ExitGuard) watch() {
	defer close(g.done)

	var sig os.Signal
	select {
	case <-g.stop:
		return
	case sig = <-g.signals:
	}

	g.log.Info("received signal, shutting down", logger.String("signal", sig.String()))
	if g.cancel != nil {
		g.cancel()
	}

	grace := time.NewTimer(g.grace)
	defer grace.Stop()

	select {
	case <-g.stop:
		return
	case sig = <-g.signals:
		g.log.Warn("second signal, forcing quit", logger.String("signal", sig.String()))
	case <-grace.C:
		g.log.Warn("shutdown grace period expired, forcing quit", logger.Duration("grace", g.grace))
	}

	if _, err := g.quitter.Quit(); err != nil {
		g.log.Error("quit on exit failed", logger.Error(err))
	}
	g.exit(exitCode(sig))
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

// Stop ends the watch without quitting. Safe to call more than once.
func (g *ExitGuard) Stop() {
	g.stopOnce.Do(func() {
		if g.notify {
			signal.Stop(g.signals)
		}
		close(g.stop)
	})

	g.mu.Lock()
	started := g.started
	g.stopped = true
	g.mu.Unlock()
	if started {
		<-g.done
	}
}
