// Package app provides the application loop driver: a paced main loop with
// one polled main queue and one background thread pool.
package app

import (
	"log/slog"
	"math"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joshuapare/corekit/sched"
	"github.com/joshuapare/corekit/timing"
)

// Delegate receives the application lifecycle callbacks. Run invokes Setup
// once, then PollEvents and Update every iteration, and Teardown once after
// the loop ends.
type Delegate interface {
	Setup()
	Update(timeDelta float64)
	PollEvents()
	Teardown()
}

// Config groups the information needed to create an App.
type Config struct {
	// LoopThrottling enables pacing of the main loop.
	LoopThrottling bool

	// TargetLoopFrequency is the desired loop frequency in Hz. Only
	// relevant while LoopThrottling is enabled.
	TargetLoopFrequency float64

	// Arguments is the process argument vector.
	Arguments []string

	// NumBackgroundThreads sizes the background pool. Defaults to
	// max(1, number of CPUs).
	NumBackgroundThreads int
}

// App drives a delegate's setup/poll/update/teardown loop. The main queue
// has no worker threads and is polled once per iteration on the loop
// goroutine; the background queue runs its own workers.
type App struct {
	delegate Delegate

	running    atomic.Bool
	returnCode atomic.Int32

	loopThrottling  atomic.Bool
	targetFrequency atomic.Uint64 // float64 bits

	args []string

	startTime     time.Time
	lastTimestamp time.Time
	lastAvg       time.Time
	fpsTimestamp  time.Time

	avgLoopTime       atomic.Uint64 // float64 bits
	numLoopIterations int
	timingInterval    float64

	mainQueue       *sched.Pool
	backgroundQueue *sched.Pool
	sleeper         *timing.Sleeper
}

// New creates an App driving the given delegate.
func New(delegate Delegate, cfg Config) *App {
	numBackground := cfg.NumBackgroundThreads
	if numBackground <= 0 {
		numBackground = max(1, runtime.NumCPU())
	}

	a := &App{
		delegate:        delegate,
		args:            cfg.Arguments,
		timingInterval:  1.0,
		mainQueue:       sched.NewPool(0),
		backgroundQueue: sched.NewPool(numBackground),
		sleeper:         timing.NewSleeper(),
	}
	a.loopThrottling.Store(cfg.LoopThrottling)
	a.targetFrequency.Store(math.Float64bits(cfg.TargetLoopFrequency))
	return a
}

// Run executes the application loop until Stop is called or SIGINT is
// received, and returns the exit code. Calling Run on an already running
// App returns -1.
func (a *App) Run() int {
	if !a.running.CompareAndSwap(false, true) {
		return -1
	}

	// stop the loop on interrupt
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		select {
		case <-sigCh:
			a.running.Store(false)
		case <-stopCh:
		}
	}()
	defer func() {
		signal.Stop(sigCh)
		close(stopCh)
	}()

	now := time.Now()
	a.startTime = now
	a.lastTimestamp = now
	a.lastAvg = now
	a.fpsTimestamp = now

	slog.Debug("app: loop starting",
		"background_threads", a.backgroundQueue.NumThreads())

	a.delegate.Setup()

	for a.running.Load() {
		timestamp := time.Now()

		// poll queued main-thread work, no separate workers exist for it
		if a.mainQueue.NumThreads() == 0 {
			a.mainQueue.Poll()
		}

		a.delegate.PollEvents()
		a.delegate.Update(timestamp.Sub(a.lastTimestamp).Seconds())
		a.lastTimestamp = timestamp

		a.updateTiming()
	}

	a.delegate.Teardown()

	slog.Debug("app: loop finished", "uptime_seconds", a.ApplicationTime())
	return int(a.returnCode.Load())
}

// updateTiming maintains the rolling loop-time average and paces the loop
// when throttling is enabled.
func (a *App) updateTiming() {
	a.numLoopIterations++

	diff := a.lastTimestamp.Sub(a.lastAvg).Seconds()
	if diff > a.timingInterval {
		a.avgLoopTime.Store(math.Float64bits(diff / float64(a.numLoopIterations)))
		a.numLoopIterations = 0
		a.lastAvg = a.lastTimestamp
	}

	if a.loopThrottling.Load() {
		if fps := a.TargetLoopFrequency(); fps > 0 {
			desired := time.Duration(float64(time.Second) / fps)
			if frame := time.Since(a.fpsTimestamp); frame < desired {
				a.sleeper.Sleep(desired - frame)
			}
		}
	}
	a.fpsTimestamp = time.Now()
}

// Stop requests the loop to end after the current iteration.
func (a *App) Stop() { a.running.Store(false) }

// Running reports whether the loop is active.
func (a *App) Running() bool { return a.running.Load() }

// SetReturnCode sets the exit code returned by Run.
func (a *App) SetReturnCode(code int) { a.returnCode.Store(int32(code)) }

// SetLoopThrottling toggles pacing of the main loop.
func (a *App) SetLoopThrottling(enabled bool) { a.loopThrottling.Store(enabled) }

// SetTargetLoopFrequency sets the pacing target in Hz.
func (a *App) SetTargetLoopFrequency(hz float64) {
	a.targetFrequency.Store(math.Float64bits(hz))
}

// TargetLoopFrequency returns the pacing target in Hz.
func (a *App) TargetLoopFrequency() float64 {
	return math.Float64frombits(a.targetFrequency.Load())
}

// AvgLoopTime returns the rolling average duration of a loop iteration in
// seconds.
func (a *App) AvgLoopTime() float64 {
	return math.Float64frombits(a.avgLoopTime.Load())
}

// SetTimingInterval sets the length in seconds of the rolling-average
// window. Must be called before Run.
func (a *App) SetTimingInterval(seconds float64) {
	if seconds > 0 {
		a.timingInterval = seconds
	}
}

// ApplicationTime returns the seconds elapsed since Run started.
func (a *App) ApplicationTime() float64 {
	return time.Since(a.startTime).Seconds()
}

// Args returns the argument vector the App was created with.
func (a *App) Args() []string { return a.args }

// MainQueue returns the polled main-thread queue.
func (a *App) MainQueue() *sched.Pool { return a.mainQueue }

// BackgroundQueue returns the background thread pool.
func (a *App) BackgroundQueue() *sched.Pool { return a.backgroundQueue }

// Close joins both queues. The App must not be running.
func (a *App) Close() {
	a.mainQueue.JoinAll()
	a.backgroundQueue.JoinAll()
}
