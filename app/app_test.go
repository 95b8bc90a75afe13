package app

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/corekit/sched"
)

const numRuns = 100

// countingDelegate records every lifecycle callback.
type countingDelegate struct {
	app *App

	setupComplete          bool
	teardownComplete       bool
	backgroundTaskComplete atomic.Bool

	numUpdates    int
	numPollEvents int
}

func (d *countingDelegate) Setup() { d.setupComplete = true }

func (d *countingDelegate) Update(float64) {
	d.numUpdates++
	if d.numUpdates >= numRuns {
		d.app.Stop()
	}
}

func (d *countingDelegate) PollEvents() { d.numPollEvents++ }

func (d *countingDelegate) Teardown() {
	d.teardownComplete = true

	future := sched.Post(d.app.BackgroundQueue(), func() bool {
		d.backgroundTaskComplete.Store(true)
		return true
	})
	future.Wait()
}

func Test_App_Basic(t *testing.T) {
	delegate := &countingDelegate{}
	a := New(delegate, Config{})
	delegate.app = a
	defer a.Close()

	require.Equal(t, 0, a.Run())

	require.True(t, delegate.setupComplete)
	require.True(t, delegate.teardownComplete)
	require.True(t, delegate.backgroundTaskComplete.Load())
	require.Equal(t, numRuns, delegate.numUpdates)
	require.Equal(t, delegate.numUpdates, delegate.numPollEvents)
}

func Test_App_ReturnCode(t *testing.T) {
	delegate := &countingDelegate{}
	a := New(delegate, Config{NumBackgroundThreads: 1})
	delegate.app = a
	defer a.Close()

	a.SetReturnCode(3)
	require.Equal(t, 3, a.Run())

	// a second Run while stopped works again
	delegate.numUpdates = 0
	require.Equal(t, 3, a.Run())
}

// stopAfterDelegate stops the app after a fixed number of updates.
type stopAfterDelegate struct {
	app     *App
	limit   int
	updates int
}

func (d *stopAfterDelegate) Setup()      {}
func (d *stopAfterDelegate) PollEvents() {}
func (d *stopAfterDelegate) Teardown()   {}

func (d *stopAfterDelegate) Update(float64) {
	d.updates++
	if d.updates >= d.limit {
		d.app.Stop()
	}
}

func Test_App_Pacing(t *testing.T) {
	delegate := &stopAfterDelegate{limit: 10}
	a := New(delegate, Config{
		LoopThrottling:       true,
		TargetLoopFrequency:  100,
		NumBackgroundThreads: 1,
	})
	delegate.app = a
	defer a.Close()

	start := time.Now()
	a.Run()
	elapsed := time.Since(start)

	// 10 iterations at 100 Hz cannot complete much faster than ~90 ms
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond,
		"throttled loop finished too quickly: %v", elapsed)
	require.Equal(t, 10, delegate.updates)
}

func Test_App_MainQueuePolled(t *testing.T) {
	delegate := &stopAfterDelegate{limit: 5}
	a := New(delegate, Config{NumBackgroundThreads: 1})
	delegate.app = a
	defer a.Close()

	var polled atomic.Bool
	a.MainQueue().Submit(func() { polled.Store(true) })

	a.Run()
	require.True(t, polled.Load(), "main queue task must run on the loop goroutine")
}
