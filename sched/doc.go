// Package sched provides two thread-pool implementations sharing one
// future-based completion surface.
//
// # Pool
//
// Pool is the lock-free variant. Task handles are stored in a fixed-size
// freelist; pointers to them travel through a single-producer-per-post,
// multi-consumer ring buffer of atomic slots. A counting semaphore wakes
// workers; each worker owns its read cursor, and slots are claimed with an
// exchange-with-nil so execution order across workers is unspecified while
// enqueue order stays visible through the monotonic tail.
//
// A Pool with zero workers is a polling queue: Post still succeeds and
// Poll runs the pending tasks on the calling goroutine.
//
// # ClassicPool
//
// ClassicPool is the conventional mutex/condvar variant with two priority
// levels. It trades throughput for simplicity and priority support.
//
// # Futures
//
// Post returns a typed Future. A task that panics completes its future
// with an error wrapping ErrTaskPanic instead of unwinding the worker.
//
//	pool := sched.NewPool(4)
//	defer pool.JoinAll()
//
//	f := sched.Post(pool, func() int { return 21 * 2 })
//	v, err := f.Result()
package sched
