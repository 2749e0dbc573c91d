// Package shm provides the sub-memory pool: a fixed number of page-sized regions, handed out one
// per connection and reclaimed when the connection goes away.
//
// A region is free when its owner back-reference is zero. Acquire claims a free region for an
// owner in one step, so a region can never be handed to two connections. Each lease is backed by
// a segment of its own, and Dup hands out its descriptor only while the lease is held.
//
// Example usage:
//
//	pool, err := shm.New(ctx, shm.Options{Name: "shmbus", Regions: 256})
//	// ...
//	r, err := pool.Acquire(owner)
//	copy(r.Bytes(), payload)
//	// ...
//	err = pool.Release(r, owner)
//
// The pool is instrumented with OpenTelemetry metrics.
package shm
