// Package shm provides named shared memory pools partitioned into fixed slots,
// and typed variables over those slots that two independently scheduled
// processes read and write without message passing.
//
// A pool is identified by an integer key agreed out of band. The first process
// to call CreateOrAttach creates the zero-filled segment; others attach to it.
// Slot i always lives at the same offset, so both sides agree on layout
// without a handshake. Each slot carries its own token word, which every Get
// and Set acquires, so a reader never observes a half written value.
//
// Example usage:
//
//	reg, err := shm.NewRegistry(shm.DefaultConfig())
//	// ...
//	pool, err := reg.CreateOrAttach(ctx, 1234, 4096)
//	// ...
//	v, err := shm.NewVar[int32](ctx, pool, 2)
//	_ = v.Set(ctx, 40)
//	got, err := v.Get(ctx)
//	// ...
//	_ = pool.Destroy(ctx)
//
// A token whose holder process died is taken over by the next waiter. The
// holder is probed by pid, which assumes every process sharing the segment
// directory also shares one pid namespace; set Config.TakeOverDeadTokens to
// false when it does not.
//
// The package is instrumented with Prometheus collectors and OpenTelemetry
// metrics and tracing, both taken from Config.
package shm
