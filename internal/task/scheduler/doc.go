// Package scheduler registers task definitions, computes their next fire
// times and executes them under timeout, retry and distributed-lock rules.
//
// A Scheduler is an explicitly constructed value; several can share one
// storage.KV to behave like cooperating instances. The pieces:
//   - registry.go: AddTask/RemoveTask/EnableTask/DisableTask and lock-free reads
//   - executor.go: one attempt of a task, its state machine and RunTask
//   - ticker.go: the single scan loop, fan-out dispatch, pause/resume and Stop
//
// Handler timeouts are cooperative: the handler's context is canceled and the
// attempt is recorded as ErrTimeout immediately, but a handler that ignores its
// context keeps running in its goroutine until it returns.
package scheduler
