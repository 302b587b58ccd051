// Package engine runs jobs on a bounded pool of supervised workers.
//
// Enqueue never blocks: a full queue returns ErrQueueFull and a job whose
// RunState is already held returns ErrOverlapSkip. Callers decide whether to
// retry later.
package engine
