// Package workerpool runs input->output tasks on a bounded set of workers
// that grows on demand up to MaxWorkers and shrinks back to MinWorkers after
// IdleTimeout. There is no retry layer here; errors go straight back to the
// Execute caller.
package workerpool
