// Package storage archives jobs that reached a terminal state.
//
// The archive is write-mostly history for operators. It is not used to
// restore queue state; a restarted process starts with empty queues.
package storage
