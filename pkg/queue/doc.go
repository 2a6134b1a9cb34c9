// Package queue delivers dispatch hints from the control API to schedulers.
//
// Hints only shorten the time a queued run waits for its first claim.
// Schedulers also poll the run store, so a lost hint delays a run but never
// strands it.
package queue
