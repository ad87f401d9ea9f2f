// Package queue provides an async FIFO hand-off between many producers and
// one consuming loop. Pushes never block; the consumer suspends (does not
// poll) while the queue is empty.
package queue
