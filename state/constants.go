package state

import "time"

var (
	// TimeUnit scales every protocol timer. Tests shrink it so convergence
	// takes milliseconds instead of minutes.
	TimeUnit = time.Second

	// DispatchBuffer is the capacity of the per-node dispatch channel.
	DispatchBuffer = 128

	// DefaultTableCapacity bounds the routing table when the config does not
	// say otherwise.
	DefaultTableCapacity = 1024
)
