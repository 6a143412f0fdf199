package msi

// Trigger is a signal source attached to one vector: the completion channel
// a client blocks on to observe interrupts. On Linux these are eventfds the
// client handed over; tests use in-process counters.
type Trigger interface {
	// Signal raises the completion signal once.
	Signal() error

	// Close releases the underlying resource. Idempotent.
	Close() error
}
