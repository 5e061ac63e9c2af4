// Package events implements the EventManager external collaborator
// (spec.md §6): a single-threaded cooperative scheduler. The Driver and
// every ActionDriver run exclusively on top of it — parallelism comes
// from actions handing off to subprocesses or I/O that later resumes on
// this loop, never from goroutines inside the core itself.
package events

// Handle is returned by every scheduling call. Cancel prevents the
// callback from running if it has not already started; it is a no-op
// once the callback has run.
type Handle interface {
	Cancel()
}

// Callback is scheduled work with no result of its own.
type Callback func()

// GroupCallback is work scheduled inside an EventGroup. A returned error
// is routed to the group's ExceptionHandler instead of propagating to
// the caller — mirroring the "errors from user code are caught at the
// EventGroup boundary" propagation rule.
type GroupCallback func() error

// ExceptionHandler receives the outcome of a group's work. NoMoreEvents
// fires exactly once, after the group has been released and every
// scheduled callback has completed.
type ExceptionHandler interface {
	ThrewException(err error)
	ThrewUnknownException(recovered interface{})
	NoMoreEvents()
}

// EventGroup wraps a bounded region of asynchronous work (one ActionDriver's
// lifetime, typically) and reports completion or failure through an
// ExceptionHandler.
type EventGroup interface {
	// RunAsynchronously schedules fn within this group. A panic inside fn
	// is recovered and reported via ThrewUnknownException; a returned
	// error is reported via ThrewException. Neither stops the group.
	RunAsynchronously(fn GroupCallback) Handle

	// Release declares that no further work will be scheduled on this
	// group. Once released and all outstanding callbacks have run,
	// NoMoreEvents fires.
	Release()
}

// EventManager is the collaborator the Driver is constructed with.
type EventManager interface {
	// RunAsynchronously schedules fn to run on a future turn of the loop.
	RunAsynchronously(fn Callback) Handle

	// NewEventGroup opens a group reporting to handler.
	NewEventGroup(handler ExceptionHandler) EventGroup
}
