// Package action defines the Action, ActionFactory, and BuildContext
// external collaborator interfaces (spec.md §6 and §4.1). The core driver
// package implements BuildContext; concrete actions such as
// internal/shellaction implement Action and ActionFactory against it.
package action

import (
	"tagbuild/internal/events"
	"tagbuild/internal/tag"
	"tagbuild/internal/vfile"
)

// Action is a unit of external work, typically a subprocess, that
// consumes inputs discovered through its BuildContext and may produce
// outputs.
type Action interface {
	// Start begins the work. It may return a non-nil Handle for
	// in-flight asynchronous work the driver should cancel on reset; it
	// is legal to return a nil handle for purely synchronous actions.
	// A synchronous error here is the "Action throws synchronously"
	// case (spec.md §4.1 exception safety): the driver fails the action
	// without waiting on the event loop.
	Start(group events.EventGroup, ctx BuildContext) (events.Handle, error)

	// Verb names the action for dashboard display, e.g. "compile".
	Verb() string

	// Silent suppresses the dashboard's normal completion announcement
	// for actions whose success is uninteresting on its own.
	Silent() bool
}

// ActionFactory is a policy object that, given a tag and a file carrying
// that tag, may produce an Action.
type ActionFactory interface {
	// EnumerateTriggerTags lists every tag this factory wants to be
	// consulted about when a provision is registered under it.
	EnumerateTriggerTags() []tag.Tag

	// TryMakeAction offers the factory a (tag, file) pair. Returning
	// false is FactoryDeclined — not an error, simply "not actionable".
	TryMakeAction(t tag.Tag, file vfile.File) (Action, bool)
}

// BuildContext is the interface an Action sees while running. Every
// method except Log and AddActionType records a dependency entry or
// mutates the driver's tables, so the driver is always the implementation
// backing this interface — see internal/driver.
type BuildContext interface {
	// FindProvider returns the best provider for t per the
	// provider-preference policy, recording a dependency entry even
	// when no provision is found. Valid only while the action is
	// RUNNING; otherwise returns ErrNotRunning.
	FindProvider(t tag.Tag) (vfile.File, bool, error)

	// FindInput is shorthand for FindProvider(tag.FromFile(path)).
	FindInput(path string) (vfile.File, bool, error)

	// Provide declares that file is produced by this action and carries
	// tags. Calling it again with an equal file unions the tag sets
	// rather than creating a second provision.
	Provide(file vfile.File, tags []tag.Tag) error

	// NewOutput allocates a file under the driver's temporary root,
	// creates its parent directories, registers it under tag.Default,
	// and returns a handle the action can write to.
	NewOutput(relativePath string) (vfile.File, error)

	// AddActionType registers factory at runtime. The driver takes
	// ownership, indexes its trigger tags, and rescans existing
	// provisions against it.
	AddActionType(factory ActionFactory) error

	// Log forwards text to this action's dashboard task.
	Log(text string)

	// Passed requests the PASSED terminal transition.
	Passed() error

	// Failed requests the FAILED terminal transition. cause is recorded
	// as the ActionRaised failure message.
	Failed(cause error) error
}
