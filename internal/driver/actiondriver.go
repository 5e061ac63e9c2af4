package driver

import (
	"fmt"

	"tagbuild/internal/action"
	"tagbuild/internal/dashboard"
	"tagbuild/internal/events"
	"tagbuild/internal/tag"
	"tagbuild/internal/trace"
	"tagbuild/internal/vfile"
)

// ActionDriver drives one Action from creation to a terminal outcome,
// mediating its interaction with the owning Driver's tables, collecting
// its outputs, and surfacing failure distinctly from success (spec §4.1).
// It implements action.BuildContext — the only surface an Action sees —
// and events.ExceptionHandler for the event group it runs under.
type ActionDriver struct {
	id     ActionID
	driver *Driver
	act    action.Action

	// sourceFile/sourceHash identify the provision whose registration
	// triggered this action; used as S in provider-preference lookups.
	sourceFile vfile.File
	sourceHash vfile.Hash

	task dashboard.Task

	state     State
	isRunning bool

	// terminalCause is the error passed to Failed, if any.
	terminalCause error

	// outputs are every file this action allocated via NewOutput,
	// tracked independently of staged/provisions per spec §3.
	outputs []vfile.File

	// staged holds declared-but-not-yet-registered provisions; they
	// become real arena provisions only on a successful terminal
	// transition (spec §4.4's "capture the content hash now" happens at
	// registration, not at declaration).
	staged []*stagedProvision

	// provisions are this action's own registered provisions, owned
	// until reset or teardown.
	provisions []ProvisionID

	group  events.EventGroup
	handle events.Handle
}

var _ action.BuildContext = (*ActionDriver)(nil)
var _ events.ExceptionHandler = (*ActionDriver)(nil)

// start transitions PENDING → RUNNING and invokes the wrapped Action. A
// synchronous error from Action.Start is the documented exception-safety
// case: the driver fails the action immediately and runs the completion
// path synchronously rather than through the event loop.
func (a *ActionDriver) start() {
	a.state = Running
	a.isRunning = true
	a.task.SetState(dashboard.Running)
	trace.SafeRecord(a.driver.sink, trace.TraceEvent{Kind: trace.EventActionStarted, ActionID: uint64(a.id)})

	a.group = a.driver.em.NewEventGroup(a)
	handle, err := a.act.Start(a.group, a)
	if err != nil {
		a.state = Failed
		a.terminalCause = err
		a.task.AddOutput(err.Error())
		trace.SafeRecord(a.driver.sink, trace.TraceEvent{Kind: trace.EventActionFailed, ActionID: uint64(a.id), Reason: err.Error()})
		a.returned()
		return
	}
	a.handle = handle
	a.group.Release()
}

// FindProvider implements action.BuildContext.
func (a *ActionDriver) FindProvider(t tag.Tag) (vfile.File, bool, error) {
	if !a.isRunning {
		return nil, false, action.ErrNotRunning
	}
	chosen := a.driver.choosePreferredProviderForTag(t, a.sourceFile)
	a.driver.depTable.insert(t, a.id, provisionIDOrZero(chosen))
	if chosen == nil {
		return nil, false, nil
	}
	return chosen.file, true, nil
}

// FindInput implements action.BuildContext.
func (a *ActionDriver) FindInput(path string) (vfile.File, bool, error) {
	return a.FindProvider(tag.FromFile(path))
}

// Provide implements action.BuildContext.
func (a *ActionDriver) Provide(file vfile.File, tags []tag.Tag) error {
	if !a.isRunning {
		return action.ErrNotRunning
	}
	a.stage(file, tags)
	return nil
}

func (a *ActionDriver) stage(file vfile.File, tags []tag.Tag) {
	for _, s := range a.staged {
		if s.file.Equals(file) {
			s.tags = unionTags(s.tags, tags)
			return
		}
	}
	a.staged = append(a.staged, &stagedProvision{
		file: file.Clone(),
		tags: append([]tag.Tag(nil), tags...),
	})
}

// NewOutput implements action.BuildContext.
func (a *ActionDriver) NewOutput(relativePath string) (vfile.File, error) {
	if !a.isRunning {
		return nil, action.ErrNotRunning
	}
	out := a.driver.tmpRoot.Relative(relativePath)
	if err := out.Parent().CreateDirectory(); err != nil {
		return nil, fmt.Errorf("driver: allocating output %q: %w", relativePath, err)
	}
	a.outputs = append(a.outputs, out)
	a.stage(out, []tag.Tag{tag.Default})
	return out, nil
}

// AddActionType implements action.BuildContext.
func (a *ActionDriver) AddActionType(factory action.ActionFactory) error {
	if !a.isRunning {
		return action.ErrNotRunning
	}
	a.driver.addActionFactory(factory)
	a.driver.rescanForNewFactory(factory)
	return nil
}

// Log implements action.BuildContext. Logging remains legal even after a
// terminal state has been set but before the deferred done-callback has
// run — it is one of the callbacks the separate is_running flag exists
// to keep permitted (spec §4.1 rationale).
func (a *ActionDriver) Log(text string) {
	a.task.AddOutput(text)
}

// Passed implements action.BuildContext.
func (a *ActionDriver) Passed() error {
	switch a.state {
	case Running:
		a.state = Passed
		trace.SafeRecord(a.driver.sink, trace.TraceEvent{Kind: trace.EventActionPassed, ActionID: uint64(a.id)})
		a.queueDoneCallback()
		return nil
	case Done, Passed, Failed:
		// Redundant success reporting is tolerated; only a late failed()
		// after a success is flagged (see Failed below).
		return nil
	default:
		return action.ErrNotRunning
	}
}

// Failed implements action.BuildContext.
func (a *ActionDriver) Failed(cause error) error {
	switch a.state {
	case Running:
		a.state = Failed
		a.terminalCause = fmt.Errorf("%w: %v", ErrActionRaised, cause)
		trace.SafeRecord(a.driver.sink, trace.TraceEvent{Kind: trace.EventActionFailed, ActionID: uint64(a.id), Reason: cause.Error()})
		a.queueDoneCallback()
		return nil
	case Done:
		return fmt.Errorf("%w: failed() called after a successful completion", ErrBadTerminalTransition)
	case Passed:
		return fmt.Errorf("%w: failed() called after passed()", ErrBadTerminalTransition)
	case Failed:
		return nil // first-failure wins
	default:
		return action.ErrNotRunning
	}
}

// ThrewException implements events.ExceptionHandler: an uncaught error
// from asynchronous work scheduled on this action's group is equivalent
// to the action calling Failed.
func (a *ActionDriver) ThrewException(err error) {
	if a.state != Running {
		return
	}
	a.state = Failed
	a.terminalCause = fmt.Errorf("%w: %v", ErrActionRaised, err)
	a.task.AddOutput(err.Error())
	trace.SafeRecord(a.driver.sink, trace.TraceEvent{Kind: trace.EventActionFailed, ActionID: uint64(a.id), Reason: err.Error()})
	a.queueDoneCallback()
}

// ThrewUnknownException implements events.ExceptionHandler.
func (a *ActionDriver) ThrewUnknownException(recovered interface{}) {
	a.ThrewException(fmt.Errorf("unrecovered panic: %v", recovered))
}

// NoMoreEvents implements events.ExceptionHandler: the scheduler
// observing the action's group drain with no explicit passed()/failed()
// is the RUNNING → DONE transition.
func (a *ActionDriver) NoMoreEvents() {
	if a.state != Running {
		return
	}
	a.state = Done
	trace.SafeRecord(a.driver.sink, trace.TraceEvent{Kind: trace.EventActionDone, ActionID: uint64(a.id)})
	a.queueDoneCallback()
}

func (a *ActionDriver) queueDoneCallback() {
	a.driver.em.RunAsynchronously(func() { a.returned() })
}

// returned is the deferred done-callback (spec §4.1 steps 1-5): cancel
// any still-running async work, move from active to completed, register
// surviving provisions on success or drop everything on failure, then
// ask the Driver to refill the active set.
func (a *ActionDriver) returned() {
	// A done-callback queued before this action was reset, restarted, or
	// dropped reports on a run that no longer exists; it does nothing.
	if !a.isRunning || !a.state.terminal() || a.driver.actions[a.id] != a {
		return
	}
	if a.handle != nil {
		a.handle.Cancel()
	}
	a.isRunning = false
	a.driver.moveToCompleted(a.id)

	if a.state == Failed {
		a.task.SetState(dashboard.Blocked)
		a.outputs = nil
		a.staged = nil
	} else {
		if a.state == Passed {
			a.task.SetState(dashboard.Passed)
		} else {
			a.task.SetState(dashboard.Done)
		}
		a.registerSurvivingProvisions()
	}

	a.driver.startSomeActions()
}

func (a *ActionDriver) registerSurvivingProvisions() {
	staged := a.staged
	a.staged = nil
	for _, s := range staged {
		if !s.file.Exists() {
			continue
		}
		pid := a.driver.allocateProvision(s.file, a.id, s.tags)
		a.provisions = append(a.provisions, pid)
		if err := a.driver.registerProvider(pid); err != nil {
			a.driver.logger.Warn("registering provision", "file", s.file.CanonicalName(), "error", err)
		}
	}
}
