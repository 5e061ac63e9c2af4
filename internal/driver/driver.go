// Package driver implements the core of the build orchestrator: the
// tag index, the dependency graph, the action lifecycle state machine,
// the provider-preference algorithm, and the reset/cascade protocol.
// Everything outside this package is an external collaborator consumed
// through an interface — see internal/action, internal/vfile,
// internal/dashboard, and internal/events.
package driver

import (
	"fmt"
	"log/slog"

	"tagbuild/internal/action"
	"tagbuild/internal/dashboard"
	"tagbuild/internal/events"
	"tagbuild/internal/tag"
	"tagbuild/internal/trace"
	"tagbuild/internal/vfile"
)

// Driver owns every table, every ActionDriver, and every factory for the
// lifetime of one build. It is the arena: tables hold IDs, never
// pointers, so deletion from the arena can synchronously remove every
// table entry referencing that ID (spec §9).
type Driver struct {
	em      events.EventManager
	dash    dashboard.Dashboard
	srcRoot vfile.File
	tmpRoot vfile.File

	maxConcurrent int
	logger        *slog.Logger
	sink          trace.Sink

	nextActionID    ActionID
	nextProvisionID ProvisionID

	actions    map[ActionID]*ActionDriver
	provisions map[ProvisionID]*provision

	rootProvisions []ProvisionID

	tagTable         *tagTable
	depTable         *dependencyTable
	triggers         *triggerRegistry
	actionsByTrigger *actionsByTrigger

	pending   *actionQueue
	active    map[ActionID]bool
	completed map[ActionID]bool

	ownedFactories []action.ActionFactory
}

// New constructs a Driver. srcRoot is scanned for root provisions on
// Start; tmpRoot is created if missing and is where NewOutput allocates
// files. maxConcurrent bounds the number of simultaneously RUNNING
// actions and must be at least 1.
func New(em events.EventManager, dash dashboard.Dashboard, srcRoot, tmpRoot vfile.File, maxConcurrent int, logger *slog.Logger) (*Driver, error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("driver: max concurrent actions must be at least 1, got %d", maxConcurrent)
	}
	if err := tmpRoot.CreateDirectory(); err != nil {
		return nil, fmt.Errorf("driver: creating temp root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		em: em, dash: dash, srcRoot: srcRoot, tmpRoot: tmpRoot,
		maxConcurrent: maxConcurrent, logger: logger,
		nextActionID: 1, nextProvisionID: 1,
		actions:          make(map[ActionID]*ActionDriver),
		provisions:       make(map[ProvisionID]*provision),
		tagTable:         newTagTable(),
		depTable:         newDependencyTable(),
		triggers:         newTriggerRegistry(),
		actionsByTrigger: newActionsByTrigger(),
		pending:          newActionQueue(),
		active:           make(map[ActionID]bool),
		completed:        make(map[ActionID]bool),
	}, nil
}

// SetSink attaches a trace.Sink that records one trace.TraceEvent per
// state machine transition, per reset, and per provider-supersession
// decision. Nil (the default) means no recording happens; trace.SafeRecord
// is used throughout so a misbehaving sink can never affect the build.
func (d *Driver) SetSink(sink trace.Sink) {
	d.sink = sink
}

// AddActionFactory registers factory before Start is called, indexing
// its trigger tags.
func (d *Driver) AddActionFactory(factory action.ActionFactory) {
	d.addActionFactory(factory)
}

func (d *Driver) addActionFactory(factory action.ActionFactory) {
	d.ownedFactories = append(d.ownedFactories, factory)
	for _, t := range factory.EnumerateTriggerTags() {
		d.triggers.insert(t, factory)
	}
}

// rescanForNewFactory offers every current provision under factory's
// trigger tags to it, queuing any action it produces (spec §4.4).
func (d *Driver) rescanForNewFactory(factory action.ActionFactory) {
	for _, t := range factory.EnumerateTriggerTags() {
		for _, pid := range d.tagTable.provisionsFor(t) {
			p := d.provisions[pid]
			act, ok := factory.TryMakeAction(t, p.file.Clone())
			if !ok {
				continue
			}
			d.queueNewAction(act, pid)
		}
	}
}

// Start scans the source tree, registering every discovered file as a
// root provision, then fills the active set.
func (d *Driver) Start() error {
	if err := d.scanSourceTree(); err != nil {
		return err
	}
	d.startSomeActions()
	return nil
}

// scanSourceTree walks srcRoot; every non-directory file becomes a root
// provision carrying tag.Default.
func (d *Driver) scanSourceTree() error {
	return d.scanDir(d.srcRoot)
}

func (d *Driver) scanDir(dir vfile.File) error {
	children, err := dir.List()
	if err != nil {
		return fmt.Errorf("driver: scanning %s: %w", dir.CanonicalName(), err)
	}
	for _, child := range children {
		if child.IsDirectory() {
			if err := d.scanDir(child); err != nil {
				return err
			}
			continue
		}
		pid := d.allocateProvision(child.Clone(), 0, []tag.Tag{tag.Default})
		d.rootProvisions = append(d.rootProvisions, pid)
		if err := d.registerProvider(pid); err != nil {
			return fmt.Errorf("driver: registering %s: %w", child.CanonicalName(), err)
		}
	}
	return nil
}

func (d *Driver) allocateProvision(file vfile.File, owner ActionID, tags []tag.Tag) ProvisionID {
	id := d.nextProvisionID
	d.nextProvisionID++
	d.provisions[id] = &provision{id: id, file: file, tags: append([]tag.Tag(nil), tags...), owner: owner}
	return id
}

// registerProvider captures the provision's content hash now, then for
// each of its tags inserts into tagTable, resets any dependent whose
// chosen provider for that tag just changed, and fires matching triggers
// (spec §4.4).
func (d *Driver) registerProvider(pid ProvisionID) error {
	p := d.provisions[pid]
	hash, err := p.file.ContentHash()
	if err != nil {
		return fmt.Errorf("driver: hashing %s: %w", p.file.CanonicalName(), err)
	}
	p.hash = hash

	for _, t := range p.tags {
		hadProviders := len(d.tagTable.provisionsFor(t)) > 0
		d.tagTable.insert(t, pid)
		if !hadProviders {
			trace.SafeRecord(d.sink, trace.TraceEvent{Kind: trace.EventProviderRegistered, Tag: t.String(), Provision: uint64(pid)})
		}
		d.resetDependentActions(t)
		d.fireTriggers(t, pid)
	}
	return nil
}

// resetDependentActions finds every action that looked up t and whose
// currently preferred provider — evaluated fresh, from that action's own
// source file — differs from what it saw at lookup time, and resets each
// one exactly once. Collection happens before any mutation, since reset
// mutates the very table being scanned.
func (d *Driver) resetDependentActions(t tag.Tag) {
	entries := d.depTable.entriesByTag(t)

	var toReset []ActionID
	seen := map[ActionID]bool{}
	for _, e := range entries {
		ad := d.actions[e.action]
		if ad == nil {
			continue
		}
		current := d.choosePreferredProviderForTag(t, ad.sourceFile)
		newProvision := provisionIDOrZero(current)
		if newProvision == e.provision {
			continue
		}
		if e.provision != 0 && newProvision != 0 {
			trace.SafeRecord(d.sink, trace.TraceEvent{
				Kind: trace.EventProviderSuperseded, Tag: t.String(),
				Provision: uint64(newProvision), PreviousProvision: uint64(e.provision),
			})
		}
		if !seen[e.action] {
			seen[e.action] = true
			toReset = append(toReset, e.action)
		}
	}

	for _, aid := range toReset {
		d.reset(aid)
	}
}

// fireTriggers offers provision pid to every factory registered under t,
// queuing any action produced.
func (d *Driver) fireTriggers(t tag.Tag, pid ProvisionID) {
	p := d.provisions[pid]
	for _, f := range d.triggers.factoriesFor(t) {
		act, ok := f.TryMakeAction(t, p.file.Clone())
		if !ok {
			continue
		}
		d.queueNewAction(act, pid)
	}
}

// queueNewAction opens a dashboard task, wraps act in a fresh
// ActionDriver attributed to triggeringProvision, and pushes it to the
// front of the pending queue (spec §4.4's "related actions tend to be
// queued together").
func (d *Driver) queueNewAction(act action.Action, triggeringProvision ProvisionID) ActionID {
	id := d.nextActionID
	d.nextActionID++

	var srcFile vfile.File
	var srcHash vfile.Hash
	noun := ""
	if triggeringProvision != 0 {
		p := d.provisions[triggeringProvision]
		srcFile, srcHash = p.file, p.hash
		noun = p.file.CanonicalName()
	}

	verbosity := dashboard.Normal
	if act.Silent() {
		verbosity = dashboard.Silent
	}
	task := d.dash.BeginTask(act.Verb(), noun, verbosity)

	ad := &ActionDriver{
		id: id, driver: d, act: act,
		sourceFile: srcFile, sourceHash: srcHash,
		task: task, state: Pending,
	}
	d.actions[id] = ad

	if triggeringProvision != 0 {
		d.actionsByTrigger.insert(triggeringProvision, id)
	}
	d.pending.pushFront(id)
	trace.SafeRecord(d.sink, trace.TraceEvent{Kind: trace.EventActionQueued, ActionID: uint64(id)})
	return id
}

// startSomeActions promotes pending actions to active until the
// concurrency bound is hit or the pending queue drains.
func (d *Driver) startSomeActions() {
	for len(d.active) < d.maxConcurrent {
		id, ok := d.pending.popFront()
		if !ok {
			break
		}
		ad := d.actions[id]
		if ad == nil {
			continue
		}
		d.active[id] = true
		ad.start()
	}
}

func (d *Driver) moveToCompleted(id ActionID) {
	delete(d.active, id)
	d.completed[id] = true
}

func (d *Driver) choosePreferredProviderForTag(t tag.Tag, source vfile.File) *provision {
	ids := d.tagTable.provisionsFor(t)
	if len(ids) == 0 {
		return nil
	}
	candidates := make([]*provision, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, d.provisions[id])
	}
	sourcePath := ""
	if source != nil {
		sourcePath = source.CanonicalName()
	}
	chosen, err := choosePreferredProvider(sourcePath, candidates)
	if err != nil {
		d.logger.Warn("provider preference collision", "tag", t.String(), "error", err)
	}
	return chosen
}

// Reset returns the named action to PENDING, cascading the invalidation
// to everything that depended on what it produced (spec §4.2). Exported
// so tests can exercise the property laws directly; in normal operation
// resets are driven internally by resetDependentActions and teardown.
func (d *Driver) Reset(id ActionID) error {
	if _, ok := d.actions[id]; !ok {
		return fmt.Errorf("%w: reset of unknown action %d", ErrInvariantViolation, id)
	}
	d.reset(id)
	return nil
}

func (d *Driver) reset(id ActionID) {
	ad := d.actions[id]
	if ad == nil || ad.state == Pending {
		return
	}
	trace.SafeRecord(d.sink, trace.TraceEvent{Kind: trace.EventActionReset, ActionID: uint64(id)})

	delete(d.active, id)
	delete(d.completed, id)
	d.pending.remove(id)

	wasRunning := ad.state == Running
	if ad.handle != nil {
		ad.handle.Cancel()
		ad.handle = nil
	}

	ad.state = Pending
	ad.isRunning = false
	ad.outputs = nil
	ad.staged = nil
	if wasRunning {
		ad.task.SetState(dashboard.Blocked)
	}

	d.pending.pushBack(id)

	produced := ad.provisions
	ad.provisions = nil
	for _, p := range produced {
		d.teardownProvision(p)
	}

	d.depTable.eraseByAction(id)
}

// teardownProvision implements spec §4.2 step 4: reset everything that
// depended on p, tear down every action spawned solely because p existed,
// then erase p from tagTable and dependencyTable.
func (d *Driver) teardownProvision(p ProvisionID) {
	dependents := dedupActions(d.depTable.entriesByProvision(p))
	for _, aid := range dependents {
		d.reset(aid)
	}

	spawned := d.actionsByTrigger.actionsFor(p)
	d.actionsByTrigger.erase(p)
	for _, sid := range spawned {
		d.dropAction(sid)
	}

	d.tagTable.eraseProvision(p)
	d.depTable.eraseByProvision(p)
	delete(d.provisions, p)
}

func dedupActions(entries []depEntry) []ActionID {
	seen := map[ActionID]bool{}
	var out []ActionID
	for _, e := range entries {
		if !seen[e.action] {
			seen[e.action] = true
			out = append(out, e.action)
		}
	}
	return out
}

// dropAction tears an action down entirely — removed from pending,
// active, and completed, with its own produced provisions torn down in
// turn — rather than resetting it back to PENDING. This is the "single
// drop path" spec §4.2's tricky edge recommends in place of
// reset-then-scan-remove: trigger-spawned actions exist only because
// their triggering provision existed, so when that provision disappears
// they must disappear too, not merely be requeued.
func (d *Driver) dropAction(id ActionID) {
	ad := d.actions[id]
	if ad == nil {
		return
	}
	trace.SafeRecord(d.sink, trace.TraceEvent{Kind: trace.EventActionDropped, ActionID: uint64(id)})

	d.pending.remove(id)
	delete(d.active, id)
	delete(d.completed, id)
	if ad.handle != nil {
		ad.handle.Cancel()
	}

	produced := ad.provisions
	ad.provisions = nil
	for _, p := range produced {
		d.teardownProvision(p)
	}

	d.depTable.eraseByAction(id)
	delete(d.actions, id)
}

// PendingCount, ActiveCount, CompletedCount, and ActionCount expose the
// arena's bookkeeping for tests and the testable properties in spec §8.
func (d *Driver) PendingCount() int   { return d.pending.len() }
func (d *Driver) ActiveCount() int    { return len(d.active) }
func (d *Driver) CompletedCount() int { return len(d.completed) }
func (d *Driver) ActionCount() int    { return len(d.actions) }

// FailedCount returns the number of completed actions currently in the
// Failed state, letting a CLI decide its own exit code without reaching
// into the arena's private tables.
func (d *Driver) FailedCount() int {
	n := 0
	for id := range d.completed {
		if ad := d.actions[id]; ad != nil && ad.state == Failed {
			n++
		}
	}
	return n
}

// State returns the current state of action id.
func (d *Driver) State(id ActionID) (State, bool) {
	ad, ok := d.actions[id]
	if !ok {
		return 0, false
	}
	return ad.state, true
}

// Finalize implements spec §7's Driver-destruction rule: every completed
// FAILED action has its dashboard task moved from BLOCKED to FAILED,
// finalizing "blocked on an unmet dependency" as "failed because the
// dependency never arrived". Call once, after the event loop has been
// drained and no more work will be scheduled.
func (d *Driver) Finalize() {
	for id := range d.completed {
		ad := d.actions[id]
		if ad != nil && ad.state == Failed {
			ad.task.SetState(dashboard.Failed)
		}
	}
}

// CheckInvariants verifies the testable properties listed in spec §8.
// Intended to be called after every event-loop turn in tests.
func (d *Driver) CheckInvariants() error {
	total := d.pending.len() + len(d.active) + len(d.completed)
	if total != len(d.actions) {
		return fmt.Errorf("%w: %d actions but pending+active+completed sums to %d",
			ErrInvariantViolation, len(d.actions), total)
	}
	if len(d.active) > d.maxConcurrent {
		return fmt.Errorf("%w: %d active actions exceeds max %d",
			ErrInvariantViolation, len(d.active), d.maxConcurrent)
	}
	for _, e := range d.depTable.all() {
		if _, ok := d.actions[e.action]; !ok {
			return fmt.Errorf("%w: dependency row references unknown action %d", ErrInvariantViolation, e.action)
		}
		if e.provision != 0 && !d.tagTable.contains(e.tag, e.provision) {
			return fmt.Errorf("%w: dependency row (%s, action %d) chose provision %d not in the tag table",
				ErrInvariantViolation, e.tag, e.action, e.provision)
		}
	}
	for pid, ids := range d.actionsByTrigger.all() {
		if len(ids) == 0 {
			continue
		}
		if _, ok := d.provisions[pid]; !ok {
			return fmt.Errorf("%w: actions_by_trigger references provision %d that no longer exists",
				ErrInvariantViolation, pid)
		}
	}
	return nil
}
