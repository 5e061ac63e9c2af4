package driver

import (
	"errors"
	"testing"

	"tagbuild/internal/action"
	"tagbuild/internal/dashboard"
	"tagbuild/internal/events"
	"tagbuild/internal/tag"
	"tagbuild/internal/trace"
	"tagbuild/internal/vfile"
)

type fakeAction struct {
	verb    string
	silent  bool
	onStart func(events.EventGroup, action.BuildContext) (events.Handle, error)
}

func (f *fakeAction) Start(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
	return f.onStart(g, ctx)
}
func (f *fakeAction) Verb() string { return f.verb }
func (f *fakeAction) Silent() bool { return f.silent }

type fakeFactory struct {
	tags []tag.Tag
	make func(tag.Tag, vfile.File) (action.Action, bool)
}

func (f *fakeFactory) EnumerateTriggerTags() []tag.Tag { return f.tags }
func (f *fakeFactory) TryMakeAction(t tag.Tag, file vfile.File) (action.Action, bool) {
	return f.make(t, file)
}

func newTestDriver(t *testing.T, maxConcurrent int) (*Driver, *vfile.MemFS, *events.Loop, *dashboard.Recording) {
	t.Helper()
	fs := vfile.NewMemFS()
	srcRoot := fs.Root().Relative("src")
	tmpRoot := fs.Root().Relative("tmp")
	loop := events.NewLoop()
	dash := dashboard.NewRecording()
	d, err := New(loop, dash, srcRoot, tmpRoot, maxConcurrent, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, fs, loop, dash
}

// Scenario 1 (spec §8): default tag propagation.
func TestScenario_DefaultTagPropagation(t *testing.T) {
	d, fs, loop, _ := newTestDriver(t, 1)
	fs.WriteFile("src/a.txt", []byte("hello"))

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop.Run()

	if len(d.provisions) != 1 {
		t.Fatalf("expected exactly one root provision, got %d", len(d.provisions))
	}
	if d.PendingCount() != 0 || d.ActiveCount() != 0 || d.ActionCount() != 0 {
		t.Fatalf("expected no actions queued with no factories registered")
	}
	if err := d.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// Scenario 2 (spec §8): single factory, single action.
func TestScenario_SingleFactorySingleAction(t *testing.T) {
	d, fs, loop, dash := newTestDriver(t, 1)
	fs.WriteFile("src/a.txt", []byte("hello"))

	d.AddActionFactory(&fakeFactory{
		tags: []tag.Tag{tag.Default},
		make: func(t tag.Tag, file vfile.File) (action.Action, bool) {
			return &fakeAction{verb: "noop", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
				return nil, ctx.Passed()
			}}, true
		},
	})

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop.Run()

	tasks := dash.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one action task, got %d", len(tasks))
	}
	if tasks[0].Verb != "noop" || tasks[0].Noun != "src/a.txt" {
		t.Fatalf("unexpected task verb/noun: %q %q", tasks[0].Verb, tasks[0].Noun)
	}
	last, ok := tasks[0].LastState()
	if !ok || last != dashboard.Passed {
		t.Fatalf("expected PASSED, got %v (ok=%v)", last, ok)
	}
	if d.ActionCount() != 1 || d.CompletedCount() != 1 {
		t.Fatalf("expected exactly one completed action")
	}
	if err := d.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// Scenario 3 (spec §8): preference tie-break on longest common prefix.
func TestChoosePreferredProvider_PrefixTieBreak(t *testing.T) {
	fs := vfile.NewMemFS()
	foo := fs.WriteFile("foo/a.h", []byte("x"))
	bar := fs.WriteFile("bar/a.h", []byte("y"))
	candidates := []*provision{{id: 1, file: foo}, {id: 2, file: bar}}

	chosen, err := choosePreferredProvider("foo/x.cpp", candidates)
	if err != nil {
		t.Fatalf("unexpected collision: %v", err)
	}
	if chosen.file.CanonicalName() != "foo/a.h" {
		t.Fatalf("expected foo/a.h to win on longest common prefix, got %s", chosen.file.CanonicalName())
	}
}

// Scenario 4 (spec §8): tie-break on depth once prefix length matches.
func TestChoosePreferredProvider_DepthTieBreak(t *testing.T) {
	fs := vfile.NewMemFS()
	shallow := fs.WriteFile("a.h", []byte("x"))
	deep := fs.WriteFile("dir/a.h", []byte("y"))
	candidates := []*provision{{id: 1, file: shallow}, {id: 2, file: deep}}

	chosen, err := choosePreferredProvider("other.cpp", candidates)
	if err != nil {
		t.Fatalf("unexpected collision: %v", err)
	}
	if chosen.file.CanonicalName() != "a.h" {
		t.Fatalf("expected the shallower a.h to win, got %s", chosen.file.CanonicalName())
	}
}

func TestChoosePreferredProvider_LexicographicTieBreak(t *testing.T) {
	fs := vfile.NewMemFS()
	a := fs.WriteFile("a.h", []byte("x"))
	b := fs.WriteFile("b.h", []byte("y"))
	candidates := []*provision{{id: 1, file: b}, {id: 2, file: a}}

	chosen, err := choosePreferredProvider("unrelated.cpp", candidates)
	if err != nil {
		t.Fatalf("unexpected collision: %v", err)
	}
	if chosen.file.CanonicalName() != "a.h" {
		t.Fatalf("expected lexicographically smallest path to win, got %s", chosen.file.CanonicalName())
	}
}

func TestChoosePreferredProvider_CollisionFlaggedButConsistent(t *testing.T) {
	fs := vfile.NewMemFS()
	f := fs.WriteFile("a.h", []byte("x"))
	candidates := []*provision{{id: 1, file: f}, {id: 2, file: f.Clone()}}

	chosen, err := choosePreferredProvider("src.cpp", candidates)
	if err == nil {
		t.Fatalf("expected a flagged collision error")
	}
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if chosen == nil {
		t.Fatalf("must still pick one candidate consistently despite the collision")
	}
}

// Property law: preference determinism.
func TestChoosePreferredProvider_Deterministic(t *testing.T) {
	fs := vfile.NewMemFS()
	a := fs.WriteFile("foo/a.h", []byte("1"))
	b := fs.WriteFile("bar/a.h", []byte("2"))
	c := fs.WriteFile("baz/dir/a.h", []byte("3"))
	candidates := []*provision{{id: 1, file: a}, {id: 2, file: b}, {id: 3, file: c}}

	first, _ := choosePreferredProvider("foo/x.cpp", candidates)
	second, _ := choosePreferredProvider("foo/x.cpp", candidates)
	if first.id != second.id {
		t.Fatalf("expected identical picks across repeated calls with identical inputs")
	}
}

// Scenario 5 (spec §8): provider supersession causes reset.
func TestScenario_ProviderSupersessionCausesReset(t *testing.T) {
	d, fs, loop, _ := newTestDriver(t, 4)

	p1File := fs.WriteFile("src/a/b/p1.gen", []byte("v1"))
	p1 := d.allocateProvision(p1File, 0, []tag.Tag{tag.FromFile("target")})
	if err := d.registerProvider(p1); err != nil {
		t.Fatalf("registerProvider p1: %v", err)
	}

	srcFile := fs.WriteFile("src/x.cpp", []byte("src"))
	srcProv := d.allocateProvision(srcFile, 0, []tag.Tag{tag.Default})
	if err := d.registerProvider(srcProv); err != nil {
		t.Fatalf("registerProvider src: %v", err)
	}

	var seen []string
	consumer := &fakeAction{verb: "consume", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
		f, ok, err := ctx.FindProvider(tag.FromFile("target"))
		if err != nil {
			return nil, err
		}
		if ok {
			seen = append(seen, f.CanonicalName())
		} else {
			seen = append(seen, "<none>")
		}
		return nil, nil
	}}
	d.queueNewAction(consumer, srcProv)
	d.startSomeActions()
	loop.Run()

	if len(seen) != 1 || seen[0] != p1File.CanonicalName() {
		t.Fatalf("expected first run to see p1, got %v", seen)
	}

	p2File := fs.WriteFile("src/p2.gen", []byte("v2"))
	p2 := d.allocateProvision(p2File, 0, []tag.Tag{tag.FromFile("target")})
	if err := d.registerProvider(p2); err != nil {
		t.Fatalf("registerProvider p2: %v", err)
	}
	d.startSomeActions()
	loop.Run()

	if len(seen) != 2 {
		t.Fatalf("expected the consumer to re-run once after supersession, got %d runs: %v", len(seen), seen)
	}
	if seen[1] != p2File.CanonicalName() {
		t.Fatalf("expected the re-run to see the new shallower provider p2, got %s", seen[1])
	}
	if err := d.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// Scenario 6 (spec §8): a trigger-spawned action is torn down entirely,
// not merely reset, when its triggering provision disappears.
func TestScenario_TriggerSpawnedActionTornDownWithProvision(t *testing.T) {
	d, fs, loop, _ := newTestDriver(t, 4)
	fs.WriteFile("src/a.input", []byte("in"))

	tagX := tag.FromFile("generated-marker")

	d.AddActionFactory(&fakeFactory{
		tags: []tag.Tag{tag.Default},
		make: func(t tag.Tag, file vfile.File) (action.Action, bool) {
			if file.CanonicalName() != "src/a.input" {
				return nil, false
			}
			return &fakeAction{verb: "A", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
				out, err := ctx.NewOutput("q.gen")
				if err != nil {
					return nil, err
				}
				if mf, ok := out.(*vfile.MemFile); ok {
					mf.WriteContent([]byte("generated"))
				}
				if err := ctx.Provide(out, []tag.Tag{tagX}); err != nil {
					return nil, err
				}
				return nil, ctx.Passed()
			}}, true
		},
	})
	d.AddActionFactory(&fakeFactory{
		tags: []tag.Tag{tagX},
		make: func(t tag.Tag, file vfile.File) (action.Action, bool) {
			return &fakeAction{verb: "B", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
				g.RunAsynchronously(func() error { return nil })
				return nil, nil
			}}, true
		},
	})

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Drain exactly A's deferred done-callback: registers Q, fires B's
	// trigger, and starts B — leaving B's own async work still pending so
	// B is caught genuinely RUNNING rather than having already completed.
	if !loop.RunOne() {
		t.Fatalf("expected A's done-callback to be queued")
	}

	var idA, idB ActionID
	for id, ad := range d.actions {
		switch ad.act.Verb() {
		case "A":
			idA = id
		case "B":
			idB = id
		}
	}
	if idA == 0 || idB == 0 {
		t.Fatalf("expected both A and B to have been queued, got idA=%d idB=%d", idA, idB)
	}
	if state, _ := d.State(idB); state != Running {
		t.Fatalf("expected B to be RUNNING before the reset, got %v", state)
	}
	if len(d.actions[idA].provisions) != 1 {
		t.Fatalf("expected A to own exactly one provision (Q)")
	}
	qid := d.actions[idA].provisions[0]

	if err := d.Reset(idA); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, ok := d.actions[idB]; ok {
		t.Fatalf("expected B to be entirely removed after its triggering provision was torn down")
	}
	if ids := d.actionsByTrigger.actionsFor(qid); len(ids) != 0 {
		t.Fatalf("expected actions_by_trigger[Q] to be empty, got %v", ids)
	}
	if _, ok := d.provisions[qid]; ok {
		t.Fatalf("expected provision Q to have been erased")
	}
	if state, ok := d.State(idA); !ok || state != Pending {
		t.Fatalf("expected A back in PENDING after reset, got %v (ok=%v)", state, ok)
	}
	if !d.pending.contains(idA) {
		t.Fatalf("expected A to be back in the pending queue")
	}
	if err := d.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// Property law: reset idempotence — resetting an already-PENDING action
// (which is exactly what results from resetting a RUNNING one) is a
// no-op, so a second reset leaves state identical to the first.
func TestReset_Idempotent(t *testing.T) {
	d, fs, loop, _ := newTestDriver(t, 1)
	fs.WriteFile("src/a.txt", []byte("x"))

	d.AddActionFactory(&fakeFactory{
		tags: []tag.Tag{tag.Default},
		make: func(t tag.Tag, file vfile.File) (action.Action, bool) {
			return &fakeAction{verb: "noop", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
				g.RunAsynchronously(func() error { return nil })
				return nil, nil // stays running until the group drains
			}}, true
		},
	})
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var id ActionID
	for aid := range d.actions {
		id = aid
	}

	d.Reset(id)
	firstPending := d.pending.contains(id)
	firstState, _ := d.State(id)

	d.Reset(id)
	secondPending := d.pending.contains(id)
	secondState, _ := d.State(id)

	if firstState != Pending || secondState != Pending {
		t.Fatalf("expected PENDING after both resets, got %v then %v", firstState, secondState)
	}
	if firstPending != secondPending {
		t.Fatalf("expected identical queue membership after a repeated reset")
	}
	loop.Run()
}

// Property law: cascade transitivity — A depends on B's provision, which B
// derived from the root provision c.out; resetting B resets A as well.
func TestCascade_Transitivity(t *testing.T) {
	d, fs, loop, _ := newTestDriver(t, 4)
	_ = fs

	tagB := tag.FromFile("from-b")
	tagC := tag.FromFile("from-c")

	cProv := d.allocateProvision(fakeFile{name: "c.out"}, 0, []tag.Tag{tagC})
	if err := d.registerProvider(cProv); err != nil {
		t.Fatalf("registerProvider c: %v", err)
	}

	srcProv := d.allocateProvision(fakeFile{name: "root.cpp"}, 0, []tag.Tag{tag.Default})
	if err := d.registerProvider(srcProv); err != nil {
		t.Fatalf("registerProvider src: %v", err)
	}

	var bRuns int
	actionB := &fakeAction{verb: "B", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
		bRuns++
		f, ok, err := ctx.FindProvider(tagC)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := ctx.Provide(f, []tag.Tag{tagB}); err != nil {
				return nil, err
			}
		}
		return nil, ctx.Passed()
	}}
	idB := d.queueNewAction(actionB, srcProv)
	d.startSomeActions()
	loop.Run()
	if bRuns != 1 {
		t.Fatalf("expected B to run once before the cascade, got %d", bRuns)
	}

	var aRuns int
	var aSawB bool
	actionA := &fakeAction{verb: "A", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
		aRuns++
		_, ok, err := ctx.FindProvider(tagB)
		if err != nil {
			return nil, err
		}
		aSawB = ok
		return nil, ctx.Passed()
	}}
	d.queueNewAction(actionA, srcProv)
	d.startSomeActions()
	loop.Run()
	if aRuns != 1 || !aSawB {
		t.Fatalf("expected A to see B's provision before any reset, got runs=%d sawB=%v", aRuns, aSawB)
	}

	if err := d.Reset(idB); err != nil {
		t.Fatalf("Reset B: %v", err)
	}
	d.startSomeActions()
	loop.Run()

	if bRuns < 2 {
		t.Fatalf("expected B to re-run after its own reset, got %d runs", bRuns)
	}
	if aRuns < 2 {
		t.Fatalf("expected the cascade to transitively reset A because it depended on B's provision, got %d runs", aRuns)
	}
	if err := d.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// fakeFile is a minimal vfile.File good enough for direct table
// manipulation in cascade tests that don't need real content hashing
// through a filesystem.
type fakeFile struct {
	name string
}

func (f fakeFile) CanonicalName() string          { return f.name }
func (f fakeFile) ContentHash() (vfile.Hash, error) { return vfile.HashBytes([]byte(f.name)), nil }
func (f fakeFile) Exists() bool                   { return true }
func (f fakeFile) IsDirectory() bool              { return false }
func (f fakeFile) List() ([]vfile.File, error)    { return nil, errors.New("fakeFile: not a directory") }
func (f fakeFile) Parent() vfile.File             { return f }
func (f fakeFile) Relative(path string) vfile.File { return fakeFile{name: f.name + "/" + path} }
func (f fakeFile) CreateDirectory() error         { return nil }
func (f fakeFile) Clone() vfile.File              { return f }
func (f fakeFile) Equals(other vfile.File) bool {
	o, ok := other.(fakeFile)
	return ok && o.name == f.name
}

// TestTrace_RecordsLifecycleInCanonicalOrder exercises the §8 property
// tests' intended shape: drive the driver through a scripted sequence
// of registrations, then assert on the recorded trace rather than on
// timing.
func TestTrace_RecordsLifecycleInCanonicalOrder(t *testing.T) {
	d, fs, loop, _ := newTestDriver(t, 1)
	rec := trace.NewRecorder()
	d.SetSink(rec)

	var made bool
	factory := &fakeFactory{
		tags: []tag.Tag{tag.Default},
		make: func(tg tag.Tag, file vfile.File) (action.Action, bool) {
			if made {
				return nil, false
			}
			made = true
			return &fakeAction{verb: "touch", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
				return nil, nil
			}}, true
		},
	}
	d.AddActionFactory(factory)
	fs.WriteFile("src/a.txt", []byte("hello"))

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loop.Run()

	tr := rec.Trace("test-run")
	kinds := map[trace.TraceEventKind]int{}
	for _, e := range tr.Events {
		kinds[e.Kind]++
	}
	if kinds[trace.EventProviderRegistered] == 0 {
		t.Fatalf("expected a provider-registered event, got %+v", tr.Events)
	}
	if kinds[trace.EventActionQueued] == 0 || kinds[trace.EventActionStarted] == 0 || kinds[trace.EventActionDone] == 0 {
		t.Fatalf("expected queued/started/done events for the triggered action, got %+v", tr.Events)
	}

	b1, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	tr2 := rec.Trace("test-run")
	b2, err := tr2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("expected re-snapshotting the same recorder to canonicalize identically")
	}
}

// TestTrace_ResetEmitsSupersessionBeforeReset exercises the
// provider-supersession trace path: a second, preferred provider
// arriving for a tag an action already chose triggers a
// ProviderSuperseded event ahead of the ActionReset it causes.
func TestTrace_ResetEmitsSupersessionBeforeReset(t *testing.T) {
	d, _, _, _ := newTestDriver(t, 1)
	rec := trace.NewRecorder()
	d.SetSink(rec)

	tg := tag.FromFile("target")
	consumer := d.queueNewAction(&fakeAction{verb: "link", onStart: func(g events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
		return nil, nil
	}}, 0)
	d.actions[consumer].sourceFile = fakeFile{name: "src/x.cpp"}
	// Start (and, since onStart reports no async work, immediately
	// complete) the consumer so it sits in a resettable terminal state
	// rather than still PENDING when the second provider arrives.
	d.startSomeActions()

	p1 := d.allocateProvision(fakeFile{name: "src/a/p1.gen"}, 0, []tag.Tag{tg})
	if err := d.registerProvider(p1); err != nil {
		t.Fatalf("registerProvider p1: %v", err)
	}
	d.depTable.insert(tg, consumer, p1)

	p2 := d.allocateProvision(fakeFile{name: "src/p2.gen"}, 0, []tag.Tag{tg})
	if err := d.registerProvider(p2); err != nil {
		t.Fatalf("registerProvider p2: %v", err)
	}

	tr := rec.Trace("supersession")
	foundSupersession, foundReset, supersededFirst := false, false, false
	for _, e := range tr.Events {
		if e.Kind == trace.EventProviderSuperseded && e.Tag == tg.String() {
			foundSupersession = true
		}
		if e.Kind == trace.EventActionReset && e.ActionID == uint64(consumer) {
			foundReset = true
			supersededFirst = foundSupersession
		}
	}
	if !foundSupersession {
		t.Fatalf("expected a ProviderSuperseded event, got %+v", tr.Events)
	}
	if !foundReset {
		t.Fatalf("expected the dependent action's reset to be recorded, got %+v", tr.Events)
	}
	if !supersededFirst {
		t.Fatalf("expected the ProviderSuperseded event ahead of the reset, got %+v", tr.Events)
	}
}
