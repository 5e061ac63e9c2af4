package dashboard

import "sync"

// StateChange is one recorded SetState call.
type StateChange struct {
	State  State
	Output []string
}

// RecordedTask captures everything reported through a single Task, in
// order, for assertions in driver tests.
type RecordedTask struct {
	Verb      string
	Noun      string
	Verbosity Verbosity

	mu      sync.Mutex
	states  []State
	outputs []string
}

// States returns every state this task transitioned through, in order.
func (t *RecordedTask) States() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.states...)
}

// LastState returns the most recently reported state, or a zero State if
// none was ever reported.
func (t *RecordedTask) LastState() (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) == 0 {
		return 0, false
	}
	return t.states[len(t.states)-1], true
}

// Outputs returns every logged line, in order.
func (t *RecordedTask) Outputs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.outputs...)
}

func (t *RecordedTask) SetState(s State) {
	t.mu.Lock()
	t.states = append(t.states, s)
	t.mu.Unlock()
}

func (t *RecordedTask) AddOutput(text string) {
	t.mu.Lock()
	t.outputs = append(t.outputs, text)
	t.mu.Unlock()
}

// Recording is a Dashboard test fake that keeps every task it ever began,
// in begin order, so tests can assert on the full lifecycle a driver
// reported without parsing console text.
type Recording struct {
	mu    sync.Mutex
	tasks []*RecordedTask
}

// NewRecording returns an empty Recording dashboard.
func NewRecording() *Recording {
	return &Recording{}
}

func (r *Recording) BeginTask(verb, noun string, verbosity Verbosity) Task {
	t := &RecordedTask{Verb: verb, Noun: noun, Verbosity: verbosity}
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return t
}

// Tasks returns every task begun so far, in begin order.
func (r *Recording) Tasks() []*RecordedTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*RecordedTask(nil), r.tasks...)
}
