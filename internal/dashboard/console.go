package dashboard

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	verbStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nounStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	runningTag  = lipgloss.NewStyle().Foreground(lipgloss.Color("221")).Render("RUNNING")
	passedTag   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("PASSED")
	doneTag     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("DONE")
	failedTag   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("FAILED")
	blockedTag  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208")).Render("BLOCKED")
	outputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).PaddingLeft(2)
)

func renderTag(s State) string {
	switch s {
	case Running:
		return runningTag
	case Passed:
		return passedTag
	case Done:
		return doneTag
	case Failed:
		return failedTag
	case Blocked:
		return blockedTag
	default:
		return s.String()
	}
}

// Console is the Dashboard implementation the CLI wires up for a real
// terminal: each task prints its verb/noun once, then a line per state
// transition and per logged output.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) BeginTask(verb, noun string, verbosity Verbosity) Task {
	t := &consoleTask{console: c, verb: verb, noun: noun, silent: verbosity == Silent}
	c.mu.Lock()
	fmt.Fprintf(c.out, "%s %s\n", verbStyle.Render(verb), nounStyle.Render(noun))
	c.mu.Unlock()
	return t
}

type consoleTask struct {
	console *Console
	verb    string
	noun    string
	silent  bool
}

func (t *consoleTask) SetState(s State) {
	if t.silent && (s == Passed || s == Done) {
		return
	}
	t.console.mu.Lock()
	defer t.console.mu.Unlock()
	fmt.Fprintf(t.console.out, "  [%s] %s %s\n", renderTag(s), t.verb, t.noun)
}

func (t *consoleTask) AddOutput(text string) {
	t.console.mu.Lock()
	defer t.console.mu.Unlock()
	fmt.Fprintln(t.console.out, outputStyle.Render(text))
}
