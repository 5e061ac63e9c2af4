// Package shellaction is a worked example of a real action.Action and
// action.ActionFactory pair: a rule that turns every source file whose
// name matches an extension into a subprocess invocation, run in an
// isolated environment and memoized by content hash so an unchanged
// input never re-runs its command. A compiler, linter, or codegen step
// wired into the driver would look like this.
package shellaction

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"tagbuild/internal/action"
	"tagbuild/internal/events"
	"tagbuild/internal/tag"
	"tagbuild/internal/vfile"
)

// Rule describes one kind of shell-driven action.
type Rule struct {
	// Extension is matched against the suffix of a candidate file's
	// canonical name, e.g. ".c".
	Extension string

	// Verb labels the dashboard task, e.g. "compile".
	Verb string

	// Silent opens the dashboard task as silent, which suppresses its
	// PASSED/DONE announcement; logged output is still shown.
	Silent bool

	// OutputPath returns the output's path, relative to the action's
	// temp root, for the given input.
	OutputPath func(input vfile.File) string

	// Command builds the shell command to run, given the input and the
	// freshly allocated output file.
	Command func(input, output vfile.File) string

	// Tags returns the tags the produced output should be registered
	// under. Most rules return a single file-path tag for the output's
	// own name so downstream actions can ask for it directly.
	Tags func(input, output vfile.File) []tag.Tag

	// Env lists the only environment variables the command may
	// observe; the host's environment is never passed through.
	Env map[string]string
}

// Factory matches Rule.Extension against every file registered under
// tag.Default and turns each match into an Action.
type Factory struct {
	Rule       Rule
	Cache      Cache
	WorkingDir string
}

var _ action.ActionFactory = (*Factory)(nil)

// EnumerateTriggerTags implements action.ActionFactory.
func (f *Factory) EnumerateTriggerTags() []tag.Tag {
	return []tag.Tag{tag.Default}
}

// TryMakeAction implements action.ActionFactory.
func (f *Factory) TryMakeAction(t tag.Tag, file vfile.File) (action.Action, bool) {
	if !strings.HasSuffix(file.CanonicalName(), f.Rule.Extension) {
		return nil, false
	}
	return &Action{rule: f.Rule, cache: f.Cache, workingDir: f.WorkingDir, input: file}, true
}

// Action runs one Rule against one input file.
type Action struct {
	rule       Rule
	cache      Cache
	workingDir string
	input      vfile.File
}

var _ action.Action = (*Action)(nil)

// Verb implements action.Action.
func (a *Action) Verb() string { return a.rule.Verb }

// Silent implements action.Action.
func (a *Action) Silent() bool { return a.rule.Silent }

// Start implements action.Action. It allocates the output file and
// computes the memoization key synchronously — both are legal only
// while the action is running — then either replays a cache hit
// synchronously or starts the subprocess and returns a handle that can
// kill its entire process group on cancellation.
func (a *Action) Start(group events.EventGroup, ctx action.BuildContext) (events.Handle, error) {
	outputPath := a.rule.OutputPath(a.input)
	output, err := ctx.NewOutput(outputPath)
	if err != nil {
		return nil, fmt.Errorf("shellaction: allocating output: %w", err)
	}

	command := a.rule.Command(a.input, output)
	inputHash, err := a.input.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("shellaction: hashing input %s: %w", a.input.CanonicalName(), err)
	}

	key := computeMemoKey(memoInput{
		WorkingDir: a.workingDir,
		Command:    command,
		Env:        a.rule.Env,
		InputPath:  a.input.CanonicalName(),
		InputHash:  inputHash,
		OutputPath: outputPath,
	})

	if a.cache != nil {
		if entry, hit, err := a.cache.Get(key); err != nil {
			ctx.Log(fmt.Sprintf("shellaction: cache lookup failed, running: %v", err))
		} else if hit {
			return nil, a.replay(ctx, output, entry)
		}
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = a.workingDir
	cmd.Env = buildIsolatedEnv(a.rule.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("shellaction: starting %q: %w", command, err)
	}

	h := &processHandle{cmd: cmd}

	// cmd.Wait blocks, so it runs on a real goroutine outside the
	// event loop the way this package's doc comment describes — the
	// subprocess is the parallelism, not the core. What resumes on the
	// loop is only the report of an outcome that may already be known
	// by the time the loop gets around to draining it.
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	group.RunAsynchronously(func() error {
		waitErr := <-waited
		return a.finish(ctx, output, key, &stdout, &stderr, waitErr, h)
	})
	return h, nil
}

// replay reports a cache hit's stored outcome without running anything.
func (a *Action) replay(ctx action.BuildContext, output vfile.File, entry *Entry) error {
	if len(entry.Stdout) > 0 {
		ctx.Log(string(entry.Stdout))
	}
	if len(entry.Stderr) > 0 {
		ctx.Log(string(entry.Stderr))
	}
	if entry.ExitCode != 0 {
		return fmt.Errorf("shellaction: %s failed previously with exit code %d (cached)", a.rule.Verb, entry.ExitCode)
	}
	if entry.OutputExists {
		if err := writeRealFile(output, entry.Output); err != nil {
			return fmt.Errorf("shellaction: restoring cached output: %w", err)
		}
	}
	return ctx.Provide(output, a.rule.Tags(a.input, output))
}

// finish runs on the event loop once the subprocess has actually
// exited. h.cancelled reports whether the action was torn down in the
// meantime, in which case reporting a result would be both illegal
// (ctx is no longer running) and pointless.
func (a *Action) finish(ctx action.BuildContext, output vfile.File, key MemoKey, stdout, stderr *bytes.Buffer, waitErr error, h *processHandle) error {
	if h.cancelled() {
		return nil
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Errorf("shellaction: running command: %w", waitErr)
		}
	}

	if stdout.Len() > 0 {
		ctx.Log(stdout.String())
	}
	if stderr.Len() > 0 {
		ctx.Log(stderr.String())
	}

	entry := &Entry{Key: key, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}
	if exitCode != 0 {
		a.putCache(entry)
		return fmt.Errorf("shellaction: %s exited %d", a.rule.Verb, exitCode)
	}

	if output.Exists() {
		content, err := readRealFile(output)
		if err != nil {
			return fmt.Errorf("shellaction: reading output for caching: %w", err)
		}
		entry.OutputExists = true
		entry.Output = content
	}
	a.putCache(entry)

	return ctx.Provide(output, a.rule.Tags(a.input, output))
}

func (a *Action) putCache(entry *Entry) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Put(entry); err != nil {
		// Memoization is an optimization; a failed write never fails the build.
		_ = err
	}
}

// buildIsolatedEnv returns cmd.Env built strictly from an allowlist:
// the subprocess starts with no inherited environment, and only the
// variables the rule declares become visible.
func buildIsolatedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// writeRealFile and readRealFile reach past the vfile.File interface —
// which, by design, exposes no read or write operation of its own — to
// touch the real file a Rule's command produces on disk. This is the
// same escape hatch vfile.MemFile.WriteContent documents: a real Action
// talks to its output through whatever real handle it has, and only
// hands the finished File back through the interface once content
// exists.
func writeRealFile(f vfile.File, content []byte) error {
	return os.WriteFile(f.CanonicalName(), content, 0o644)
}

func readRealFile(f vfile.File) ([]byte, error) {
	return os.ReadFile(f.CanonicalName())
}

// processHandle implements events.Handle over a running subprocess:
// Cancel kills the entire process group so no grandchild survives the
// action being reset mid-run.
type processHandle struct {
	cmd *exec.Cmd

	mu   sync.Mutex
	done bool
}

var _ events.Handle = (*processHandle)(nil)

func (h *processHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	if h.cmd.Process != nil {
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
}

func (h *processHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}
