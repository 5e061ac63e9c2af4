package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tagbuild/internal/config"
	"tagbuild/internal/dashboard"
	"tagbuild/internal/driver"
	"tagbuild/internal/events"
	"tagbuild/internal/shellaction"
	"tagbuild/internal/tag"
	"tagbuild/internal/trace"
	"tagbuild/internal/vfile"
)

var (
	runConfigPath     string
	runSrcDirOverride string
	runTmpDirOverride string
	runMaxConcurrent  int
	runTracePath      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan the source tree and drive every triggered action to completion",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "tagbuild.toml", "Path to the TOML config file")
	runCmd.Flags().StringVar(&runSrcDirOverride, "src-dir", "", "Override the config file's src_dir")
	runCmd.Flags().StringVar(&runTmpDirOverride, "tmp-dir", "", "Override the config file's tmp_dir")
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "Override the config file's max_concurrent")
	runCmd.Flags().StringVar(&runTracePath, "trace", "", "Write a canonical JSON trace of the run to this path")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	applyRunOverrides(cfg)

	logger := newLogger(cfg.LogFormat)

	loop := events.NewLoop()
	dash := dashboard.NewConsole(cmd.OutOrStdout())

	d, err := driver.New(loop, dash, vfile.NewDiskFile(cfg.SrcDir), vfile.NewDiskFile(cfg.TmpDir), cfg.MaxConcurrent, logger)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}

	var rec *trace.Recorder
	if runTracePath != "" {
		rec = trace.NewRecorder()
		d.SetSink(rec)
	}

	for _, spec := range cfg.Rules {
		factory, err := ruleFactory(spec, cfg.SrcDir)
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		d.AddActionFactory(factory)
	}

	if err := d.Start(); err != nil {
		return withExitCode(ExitInternalError, err)
	}
	loop.Run()
	d.Finalize()

	if rec != nil {
		if err := writeTrace(runTracePath, rec); err != nil {
			return withExitCode(ExitInternalError, err)
		}
	}

	if failed := d.FailedCount(); failed > 0 {
		return withExitCode(ExitBuildFailed, fmt.Errorf("%d action(s) failed", failed))
	}
	return nil
}

func applyRunOverrides(cfg *config.Config) {
	if runSrcDirOverride != "" {
		cfg.SrcDir = runSrcDirOverride
	}
	if runTmpDirOverride != "" {
		cfg.TmpDir = runTmpDirOverride
	}
	if runMaxConcurrent > 0 {
		cfg.MaxConcurrent = runMaxConcurrent
	}
}

// newLogger builds the slog.Logger the run configures the handler for: a
// JSON handler when output isn't a human at a terminal, mirroring
// bureau-foundation-bureau's NewLogger, or a text handler otherwise.
func newLogger(format string) *slog.Logger {
	var handler slog.Handler
	switch format {
	case config.LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ruleFactory translates a declarative config.RuleSpec into a
// shellaction.Factory. The command template's "{{input}}" and
// "{{output}}" placeholders are substituted with each file's canonical
// path at invocation time.
func ruleFactory(spec config.RuleSpec, workingDir string) (*shellaction.Factory, error) {
	rule := shellaction.Rule{
		Extension: spec.Extension,
		Verb:      spec.Verb,
		Silent:    spec.Silent,
		Env:       spec.Env,
		OutputPath: func(input vfile.File) string {
			return strings.TrimSuffix(baseName(input.CanonicalName()), spec.Extension) + spec.OutputSuffix
		},
		Command: func(input, output vfile.File) string {
			cmd := spec.Command
			cmd = strings.ReplaceAll(cmd, "{{input}}", input.CanonicalName())
			cmd = strings.ReplaceAll(cmd, "{{output}}", output.CanonicalName())
			return cmd
		},
		Tags: func(input, output vfile.File) []tag.Tag {
			if spec.Tag != "" {
				return []tag.Tag{tag.FromFile(spec.Tag)}
			}
			return []tag.Tag{tag.FromFile(output.CanonicalName())}
		},
	}
	return &shellaction.Factory{Rule: rule, Cache: shellaction.NewMemoryCache(), WorkingDir: workingDir}, nil
}

func baseName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func writeTrace(path string, rec *trace.Recorder) error {
	tr := rec.Trace(uuid.NewString())
	data, err := tr.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("cli: building trace: %w", err)
	}
	var pretty []byte
	if pretty, err = reindent(data); err != nil {
		pretty = data
	}
	return os.WriteFile(path, pretty, 0o644)
}

// reindent is a small convenience so --trace output is readable; the
// canonical byte form used for hashing is produced separately and is
// never affected by this.
func reindent(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}
