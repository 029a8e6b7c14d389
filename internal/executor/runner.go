package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// BuildSpec describes one containerized build.
type BuildSpec struct {
	JobID     string
	SourceDir string
	OutputDir string
	// Destination is the artifact path reserved for this job.
	Destination string
	Timeout     time.Duration
	// Output receives the combined build output as it is produced.
	Output io.Writer
}

// BuildResult contains the result of a build
type BuildResult struct {
	JobID        string
	ArtifactName string
	ExitCode     int
	Output       string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
}

type Runner interface {
	Run(ctx context.Context, spec BuildSpec) (*BuildResult, error)
}

// ExecutorConfig allows customization of build behavior
type ExecutorConfig struct {
	// Runtime is the container CLI, e.g. docker or podman.
	Runtime string
	Image   string
	// Command runs inside the container with /workspace as working directory.
	// The artifact file name reaches it as $ARTIFACT_NAME and the output
	// mount as $OUTPUT_DIR.
	Command         []string
	ArtifactPattern string
	Network         string
	Memory          string
	CPUs            string
	MaxOutputSize   int // bytes kept for diagnostics, 0 for unlimited
	KillGrace       time.Duration
}

const (
	containerWorkspace = "/workspace"
	containerOutput    = "/out"
)

// DefaultCommand compiles an Android debug APK and copies it to $OUTPUT_DIR.
var DefaultCommand = []string{
	"sh", "-c",
	`chmod +x ./gradlew 2>/dev/null; ./gradlew assembleDebug --no-daemon || exit 1; ` +
		`apk=$(find app/build/outputs/apk -name '*debug*.apk' | head -n1); ` +
		`[ -n "$apk" ] && cp "$apk" "$OUTPUT_DIR/$ARTIFACT_NAME"`,
}

type RunnerOption func(*execRunner)

func WithExecutorConfig(config *ExecutorConfig) RunnerOption {
	return func(r *execRunner) {
		r.config = config
	}
}

func NewExecRunner(args ...RunnerOption) Runner {
	config := &ExecutorConfig{
		Runtime:         "docker",
		Image:           os.Getenv("BUILDER_IMAGE"),
		Command:         DefaultCommand,
		ArtifactPattern: "*.apk",
		Network:         "bridge",
		MaxOutputSize:   64 * 1024,
		KillGrace:       10 * time.Second,
	}

	runner := &execRunner{config: config}

	for _, arg := range args {
		arg(runner)
	}
	return runner
}

type execRunner struct {
	config *ExecutorConfig
}

func (er *execRunner) Run(ctx context.Context, spec BuildSpec) (*BuildResult, error) {
	if err := er.validateSpec(spec); err != nil {
		return nil, &BuildError{Kind: Unknown, ExitCode: -1, Err: fmt.Errorf("validation failed: %w", err)}
	}

	result := &BuildResult{
		JobID:     spec.JobID,
		StartTime: time.Now(),
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	container := containerName(spec.JobID)
	cmd := exec.CommandContext(runCtx, er.config.Runtime, er.runArgs(spec, container)...)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		er.killContainer(container)
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = er.config.KillGrace

	captured := newTailBuffer(er.config.MaxOutputSize)
	var sink io.Writer = captured
	if spec.Output != nil {
		sink = io.MultiWriter(captured, spec.Output)
	}
	// a single writer makes exec share one pipe for stdout and stderr
	cmd.Stdout = sink
	cmd.Stderr = sink

	slog.Info("starting build",
		"job_id", spec.JobID,
		"image", er.config.Image,
		"container", container,
		"timeout", spec.Timeout.String(),
	)

	if err := cmd.Start(); err != nil {
		return result, &BuildError{Kind: Unknown, ExitCode: -1, Err: fmt.Errorf("failed to start build: %w", err)}
	}

	waitErr := cmd.Wait()
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Output = captured.String()

	if waitErr != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		er.logResult(result, "timed_out")
		return result, &BuildError{Kind: TimedOut, ExitCode: result.ExitCode, Output: result.Output,
			Err: fmt.Errorf("build exceeded %s", spec.Timeout)}
	}
	if ctx.Err() != nil {
		er.logResult(result, "canceled")
		return result, &BuildError{Kind: Unknown, ExitCode: result.ExitCode, Output: result.Output, Err: ctx.Err()}
	}
	if waitErr != nil {
		er.logResult(result, "command_failed")
		kind := CommandFailed
		if result.ExitCode < 0 {
			kind = Unknown
		}
		return result, &BuildError{Kind: kind, ExitCode: result.ExitCode, Output: result.Output, Err: waitErr}
	}

	name, err := er.collectArtifact(spec)
	if err != nil {
		er.logResult(result, "artifact_missing")
		var be *BuildError
		if errors.As(err, &be) {
			be.Output = result.Output
			return result, be
		}
		return result, &BuildError{Kind: Unknown, Output: result.Output, Err: err}
	}
	result.ArtifactName = name
	er.logResult(result, "succeeded")
	return result, nil
}

// runArgs is a fixed argument vector; job data is never spliced into a
// shell string.
func (er *execRunner) runArgs(spec BuildSpec, container string) []string {
	args := []string{
		"run", "--rm",
		"--name", container,
		"--network", er.config.Network,
	}
	if er.config.Memory != "" {
		args = append(args, "--memory", er.config.Memory)
	}
	if er.config.CPUs != "" {
		args = append(args, "--cpus", er.config.CPUs)
	}
	args = append(args,
		"-v", spec.SourceDir+":"+containerWorkspace,
		"-v", spec.OutputDir+":"+containerOutput,
		"-w", containerWorkspace,
		"-e", "ARTIFACT_NAME="+filepath.Base(spec.Destination),
		"-e", "OUTPUT_DIR="+containerOutput,
		er.config.Image,
	)
	return append(args, er.config.Command...)
}

// collectArtifact moves the single file matching the artifact pattern
// from the output directory to the reserved destination.
func (er *execRunner) collectArtifact(spec BuildSpec) (string, error) {
	matches, err := filepath.Glob(filepath.Join(spec.OutputDir, er.config.ArtifactPattern))
	if err != nil {
		return "", fmt.Errorf("bad artifact pattern %q: %w", er.config.ArtifactPattern, err)
	}
	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	switch len(files) {
	case 0:
		return "", &BuildError{Kind: ArtifactMissing, Err: fmt.Errorf("no file matching %q in output", er.config.ArtifactPattern)}
	case 1:
	default:
		return "", &BuildError{Kind: ArtifactMissing, Err: fmt.Errorf("expected one file matching %q, found %d", er.config.ArtifactPattern, len(files))}
	}
	if err := moveFile(files[0], spec.Destination); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return filepath.Base(spec.Destination), nil
}

func (er *execRunner) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), er.config.KillGrace)
	defer cancel()
	if out, err := exec.CommandContext(ctx, er.config.Runtime, "kill", name).CombinedOutput(); err != nil {
		slog.Debug("container kill failed", "container", name, "error", err, "output", strings.TrimSpace(string(out)))
	}
}

func (er *execRunner) validateSpec(spec BuildSpec) error {
	if strings.TrimSpace(spec.JobID) == "" {
		return errors.New("jobID cannot be empty")
	}
	if er.config.Image == "" {
		return errors.New("builder image not configured")
	}
	if len(er.config.Command) == 0 {
		return errors.New("build command not configured")
	}
	if spec.Destination == "" {
		return errors.New("artifact destination not set")
	}
	for _, dir := range []string{spec.SourceDir, spec.OutputDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("directory does not exist: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
	}
	return nil
}

func (er *execRunner) logResult(result *BuildResult, outcome string) {
	logLevel := slog.LevelInfo
	if outcome != "succeeded" {
		logLevel = slog.LevelWarn
	}
	slog.Log(context.Background(), logLevel, "build finished",
		"job_id", result.JobID,
		"outcome", outcome,
		"exit_code", result.ExitCode,
		"duration", result.Duration.String(),
		"output_length", len(result.Output),
	)
}

func containerName(jobID string) string {
	return "forge-" + jobID
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
