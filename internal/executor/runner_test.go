package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime stands in for the container CLI. It honours the output
// mount and picks its behaviour from the image name.
const fakeRuntime = `#!/bin/sh
out=""
image=""
while [ $# -gt 0 ]; do
  case "$1" in
    -v) case "$2" in *:/out) out="${2%:/out}";; esac; shift 2;;
    --name|--network|--memory|--cpus|-w|-e) shift 2;;
    run|--rm) shift;;
    *) image="$1"; shift; break;;
  esac
done
case "$image" in
  ok) echo "compiling"; echo "apk-bytes" > "$out/app-debug.apk";;
  two) echo a > "$out/a.apk"; echo b > "$out/b.apk";;
  fail) echo "error: cannot find symbol" >&2; exit 3;;
  empty) echo "done, nothing produced";;
  slow) echo $$ > "$out/pid"; sleep 30;;
  noisy) i=0; while [ $i -lt 500 ]; do echo "line $i of noisy build output"; i=$((i+1)); done; exit 1;;
esac
`

type fixture struct {
	dir  string
	spec BuildSpec
}

func newFixture(t *testing.T) (string, fixture) {
	t.Helper()
	dir := t.TempDir()
	runtime := filepath.Join(dir, "fake-runtime")
	require.NoError(t, os.WriteFile(runtime, []byte(fakeRuntime), 0o755))

	src := filepath.Join(dir, "ws", "src")
	out := filepath.Join(dir, "ws", "out")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755))

	return runtime, fixture{
		dir: dir,
		spec: BuildSpec{
			JobID:       "job-1",
			SourceDir:   src,
			OutputDir:   out,
			Destination: filepath.Join(dir, "artifacts", "job-1.apk"),
			Timeout:     10 * time.Second,
		},
	}
}

func newRunner(runtime, image string, maxOutput int) Runner {
	return NewExecRunner(WithExecutorConfig(&ExecutorConfig{
		Runtime:         runtime,
		Image:           image,
		Command:         []string{"build"},
		ArtifactPattern: "*.apk",
		Network:         "none",
		MaxOutputSize:   maxOutput,
		KillGrace:       time.Second,
	}))
}

func TestRunSuccessMovesArtifact(t *testing.T) {
	runtime, fx := newFixture(t)
	var live bytes.Buffer
	fx.spec.Output = &live

	res, err := newRunner(runtime, "ok", 0).Run(context.Background(), fx.spec)
	require.NoError(t, err)
	assert.Equal(t, "job-1.apk", res.ArtifactName)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "compiling")
	assert.Contains(t, live.String(), "compiling")

	data, err := os.ReadFile(fx.spec.Destination)
	require.NoError(t, err)
	assert.Equal(t, "apk-bytes\n", string(data))
	assert.NoFileExists(t, filepath.Join(fx.spec.OutputDir, "app-debug.apk"))
}

func TestRunNonZeroExit(t *testing.T) {
	runtime, fx := newFixture(t)

	_, err := newRunner(runtime, "fail", 0).Run(context.Background(), fx.spec)
	var be *BuildError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Equal(t, CommandFailed, be.Kind)
	assert.Equal(t, 3, be.ExitCode)
	assert.Contains(t, be.Output, "cannot find symbol")
	assert.NoFileExists(t, fx.spec.Destination)
}

func TestRunZeroExitWithoutArtifact(t *testing.T) {
	runtime, fx := newFixture(t)

	_, err := newRunner(runtime, "empty", 0).Run(context.Background(), fx.spec)
	var be *BuildError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Equal(t, ArtifactMissing, be.Kind)
	assert.Contains(t, be.Output, "nothing produced")
}

func TestRunAmbiguousArtifact(t *testing.T) {
	runtime, fx := newFixture(t)

	_, err := newRunner(runtime, "two", 0).Run(context.Background(), fx.spec)
	var be *BuildError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Equal(t, ArtifactMissing, be.Kind)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	runtime, fx := newFixture(t)
	fx.spec.Timeout = 500 * time.Millisecond

	start := time.Now()
	_, err := newRunner(runtime, "slow", 0).Run(context.Background(), fx.spec)
	var be *BuildError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Equal(t, TimedOut, be.Kind)
	assert.Less(t, time.Since(start), 10*time.Second)

	raw, err := os.ReadFile(filepath.Join(fx.spec.OutputDir, "pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
	}, 2*time.Second, 50*time.Millisecond, "build process %d still alive", pid)
}

func TestRunTruncatesOutput(t *testing.T) {
	runtime, fx := newFixture(t)

	_, err := newRunner(runtime, "noisy", 256).Run(context.Background(), fx.spec)
	var be *BuildError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.True(t, strings.HasPrefix(be.Output, "[... "), be.Output)
	assert.Contains(t, be.Output, "line 499")
	assert.LessOrEqual(t, len(be.Output), 256+64)
}

func TestRunValidatesSpec(t *testing.T) {
	runtime, fx := newFixture(t)

	spec := fx.spec
	spec.JobID = " "
	_, err := newRunner(runtime, "ok", 0).Run(context.Background(), spec)
	require.Error(t, err)

	_, err = newRunner(runtime, "", 0).Run(context.Background(), fx.spec)
	require.Error(t, err)

	spec = fx.spec
	spec.SourceDir = filepath.Join(fx.dir, "missing")
	_, err = newRunner(runtime, "ok", 0).Run(context.Background(), spec)
	require.Error(t, err)
}

func TestRunArgsKeepJobDataOutOfShell(t *testing.T) {
	r := &execRunner{config: &ExecutorConfig{
		Image:   "builder:latest",
		Command: DefaultCommand,
		Network: "bridge",
		Memory:  "4g",
	}}
	spec := BuildSpec{JobID: "abc", SourceDir: "/w/abc/src", OutputDir: "/w/abc/out", Destination: "/a/abc.apk"}

	args := r.runArgs(spec, containerName(spec.JobID))
	assert.Contains(t, args, "ARTIFACT_NAME=abc.apk")
	assert.Contains(t, args, "/w/abc/src:/workspace")
	assert.Contains(t, args, "--memory")
	assert.Equal(t, DefaultCommand, args[len(args)-len(DefaultCommand):])
	for _, part := range DefaultCommand {
		assert.NotContains(t, part, "abc")
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "[... 4 bytes truncated ...]\n456789ab", b.String())

	runes := newTailBuffer(5)
	_, _ = runes.Write([]byte("añññ"))
	assert.Equal(t, "[... 3 bytes truncated ...]\nññ", runes.String())

	unbounded := newTailBuffer(0)
	_, _ = unbounded.Write([]byte("hello"))
	assert.Equal(t, "hello", unbounded.String())
}
