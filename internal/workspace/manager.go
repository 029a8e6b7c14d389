// Package workspace allocates per-job source directories and fetches
// repositories into them.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Workspace is the directory tree owned by one job. The zero value means
// no workspace was allocated.
type Workspace struct {
	JobID string
	// Path is the job root; everything below it is removed by Destroy.
	Path string
	// SourceDir receives the fetched repository.
	SourceDir string
	// OutputDir is where the build places its artifact.
	OutputDir string
}

func (w Workspace) IsZero() bool { return w.Path == "" }

type Option func(*Manager)

// WithGitBinary overrides the git executable used by Fetch.
func WithGitBinary(path string) Option {
	return func(m *Manager) { m.git = path }
}

// WithFetchTimeout bounds a single Fetch call.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.fetchTimeout = d }
}

type Manager struct {
	root         string
	git          string
	fetchTimeout time.Duration
}

func NewManager(root string, opts ...Option) (*Manager, error) {
	if root == "" {
		return nil, errors.New("workspace root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	m := &Manager{root: abs, git: "git", fetchTimeout: 5 * time.Minute}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Provision creates a fresh, empty workspace for id, removing any residue
// left under the same name.
func (m *Manager) Provision(id string) (Workspace, error) {
	if !validID(id) {
		return Workspace{}, fmt.Errorf("invalid job id %q", id)
	}
	ws := Workspace{
		JobID:     id,
		Path:      filepath.Join(m.root, id),
		SourceDir: filepath.Join(m.root, id, "src"),
		OutputDir: filepath.Join(m.root, id, "out"),
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return Workspace{}, fmt.Errorf("remove stale workspace: %w", err)
	}
	for _, dir := range []string{ws.SourceDir, ws.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = os.RemoveAll(ws.Path)
			return Workspace{}, fmt.Errorf("create workspace: %w", err)
		}
	}
	slog.Debug("workspace provisioned", "job_id", id, "path", ws.Path)
	return ws, nil
}

// Fetch places exactly revision of source into ws.SourceDir with a
// shallow fetch. The repository is initialised locally and fetched by URL,
// so no remote is recorded. For https sources the credential travels as an
// HTTP header set through the environment of the one git invocation; it
// never appears in argv or in any file under the workspace.
func (m *Manager) Fetch(ctx context.Context, ws Workspace, source, revision string, cred *Credential) error {
	if ws.IsZero() {
		return &FetchError{Kind: FetchUnknown, Err: errors.New("workspace not provisioned")}
	}
	if revision == "" || strings.HasPrefix(revision, "-") {
		return &FetchError{Kind: FetchRevisionNotFound, Err: fmt.Errorf("invalid revision %q", revision)}
	}
	if strings.HasPrefix(source, "-") {
		return &FetchError{Kind: FetchUnknown, Err: fmt.Errorf("invalid source location %q", source)}
	}
	header, err := authHeader(source, cred)
	if err != nil {
		return &FetchError{Kind: FetchUnknown, Err: err}
	}
	secrets := []string{cred.value(), strings.TrimPrefix(header, authPrefix)}

	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}

	slog.Info("fetching source", "job_id", ws.JobID, "source", source, "revision", revision)
	start := time.Now()
	if out, err := m.runGit(ctx, ws.SourceDir, nil, "init", "--quiet"); err != nil {
		return &FetchError{Kind: FetchUnknown, Detail: strings.TrimSpace(out), Err: err}
	}

	config := [][2]string{{"credential.helper", ""}}
	if header != "" {
		config = append(config, [2]string{"http.extraHeader", header})
	}
	out, err := m.runGit(ctx, ws.SourceDir, configEnv(config),
		"fetch", "--quiet", "--depth", "1", "--no-tags", source, revision)
	out = scrub(out, secrets...)
	if err != nil {
		kind := classifyFetch(ctx, out)
		slog.Warn("fetch failed", "job_id", ws.JobID, "kind", string(kind), "duration", time.Since(start).String())
		return &FetchError{Kind: kind, Detail: strings.TrimSpace(out), Err: scrubErr(err, secrets...)}
	}

	if out, err := m.runGit(ctx, ws.SourceDir, nil, "checkout", "--quiet", "FETCH_HEAD"); err != nil {
		return &FetchError{Kind: FetchUnknown, Detail: strings.TrimSpace(out), Err: err}
	}
	slog.Info("source fetched", "job_id", ws.JobID, "duration", time.Since(start).String())
	return nil
}

// Destroy removes the workspace. It is a no-op for the zero Workspace and
// for directories that are already gone.
func (m *Manager) Destroy(ws Workspace) error {
	if ws.IsZero() {
		return nil
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Path, err)
	}
	slog.Debug("workspace destroyed", "job_id", ws.JobID)
	return nil
}

func (m *Manager) runGit(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.git, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes",
	)
	cmd.Env = append(cmd.Env, env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

const authPrefix = "Authorization: Basic "

// authHeader returns the http.extraHeader value for source, or "" when no
// credential applies. Credentials are only sent over https.
func authHeader(source string, cred *Credential) (string, error) {
	if cred == nil {
		return "", nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse source location: %w", err)
	}
	if u.Scheme != "https" {
		return "", nil
	}
	return authPrefix + cred.basicAuth(), nil
}

// configEnv passes git configuration through the environment, which keeps
// it out of argv and out of the repository config.
func configEnv(pairs [][2]string) []string {
	env := []string{"GIT_CONFIG_COUNT=" + strconv.Itoa(len(pairs))}
	for i, p := range pairs {
		env = append(env,
			fmt.Sprintf("GIT_CONFIG_KEY_%d=%s", i, p[0]),
			fmt.Sprintf("GIT_CONFIG_VALUE_%d=%s", i, p[1]),
		)
	}
	return env
}

func scrub(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redacted)
		s = strings.ReplaceAll(s, url.PathEscape(secret), redacted)
	}
	return s
}

func scrubErr(err error, secrets ...string) error {
	if msg := scrub(err.Error(), secrets...); msg != err.Error() {
		return errors.New(msg)
	}
	return err
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
