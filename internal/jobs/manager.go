package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/paulgrammer/forge/internal/executor"
	"github.com/paulgrammer/forge/internal/webhook"
	"github.com/paulgrammer/forge/internal/workspace"
)

// Workspaces allocates and fetches per-job source trees.
type Workspaces interface {
	Provision(id string) (workspace.Workspace, error)
	Fetch(ctx context.Context, ws workspace.Workspace, source, revision string, cred *workspace.Credential) error
	Destroy(ws workspace.Workspace) error
}

// Artifacts is the subset of the artifact store the manager drives.
type Artifacts interface {
	Reserve(id string) (string, error)
	ResolveForDownload(id string) (string, error)
	Publish(ctx context.Context, id string) error
	Discard(id string) error
}

// Publisher receives a copy of the job view on every transition.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Dispatcher starts the work for one job. It is the hook a scheduler would
// replace to add admission control.
type Dispatcher interface {
	Dispatch(run func()) error
}

type goDispatcher struct{}

func (goDispatcher) Dispatch(run func()) error {
	go run()
	return nil
}

type Option func(*Manager)

func WithBuildTimeout(d time.Duration) Option {
	return func(m *Manager) { m.buildTimeout = d }
}

func WithDefaultRevision(rev string) Option {
	return func(m *Manager) { m.defaultRevision = rev }
}

// WithMaxMessageBytes bounds the build output excerpt kept in a failed
// job's message.
func WithMaxMessageBytes(n int) Option {
	return func(m *Manager) { m.maxMessage = n }
}

func WithSender(s webhook.Sender) Option {
	return func(m *Manager) { m.sender = s }
}

func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

func WithStreamer(s *LogStreamer) Option {
	return func(m *Manager) { m.streamer = s }
}

func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// Manager drives each job through fetch, build and finalize. Every job
// runs in its own tracked goroutine.
type Manager struct {
	store      Store
	workspaces Workspaces
	runner     executor.Runner
	artifacts  Artifacts
	sender     webhook.Sender
	publisher  Publisher
	streamer   *LogStreamer
	dispatcher Dispatcher

	buildTimeout    time.Duration
	defaultRevision string
	maxMessage      int
	// terminal state writes are retried this many times, backing off from
	// retryBackoff
	terminalAttempts int
	retryBackoff     time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	running map[string]chan struct{}
}

func NewManager(store Store, workspaces Workspaces, runner executor.Runner, artifacts Artifacts, opts ...Option) (*Manager, error) {
	if store == nil || workspaces == nil || runner == nil || artifacts == nil {
		return nil, errors.New("store, workspaces, runner and artifacts are required")
	}
	m := &Manager{
		store:           store,
		workspaces:      workspaces,
		runner:          runner,
		artifacts:       artifacts,
		dispatcher:      goDispatcher{},
		buildTimeout:    15 * time.Minute,
		defaultRevision: "main",
		maxMessage:      4096,
		running:         make(map[string]chan struct{}),

		terminalAttempts: 6,
		retryBackoff:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.buildTimeout <= 0 {
		return nil, errors.New("build timeout must be > 0")
	}
	return m, nil
}

// Submit registers a queued job and dispatches it. It returns as soon as
// the job is in the registry.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Source) == "" {
		return "", errors.New("source location is required")
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if req.Revision == "" {
		req.Revision = m.defaultRevision
	}

	job := Job{
		ID:          uuid.NewString(),
		Source:      req.Source,
		Revision:    req.Revision,
		Status:      JobStatusQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		m.wg.Done()
		return "", fmt.Errorf("register job: %w", err)
	}
	BuildsSubmittedTotal.Inc()
	slog.Info("build submitted", "job_id", job.ID, "source", job.Source, "revision", job.Revision)

	r := &jobRun{id: job.ID, req: req, hooks: m.startWebhook(job.ID, req.WebhookURL)}
	m.announce(ctx, r, job)

	done := make(chan struct{})
	m.mu.Lock()
	m.running[job.ID] = done
	m.mu.Unlock()

	err := m.dispatcher.Dispatch(func() {
		defer m.release(job.ID, done)
		m.execute(r)
	})
	if err != nil {
		slog.Error("dispatch failed", "job_id", job.ID, "error", err)
		m.finish(context.Background(), r, time.Now(), "", fmt.Errorf("dispatch failed: %w", err))
		m.release(job.ID, done)
	}
	return job.ID, nil
}

// Get returns a consistent snapshot of the job.
func (m *Manager) Get(ctx context.Context, id string) (Job, error) {
	return m.store.Get(ctx, id)
}

// ArtifactPath resolves the artifact of a succeeded job.
func (m *Manager) ArtifactPath(ctx context.Context, id string) (string, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != JobStatusSucceeded {
		return "", ErrNotReady
	}
	return m.artifacts.ResolveForDownload(id)
}

// Wait blocks until the job's goroutine has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.Lock()
	done, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		_, err := m.store.Get(ctx, id)
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new submissions and waits for running jobs to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover fails every job a previous process left in a non-terminal state
// and removes any artifact it may have written. It returns the number of
// jobs recovered. Call it before accepting submissions.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	recovered := 0
	for _, job := range all {
		if job.Status.IsTerminal() {
			continue
		}
		m.mu.Lock()
		_, running := m.running[job.ID]
		m.mu.Unlock()
		if running {
			continue
		}
		_, err := m.store.Update(ctx, job.ID, func(j *Job) {
			now := time.Now().UTC()
			j.Status = JobStatusFailed
			j.Message = "Build interrupted by server restart"
			j.FinishedAt = &now
			j.ArtifactRef = ""
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		if err := m.artifacts.Discard(job.ID); err != nil {
			slog.Warn("failed to discard artifact of interrupted job", "job_id", job.ID, "error", err)
		}
		BuildsFailedTotal.WithLabelValues("interrupted").Inc()
		slog.Warn("interrupted build marked failed", "job_id", job.ID, "status", job.Status)
		recovered++
	}
	return recovered, nil
}

func (m *Manager) release(id string, done chan struct{}) {
	m.mu.Lock()
	delete(m.running, id)
	m.mu.Unlock()
	close(done)
	m.wg.Done()
}

// jobRun carries what one job's goroutine needs beyond the registry
// record: the credential and webhook target live only here.
type jobRun struct {
	id    string
	req   SubmitRequest
	hooks *webhookQueue
}

func (m *Manager) execute(r *jobRun) {
	ctx := context.Background()
	start := time.Now()
	BuildsInProgress.Inc()
	defer BuildsInProgress.Dec()

	artifact, err := m.build(ctx, r)
	m.finish(ctx, r, start, artifact, err)
}

// build runs the fetch and build stages. The workspace is destroyed before
// it returns, on every path, so it never outlives the non-terminal states.
func (m *Manager) build(ctx context.Context, r *jobRun) (artifact string, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("build panicked", "job_id", r.id, "panic", p)
			err = fmt.Errorf("internal error: %v", p)
		}
	}()

	if err := m.transition(ctx, r, func(j *Job) {
		now := time.Now().UTC()
		j.Status = JobStatusFetching
		j.StartedAt = &now
	}); err != nil {
		return "", err
	}

	ws, err := m.workspaces.Provision(r.id)
	if err != nil {
		return "", &SetupError{Err: err}
	}
	defer m.cleanup(ws)

	if err := m.workspaces.Fetch(ctx, ws, r.req.Source, r.req.Revision, r.req.Credential); err != nil {
		return "", err
	}

	if err := m.transition(ctx, r, func(j *Job) {
		j.Status = JobStatusBuilding
	}); err != nil {
		return "", err
	}

	dest, err := m.artifacts.Reserve(r.id)
	if err != nil {
		return "", fmt.Errorf("reserve artifact: %w", err)
	}

	spec := executor.BuildSpec{
		JobID:       r.id,
		SourceDir:   ws.SourceDir,
		OutputDir:   ws.OutputDir,
		Destination: dest,
		Timeout:     m.buildTimeout,
	}
	if m.streamer != nil {
		spec.Output = &logStreamWriter{streamer: m.streamer, jobID: r.id}
	}
	res, err := m.runner.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	return res.ArtifactName, nil
}

func (m *Manager) cleanup(ws workspace.Workspace) {
	if err := m.workspaces.Destroy(ws); err != nil {
		slog.Error("workspace cleanup failed", "job_id", ws.JobID, "error", err)
	}
}

// finish moves the job to its terminal state. Failures of the surrounding
// stages are folded into the message here and go no further.
func (m *Manager) finish(ctx context.Context, r *jobRun, start time.Time, artifact string, buildErr error) {
	defer r.hooks.close()

	status, message, reason := JobStatusSucceeded, "Build succeeded", ""
	if buildErr != nil {
		status = JobStatusFailed
		message, reason = m.describe(buildErr)
		artifact = ""
		if err := m.artifacts.Discard(r.id); err != nil {
			slog.Warn("failed to discard artifact", "job_id", r.id, "error", err)
		}
	}

	err := m.commitTerminal(ctx, r, func(j *Job) {
		now := time.Now().UTC()
		j.Status = status
		j.Message = message
		j.FinishedAt = &now
		j.ArtifactRef = artifact
	})
	if m.streamer != nil {
		m.streamer.Close(r.id)
	}
	if err != nil {
		slog.Error("failed to record terminal state", "job_id", r.id, "status", status, "error", err)
		if artifact != "" {
			if err := m.artifacts.Discard(r.id); err != nil {
				slog.Warn("failed to discard unrecorded artifact", "job_id", r.id, "error", err)
			}
		}
		BuildsFailedTotal.WithLabelValues("registry").Inc()
		return
	}
	BuildDuration.Observe(time.Since(start).Seconds())

	if status == JobStatusSucceeded {
		BuildsSucceededTotal.Inc()
		slog.Info("build succeeded", "job_id", r.id, "artifact", artifact, "duration", time.Since(start).String())
		if err := m.artifacts.Publish(ctx, r.id); err != nil {
			slog.Warn("artifact publish failed", "job_id", r.id, "error", err)
		}
		return
	}
	BuildsFailedTotal.WithLabelValues(reason).Inc()
	slog.Warn("build failed", "job_id", r.id, "reason", reason, "error", buildErr)
}

// describe turns a stage error into the user-visible message and a metrics
// reason.
func (m *Manager) describe(err error) (string, string) {
	var (
		fetchErr *workspace.FetchError
		buildErr *executor.BuildError
		setupErr *SetupError
	)
	switch {
	case errors.As(err, &setupErr):
		return setupErr.Error(), "setup"
	case errors.As(err, &fetchErr):
		return fetchErr.Error(), "fetch"
	case errors.As(err, &buildErr):
		switch buildErr.Kind {
		case executor.TimedOut:
			return fmt.Sprintf("Build timed out after %s", m.buildTimeout), "timeout"
		case executor.CommandFailed:
			return fmt.Sprintf("Build failed (rc=%d). Output:\n%s", buildErr.ExitCode, tail(buildErr.Output, m.maxMessage)), "command"
		case executor.ArtifactMissing:
			return fmt.Sprintf("Build finished but artifact not found: %v", buildErr.Err), "artifact_missing"
		}
		return buildErr.Error(), "build"
	}
	return err.Error(), "internal"
}

// commitTerminal retries the terminal write with exponential backoff. A
// rejected transition or a missing job is final.
func (m *Manager) commitTerminal(ctx context.Context, r *jobRun, mutate func(*Job)) error {
	backoff := m.retryBackoff
	var err error
	for attempt := 1; attempt <= m.terminalAttempts; attempt++ {
		err = m.transition(ctx, r, mutate)
		if err == nil || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt < m.terminalAttempts {
			slog.Warn("terminal state write failed, retrying", "job_id", r.id, "attempt", attempt, "error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func (m *Manager) transition(ctx context.Context, r *jobRun, mutate func(*Job)) error {
	job, err := m.store.Update(ctx, r.id, mutate)
	if err != nil {
		return err
	}
	slog.Debug("job transition", "job_id", r.id, "status", job.Status)
	m.announce(ctx, r, job)
	return nil
}

// announce reports a transition to the event bus and webhook. Delivery
// problems are logged and never affect the job.
func (m *Manager) announce(ctx context.Context, r *jobRun, job Job) {
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, "forge.jobs."+string(job.Status), job); err != nil {
			slog.Warn("event publish failed", "job_id", job.ID, "error", err)
		}
	}
	r.hooks.push(webhook.Event{
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   job.Message,
		Timestamp: time.Now().UTC(),
		Data:      job,
	})
}

// webhookQueue delivers one job's events in order without blocking the
// job. A job emits at most four events, which fit the buffer.
type webhookQueue struct {
	events chan webhook.Event
}

func (m *Manager) startWebhook(id, url string) *webhookQueue {
	if url == "" || m.sender == nil {
		return nil
	}
	q := &webhookQueue{events: make(chan webhook.Event, 4)}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for event := range q.events {
			if err := m.sender.Notify(context.Background(), url, event); err != nil {
				slog.Warn("webhook delivery failed", "job_id", id, "status", event.Status, "error", err)
			}
		}
	}()
	return q
}

func (q *webhookQueue) push(e webhook.Event) {
	if q == nil {
		return
	}
	select {
	case q.events <- e:
	default:
		slog.Warn("webhook queue full, dropping event", "job_id", e.JobID, "status", e.Status)
	}
}

func (q *webhookQueue) close() {
	if q != nil {
		close(q.events)
	}
}

func tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "...\n" + s[cut:]
}
