package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulgrammer/forge/internal/artifacts"
	"github.com/paulgrammer/forge/internal/jobs"
	"github.com/paulgrammer/forge/internal/workspace"
)

// BuildService is what the gateway needs from the orchestrator.
type BuildService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (string, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
	ArtifactPath(ctx context.Context, id string) (string, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

type router struct {
	service      BuildService
	streamer     *jobs.LogStreamer
	artifactRoot string
}

type buildRequest struct {
	RepoURL    string `json:"repoUrl"`
	Branch     string `json:"branch,omitempty"`
	Token      string `json:"token,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

type buildCreated struct {
	BuildID     string  `json:"buildId"`
	Status      string  `json:"status"`
	DownloadURL *string `json:"downloadUrl"`
}

type statusResponse struct {
	jobs.Job
	DownloadURL *string `json:"downloadUrl"`
}

// NewRouter wires the build endpoints. artifactRoot is served read-only
// under /downloads/.
func NewRouter(service BuildService, streamer *jobs.LogStreamer, artifactRoot string) http.Handler {
	r := &router{service: service, streamer: streamer, artifactRoot: artifactRoot}
	m := chi.NewRouter()
	m.Use(middleware.RequestID)
	m.Use(middleware.Recoverer)
	m.Use(logging)

	m.Get("/healthz", r.handleHealth)
	m.Post("/build", r.handleBuild)
	m.Get("/status/{id}", r.handleStatus)
	m.Get("/status/{id}/logs", r.handleLogs)
	m.Get("/download/{id}", r.handleDownload)
	m.Handle("/downloads/*", http.StripPrefix("/downloads/", http.FileServer(noListing{http.Dir(artifactRoot)})))
	m.Handle("/metrics", promhttp.Handler())
	return m
}

func (r *router) handleBuild(w http.ResponseWriter, req *http.Request) {
	var body buildRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validSource(body.RepoURL) {
		respondWithError(w, http.StatusBadRequest, "repoUrl must be a valid URL")
		return
	}
	if body.WebhookURL != "" && !validWebhook(body.WebhookURL) {
		respondWithError(w, http.StatusBadRequest, "webhookUrl must be an http(s) URL")
		return
	}

	id, err := r.service.Submit(req.Context(), jobs.SubmitRequest{
		Source:     body.RepoURL,
		Revision:   strings.TrimSpace(body.Branch),
		Credential: workspace.NewCredential("", body.Token),
		WebhookURL: body.WebhookURL,
	})
	if err != nil {
		slog.Error("failed to queue build", "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "failed to queue build")
		return
	}
	respondWithJSON(w, http.StatusAccepted, buildCreated{BuildID: id, Status: string(jobs.JobStatusQueued)})
}

func (r *router) handleStatus(w http.ResponseWriter, req *http.Request) {
	job, err := r.service.Get(req.Context(), chi.URLParam(req, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to load build")
		return
	}
	resp := statusResponse{Job: job}
	if job.Status == jobs.JobStatusSucceeded && job.ArtifactRef != "" {
		u := "/downloads/" + url.PathEscape(job.ArtifactRef)
		resp.DownloadURL = &u
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (r *router) handleDownload(w http.ResponseWriter, req *http.Request) {
	path, err := r.service.ArtifactPath(req.Context(), chi.URLParam(req, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, jobs.ErrNotReady), errors.Is(err, artifacts.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "artifact not found")
		return
	case err != nil:
		respondWithError(w, http.StatusInternalServerError, "failed to resolve artifact")
		return
	}
	name := filepath.Base(path)
	w.Header().Set("content-type", artifacts.ContentType(name))
	w.Header().Set("content-disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, req, path)
}

func (r *router) handleLogs(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	job, err := r.service.Get(req.Context(), id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "build not found")
		return
	}
	if job.Status.IsTerminal() {
		respondWithError(w, http.StatusGone, "build already finished")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "error", err)
		return
	}

	r.streamer.Subscribe(id, conn)
	defer r.streamer.Unsubscribe(id, conn)

	// Keep the connection open until the client or the streamer closes it
	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func validSource(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh":
		return u.Host != ""
	case "file":
		return u.Host == "" && u.Path != ""
	}
	return false
}

func validWebhook(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}

// noListing hides directory indexes of the artifact root.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
