package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgrammer/forge/internal/jobs"
)

type fakeService struct {
	submitted []jobs.SubmitRequest
	submitErr error
	jobs      map[string]jobs.Job
	paths     map[string]string
}

func (f *fakeService) Submit(_ context.Context, req jobs.SubmitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "build-1", nil
}

func (f *fakeService) Get(_ context.Context, id string) (jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeService) ArtifactPath(ctx context.Context, id string) (string, error) {
	j, err := f.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if j.Status != jobs.JobStatusSucceeded {
		return "", jobs.ErrNotReady
	}
	return f.paths[id], nil
}

func newTestServer(t *testing.T, svc *fakeService) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()
	srv := httptest.NewServer(NewRouter(svc, jobs.NewLogStreamer(), root))
	t.Cleanup(srv.Close)
	return srv, root
}

func postBuild(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/build", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBuildAccepted(t *testing.T) {
	svc := &fakeService{}
	srv, _ := newTestServer(t, svc)

	resp := postBuild(t, srv, `{"repoUrl":"https://github.com/acme/app.git","branch":"dev","token":"ghp_x"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "build-1", created["buildId"])
	assert.Equal(t, "queued", created["status"])
	assert.Nil(t, created["downloadUrl"])

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "dev", svc.submitted[0].Revision)
	assert.NotNil(t, svc.submitted[0].Credential)
}

func TestBuildValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{})

	for _, body := range []string{
		`not json`,
		`{"repoUrl":""}`,
		`{"repoUrl":"ftp://example.com/x"}`,
		`{"repoUrl":"/etc/passwd"}`,
		`{"repoUrl":"https://github.com/a/b","webhookUrl":"file:///tmp/x"}`,
	} {
		resp := postBuild(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestBuildSubmitFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{submitErr: jobs.ErrStopped})
	resp := postBuild(t, srv, `{"repoUrl":"https://github.com/acme/app.git"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	done := time.Now().UTC()
	svc := &fakeService{jobs: map[string]jobs.Job{
		"ok":      {ID: "ok", Status: jobs.JobStatusSucceeded, ArtifactRef: "ok.apk", FinishedAt: &done},
		"running": {ID: "running", Status: jobs.JobStatusBuilding},
	}}
	srv, _ := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/status/ok")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "/downloads/ok.apk", body["downloadUrl"])
	assert.NotContains(t, body, "token")

	resp2, err := http.Get(srv.URL + "/status/running")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body = map[string]any{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Nil(t, body["downloadUrl"])

	resp3, err := http.Get(srv.URL + "/status/missing")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestDownload(t *testing.T) {
	svc := &fakeService{jobs: map[string]jobs.Job{
		"ok":      {ID: "ok", Status: jobs.JobStatusSucceeded, ArtifactRef: "ok.apk"},
		"pending": {ID: "pending", Status: jobs.JobStatusQueued},
	}}
	srv, root := newTestServer(t, svc)
	path := filepath.Join(root, "ok.apk")
	require.NoError(t, os.WriteFile(path, []byte("apk-bytes"), 0o644))
	svc.paths = map[string]string{"ok": path}

	resp, err := http.Get(srv.URL + "/download/ok")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.android.package-archive", resp.Header.Get("content-type"))
	assert.Contains(t, resp.Header.Get("content-disposition"), "ok.apk")

	for _, id := range []string{"pending", "missing"} {
		r, err := http.Get(srv.URL + "/download/" + id)
		require.NoError(t, err)
		r.Body.Close()
		assert.Equal(t, http.StatusNotFound, r.StatusCode, id)
	}

	static, err := http.Get(srv.URL + "/downloads/ok.apk")
	require.NoError(t, err)
	defer static.Body.Close()
	assert.Equal(t, http.StatusOK, static.StatusCode)

	listing, err := http.Get(srv.URL + "/downloads/")
	require.NoError(t, err)
	defer listing.Body.Close()
	assert.Equal(t, http.StatusNotFound, listing.StatusCode)
}

func TestLogsForFinishedBuild(t *testing.T) {
	svc := &fakeService{jobs: map[string]jobs.Job{"done": {ID: "done", Status: jobs.JobStatusFailed}}}
	srv, _ := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/status/done/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &fakeService{})
	for _, p := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
	}
}

func TestValidSource(t *testing.T) {
	assert.True(t, validSource("https://github.com/acme/app.git"))
	assert.True(t, validSource("ssh://git@github.com/acme/app.git"))
	assert.False(t, validSource("github.com/acme/app"))
	assert.True(t, validSource("file:///srv/mirrors/app.git"))
	assert.False(t, validSource("file://"))
	assert.False(t, validSource("file://remotehost/app.git"))
	assert.False(t, validSource("https:///app.git"))
}
