package jobs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogStreamerBroadcastAndClose(t *testing.T) {
	ls := NewLogStreamer()
	subscribed := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ls.Subscribe("job-1", conn)
		close(subscribed)
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	<-subscribed

	w := &logStreamWriter{streamer: ls, jobID: "job-1"}
	_, err = w.Write([]byte("> Task :app:assembleDebug\n"))
	require.NoError(t, err)
	ls.Broadcast("job-2", []byte("not for this subscriber\n"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "> Task :app:assembleDebug\n", string(msg))

	ls.Close("job-1")
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	ls.mu.Lock()
	defer ls.mu.Unlock()
	assert.Empty(t, ls.subscribers)
}

func TestLogStreamerSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	ls := NewLogStreamer()
	subscribed := make(chan struct{}, 2)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ls.Subscribe(r.URL.Query().Get("job"), conn)
		subscribed <- struct{}{}
	}))
	defer srv.Close()

	dial := func(job string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?job="+job, nil)
		require.NoError(t, err)
		<-subscribed
		return conn
	}
	stalled := dial("job-a")
	defer stalled.Close()
	reader := dial("job-b")
	defer reader.Close()

	chunk := []byte(strings.Repeat("x", 64*1024))
	w := &logStreamWriter{streamer: ls, jobID: "job-a"}
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for i := 0; i < 400; i++ {
			_, _ = w.Write(chunk)
		}
	}()
	select {
	case <-flooded:
	case <-time.After(5 * time.Second):
		t.Fatal("writes to a job with a stalled subscriber blocked")
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ls.Broadcast("job-b", []byte("BUILD SUCCESSFUL\n"))
		ls.Close("job-b")
		ls.Close("job-a")
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("another job's stream was blocked by a stalled subscriber")
	}

	require.NoError(t, reader.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := reader.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "BUILD SUCCESSFUL\n", string(msg))
	_, _, err = reader.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	ls.mu.Lock()
	defer ls.mu.Unlock()
	assert.Empty(t, ls.subscribers)
}
