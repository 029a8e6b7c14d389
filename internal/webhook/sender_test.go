package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPSender_Success(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(2*time.Second, 0)
	err := s.Notify(context.Background(), srv.URL, Event{JobID: "1", Status: "cloning", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.JobID != "1" || got.Status != "cloning" {
		t.Fatalf("unexpected event delivered: %+v", got)
	}
}

func TestHTTPSender_RetryThenSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(2*time.Second, 5)
	start := time.Now()
	err := s.Notify(context.Background(), srv.URL, Event{JobID: "2", Status: "queued", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if atomic.LoadInt32(&hits) < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", hits)
	}
	if time.Since(start) < 500*time.Millisecond {
		t.Fatalf("expected backoff delay to elapse, too fast: %s", time.Since(start))
	}
}

func TestHTTPSender_ExhaustRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSender(500*time.Millisecond, 2)
	err := s.Notify(context.Background(), srv.URL, Event{JobID: "3", Status: "failed", Timestamp: time.Now()})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestHTTPSender_ClientErrorIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	s := NewHTTPSender(time.Second, 5)
	if err := s.Notify(context.Background(), srv.URL, Event{JobID: "4"}); err == nil {
		t.Fatalf("expected error for 410 response")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestHTTPSender_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(5*time.Second, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.Notify(ctx, srv.URL, Event{JobID: "5", Status: "queued", Timestamp: time.Now()})
	if err == nil {
		t.Fatalf("expected context timeout error")
	}
}
