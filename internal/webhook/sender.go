package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event is the JSON body POSTed to a job's webhook on every transition.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type Sender interface {
	Notify(ctx context.Context, url string, event Event) error
}

// permanentError marks a response that retrying cannot fix.
type permanentError struct {
	status string
}

func (e *permanentError) Error() string { return "webhook rejected: " + e.status }

type httpsender struct {
	client      *http.Client
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewHTTPSender(timeout time.Duration, maxRetries int) Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &httpsender{
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
		maxBackoff:  30 * time.Second,
	}
}

func (s *httpsender) Notify(ctx context.Context, url string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		lastErr = s.post(ctx, url, body)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
		if attempt == s.maxRetries {
			break
		}
		select {
		case <-time.After(s.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (s *httpsender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &permanentError{status: err.Error()}
	}
	req.Header.Set("content-type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return &permanentError{status: resp.Status}
	}
	return errors.New(resp.Status)
}

// exponential backoff with a small linear jitter
func (s *httpsender) backoff(attempt int) time.Duration {
	d := s.baseBackoff * (1 << attempt)
	if d > s.maxBackoff || d <= 0 {
		d = s.maxBackoff
	}
	return d + time.Duration(attempt*50)*time.Millisecond
}
