package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type FetchErrorKind string

const (
	FetchAuthFailed       FetchErrorKind = "auth failed"
	FetchRevisionNotFound FetchErrorKind = "revision not found"
	FetchNetworkError     FetchErrorKind = "network error"
	FetchUnknown          FetchErrorKind = "unknown"
)

// FetchError is returned by Fetch. Detail is the scrubbed fetch output.
type FetchError struct {
	Kind   FetchErrorKind
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): %s", e.Kind, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

var (
	authMarkers = []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"terminal prompts disabled",
		"permission denied (publickey)",
		"the requested url returned error: 401",
		"the requested url returned error: 403",
		"invalid username or password",
	}
	revisionMarkers = []string{
		"remote branch",
		"couldn't find remote ref",
		"not found in upstream",
		"unknown revision",
	}
	networkMarkers = []string{
		"could not resolve host",
		"failed to connect",
		"connection refused",
		"connection timed out",
		"operation timed out",
		"network is unreachable",
		"no route to host",
		"unable to access",
		"could not read from remote repository",
		"does not appear to be a git repository",
		"repository not found",
	}
)

func classifyFetch(ctx context.Context, output string) FetchErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return FetchNetworkError
	}
	lower := strings.ToLower(output)
	switch {
	case containsAny(lower, authMarkers):
		return FetchAuthFailed
	case containsAny(lower, revisionMarkers):
		return FetchRevisionNotFound
	case containsAny(lower, networkMarkers):
		return FetchNetworkError
	}
	return FetchUnknown
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
