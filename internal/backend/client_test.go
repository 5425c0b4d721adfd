package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"aim-chat/inbox-engine/internal/contracts"
	"aim-chat/inbox-engine/pkg/models"
)

func sampleUser() models.User {
	return models.User{InboxID: "inbx1me", DisplayName: "Me"}
}

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newRecordingServer(t *testing.T, status int, response any) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		requests = append(requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		mu.Unlock()

		w.WriteHeader(status)
		if response != nil {
			_ = json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func TestAuthenticateStoresSessionToken(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK, map[string]string{"token": "session_abc"})
	client := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	if err := client.Authenticate(ctx, "inbx1me", "inst_1"); err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if err := client.RegisterPushToken(ctx, "inst_1", "tok"); err != nil {
		t.Fatalf("register token failed: %v", err)
	}

	recs := requests()
	if len(recs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(recs))
	}
	if recs[0].path != "/v1/auth" || recs[0].method != http.MethodPost {
		t.Fatalf("unexpected auth request: %+v", recs[0])
	}
	if recs[0].body["inbox_id"] != "inbx1me" {
		t.Fatalf("auth body missing inbox id: %+v", recs[0].body)
	}
	// The session token rides on every later request.
	if recs[1].auth != "Bearer session_abc" {
		t.Fatalf("authorization header = %q", recs[1].auth)
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusOK, map[string]string{"token": ""})
	client := NewClient(Config{BaseURL: srv.URL})

	err := client.Authenticate(context.Background(), "inbx1me", "inst_1")
	if err == nil {
		t.Fatal("empty token must fail")
	}
	if got := contracts.ErrorCategory(err); got != contracts.ErrorCategoryAPI {
		t.Fatalf("expected api category, got %q", got)
	}
}

func TestGetProfilesBatches(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusOK, map[string]any{
		"profiles": []map[string]string{
			{"inbox_id": "inbx1a", "display_name": "Ada"},
		},
	})
	client := NewClient(Config{BaseURL: srv.URL})

	profiles, err := client.GetProfiles(context.Background(), []string{"inbx1a", "inbx1gone"})
	if err != nil {
		t.Fatalf("get profiles failed: %v", err)
	}
	if len(profiles) != 1 || profiles[0].DisplayName != "Ada" {
		t.Fatalf("profiles mismatch: %+v", profiles)
	}

	recs := requests()
	if len(recs) != 1 || recs[0].path != "/v1/profiles/batch" {
		t.Fatalf("unexpected requests: %+v", recs)
	}

	// An empty batch never leaves the process.
	if _, err := client.GetProfiles(context.Background(), nil); err != nil {
		t.Fatalf("empty batch failed: %v", err)
	}
	if len(requests()) != 1 {
		t.Fatal("empty batch hit the server")
	}
}

func TestNotFoundMapsToErrUserNotFound(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusNotFound, nil)
	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.GetUser(context.Background(), "inbx1missing")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if got := contracts.ErrorCategory(err); got != contracts.ErrorCategoryAPI {
		t.Fatalf("expected api category, got %q", got)
	}
}

func TestUnauthorizedMapsToErrUnauthenticated(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusUnauthorized, nil)
	client := NewClient(Config{BaseURL: srv.URL})

	err := client.CreateUser(context.Background(), sampleUser())
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestUnreachableBackendIsNetworkError(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusOK, nil)
	url := srv.URL
	srv.Close()

	client := NewClient(Config{BaseURL: url})
	err := client.CreateUser(context.Background(), sampleUser())
	if err == nil {
		t.Fatal("unreachable backend must fail")
	}
	if got := contracts.ErrorCategory(err); got != contracts.ErrorCategoryNetwork {
		t.Fatalf("expected network category, got %q", got)
	}
}

func TestTopicSubscriptionRequests(t *testing.T) {
	srv, requests := newRecordingServer(t, http.StatusNoContent, nil)
	client := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	if err := client.SubscribeToTopics(ctx, "inst_1", []string{"conversation/c1"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.UnsubscribeFromTopics(ctx, "inst_1", []string{"conversation/c1"}); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if err := client.SubscribeToTopics(ctx, "inst_1", nil); err != nil {
		t.Fatalf("empty subscribe failed: %v", err)
	}
	if err := client.UnregisterInstallation(ctx, "inst_1"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	recs := requests()
	if len(recs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(recs))
	}
	if recs[0].method != http.MethodPost || recs[0].path != "/v1/push/subscriptions" {
		t.Fatalf("unexpected subscribe request: %+v", recs[0])
	}
	if recs[1].method != http.MethodDelete || recs[1].path != "/v1/push/subscriptions" {
		t.Fatalf("unexpected unsubscribe request: %+v", recs[1])
	}
	if recs[2].method != http.MethodDelete || recs[2].path != "/v1/push/installations/inst_1" {
		t.Fatalf("unexpected unregister request: %+v", recs[2])
	}
}
