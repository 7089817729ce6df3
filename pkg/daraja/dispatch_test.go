package daraja

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func buildGet(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDispatcher_SucceedsOnLaterAttempt(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), 3, time.Millisecond)
	var delays []time.Duration
	d.sleep = recordingSleep(&delays)

	body, err := d.Do(context.Background(), buildGet(server.URL))
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDispatcher_BackoffDoubles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), 4, 100*time.Millisecond)
	var delays []time.Duration
	d.sleep = recordingSleep(&delays)

	_, err := d.Do(context.Background(), buildGet(server.URL))
	if err == nil {
		t.Fatal("expected exhaustion error")
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("expected %d delays, got %d: %v", len(want), len(delays), delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %s, want %s", i, delays[i], want[i])
		}
	}
}

func TestDispatcher_ExhaustionWrapsLastFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), 3, time.Millisecond)
	var delays []time.Duration
	d.sleep = recordingSleep(&delays)

	_, err := d.Do(context.Background(), buildGet(server.URL))
	var gce *GatewayCallError
	if !errors.As(err, &gce) {
		t.Fatalf("error = %v, want *GatewayCallError", err)
	}
	if gce.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", gce.Attempts)
	}
	if gce.LastStatus != http.StatusForbidden {
		t.Fatalf("LastStatus = %d, want 403", gce.LastStatus)
	}
}

func TestDispatcher_BuildErrorShortCircuits(t *testing.T) {
	d := NewDispatcher(nil, 3, time.Millisecond)
	var delays []time.Duration
	d.sleep = recordingSleep(&delays)

	sentinel := errors.New("cannot build request")
	_, err := d.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want the build error unchanged", err)
	}
	var gce *GatewayCallError
	if errors.As(err, &gce) {
		t.Fatal("build errors must not be wrapped as gateway call failures")
	}
}

func TestDispatcher_RequestRebuiltEachAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	token := "stale"
	builds := 0
	d := NewDispatcher(server.Client(), 3, time.Millisecond)
	var delays []time.Duration
	d.sleep = recordingSleep(&delays)

	body, err := d.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		builds++
		if builds == 2 {
			token = "fresh"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
	if builds != 2 {
		t.Fatalf("expected the request to be rebuilt, got %d builds", builds)
	}
}

func TestDispatcher_CancelledContextStopsRetrying(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Do(ctx, buildGet(server.URL))
	var gce *GatewayCallError
	if !errors.As(err, &gce) {
		t.Fatalf("error = %v, want *GatewayCallError", err)
	}
	if !errors.Is(gce.Cause, context.Canceled) {
		t.Fatalf("Cause = %v, want context.Canceled", gce.Cause)
	}
}
