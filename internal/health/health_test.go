package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// probe serves path through a mux with h registered and decodes the body.
func probe(t *testing.T, h *Handler, path string, ctx context.Context) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "provider", Check: failWith("down")})
	h.Drain()

	code, body := probe(t, h, "/healthz", context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
	if len(body.Checks) != 0 {
		t.Errorf("healthz checks = %v, want none", body.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "provider", Check: pass},
				{Name: "relay", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"provider": "ok", "relay": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "provider", Check: failWith("no provider configured")},
				{Name: "relay", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"provider": "fail: no provider configured", "relay": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "provider", Check: failWith("timeout")},
				{Name: "relay", Check: failWith("closed")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"provider": "fail: timeout", "relay": "fail: closed"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := probe(t, New(tc.checkers...), "/readyz", context.Background())
			if code != tc.wantCode {
				t.Errorf("status code = %d, want %d", code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyzDraining(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "provider", Check: pass})

	if code, _ := probe(t, h, "/readyz", context.Background()); code != http.StatusOK {
		t.Fatalf("before drain: status = %d, want 200", code)
	}

	h.Drain()
	if !h.Draining() {
		t.Fatal("Draining() = false after Drain")
	}
	code, body := probe(t, h, "/readyz", context.Background())
	if code != http.StatusServiceUnavailable {
		t.Errorf("after drain: status = %d, want 503", code)
	}
	if body.Checks[drainingCheck] == "" {
		t.Errorf("checks = %v, want %q entry", body.Checks, drainingCheck)
	}
	if body.Checks["provider"] != "ok" {
		t.Errorf("provider check = %q, want ok", body.Checks["provider"])
	}
}

func TestReadyzRespectsCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, body := probe(t, h, "/readyz", ctx)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Checks["slow"] != "fail: "+context.Canceled.Error() {
		t.Errorf("slow check = %q", body.Checks["slow"])
	}
}
