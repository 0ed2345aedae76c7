package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxray-ai/console/internal/resilience"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func openBreaker(name string) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        name,
		MaxFailures: 1,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_ = cb.Execute(func() error { return errors.New("boom") })
	return cb
}

func TestBreakers(t *testing.T) {
	closed := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "openai"})

	tests := []struct {
		name     string
		breakers []*resilience.CircuitBreaker
		wantErr  string
	}{
		{"none configured", nil, ""},
		{"all closed", []*resilience.CircuitBreaker{closed}, ""},
		{"one of two open", []*resilience.CircuitBreaker{openBreaker("voxray"), closed}, ""},
		{"all open", []*resilience.CircuitBreaker{openBreaker("voxray"), openBreaker("openai")}, "all circuit breakers open: voxray, openai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Breakers("chat", tt.breakers).Check(context.Background())
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Check: %v", err)
			case tt.wantErr != "" && (err == nil || err.Error() != tt.wantErr):
				t.Errorf("Check err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestReachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	if err := Reachable("backend", srv.URL, nil).Check(context.Background()); err != nil {
		t.Errorf("404 counted as unreachable: %v", err)
	}
	srv.Close()

	err := Reachable("backend", srv.URL, nil).Check(context.Background())
	if err == nil || !strings.HasPrefix(err.Error(), "unreachable: ") {
		t.Errorf("closed server err = %v", err)
	}
}

func TestPing(t *testing.T) {
	c := Ping("archive", pingFunc(func(context.Context) error { return errors.New("no route") }))
	if c.Name != "archive" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("failing ping passed")
	}
}

func TestReadyz_RunsChecksConcurrently(t *testing.T) {
	slow := func(context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("readiness took %v, checks ran sequentially", elapsed)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
