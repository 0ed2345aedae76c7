package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/voxray-ai/console/internal/resilience"
)

// Pinger is anything with a connectivity probe, such as the archive store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Breakers fails only when every breaker is open. A partly open set still
// serves through the remaining backends.
func Breakers(name string, breakers []*resilience.CircuitBreaker) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if len(breakers) == 0 {
			return nil
		}
		var open []string
		for _, cb := range breakers {
			if cb.State() == resilience.StateOpen {
				open = append(open, cb.Name())
			}
		}
		if len(open) == len(breakers) {
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(open, ", "))
		}
		return nil
	}}
}

// Reachable checks that an HTTP server answers at target. Any response counts;
// only transport failures fail the check.
func Reachable(name, target string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{Name: name, Check: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				return fmt.Errorf("unreachable: %w", urlErr.Err)
			}
			return fmt.Errorf("unreachable: %w", err)
		}
		resp.Body.Close()
		return nil
	}}
}
