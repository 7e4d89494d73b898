// Package activity implements the orchestrator's collaborators against the
// control APIs of remote capture processes.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"dayflow/config"
	"dayflow/internal/day"
	"dayflow/logger"
)

var ErrServiceUnavailable = errors.New("service unavailable")

// StatusError is a non-2xx answer from a control API.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s %s: status %d", e.Service, e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// HTTPService drives one remote process. Every call goes through a circuit
// breaker so a dead process fails fast instead of burning the retry budget
// on connect timeouts.
type HTTPService struct {
	name    string
	base    *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     *logger.Log
}

func NewHTTPService(name string, ep config.ServiceEndpoint, cb config.CircuitBreakerConfig) (*HTTPService, error) {
	base, err := url.Parse(strings.TrimRight(ep.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid url %q: %w", name, ep.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%s: url %q must be http or https", name, ep.URL)
	}

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	threshold := uint32(cb.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}

	log := logger.GetLogger()
	svc := &HTTPService{
		name:   name,
		base:   base,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
	svc.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cb.HalfOpenMaxRequests),
		Timeout:     cb.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A rejected request means the process is up.
			var se *StatusError
			return err == nil || errors.As(err, &se) && se.Permanent()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("activity").WithFields(logger.Fields{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return svc, nil
}

func (s *HTTPService) Name() string { return s.name }

func (s *HTTPService) Start(ctx context.Context, env string, date day.Date) error {
	return s.do(ctx, http.MethodPost, "/v1/days/"+url.PathEscape(env)+"/"+string(date)+"/start", nil)
}

func (s *HTTPService) Stop(ctx context.Context, env string) error {
	return s.do(ctx, http.MethodPost, "/v1/envs/"+url.PathEscape(env)+"/stop", nil)
}

func (s *HTTPService) Healthcheck(ctx context.Context, env string) error {
	return s.do(ctx, http.MethodGet, "/v1/envs/"+url.PathEscape(env)+"/health", nil)
}

// Sync asks a security master process to refresh the universe for date.
func (s *HTTPService) Sync(ctx context.Context, env string, date day.Date) error {
	return s.do(ctx, http.MethodPost, "/v1/envs/"+url.PathEscape(env)+"/sync", url.Values{"date": {string(date)}})
}

// Rebalance asks an ingestion process to compact its shard layout.
func (s *HTTPService) Rebalance(ctx context.Context, env string) error {
	return s.do(ctx, http.MethodPost, "/v1/envs/"+url.PathEscape(env)+"/rebalance", nil)
}

// Verify asks an archival process to confirm the archive of date is complete.
func (s *HTTPService) Verify(ctx context.Context, env string, date day.Date) error {
	return s.do(ctx, http.MethodGet, "/v1/days/"+url.PathEscape(env)+"/"+string(date)+"/verify", nil)
}

// DayStats reads the capture counters of a remote process.
func (s *HTTPService) DayStats(ctx context.Context, env string) (day.Stats, error) {
	var stats day.Stats
	err := s.call(ctx, http.MethodGet, "/v1/envs/"+url.PathEscape(env)+"/stats", nil, &stats)
	return stats, err
}

func (s *HTTPService) do(ctx context.Context, method, path string, query url.Values) error {
	return s.call(ctx, method, path, query, nil)
}

// call sends one request. A 2xx body is decoded into out when out is not nil.
func (s *HTTPService) call(ctx context.Context, method, path string, query url.Values, out any) error {
	u := *s.base
	u.Path += path
	u.RawQuery = query.Encode()

	_, err := s.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return struct{}{}, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s %s %s: %w", s.name, method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				return struct{}{}, nil
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(out); err != nil {
				return struct{}{}, fmt.Errorf("%s %s %s: decode response: %w", s.name, method, path, err)
			}
			return struct{}{}, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return struct{}{}, &StatusError{
			Service: s.name,
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Body:    strings.TrimSpace(string(body)),
		}
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w: %w", s.name, ErrServiceUnavailable, err)
	}

	var se *StatusError
	if errors.As(err, &se) && se.Permanent() {
		s.log.WithComponent("activity").WithFields(logger.Fields{
			"service": s.name,
			"path":    path,
			"status":  se.Code,
		}).Warn("request rejected; not retrying")
		return backoff.Permanent(err)
	}
	return err
}
