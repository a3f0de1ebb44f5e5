// Package platform talks to the messaging platform's directory APIs.
// Today that is contact profile lookups, used to enrich stored contacts
// after a webhook introduces them.
package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/pkg/errors"
	"github.com/driftdesk/driftdesk/pkg/json"
	"github.com/driftdesk/driftdesk/pkg/metrics"
)

// Config holds the directory API endpoint and credentials.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RetryInterval seeds the exponential backoff between attempts.
	RetryInterval time.Duration
}

// Profile is the subset of the platform's user profile we keep.
type Profile struct {
	Name      string `json:"name"`
	Locale    string `json:"locale"`
	AvatarURL string `json:"avatar_url"`
}

// Client fetches contact profiles with retries behind a circuit breaker,
// so a degraded platform API cannot stall webhook processing.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *cb.CircuitBreaker
	log     *zap.Logger
}

// NewClient creates a directory client. The breaker opens after repeated
// consecutive failures and recovers on its own.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	log = log.With(zap.String("component", "platform"))

	settings := cb.Settings{
		Name:        "PlatformProfileCB",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: cb.NewCircuitBreaker(settings),
		log:     log,
	}
}

// Enabled reports whether a directory endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg.BaseURL != ""
}

// FetchProfile looks up the profile behind a platform user id. Missing
// profiles return ErrNotFound without retrying; transient failures are
// retried twice before giving up.
func (c *Client) FetchProfile(ctx context.Context, platform, platformUserID string) (*Profile, error) {
	if !c.Enabled() {
		return nil, errors.ErrUnavailable
	}

	var profile *Profile
	operation := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.fetch(ctx, platform, platformUserID)
		})
		if err != nil {
			if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
				return backoff.Permanent(err)
			}
			if errors.Is(err, errors.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		p, ok := result.(*Profile)
		if !ok {
			return backoff.Permanent(fmt.Errorf("unexpected profile result type %T", result))
		}
		profile = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInterval
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	switch {
	case err == nil:
		metrics.ProfileFetchTotal.WithLabelValues("ok").Inc()
		return profile, nil
	case errors.Is(err, errors.ErrNotFound):
		metrics.ProfileFetchTotal.WithLabelValues("not_found").Inc()
		return nil, err
	case err == cb.ErrOpenState || err == cb.ErrTooManyRequests:
		metrics.ProfileFetchTotal.WithLabelValues("open").Inc()
		return nil, errors.Wrap(errors.ErrUnavailable, "profile directory circuit open")
	default:
		metrics.ProfileFetchTotal.WithLabelValues("error").Inc()
		return nil, err
	}
}

func (c *Client) fetch(ctx context.Context, platform, platformUserID string) (*Profile, error) {
	url := fmt.Sprintf("%s/v1/profiles/%s/%s", c.cfg.BaseURL, platform, platformUserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		profile := &Profile{}
		if err := json.Unmarshal(body, profile); err != nil {
			return nil, fmt.Errorf("failed to decode profile: %w", err)
		}
		return profile, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.ErrNotFound
	default:
		return nil, fmt.Errorf("profile fetch returned status %d", resp.StatusCode)
	}
}
