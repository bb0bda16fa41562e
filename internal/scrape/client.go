package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hzpp-delays/poller/internal/config"
	"github.com/hzpp-delays/poller/internal/models"
)

const (
	maxBodyBytes = 4 << 20
	userAgent    = "hzpp-delays-poller/1.0"
)

// Client fetches live-status payloads, one request per route number
type Client struct {
	cfg    *config.Config
	client *http.Client
}

// NewClient creates a scrape client. Timeouts are applied per attempt from
// cfg.RequestTimeout rather than on the shared http.Client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: cfg.WorkerLimit,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads the live-status document for routeNumber. Transient
// failures (timeouts, connection errors, 5xx, 408, 429) are retried with
// exponential backoff up to cfg.RetryAttempts attempts; anything else fails
// immediately. Errors are always *FetchError.
func (c *Client) Fetch(ctx context.Context, routeNumber int) (*models.RawPayload, error) {
	url := fmt.Sprintf(c.cfg.LiveStatusURL, routeNumber)

	attempts := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.RetryAttempts-1)),
		ctx,
	)

	payload, err := backoff.RetryNotifyWithData(
		func() (*models.RawPayload, error) {
			attempts++
			p, err := c.fetchOnce(ctx, url, routeNumber)
			if err != nil {
				var fe *FetchError
				if errors.As(err, &fe) && !fe.Transient() {
					return nil, backoff.Permanent(err)
				}
				if ctx.Err() != nil {
					return nil, backoff.Permanent(err)
				}
			}
			return p, err
		},
		b,
		func(err error, d time.Duration) {
			log.Printf("Scrape: route %d attempt %d failed, retrying in %v: %v", routeNumber, attempts, d.Round(time.Millisecond), err)
		},
	)
	if err != nil {
		var fe *FetchError
		if !errors.As(err, &fe) {
			fe = &FetchError{RouteNumber: routeNumber, Kind: FetchTransient, Err: err}
		}
		fe.Attempts = attempts
		return nil, fe
	}
	return payload, nil
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.RetryInitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         c.cfg.RetryMaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
}

func (c *Client) fetchOnce(ctx context.Context, url string, routeNumber int) (*models.RawPayload, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{RouteNumber: routeNumber, Kind: FetchPermanent, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, application/x-protobuf;q=0.9, */*;q=0.5")
	if c.cfg.LiveStatusToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.LiveStatusToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, resets and refused connections are all worth another try
		return nil, &FetchError{RouteNumber: routeNumber, Kind: FetchTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &FetchError{
			RouteNumber: routeNumber,
			Kind:        statusKind(resp.StatusCode),
			StatusCode:  resp.StatusCode,
			Err:         fmt.Errorf("live status returned status %d", resp.StatusCode),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !supportedContentType(contentType) {
		return nil, &FetchError{
			RouteNumber: routeNumber,
			Kind:        FetchPermanent,
			StatusCode:  resp.StatusCode,
			Err:         fmt.Errorf("unsupported content type %q", contentType),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{RouteNumber: routeNumber, Kind: FetchTransient, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(body) == 0 {
		return nil, &FetchError{RouteNumber: routeNumber, Kind: FetchPermanent, StatusCode: resp.StatusCode, Err: errors.New("empty response body")}
	}

	return &models.RawPayload{
		RouteNumber: routeNumber,
		ContentType: contentType,
		Body:        body,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func statusKind(code int) FetchKind {
	switch {
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return FetchTransient
	default:
		return FetchPermanent
	}
}

func supportedContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range []string{"image/", "audio/", "video/", "application/pdf", "application/zip"} {
		if strings.HasPrefix(ct, prefix) {
			return false
		}
	}
	return true
}
