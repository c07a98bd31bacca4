package subscriber

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

	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

const TypeREST = "rest"

var errUnauthorized = errors.New("upstream rejected the access token")

// RESTPoller periodically fetches a JSON array of ticks from an HTTP endpoint
type RESTPoller struct {
	*lifecycle
	endpoint    string
	rates       []string
	interval    time.Duration
	maxFailures int
	client      *http.Client
	tokens      *TokenSource
}

func NewRESTPoller(name string, logger *zap.Logger, endpoint string, rates []string, interval time.Duration, maxFailures int, client *http.Client, tokens *TokenSource) *RESTPoller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTPoller{
		lifecycle:   newLifecycle(name, logger),
		endpoint:    endpoint,
		rates:       rates,
		interval:    interval,
		maxFailures: maxFailures,
		client:      client,
		tokens:      tokens,
	}
}

func NewRESTPollerFromConfig(cfg config.SubscriberConfig, logger *zap.Logger) (Subscriber, error) {
	p := Params(cfg.Params)
	if err := p.Require("url"); err != nil {
		return nil, err
	}
	if _, err := url.Parse(p.String("url", "")); err != nil {
		return nil, fmt.Errorf("param url: %w", err)
	}

	client := &http.Client{Timeout: p.Duration("timeout", 10*time.Second)}

	var tokens *TokenSource
	if p.Has("token_url") {
		tokens = NewTokenSource(TokenConfig{
			URL:      p.String("token_url", ""),
			Username: p.String("username", ""),
			Password: p.String("password", ""),
			TTL:      p.Duration("token_ttl", 30*time.Minute),
			Skew:     p.Duration("token_skew", 30*time.Second),
		}, client, RealClock{}, logger)
	}

	return NewRESTPoller(cfg.Name, logger, p.String("url", ""), cfg.Rates,
		p.Duration("interval", time.Second), p.Int("max_failures", 10), client, tokens), nil
}

// Start polls until stopped. After maxFailures consecutive failed polls the
// upstream is considered unreachable and Start returns the last error.
func (r *RESTPoller) Start(ctx context.Context, sink TickSink) error {
	ctx, cancel := r.scope(ctx)
	defer cancel()

	r.logger.Info("REST poller started", zap.String("url", r.endpoint), zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	failures := 0
	for {
		err := r.poll(ctx, sink)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			r.logger.Warn("Poll failed", zap.Error(err), zap.Int("consecutive_failures", failures))
			if errors.Is(err, errUnauthorized) && r.tokens != nil {
				r.tokens.Invalidate()
			}
			if r.maxFailures > 0 && failures >= r.maxFailures {
				return err
			}
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *RESTPoller) poll(ctx context.Context, sink TickSink) error {
	target := r.endpoint
	if len(r.rates) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "rates=" + url.QueryEscape(strings.Join(r.rates, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	if r.tokens != nil {
		tok, err := r.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var ticks []models.RawTick
	if err := json.NewDecoder(resp.Body).Decode(&ticks); err != nil {
		return fmt.Errorf("decode ticks: %w", err)
	}

	filter := rateFilter(r.rates)
	for _, t := range ticks {
		if t.RateName == "" || !wants(filter, t.RateName) {
			continue
		}
		sink(t)
	}
	return nil
}
