package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenConfig describes the credential exchange of an authenticated upstream
type TokenConfig struct {
	URL      string
	Username string
	Password string
	// TTL is how long the upstream keeps a token valid
	TTL time.Duration
	// Skew is subtracted from TTL so a token is refreshed before it expires
	Skew time.Duration
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// TokenSource hands out a cached access token. Concurrent callers that find
// it expired share one refresh request.
type TokenSource struct {
	cfg    TokenConfig
	client *http.Client
	clock  Clock
	logger *zap.Logger

	mu      sync.RWMutex
	token   string
	expires time.Time

	group singleflight.Group
}

func NewTokenSource(cfg TokenConfig, client *http.Client, clock Clock, logger *zap.Logger) *TokenSource {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Skew < 0 || cfg.Skew >= cfg.TTL {
		cfg.Skew = 0
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		cfg:    cfg,
		client: client,
		clock:  clock,
		logger: logger,
	}
}

func (ts *TokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token != "" && ts.clock.Now().Before(ts.expires) {
		return ts.token, true
	}
	return "", false
}

func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}

	ch := ts.group.DoChan("token", func() (any, error) {
		// another flight may have finished while we were queued
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		return ts.fetch(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate forces the next Token call to refresh, e.g. after a 401
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expires = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) fetch(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{Username: ts.cfg.Username, Password: ts.cfg.Password})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("token response: empty accessToken")
	}

	ts.mu.Lock()
	ts.token = out.AccessToken
	ts.expires = ts.clock.Now().Add(ts.cfg.TTL - ts.cfg.Skew)
	ts.mu.Unlock()

	ts.logger.Debug("Access token refreshed", zap.Duration("valid_for", ts.cfg.TTL-ts.cfg.Skew))
	return out.AccessToken, nil
}
