package subscriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

const TypeWebSocket = "websocket"

const closeWait = time.Second

type subscribeMessage struct {
	Action string   `json:"action"`
	Rates  []string `json:"rates"`
}

// WebSocketFeed receives JSON ticks, either one object or an array per frame
type WebSocketFeed struct {
	*lifecycle
	url    string
	rates  []string
	header http.Header
	tokens *TokenSource
}

func NewWebSocketFeed(name string, logger *zap.Logger, url string, rates []string, tokens *TokenSource) *WebSocketFeed {
	return &WebSocketFeed{
		lifecycle: newLifecycle(name, logger),
		url:       url,
		rates:     rates,
		header:    http.Header{},
		tokens:    tokens,
	}
}

func NewWebSocketFeedFromConfig(cfg config.SubscriberConfig, logger *zap.Logger) (Subscriber, error) {
	p := Params(cfg.Params)
	if err := p.Require("url"); err != nil {
		return nil, err
	}
	var tokens *TokenSource
	if p.Has("token_url") {
		tokens = NewTokenSource(TokenConfig{
			URL:      p.String("token_url", ""),
			Username: p.String("username", ""),
			Password: p.String("password", ""),
			TTL:      p.Duration("token_ttl", 0),
			Skew:     p.Duration("token_skew", 0),
		}, nil, RealClock{}, logger)
	}
	return NewWebSocketFeed(cfg.Name, logger, p.String("url", ""), cfg.Rates, tokens), nil
}

func (f *WebSocketFeed) Start(ctx context.Context, sink TickSink) error {
	ctx, cancel := f.scope(ctx)
	defer cancel()

	header := f.header.Clone()
	if f.tokens != nil {
		tok, err := f.tokens.Token(ctx)
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	if len(f.rates) > 0 {
		if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Rates: f.rates}); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	// WriteControl and Close are the only calls gorilla allows next to a reader
	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		conn.Close()
	})
	defer stop()
	f.logger.Info("WebSocket feed connected", zap.String("url", f.url))

	filter := rateFilter(f.rates)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		ticks, err := decodeTicks(data)
		if err != nil {
			f.logger.Warn("Skipping malformed frame", zap.Error(err))
			continue
		}
		for _, t := range ticks {
			if t.RateName != "" && wants(filter, t.RateName) {
				sink(t)
			}
		}
	}
}

func decodeTicks(data []byte) ([]models.RawTick, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var ticks []models.RawTick
		err := json.Unmarshal(data, &ticks)
		return ticks, err
	}
	var tick models.RawTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, err
	}
	return []models.RawTick{tick}, nil
}
