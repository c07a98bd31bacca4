package subscriber_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/subscriber"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/testutils"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

const tickJSON = `{"rateName":"%s","bid":"%s","ask":"%s","timestamp":"2024-03-14T09:30:00Z"}`

func tokenServer(t *testing.T, hits *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&creds) != nil || creds.Username != "hub" {
			http.Error(w, "bad credentials", http.StatusForbidden)
			return
		}
		n := hits.Add(1)
		time.Sleep(delay)
		fmt.Fprintf(w, `{"accessToken":"token-%d"}`, n)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_ConcurrentCallersShareOneRequest(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, 50*time.Millisecond)
	clock := &testutils.MockClock{CurrentTime: time.Unix(1700000000, 0)}

	ts := subscriber.NewTokenSource(subscriber.TokenConfig{
		URL: srv.URL, Username: "hub", Password: "secret", TTL: time.Minute, Skew: 10 * time.Second,
	}, srv.Client(), clock, zap.NewNop())

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := ts.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestTokenSource_RefreshesBeforeExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, 0)
	clock := &testutils.MockClock{CurrentTime: time.Unix(1700000000, 0)}

	ts := subscriber.NewTokenSource(subscriber.TokenConfig{
		URL: srv.URL, Username: "hub", TTL: time.Minute, Skew: 10 * time.Second,
	}, srv.Client(), clock, zap.NewNop())

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clock.Sleep(49 * time.Second)
	tok, _ = ts.Token(context.Background())
	assert.Equal(t, "token-1", tok, "still inside ttl minus skew")

	clock.Sleep(2 * time.Second)
	tok, _ = ts.Token(context.Background())
	assert.Equal(t, "token-2", tok, "skew forces an early refresh")

	ts.Invalidate()
	tok, _ = ts.Token(context.Background())
	assert.Equal(t, "token-3", tok)
}

func TestTokenSource_RejectedCredentials(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, &hits, 0)

	ts := subscriber.NewTokenSource(subscriber.TokenConfig{URL: srv.URL, Username: "intruder"},
		srv.Client(), &testutils.MockClock{}, zap.NewNop())

	_, err := ts.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestRESTPoller_PollsWithBearerToken(t *testing.T) {
	var tokenHits atomic.Int32
	auth := tokenServer(t, &tokenHits, 0)

	var sawQuery atomic.Value
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sawQuery.Store(r.URL.Query().Get("rates"))
		fmt.Fprintf(w, "[%s,%s]", fmt.Sprintf(tickJSON, "EURUSD", "1.0805", "1.0807"), fmt.Sprintf(tickJSON, "GBPUSD", "1.27", "1.28"))
	}))
	defer api.Close()

	tokens := subscriber.NewTokenSource(subscriber.TokenConfig{URL: auth.URL, Username: "hub", TTL: time.Hour},
		auth.Client(), &testutils.MockClock{}, zap.NewNop())
	poller := subscriber.NewRESTPoller("rest", zap.NewNop(), api.URL, []string{"EURUSD"}, 10*time.Millisecond, 3, api.Client(), tokens)

	c := newCollector(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := run(ctx, poller, c.sink)

	ticks := c.wait(t)
	poller.Stop()
	require.NoError(t, awaitResult(t, errCh))

	for _, tick := range ticks {
		assert.Equal(t, "EURUSD", tick.RateName, "ticks outside the rate list are filtered")
	}
	assert.True(t, ticks[0].Bid.Equal(decimal.RequireFromString("1.0805")))
	assert.Equal(t, "EURUSD", sawQuery.Load())
	assert.Equal(t, int32(1), tokenHits.Load(), "the token is reused across polls")
}

func TestRESTPoller_GivesUpAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	poller := subscriber.NewRESTPoller("rest", zap.NewNop(), api.URL, nil, time.Millisecond, 3, api.Client(), nil)

	err := awaitResult(t, run(context.Background(), poller, func(models.RawTick) {}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(3), calls.Load())
}

func TestTCPFeed_SubscribesAndParsesRecords(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	subscribed := make(chan []string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		var lines []string
		for i := 0; i < 2; i++ {
			line, _ := r.ReadString('\n')
			lines = append(lines, strings.TrimSpace(line))
		}
		subscribed <- lines

		fmt.Fprint(conn, "EURUSD|1.0805|1.0807|2024-03-14T09:30:00Z\n")
		fmt.Fprint(conn, "garbage\n")
		fmt.Fprint(conn, "GBPUSD|1.27|1.28|2024-03-14T09:30:00Z\n")
		fmt.Fprint(conn, "USDTRY|32.1|32.2|2024-03-14T09:30:01Z|32|32.5|31.9|0.1|0.31|1000|5\n")
		time.Sleep(time.Second)
	}()

	feed := subscriber.NewTCPFeed("tcp", zap.NewNop(), ln.Addr().String(), []string{"EURUSD", "USDTRY"}, time.Second)

	c := newCollector(2)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := run(ctx, feed, c.sink)

	ticks := c.wait(t)
	cancel()
	require.NoError(t, awaitResult(t, errCh))

	assert.Equal(t, []string{"subscribe|EURUSD", "subscribe|USDTRY"}, <-subscribed)
	require.Len(t, ticks, 2)
	assert.Equal(t, "EURUSD", ticks[0].RateName)
	assert.Equal(t, "USDTRY", ticks[1].RateName)
	assert.True(t, ticks[1].DayVolume.Equal(decimal.NewFromInt(1000)))
}

func TestTCPFeed_UnreachableUpstreamFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	feed := subscriber.NewTCPFeed("tcp", zap.NewNop(), addr, nil, 300*time.Millisecond)

	err = awaitResult(t, run(context.Background(), feed, func(models.RawTick) {}))
	assert.Error(t, err)
}

func TestWebSocketFeed_ReceivesObjectsAndArrays(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSubscribe := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, _ := conn.ReadMessage()
		gotSubscribe <- string(msg)

		conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(tickJSON, "EURUSD", "1.08", "1.09")))
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte("["+fmt.Sprintf(tickJSON, "USDTRY", "32", "32.5")+"]"))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := subscriber.NewWebSocketFeed("ws", zap.NewNop(), url, []string{"EURUSD", "USDTRY"}, nil)

	c := newCollector(2)
	err := awaitResult(t, run(context.Background(), feed, c.sink))
	require.NoError(t, err, "a normal close from upstream ends the stream cleanly")

	ticks := c.wait(t)
	assert.Equal(t, "EURUSD", ticks[0].RateName)
	assert.Equal(t, "USDTRY", ticks[1].RateName)
	assert.JSONEq(t, `{"action":"subscribe","rates":["EURUSD","USDTRY"]}`, <-gotSubscribe)
}

func TestWebSocketFeed_StopSendsNormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSubscribe := make(chan struct{})
	closeCode := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.ReadMessage()
		close(gotSubscribe)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				code := -1
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
				}
				closeCode <- code
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := subscriber.NewWebSocketFeed("ws", zap.NewNop(), url, []string{"EURUSD"}, nil)
	errCh := run(context.Background(), feed, func(models.RawTick) {})

	select {
	case <-gotSubscribe:
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe frame never arrived")
	}
	feed.Stop()

	require.NoError(t, awaitResult(t, errCh))
	select {
	case code := <-closeCode:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never saw the connection close")
	}
}

func TestKafkaFeed_BacksOffOnReadErrors(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = errors.New("broker unavailable")
	}
	reader := &testutils.MockKafkaReader{Errs: errs}
	feed := subscriber.NewKafkaFeed("kafka", zap.NewNop(), reader, nil, subscriber.WithReadBackoff(20*time.Millisecond, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := run(ctx, feed, func(models.RawTick) {})
	time.Sleep(300 * time.Millisecond)
	cancel()
	require.NoError(t, awaitResult(t, errCh))

	assert.Less(t, reader.ReadCount(), 30, "a failing broker is not polled in a tight loop")
	assert.Greater(t, reader.ReadCount(), 1, "reads are retried")
}

func TestKafkaFeed_RecoversAfterReadErrors(t *testing.T) {
	reader := &testutils.MockKafkaReader{
		Errs: []error{errors.New("leader not available"), errors.New("leader not available")},
		Messages: []kafka.Message{
			{Value: []byte("EURUSD|1.08|1.09|2024-03-14T09:30:00Z")},
		},
	}
	feed := subscriber.NewKafkaFeed("kafka", zap.NewNop(), reader, nil, subscriber.WithReadBackoff(5*time.Millisecond, 10*time.Millisecond))

	c := newCollector(1)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := run(ctx, feed, c.sink)

	ticks := c.wait(t)
	cancel()
	require.NoError(t, awaitResult(t, errCh))
	assert.Equal(t, "EURUSD", ticks[0].RateName)
}

func TestKafkaFeed_DecodesJSONAndPipeRecords(t *testing.T) {
	reader := &testutils.MockKafkaReader{Messages: []kafka.Message{
		{Key: []byte("EURUSD"), Value: []byte(fmt.Sprintf(tickJSON, "EURUSD", "1.08", "1.09"))},
		{Key: []byte("bad"), Value: []byte("{")},
		{Key: []byte("GBPUSD"), Value: []byte("GBPUSD|1.27|1.28|2024-03-14T09:30:00Z")},
		{Key: []byte("USDTRY"), Value: []byte("USDTRY|32|32.5|2024-03-14T09:30:00Z")},
	}}
	feed := subscriber.NewKafkaFeed("kafka", zap.NewNop(), reader, []string{"EURUSD", "USDTRY"})

	c := newCollector(2)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := run(ctx, feed, c.sink)

	ticks := c.wait(t)
	cancel()
	require.NoError(t, awaitResult(t, errCh))

	require.Len(t, ticks, 2)
	assert.Equal(t, "EURUSD", ticks[0].RateName)
	assert.Equal(t, "USDTRY", ticks[1].RateName)
	assert.True(t, reader.Closed, "reader is closed when the feed stops")
}

func TestKafkaFeed_ClosedReaderIsAFailure(t *testing.T) {
	reader := &testutils.MockKafkaReader{Closed: true}
	feed := subscriber.NewKafkaFeed("kafka", zap.NewNop(), reader, nil)

	err := awaitResult(t, run(context.Background(), feed, func(models.RawTick) {}))
	assert.Error(t, err)
}
