package subscriber

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

const TypeTCP = "tcp"

var errFeedClosed = errors.New("feed closed by upstream")

// TCPFeed reads pipe-delimited tick records, one per line, from a TCP stream.
// On connect it sends "subscribe|<rate>" for every configured rate.
type TCPFeed struct {
	*lifecycle
	address string
	rates   []string
	dialer  net.Dialer
	// ReconnectWindow bounds how long the feed keeps reconnecting before it gives up
	reconnectWindow time.Duration
}

func NewTCPFeed(name string, logger *zap.Logger, address string, rates []string, reconnectWindow time.Duration) *TCPFeed {
	return &TCPFeed{
		lifecycle:       newLifecycle(name, logger),
		address:         address,
		rates:           rates,
		dialer:          net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second},
		reconnectWindow: reconnectWindow,
	}
}

func NewTCPFeedFromConfig(cfg config.SubscriberConfig, logger *zap.Logger) (Subscriber, error) {
	p := Params(cfg.Params)
	if err := p.Require("address"); err != nil {
		return nil, err
	}
	return NewTCPFeed(cfg.Name, logger, p.String("address", ""), cfg.Rates, p.Duration("reconnect_window", 30*time.Second)), nil
}

func (f *TCPFeed) Start(ctx context.Context, sink TickSink) error {
	ctx, cancel := f.scope(ctx)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = f.reconnectWindow

	err := backoff.RetryNotify(func() error {
		received, err := f.session(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			// a productive session restarts the reconnect budget
			b.Reset()
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		f.logger.Warn("TCP feed disconnected, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
	})

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection until it fails; received reports whether any record arrived
func (f *TCPFeed) session(ctx context.Context, sink TickSink) (received bool, err error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", f.address)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	w := bufio.NewWriter(conn)
	for _, rate := range f.rates {
		fmt.Fprintf(w, "subscribe|%s\n", rate)
	}
	if err := w.Flush(); err != nil {
		return false, err
	}
	f.logger.Info("TCP feed connected", zap.String("address", f.address), zap.Strings("rates", f.rates))

	filter := rateFilter(f.rates)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		tick, err := models.ParseTickRecord(line)
		if err != nil {
			f.logger.Warn("Skipping malformed record", zap.String("line", line), zap.Error(err))
			continue
		}
		received = true
		if wants(filter, tick.RateName) {
			sink(tick)
		}
	}
	if err := scanner.Err(); err != nil {
		return received, err
	}
	return received, errFeedClosed
}
