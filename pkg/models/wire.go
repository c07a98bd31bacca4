package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const wireSeparator = "|"

// ErrMalformedRecord is returned when a pipe-delimited record cannot be parsed
var ErrMalformedRecord = errors.New("malformed rate record")

// Wire renders the rate as rateName|bid|ask|timestamp, timestamp in UTC ISO-8601.
func (r Rate) Wire() string {
	var sb strings.Builder
	sb.Grow(len(r.RateName) + 48)
	sb.WriteString(r.RateName)
	sb.WriteString(wireSeparator)
	sb.WriteString(r.Bid.String())
	sb.WriteString(wireSeparator)
	sb.WriteString(r.Ask.String())
	sb.WriteString(wireSeparator)
	sb.WriteString(r.Timestamp.UTC().Format(time.RFC3339Nano))
	return sb.String()
}

// ParseWire is the inverse of Rate.Wire
func ParseWire(record string) (Rate, error) {
	parts := strings.Split(strings.TrimSpace(record), wireSeparator)
	if len(parts) != 4 {
		return Rate{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedRecord, len(parts))
	}
	return parseRateFields(parts)
}

// ParseTickRecord parses a feed line of the form
// rateName|bid|ask|timestamp[|dayOpen|dayHigh|dayLow|dayChange|dayChangePercent|dayVolume|lastTickVolume].
// Missing statistics are left at zero.
func ParseTickRecord(record string) (RawTick, error) {
	parts := strings.Split(strings.TrimSpace(record), wireSeparator)
	if len(parts) < 4 || len(parts) > 11 {
		return RawTick{}, fmt.Errorf("%w: expected 4 to 11 fields, got %d", ErrMalformedRecord, len(parts))
	}

	rate, err := parseRateFields(parts[:4])
	if err != nil {
		return RawTick{}, err
	}

	tick := RawTick{
		RateName:  rate.RateName,
		Bid:       rate.Bid,
		Ask:       rate.Ask,
		Timestamp: rate.Timestamp,
	}

	stats := []*decimal.Decimal{
		&tick.DayOpen, &tick.DayHigh, &tick.DayLow, &tick.DayChange,
		&tick.DayChangePercent, &tick.DayVolume, &tick.LastTickVolume,
	}
	for i, raw := range parts[4:] {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return RawTick{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, i+4, err)
		}
		*stats[i] = v
	}
	return tick, nil
}

func parseRateFields(parts []string) (Rate, error) {
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Rate{}, fmt.Errorf("%w: empty rate name", ErrMalformedRecord)
	}
	bid, err := decimal.NewFromString(parts[1])
	if err != nil {
		return Rate{}, fmt.Errorf("%w: bid: %v", ErrMalformedRecord, err)
	}
	ask, err := decimal.NewFromString(parts[2])
	if err != nil {
		return Rate{}, fmt.Errorf("%w: ask: %v", ErrMalformedRecord, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[3])
	if err != nil {
		return Rate{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedRecord, err)
	}
	return Rate{RateName: name, Bid: bid, Ask: ask, Timestamp: ts}, nil
}
