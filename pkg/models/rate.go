package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawTick is a single primary-source price update for one rate, with intraday statistics
type RawTick struct {
	RateName         string          `json:"rateName"`
	Bid              decimal.Decimal `json:"bid"`
	Ask              decimal.Decimal `json:"ask"`
	Timestamp        time.Time       `json:"timestamp"`
	DayOpen          decimal.Decimal `json:"dayOpen"`
	DayHigh          decimal.Decimal `json:"dayHigh"`
	DayLow           decimal.Decimal `json:"dayLow"`
	DayChange        decimal.Decimal `json:"dayChange"`
	DayChangePercent decimal.Decimal `json:"dayChangePercent"`
	DayVolume        decimal.Decimal `json:"dayVolume"`
	LastTickVolume   decimal.Decimal `json:"lastTickVolume"`
}

// ToRate projects the tick onto the normalized shape stored in the cache
func (t RawTick) ToRate() Rate {
	return Rate{
		RateName:  t.RateName,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Timestamp: t.Timestamp,
	}
}

// Rate is the normalized rate consumed by formula evaluation and cache storage.
// bid <= ask is not enforced here.
type Rate struct {
	RateName  string          `json:"rateName"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// Equal reports whether two rates carry the same values.
// Decimals compare numerically, so 1.50 equals 1.5.
func (r Rate) Equal(o Rate) bool {
	return r.RateName == o.RateName &&
		r.Bid.Equal(o.Bid) &&
		r.Ask.Equal(o.Ask) &&
		r.Timestamp.Equal(o.Timestamp)
}

// UpdateKind tags an outbound update with the logical channel it belongs to
type UpdateKind int

const (
	UpdateRaw UpdateKind = iota
	UpdateCalculated
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateRaw:
		return "raw"
	case UpdateCalculated:
		return "calculated"
	default:
		return "unknown"
	}
}
