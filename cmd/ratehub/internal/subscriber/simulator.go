package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

const TypeSimulator = "simulator"

// Instrument seeds one simulated rate
type Instrument struct {
	Name   string
	Price  float64
	Spread float64
	// Step is the largest absolute move of the mid price per tick
	Step float64
}

type dayStats struct {
	open, high, low, volume decimal.Decimal
}

// Simulator is an in-process random-walk tick producer
type Simulator struct {
	*lifecycle
	instruments []Instrument
	rand        Rand
	clock       Clock
	interval    time.Duration

	mids  map[string]decimal.Decimal
	stats map[string]*dayStats
}

func NewSimulator(name string, logger *zap.Logger, instruments []Instrument, rnd Rand, clock Clock, interval time.Duration) *Simulator {
	return &Simulator{
		lifecycle:   newLifecycle(name, logger),
		instruments: instruments,
		rand:        rnd,
		clock:       clock,
		interval:    interval,
		mids:        make(map[string]decimal.Decimal),
		stats:       make(map[string]*dayStats),
	}
}

// NewSimulatorFromConfig reads either params.instruments ({name, price, spread, step})
// or the entry's rates list with shared price/spread/step params.
func NewSimulatorFromConfig(cfg config.SubscriberConfig, logger *zap.Logger) (Subscriber, error) {
	p := Params(cfg.Params)
	spread := p.Float("spread", 0.0002)
	step := p.Float("step", 0.0005)

	var instruments []Instrument
	for _, m := range p.Maps("instruments") {
		inst := Instrument{
			Name:   cast.ToString(m["name"]),
			Price:  cast.ToFloat64(m["price"]),
			Spread: spread,
			Step:   step,
		}
		if v, ok := m["spread"]; ok {
			inst.Spread = cast.ToFloat64(v)
		}
		if v, ok := m["step"]; ok {
			inst.Step = cast.ToFloat64(v)
		}
		instruments = append(instruments, inst)
	}
	if len(instruments) == 0 {
		price := p.Float("price", 1)
		for _, r := range cfg.Rates {
			instruments = append(instruments, Instrument{Name: r, Price: price, Spread: spread, Step: step})
		}
	}

	if len(instruments) == 0 {
		return nil, errors.New("simulator needs at least one instrument")
	}
	for _, inst := range instruments {
		if inst.Name == "" || inst.Price <= 0 {
			return nil, fmt.Errorf("invalid instrument %+v", inst)
		}
	}

	rnd := RealRand{rand.New(rand.NewSource(time.Now().UnixNano()))}
	return NewSimulator(cfg.Name, logger, instruments, rnd, RealClock{}, p.Duration("interval", 100*time.Millisecond)), nil
}

func (s *Simulator) Start(ctx context.Context, sink TickSink) error {
	ctx, cancel := s.scope(ctx)
	defer cancel()

	names := make([]string, 0, len(s.instruments))
	for _, inst := range s.instruments {
		names = append(names, inst.Name)
	}
	s.logger.Info("Simulator Started", zap.Strings("rates", names))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			inst := s.instruments[s.rand.Intn(len(s.instruments))]
			sink(s.next(inst))
			s.clock.Sleep(s.interval)
		}
	}
}

func (s *Simulator) next(inst Instrument) models.RawTick {
	mid, ok := s.mids[inst.Name]
	if !ok {
		mid = decimal.NewFromFloat(inst.Price)
	}

	// (0.5 * 2) - 1 = 0: a centred draw leaves the price unchanged
	fluctuation := decimal.NewFromFloat((s.rand.Float64()*2 - 1) * inst.Step)
	if moved := mid.Add(fluctuation).Round(6); moved.IsPositive() {
		mid = moved
	}
	s.mids[inst.Name] = mid

	st, ok := s.stats[inst.Name]
	if !ok {
		st = &dayStats{open: mid, high: mid, low: mid, volume: decimal.Zero}
		s.stats[inst.Name] = st
	}
	if mid.GreaterThan(st.high) {
		st.high = mid
	}
	if mid.LessThan(st.low) {
		st.low = mid
	}
	tickVolume := decimal.NewFromInt(int64(1 + s.rand.Intn(100)))
	st.volume = st.volume.Add(tickVolume)

	half := decimal.NewFromFloat(inst.Spread).Div(decimal.NewFromInt(2))
	change := mid.Sub(st.open)

	return models.RawTick{
		RateName:         inst.Name,
		Bid:              mid.Sub(half),
		Ask:              mid.Add(half),
		Timestamp:        s.clock.Now().UTC(),
		DayOpen:          st.open,
		DayHigh:          st.high,
		DayLow:           st.low,
		DayChange:        change,
		DayChangePercent: change.Div(st.open).Mul(decimal.NewFromInt(100)).Round(4),
		DayVolume:        st.volume,
		LastTickVolume:   tickVolume,
	}
}
